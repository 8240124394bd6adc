package virtservice

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnavailable is returned when the service cannot be reached.
	ErrUnavailable = errors.New("virtualization service unavailable")

	// ErrUnknownVM is returned when a VM handle no longer exists on the service side.
	ErrUnknownVM = errors.New("unknown vm")

	// ErrReleased is returned for calls on a VM handle after Close.
	ErrReleased = errors.New("vm handle released")
)

// RemoteError is a failure reported by the service for a specific call.
type RemoteError struct {
	Method  string
	Code    codes.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

// fromStatus converts a gRPC error into this package's error vocabulary.
func fromStatus(method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%s: %w: %s", method, ErrUnavailable, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %s", method, ErrUnknownVM, st.Message())
	default:
		return &RemoteError{Method: method, Code: st.Code(), Message: st.Message()}
	}
}

// toStatus converts a backend error into a gRPC status for the wire.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrUnknownVM):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
