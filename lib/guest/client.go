// Package guest opens RPC channels to services started by a VM's payload.
package guest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dialer opens a stream connection to a port inside a guest.
type Dialer interface {
	Dial(ctx context.Context, cid, port uint32) (net.Conn, error)
}

// VsockDialer dials guests over AF_VSOCK.
type VsockDialer struct{}

// Dial blocks until the guest accepts or refuses. The vsock connect call
// cannot be interrupted, so ctx is consulted only before dialing.
func (VsockDialer) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vsock.Dial(cid, port, nil)
}

// DialError indicates the guest refused the connection or is unreachable.
// This usually means the payload has not started its server yet.
type DialError struct {
	CID  uint32
	Port uint32
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial guest %d port %d: %v", e.CID, e.Port, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Connect dials the guest service once and returns a gRPC channel over it.
// The channel redials through d if the first connection drops.
func Connect(ctx context.Context, d Dialer, cid, port uint32) (*grpc.ClientConn, error) {
	first, err := d.Dial(ctx, cid, port)
	if err != nil {
		return nil, &DialError{CID: cid, Port: port, Err: err}
	}

	pending := &pendingConn{conn: first}
	cc, err := grpc.NewClient(fmt.Sprintf("passthrough:///vsock-%d-%d", cid, port),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			if c := pending.take(); c != nil {
				return c, nil
			}
			c, err := d.Dial(ctx, cid, port)
			if err != nil {
				return nil, &DialError{CID: cid, Port: port, Err: err}
			}
			return c, nil
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		first.Close()
		return nil, fmt.Errorf("create grpc channel: %w", err)
	}
	cc.Connect()

	slog.DebugContext(ctx, "connected to guest service", "cid", cid, "port", port)
	return cc, nil
}

// pendingConn hands an already established connection to the first dial.
type pendingConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *pendingConn) take() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conn
	p.conn = nil
	return c
}
