package virtservice

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// The transport carries JSON messages over gRPC. Clients select the codec by
// content subtype, so the server needs no codec option.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const serviceName = "vmkit.virtservice.v1.VirtualizationService"

const (
	methodInitializePartition = "InitializeWritablePartition"
	methodCreateOrUpdateIDSig = "CreateOrUpdateIdsigFile"
	methodCreateVM            = "CreateVm"
	methodStart               = "Start"
	methodGetState            = "GetState"
	methodGetCID              = "GetCid"
	methodRelease             = "Release"
	streamWatch               = "Watch"
	streamOutput              = "Output"
)

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// Output stream selectors.
const (
	outputConsole = "console"
	outputLog     = "log"
	outputPayload = "payload"
)

// Event kinds sent on the Watch stream.
const (
	eventSubscribed      = "subscribed"
	eventPayloadStarted  = "payload_started"
	eventPayloadReady    = "payload_ready"
	eventPayloadFinished = "payload_finished"
	eventError           = "error"
	eventDied            = "died"
)

type empty struct{}

type partitionRequest struct {
	ImagePath string        `json:"image_path"`
	Size      int64         `json:"size"`
	Type      PartitionType `json:"type"`
}

type idsigRequest struct {
	APKPath   string `json:"apk_path"`
	IDSigPath string `json:"idsig_path"`
}

type wireAppConfig struct {
	APKPath           string     `json:"apk_path"`
	IDSigPath         string     `json:"idsig_path"`
	ExtraIDSigPaths   []string   `json:"extra_idsig_paths,omitempty"`
	InstanceImagePath string     `json:"instance_image_path"`
	PayloadConfigPath string     `json:"payload_config_path"`
	DebugLevel        DebugLevel `json:"debug_level"`
	ProtectedVM       bool       `json:"protected_vm"`
	MemoryMiB         int        `json:"memory_mib,omitempty"`
	NumCPUs           int        `json:"num_cpus"`
	CPUAffinity       string     `json:"cpu_affinity,omitempty"`
	TaskProfiles      []string   `json:"task_profiles"`
}

type createVMRequest struct {
	Config wireAppConfig `json:"config"`
}

type createVMResponse struct {
	VMID string `json:"vm_id"`
}

type vmRequest struct {
	VMID string `json:"vm_id"`
}

type stateResponse struct {
	State VMState `json:"state"`
}

type cidResponse struct {
	CID int `json:"cid"`
}

type outputRequest struct {
	VMID   string `json:"vm_id"`
	Stream string `json:"stream"`
}

type outputChunk struct {
	Data []byte `json:"data"`
}

type wireEvent struct {
	Kind      string      `json:"kind"`
	CID       int         `json:"cid"`
	HasStream bool        `json:"has_stream,omitempty"`
	ExitCode  int         `json:"exit_code,omitempty"`
	Code      ErrorCode   `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Reason    DeathReason `json:"reason,omitempty"`
}

// virtualizationServer is the handler set registered with grpc.Server.
type virtualizationServer interface {
	initializePartition(ctx context.Context, req *partitionRequest) (*empty, error)
	createOrUpdateIDSig(ctx context.Context, req *idsigRequest) (*empty, error)
	createVM(ctx context.Context, req *createVMRequest) (*createVMResponse, error)
	start(ctx context.Context, req *vmRequest) (*empty, error)
	getState(ctx context.Context, req *vmRequest) (*stateResponse, error)
	getCID(ctx context.Context, req *vmRequest) (*cidResponse, error)
	release(ctx context.Context, req *vmRequest) (*empty, error)
	watch(req *vmRequest, stream grpc.ServerStream) error
	output(req *outputRequest, stream grpc.ServerStream) error
}

// unaryHandler adapts a typed handler method to grpc.MethodHandler.
func unaryHandler[Req, Resp any](name string, call func(virtualizationServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		s := srv.(virtualizationServer)
		if interceptor == nil {
			return call(s, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
			return call(s, ctx, r.(*Req))
		})
	}
}

// streamHandler adapts a typed server-streaming method to grpc.StreamHandler.
func streamHandler[Req any](call func(virtualizationServer, *Req, grpc.ServerStream) error) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		req := new(Req)
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		return call(srv.(virtualizationServer), req, stream)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*virtualizationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodInitializePartition, Handler: unaryHandler(methodInitializePartition, virtualizationServer.initializePartition)},
		{MethodName: methodCreateOrUpdateIDSig, Handler: unaryHandler(methodCreateOrUpdateIDSig, virtualizationServer.createOrUpdateIDSig)},
		{MethodName: methodCreateVM, Handler: unaryHandler(methodCreateVM, virtualizationServer.createVM)},
		{MethodName: methodStart, Handler: unaryHandler(methodStart, virtualizationServer.start)},
		{MethodName: methodGetState, Handler: unaryHandler(methodGetState, virtualizationServer.getState)},
		{MethodName: methodGetCID, Handler: unaryHandler(methodGetCID, virtualizationServer.getCID)},
		{MethodName: methodRelease, Handler: unaryHandler(methodRelease, virtualizationServer.release)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: streamWatch, Handler: streamHandler(virtualizationServer.watch), ServerStreams: true},
		{StreamName: streamOutput, Handler: streamHandler(virtualizationServer.output), ServerStreams: true},
	},
	Metadata: "virtservice.json",
}

var (
	watchStreamDesc  = &serviceDesc.Streams[0]
	outputStreamDesc = &serviceDesc.Streams[1]
)
