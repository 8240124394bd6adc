package virtservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onkernel/vmkit/lib/logger"
	"github.com/samber/lo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// releaseTimeout bounds the Release call made from VM.Close.
const releaseTimeout = 5 * time.Second

// Client is a Service reached over gRPC on a unix socket. File arguments
// cross the boundary as absolute paths; the service runs on the same host
// with enough privilege to open them.
type Client struct {
	conn *grpc.ClientConn
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	deathFn map[int]func()
	nextFn  int
	dead    bool
	closing atomic.Bool
}

var _ Service = (*Client)(nil)

// Dial connects to the service socket and waits until the connection is ready.
// The client logs through the logger carried by ctx.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	abs, err := filepath.Abs(socketPath)
	if err != nil {
		return nil, fmt.Errorf("resolve socket path: %w", err)
	}

	conn, err := grpc.NewClient("unix://"+abs,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		// an idle channel would be indistinguishable from a lost service
		grpc.WithIdleTimeout(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create grpc client: %w", err)
	}

	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, abs, ctx.Err())
		}
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		log:     logger.FromContext(ctx),
		ctx:     cctx,
		cancel:  cancel,
		deathFn: make(map[int]func()),
	}
	go c.watchConnection()
	return c, nil
}

// Close tears down the connection. Linked death functions are not invoked.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.cancel()
	return c.conn.Close()
}

// watchConnection fires death notifications once the connection leaves READY.
func (c *Client) watchConnection() {
	state := c.conn.GetState()
	for state == connectivity.Ready {
		if !c.conn.WaitForStateChange(c.ctx, state) {
			return
		}
		state = c.conn.GetState()
	}
	if c.closing.Load() {
		return
	}

	c.log.WarnContext(c.ctx, "virtualization service connection lost", "state", state.String())

	c.mu.Lock()
	c.dead = true
	fns := lo.Values(c.deathFn)
	c.deathFn = map[int]func(){}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// LinkToDeath registers fn to run once when the service connection is lost.
// If the connection is already gone, fn runs on a new goroutine.
func (c *Client) LinkToDeath(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		go fn()
		return func() {}
	}

	id := c.nextFn
	c.nextFn++
	c.deathFn[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.deathFn, id)
		c.mu.Unlock()
	}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return fromStatus(method, c.conn.Invoke(ctx, fullMethod(method), req, resp))
}

// InitializeWritablePartition asks the service to format image.
func (c *Client) InitializeWritablePartition(ctx context.Context, image *os.File, size int64, t PartitionType) error {
	path, err := filePath(image)
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodInitializePartition, &partitionRequest{ImagePath: path, Size: size, Type: t}, &empty{})
}

// CreateOrUpdateIDSig asks the service to rewrite idsig from apk.
func (c *Client) CreateOrUpdateIDSig(ctx context.Context, apk, idsig *os.File) error {
	apkPath, err := filePath(apk)
	if err != nil {
		return err
	}
	idsigPath, err := filePath(idsig)
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodCreateOrUpdateIDSig, &idsigRequest{APKPath: apkPath, IDSigPath: idsigPath}, &empty{})
}

// CreateVM creates a VM and starts copying its console and log output into
// the given files. Copying stops when the VM handle is closed.
func (c *Client) CreateVM(ctx context.Context, cfg *AppConfig, console, log *os.File) (VM, error) {
	wcfg, err := toWireConfig(cfg)
	if err != nil {
		return nil, err
	}

	var resp createVMResponse
	if err := c.invoke(ctx, methodCreateVM, &createVMRequest{Config: *wcfg}, &resp); err != nil {
		return nil, err
	}

	vctx, cancel := context.WithCancel(c.ctx)
	v := &remoteVM{c: c, id: resp.VMID, ctx: vctx, cancel: cancel}
	if console != nil {
		go v.pump(outputConsole, console)
	}
	if log != nil {
		go v.pump(outputLog, log)
	}
	return v, nil
}

func toWireConfig(cfg *AppConfig) (*wireAppConfig, error) {
	apk, err := filePath(cfg.APK)
	if err != nil {
		return nil, fmt.Errorf("apk: %w", err)
	}
	idsig, err := filePath(cfg.IDSig)
	if err != nil {
		return nil, fmt.Errorf("idsig: %w", err)
	}
	image, err := filePath(cfg.InstanceImage)
	if err != nil {
		return nil, fmt.Errorf("instance image: %w", err)
	}

	extra := make([]string, 0, len(cfg.ExtraIDSigs))
	for i, f := range cfg.ExtraIDSigs {
		p, err := filePath(f)
		if err != nil {
			return nil, fmt.Errorf("extra idsig %d: %w", i, err)
		}
		extra = append(extra, p)
	}

	profiles := cfg.TaskProfiles
	if profiles == nil {
		profiles = []string{}
	}

	return &wireAppConfig{
		APKPath:           apk,
		IDSigPath:         idsig,
		ExtraIDSigPaths:   extra,
		InstanceImagePath: image,
		PayloadConfigPath: cfg.PayloadConfigPath,
		DebugLevel:        cfg.DebugLevel,
		ProtectedVM:       cfg.ProtectedVM,
		MemoryMiB:         cfg.MemoryMiB,
		NumCPUs:           cfg.NumCPUs,
		CPUAffinity:       cfg.CPUAffinity,
		TaskProfiles:      profiles,
	}, nil
}

func filePath(f *os.File) (string, error) {
	if f == nil {
		return "", errors.New("nil file")
	}
	return filepath.Abs(f.Name())
}

// remoteVM is a VM handle backed by the service.
type remoteVM struct {
	c  *Client
	id string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	callbacks []Callback
	watching  bool
	released  bool
}

func (v *remoteVM) req() *vmRequest { return &vmRequest{VMID: v.id} }

func (v *remoteVM) CID(ctx context.Context) (int, error) {
	var resp cidResponse
	if err := v.c.invoke(ctx, methodGetCID, v.req(), &resp); err != nil {
		return 0, err
	}
	return resp.CID, nil
}

func (v *remoteVM) State(ctx context.Context) (VMState, error) {
	var resp stateResponse
	if err := v.c.invoke(ctx, methodGetState, v.req(), &resp); err != nil {
		return VMStateDead, err
	}
	return resp.State, nil
}

func (v *remoteVM) Start(ctx context.Context) error {
	return v.c.invoke(ctx, methodStart, v.req(), &empty{})
}

// RegisterCallback subscribes cb to the VM's events. The first registration
// opens the Watch stream and returns once the service has acknowledged it,
// so no event emitted after RegisterCallback returns is missed.
func (v *remoteVM) RegisterCallback(cb Callback) error {
	v.mu.Lock()
	if v.released {
		v.mu.Unlock()
		return ErrReleased
	}
	v.callbacks = append(v.callbacks, cb)
	if v.watching {
		v.mu.Unlock()
		return nil
	}
	v.watching = true
	v.mu.Unlock()

	stream, err := v.c.conn.NewStream(v.ctx, watchStreamDesc, fullMethod(streamWatch))
	if err != nil {
		return v.abortWatch(fromStatus(streamWatch, err))
	}
	if err := stream.SendMsg(v.req()); err != nil {
		return v.abortWatch(fromStatus(streamWatch, err))
	}
	if err := stream.CloseSend(); err != nil {
		return v.abortWatch(fromStatus(streamWatch, err))
	}

	var ack wireEvent
	if err := stream.RecvMsg(&ack); err != nil {
		return v.abortWatch(fromStatus(streamWatch, err))
	}
	if ack.Kind != eventSubscribed {
		return v.abortWatch(fmt.Errorf("%s: unexpected first event %q", streamWatch, ack.Kind))
	}

	go v.deliver(stream)
	return nil
}

func (v *remoteVM) abortWatch(err error) error {
	v.mu.Lock()
	v.watching = false
	v.callbacks = nil
	v.mu.Unlock()
	return err
}

// deliver dispatches events in stream order until the stream ends.
func (v *remoteVM) deliver(stream grpc.ClientStream) {
	for {
		var ev wireEvent
		if err := stream.RecvMsg(&ev); err != nil {
			if !errors.Is(err, io.EOF) && v.ctx.Err() == nil {
				v.c.log.DebugContext(v.ctx, "vm event stream ended", "vm_id", v.id, "error", err)
			}
			return
		}

		v.mu.Lock()
		cbs := append([]Callback(nil), v.callbacks...)
		v.mu.Unlock()

		var payload io.ReadCloser
		if ev.Kind == eventPayloadStarted && ev.HasStream && len(cbs) > 0 {
			pr, pw := io.Pipe()
			go func() {
				pw.CloseWithError(v.copyOutput(outputPayload, pw))
			}()
			payload = pr
		}

		for _, cb := range cbs {
			switch ev.Kind {
			case eventPayloadStarted:
				cb.OnPayloadStarted(ev.CID, payload)
			case eventPayloadReady:
				cb.OnPayloadReady(ev.CID)
			case eventPayloadFinished:
				cb.OnPayloadFinished(ev.CID, ev.ExitCode)
			case eventError:
				cb.OnError(ev.CID, ev.Code, ev.Message)
			case eventDied:
				cb.OnDied(ev.CID, ev.Reason)
			}
		}
	}
}

// pump copies one output stream into f until the VM is released.
func (v *remoteVM) pump(stream string, f *os.File) {
	if err := v.copyOutput(stream, f); err != nil && v.ctx.Err() == nil {
		v.c.log.DebugContext(v.ctx, "vm output stream ended", "vm_id", v.id, "stream", stream, "error", err)
	}
}

func (v *remoteVM) copyOutput(stream string, w io.Writer) error {
	cs, err := v.c.conn.NewStream(v.ctx, outputStreamDesc, fullMethod(streamOutput))
	if err != nil {
		return fromStatus(streamOutput, err)
	}
	if err := cs.SendMsg(&outputRequest{VMID: v.id, Stream: stream}); err != nil {
		return fromStatus(streamOutput, err)
	}
	if err := cs.CloseSend(); err != nil {
		return fromStatus(streamOutput, err)
	}

	for {
		var chunk outputChunk
		if err := cs.RecvMsg(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fromStatus(streamOutput, err)
		}
		if _, err := w.Write(chunk.Data); err != nil {
			return err
		}
	}
}

// Close releases the VM on the service and stops all streams.
func (v *remoteVM) Close() error {
	v.mu.Lock()
	if v.released {
		v.mu.Unlock()
		return nil
	}
	v.released = true
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	err := v.c.invoke(ctx, methodRelease, v.req(), &empty{})
	v.cancel()
	if errors.Is(err, ErrUnknownVM) {
		return nil
	}
	return err
}
