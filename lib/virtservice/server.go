package virtservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/vmkit/lib/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// outputChunkSize is the read size for console, log and payload streams.
const outputChunkSize = 32 * 1024

// RegisterServer exposes backend on s. The transport opens the files named in
// requests on behalf of the backend and owns them until the VM is released.
func RegisterServer(s *grpc.Server, backend Service) {
	s.RegisterService(&serviceDesc, &server{
		backend: backend,
		vms:     make(map[string]*vmEntry),
	})
}

type server struct {
	backend Service

	mu  sync.Mutex
	vms map[string]*vmEntry
}

var _ virtualizationServer = (*server)(nil)

// vmEntry tracks one backend VM and the host resources opened for it.
type vmEntry struct {
	vm    VM
	files []*os.File

	consoleR, consoleW *os.File
	logR, logW         *os.File

	mu      sync.Mutex
	payload io.ReadCloser
}

func (e *vmEntry) close() {
	e.vm.Close()
	for _, f := range e.files {
		f.Close()
	}
	for _, f := range []*os.File{e.consoleW, e.logW, e.consoleR, e.logR} {
		if f != nil {
			f.Close()
		}
	}
	e.mu.Lock()
	if e.payload != nil {
		e.payload.Close()
	}
	e.mu.Unlock()
}

func (s *server) lookup(id string) (*vmEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.vms[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "vm %s", id)
	}
	return e, nil
}

func (s *server) initializePartition(ctx context.Context, req *partitionRequest) (*empty, error) {
	f, err := os.OpenFile(req.ImagePath, os.O_RDWR, 0)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "open instance image: %v", err)
	}
	defer f.Close()

	if err := s.backend.InitializeWritablePartition(ctx, f, req.Size, req.Type); err != nil {
		return nil, toStatus(err)
	}
	return &empty{}, nil
}

func (s *server) createOrUpdateIDSig(ctx context.Context, req *idsigRequest) (*empty, error) {
	apk, err := os.Open(req.APKPath)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "open apk: %v", err)
	}
	defer apk.Close()

	idsig, err := os.OpenFile(req.IDSigPath, os.O_RDWR, 0)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "open idsig: %v", err)
	}
	defer idsig.Close()

	if err := s.backend.CreateOrUpdateIDSig(ctx, apk, idsig); err != nil {
		return nil, toStatus(err)
	}
	return &empty{}, nil
}

func (s *server) createVM(ctx context.Context, req *createVMRequest) (*createVMResponse, error) {
	entry := &vmEntry{}
	cfg, err := entry.openConfig(&req.Config)
	if err != nil {
		entry.closeFiles()
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if entry.consoleR, entry.consoleW, err = os.Pipe(); err != nil {
		entry.closeFiles()
		return nil, status.Errorf(codes.ResourceExhausted, "console pipe: %v", err)
	}
	if entry.logR, entry.logW, err = os.Pipe(); err != nil {
		entry.closeFiles()
		return nil, status.Errorf(codes.ResourceExhausted, "log pipe: %v", err)
	}

	vm, err := s.backend.CreateVM(ctx, cfg, entry.consoleW, entry.logW)
	if err != nil {
		entry.closeFiles()
		return nil, toStatus(err)
	}
	entry.vm = vm

	id := cuid2.Generate()
	s.mu.Lock()
	s.vms[id] = entry
	s.mu.Unlock()

	logger.FromContext(ctx).DebugContext(ctx, "created vm", "vm_id", id, "apk", req.Config.APKPath)
	return &createVMResponse{VMID: id}, nil
}

// openConfig opens every file named in c with the access the backend needs.
func (e *vmEntry) openConfig(c *wireAppConfig) (*AppConfig, error) {
	open := func(path string, flag int) (*os.File, error) {
		f, err := os.OpenFile(path, flag, 0)
		if err != nil {
			return nil, err
		}
		e.files = append(e.files, f)
		return f, nil
	}

	apk, err := open(c.APKPath, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("open apk: %w", err)
	}
	idsig, err := open(c.IDSigPath, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("open idsig: %w", err)
	}
	image, err := open(c.InstanceImagePath, os.O_RDWR)
	if err != nil {
		return nil, fmt.Errorf("open instance image: %w", err)
	}

	extra := make([]*os.File, 0, len(c.ExtraIDSigPaths))
	for i, p := range c.ExtraIDSigPaths {
		f, err := open(p, os.O_RDONLY)
		if err != nil {
			return nil, fmt.Errorf("open extra idsig %d: %w", i, err)
		}
		extra = append(extra, f)
	}

	return &AppConfig{
		APK:               apk,
		IDSig:             idsig,
		ExtraIDSigs:       extra,
		InstanceImage:     image,
		PayloadConfigPath: c.PayloadConfigPath,
		DebugLevel:        c.DebugLevel,
		ProtectedVM:       c.ProtectedVM,
		MemoryMiB:         c.MemoryMiB,
		NumCPUs:           c.NumCPUs,
		CPUAffinity:       c.CPUAffinity,
		TaskProfiles:      c.TaskProfiles,
	}, nil
}

func (e *vmEntry) closeFiles() {
	for _, f := range e.files {
		f.Close()
	}
	for _, f := range []*os.File{e.consoleR, e.consoleW, e.logR, e.logW} {
		if f != nil {
			f.Close()
		}
	}
}

func (s *server) start(ctx context.Context, req *vmRequest) (*empty, error) {
	e, err := s.lookup(req.VMID)
	if err != nil {
		return nil, err
	}
	if err := e.vm.Start(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &empty{}, nil
}

func (s *server) getState(ctx context.Context, req *vmRequest) (*stateResponse, error) {
	e, err := s.lookup(req.VMID)
	if err != nil {
		return nil, err
	}
	st, err := e.vm.State(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &stateResponse{State: st}, nil
}

func (s *server) getCID(ctx context.Context, req *vmRequest) (*cidResponse, error) {
	e, err := s.lookup(req.VMID)
	if err != nil {
		return nil, err
	}
	cid, err := e.vm.CID(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &cidResponse{CID: cid}, nil
}

func (s *server) release(ctx context.Context, req *vmRequest) (*empty, error) {
	s.mu.Lock()
	e, ok := s.vms[req.VMID]
	delete(s.vms, req.VMID)
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "vm %s", req.VMID)
	}

	e.close()
	logger.FromContext(ctx).DebugContext(ctx, "released vm", "vm_id", req.VMID)
	return &empty{}, nil
}

func (s *server) watch(req *vmRequest, stream grpc.ServerStream) error {
	e, err := s.lookup(req.VMID)
	if err != nil {
		return err
	}

	q := newEventQueue()
	if err := e.vm.RegisterCallback(&forwarder{entry: e, q: q}); err != nil {
		return toStatus(err)
	}
	if err := stream.SendMsg(&wireEvent{Kind: eventSubscribed}); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			q.close()
			return nil
		case <-q.ready:
		}
		for _, ev := range q.drain() {
			if err := stream.SendMsg(&ev); err != nil {
				q.close()
				return err
			}
			if ev.Kind == eventDied {
				q.close()
				return nil
			}
		}
	}
}

func (s *server) output(req *outputRequest, stream grpc.ServerStream) error {
	e, err := s.lookup(req.VMID)
	if err != nil {
		return err
	}

	var r io.ReadCloser
	switch req.Stream {
	case outputConsole:
		r = e.consoleR
	case outputLog:
		r = e.logR
	case outputPayload:
		e.mu.Lock()
		r, e.payload = e.payload, nil
		e.mu.Unlock()
	default:
		return status.Errorf(codes.InvalidArgument, "unknown output stream %q", req.Stream)
	}
	if r == nil {
		return status.Errorf(codes.FailedPrecondition, "output stream %q not available", req.Stream)
	}

	// Unblock the read below when the client goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-stream.Context().Done():
			r.Close()
		case <-done:
		}
	}()

	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if serr := stream.SendMsg(&outputChunk{Data: buf[:n]}); serr != nil {
				return serr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return status.Errorf(codes.Internal, "read %s: %v", req.Stream, err)
		}
	}
}

// forwarder queues backend callbacks for one Watch stream.
type forwarder struct {
	entry *vmEntry
	q     *eventQueue
}

func (f *forwarder) OnPayloadStarted(cid int, stream io.ReadCloser) {
	if stream != nil {
		f.entry.mu.Lock()
		if f.entry.payload != nil {
			f.entry.payload.Close()
		}
		f.entry.payload = stream
		f.entry.mu.Unlock()
	}
	f.q.push(wireEvent{Kind: eventPayloadStarted, CID: cid, HasStream: stream != nil})
}

func (f *forwarder) OnPayloadReady(cid int) {
	f.q.push(wireEvent{Kind: eventPayloadReady, CID: cid})
}

func (f *forwarder) OnPayloadFinished(cid int, exitCode int) {
	f.q.push(wireEvent{Kind: eventPayloadFinished, CID: cid, ExitCode: exitCode})
}

func (f *forwarder) OnError(cid int, code ErrorCode, message string) {
	f.q.push(wireEvent{Kind: eventError, CID: cid, Code: code, Message: message})
}

func (f *forwarder) OnDied(cid int, reason DeathReason) {
	f.q.push(wireEvent{Kind: eventDied, CID: cid, Reason: reason})
}

// eventQueue is an unbounded FIFO so backend callbacks never block.
type eventQueue struct {
	mu     sync.Mutex
	events []wireEvent
	closed bool
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev wireEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []wireEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.events
	q.events = nil
	return evs
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
}
