// Package fake provides an in-memory virtservice.Service for tests.
package fake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/vmkit/lib/virtservice"
)

// ErrInjected is returned by calls configured to fail.
var ErrInjected = errors.New("injected failure")

// Service is a controllable virtservice.Service. All methods are safe for
// concurrent use. Callbacks are invoked without holding internal locks.
type Service struct {
	// Fault injection; checked on every call.
	FailInitPartition bool
	FailIDSig         bool
	FailCreateVM      bool
	FailStart         bool

	mu         sync.Mutex
	partitions map[string]string
	idsigCalls int
	vms        []*VM
	nextCID    int
	deathFns   map[int]func()
	nextFn     int
	killed     bool
}

var _ virtservice.Service = (*Service)(nil)

// New returns an empty fake service. CIDs start at 3, the first guest CID.
func New() *Service {
	return &Service{
		partitions: make(map[string]string),
		deathFns:   make(map[int]func()),
		nextCID:    3,
	}
}

func (s *Service) checkAlive() error {
	if s.killed {
		return virtservice.ErrUnavailable
	}
	return nil
}

// InitializeWritablePartition writes a fresh random secret at the start of image.
func (s *Service) InitializeWritablePartition(ctx context.Context, image *os.File, size int64, t virtservice.PartitionType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAlive(); err != nil {
		return err
	}
	if s.FailInitPartition {
		return fmt.Errorf("initialize partition: %w", ErrInjected)
	}
	if t != virtservice.PartitionTypeInstance {
		return fmt.Errorf("unsupported partition type %d", t)
	}

	secret := cuid2.Generate()
	if int64(len(secret)) > size {
		return fmt.Errorf("partition of %d bytes too small", size)
	}
	if _, err := image.WriteAt([]byte(secret), 0); err != nil {
		return fmt.Errorf("write partition: %w", err)
	}
	s.partitions[image.Name()] = secret
	return nil
}

// Partition returns the secret written to the image at path, if any.
func (s *Service) Partition(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.partitions[path]
	return secret, ok
}

// CreateOrUpdateIDSig replaces the contents of idsig with a marker naming apk.
func (s *Service) CreateOrUpdateIDSig(ctx context.Context, apk, idsig *os.File) error {
	s.mu.Lock()
	if err := s.checkAlive(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.FailIDSig {
		s.mu.Unlock()
		return fmt.Errorf("idsig: %w", ErrInjected)
	}
	s.idsigCalls++
	s.mu.Unlock()

	if err := idsig.Truncate(0); err != nil {
		return err
	}
	_, err := idsig.WriteAt([]byte("idsig of "+apk.Name()), 0)
	return err
}

// IDSigCalls returns how many idsig updates have been served.
func (s *Service) IDSigCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idsigCalls
}

// CreateVM records cfg and returns a VM in the not-started state.
func (s *Service) CreateVM(ctx context.Context, cfg *virtservice.AppConfig, console, log *os.File) (virtservice.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	if s.FailCreateVM {
		return nil, fmt.Errorf("create vm: %w", ErrInjected)
	}

	vm := &VM{
		svc:     s,
		cid:     s.nextCID,
		Config:  *cfg,
		console: console,
		log:     log,
		state:   virtservice.VMStateNotStarted,
	}
	s.nextCID++
	s.vms = append(s.vms, vm)
	return vm, nil
}

// VMs returns every VM created so far, in creation order.
func (s *Service) VMs() []*VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*VM(nil), s.vms...)
}

// LastVM returns the most recently created VM, or nil.
func (s *Service) LastVM() *VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.vms) == 0 {
		return nil
	}
	return s.vms[len(s.vms)-1]
}

func (s *Service) LinkToDeath(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		go fn()
		return func() {}
	}
	id := s.nextFn
	s.nextFn++
	s.deathFns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.deathFns, id)
		s.mu.Unlock()
	}
}

// Kill simulates the service process dying: death functions fire and every
// later call fails with virtservice.ErrUnavailable.
func (s *Service) Kill() {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return
	}
	s.killed = true
	fns := make([]func(), 0, len(s.deathFns))
	for _, fn := range s.deathFns {
		fns = append(fns, fn)
	}
	s.deathFns = map[int]func(){}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// VM is a fake VM handle. Tests drive its events with the Emit methods.
type VM struct {
	svc     *Service
	cid     int
	console *os.File
	log     *os.File

	// Config is the parameter structure passed to CreateVM.
	Config virtservice.AppConfig

	mu        sync.Mutex
	state     virtservice.VMState
	callbacks []virtservice.Callback
	started   int
	closed    bool
}

var _ virtservice.VM = (*VM)(nil)

func (v *VM) CID(ctx context.Context) (int, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	return v.cid, nil
}

func (v *VM) State(ctx context.Context) (virtservice.VMState, error) {
	if err := v.check(); err != nil {
		return virtservice.VMStateDead, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, nil
}

// Start moves the VM to STARTING and writes a boot banner to console and log.
func (v *VM) Start(ctx context.Context) error {
	if err := v.check(); err != nil {
		return err
	}
	v.svc.mu.Lock()
	fail := v.svc.FailStart
	v.svc.mu.Unlock()
	if fail {
		return fmt.Errorf("start: %w", ErrInjected)
	}

	v.mu.Lock()
	if v.state != virtservice.VMStateNotStarted {
		v.mu.Unlock()
		return fmt.Errorf("vm %d already started", v.cid)
	}
	v.state = virtservice.VMStateStarting
	v.started++
	v.mu.Unlock()

	if v.console != nil {
		fmt.Fprintf(v.console, "console: vm %d booting\n", v.cid)
	}
	if v.log != nil {
		fmt.Fprintf(v.log, "log: vm %d booting\n", v.cid)
	}
	return nil
}

func (v *VM) RegisterCallback(cb virtservice.Callback) error {
	if err := v.check(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.callbacks = append(v.callbacks, cb)
	return nil
}

// Close releases the handle. A released VM is dead and no longer emits events.
func (v *VM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.state = virtservice.VMStateDead
	return nil
}

// Closed reports whether the handle has been released.
func (v *VM) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *VM) check() error {
	v.svc.mu.Lock()
	killed := v.svc.killed
	v.svc.mu.Unlock()
	if killed {
		return virtservice.ErrUnavailable
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return virtservice.ErrReleased
	}
	return nil
}

// transition sets the state and returns the callbacks to notify, or nil when
// the VM is released.
func (v *VM) transition(st virtservice.VMState) []virtservice.Callback {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.state = st
	return append([]virtservice.Callback(nil), v.callbacks...)
}

// EmitPayloadStarted moves the VM to STARTED. If output is non-nil each
// callback receives a reader over it.
func (v *VM) EmitPayloadStarted(output []byte) {
	for _, cb := range v.transition(virtservice.VMStateStarted) {
		var stream io.ReadCloser
		if output != nil {
			stream = io.NopCloser(bytes.NewReader(output))
		}
		cb.OnPayloadStarted(v.cid, stream)
	}
}

// EmitPayloadReady moves the VM to READY.
func (v *VM) EmitPayloadReady() {
	for _, cb := range v.transition(virtservice.VMStateReady) {
		cb.OnPayloadReady(v.cid)
	}
}

// EmitPayloadFinished moves the VM to FINISHED.
func (v *VM) EmitPayloadFinished(exitCode int) {
	for _, cb := range v.transition(virtservice.VMStateFinished) {
		cb.OnPayloadFinished(v.cid, exitCode)
	}
}

// EmitError reports a payload error without changing state.
func (v *VM) EmitError(code virtservice.ErrorCode, message string) {
	v.mu.Lock()
	st := v.state
	v.mu.Unlock()
	for _, cb := range v.transition(st) {
		cb.OnError(v.cid, code, message)
	}
}

// Die moves the VM to DEAD and reports reason.
func (v *VM) Die(reason virtservice.DeathReason) {
	for _, cb := range v.transition(virtservice.VMStateDead) {
		cb.OnDied(v.cid, reason)
	}
}

// Starts returns how many times Start succeeded.
func (v *VM) Starts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.started
}

// SetState forces the reported state.
func (v *VM) SetState(st virtservice.VMState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = st
}
