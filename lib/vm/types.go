package vm

import (
	"io"
	"sync"

	"github.com/onkernel/vmkit/lib/guest"
	"github.com/onkernel/vmkit/lib/paths"
	"github.com/onkernel/vmkit/lib/virtservice"
)

// Status is the coarse lifecycle state of a VM
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

type (
	ErrorCode   = virtservice.ErrorCode
	DeathReason = virtservice.DeathReason
)

// Deps are the collaborators shared by every VM of one owner.
type Deps struct {
	Paths   *paths.Paths
	Service virtservice.Service
	// Guest runs ConnectToGuestService dials. Nil selects a default pool.
	Guest   *guest.Pool
	Metrics *Metrics
}

// Callback receives VM lifecycle events on the executor passed to SetCallback.
// Events may arrive after Stop returns and must be tolerated.
type Callback interface {
	// OnPayloadStarted is called when the payload starts running. stream, if
	// non-nil, carries the payload's output and must be closed by the receiver.
	OnPayloadStarted(vm *VirtualMachine, stream io.ReadCloser)
	OnPayloadReady(vm *VirtualMachine)
	OnPayloadFinished(vm *VirtualMachine, exitCode int)
	OnError(vm *VirtualMachine, code ErrorCode, message string)
	// OnDied is called at most once per Run.
	OnDied(vm *VirtualMachine, reason DeathReason)
}

// CallbackFuncs is a Callback built from optional functions.
type CallbackFuncs struct {
	PayloadStarted  func(vm *VirtualMachine, stream io.ReadCloser)
	PayloadReady    func(vm *VirtualMachine)
	PayloadFinished func(vm *VirtualMachine, exitCode int)
	Error           func(vm *VirtualMachine, code ErrorCode, message string)
	Died            func(vm *VirtualMachine, reason DeathReason)
}

var _ Callback = CallbackFuncs{}

func (c CallbackFuncs) OnPayloadStarted(vm *VirtualMachine, stream io.ReadCloser) {
	if c.PayloadStarted == nil {
		if stream != nil {
			stream.Close()
		}
		return
	}
	c.PayloadStarted(vm, stream)
}

func (c CallbackFuncs) OnPayloadReady(vm *VirtualMachine) {
	if c.PayloadReady != nil {
		c.PayloadReady(vm)
	}
}

func (c CallbackFuncs) OnPayloadFinished(vm *VirtualMachine, exitCode int) {
	if c.PayloadFinished != nil {
		c.PayloadFinished(vm, exitCode)
	}
}

func (c CallbackFuncs) OnError(vm *VirtualMachine, code ErrorCode, message string) {
	if c.Error != nil {
		c.Error(vm, code, message)
	}
}

func (c CallbackFuncs) OnDied(vm *VirtualMachine, reason DeathReason) {
	if c.Died != nil {
		c.Died(vm, reason)
	}
}

// Executor runs callback invocations.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// InlineExecutor runs callbacks on the service's delivery goroutine.
var InlineExecutor Executor = ExecutorFunc(func(fn func()) { fn() })

// SerialExecutor runs tasks one at a time in submission order on its own
// goroutine. Execute never blocks.
type SerialExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerialExecutor starts a SerialExecutor. Call Close to stop it.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.loop()
	return e
}

func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
}

// Close stops accepting tasks, runs those already queued, and waits for the
// worker to exit. It must not be called from a task.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.cond.Signal()
	}
	e.mu.Unlock()
	<-e.done
}

func (e *SerialExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}
