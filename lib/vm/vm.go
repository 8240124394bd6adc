// Package vm manages the persisted lifecycle of a single virtual machine:
// its on-disk directory, its run state on the virtualization service, and
// the delivery of lifecycle events to the owning application.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/onkernel/vmkit/lib/logger"
	"github.com/onkernel/vmkit/lib/virtservice"
	"github.com/onkernel/vmkit/lib/vmconfig"
)

// VirtualMachine is one named VM of an owner. Its status is derived from the
// live service handle and the presence of its config file, never stored.
type VirtualMachine struct {
	deps Deps
	name string

	// opMu serializes lifecycle operations (Run, Stop, Delete, SetConfig).
	opMu sync.Mutex

	// mu guards the fields below. It is never held across service calls.
	mu       sync.Mutex
	cfg      *vmconfig.Config
	handle   virtservice.VM
	unlink   func()
	callback Callback
	executor Executor
	console  *pipe
	log      *pipe
	deleted  bool
}

// pipe is an output stream pair. The write end is handed to the service; the
// read end is returned to the application. Pipes live as long as the VM
// object and are reused across runs.
type pipe struct {
	r, w *os.File
}

func newPipe() (*pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &pipe{r: r, w: w}, nil
}

func (p *pipe) close() {
	if p == nil {
		return
	}
	p.r.Close()
	p.w.Close()
}

func newVirtualMachine(deps Deps, name string, cfg *vmconfig.Config) *VirtualMachine {
	return &VirtualMachine{deps: deps, name: name, cfg: cfg}
}

// Name returns the VM's name, unique within its owner.
func (m *VirtualMachine) Name() string {
	return m.name
}

// Config returns the current config.
func (m *VirtualMachine) Config() *vmconfig.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Dir returns the VM's directory.
func (m *VirtualMachine) Dir() string {
	return m.deps.Paths.VMDir(m.name)
}

func (m *VirtualMachine) vmLog(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx).With(logger.VMKey, m.name)
}

// Status reports the VM's status. With a live handle the service state is
// folded: NOT_STARTED and DEAD are stopped, everything else (FINISHED
// included) is running. Without one, a missing config means deleted.
func (m *VirtualMachine) Status(ctx context.Context) (Status, error) {
	st, err := m.status(ctx)
	return st, opError("status", m.name, err)
}

func (m *VirtualMachine) status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()

	if h != nil {
		state, err := h.State(ctx)
		switch {
		case err == nil:
			return foldState(state), nil
		case errors.Is(err, virtservice.ErrReleased), errors.Is(err, virtservice.ErrUnknownVM):
			// Dropped by a concurrent Stop; fall through to the on-disk answer.
		default:
			return StatusStopped, serviceError("get state", err)
		}
	}

	if _, err := os.Stat(m.deps.Paths.VMConfig(m.name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusDeleted, nil
		}
		return StatusStopped, fmt.Errorf("stat config: %w", err)
	}
	return StatusStopped, nil
}

func foldState(s virtservice.VMState) Status {
	switch s {
	case virtservice.VMStateStarting, virtservice.VMStateStarted,
		virtservice.VMStateReady, virtservice.VMStateFinished:
		return StatusRunning
	default:
		return StatusStopped
	}
}

// CID returns the VM's communication identifier. ok is false unless the VM
// is running.
func (m *VirtualMachine) CID(ctx context.Context) (cid int, ok bool, err error) {
	st, err := m.status(ctx)
	if err != nil {
		return 0, false, opError("cid", m.name, err)
	}
	if st != StatusRunning {
		return 0, false, nil
	}

	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return 0, false, nil
	}

	cid, err = h.CID(ctx)
	if err != nil {
		if errors.Is(err, virtservice.ErrReleased) || errors.Is(err, virtservice.ErrUnknownVM) {
			return 0, false, nil
		}
		return 0, false, opError("cid", m.name, serviceError("get cid", err))
	}
	return cid, true, nil
}

// ConsoleOutput returns the read end of the console pipe. The pipe is
// created by the first Run and survives later runs.
func (m *VirtualMachine) ConsoleOutput() (io.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.console == nil {
		return nil, opError("console output", m.name, ErrStreamUnavailable)
	}
	return m.console.r, nil
}

// LogOutput returns the read end of the log pipe.
func (m *VirtualMachine) LogOutput() (io.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.log == nil {
		return nil, opError("log output", m.name, ErrStreamUnavailable)
	}
	return m.log.r, nil
}

// SetCallback registers cb to receive events on executor, replacing any
// previous registration. A nil executor runs callbacks inline.
func (m *VirtualMachine) SetCallback(executor Executor, cb Callback) {
	if executor == nil {
		executor = InlineExecutor
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = cb
	m.executor = executor
}

// ClearCallback removes the registered callback. Events already handed to
// the executor are still delivered.
func (m *VirtualMachine) ClearCallback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = nil
	m.executor = nil
}

// dispatch hands an event to the registered callback, if any. It reports
// whether a callback received the event.
func (m *VirtualMachine) dispatch(fn func(cb Callback)) bool {
	m.mu.Lock()
	cb, ex := m.callback, m.executor
	m.mu.Unlock()
	if cb == nil {
		return false
	}
	ex.Execute(func() { fn(cb) })
	return true
}

// Refresh reconciles a stopped object with its directory, which another
// process sharing the files dir may have deleted or re-created. It reports
// false when the VM no longer exists on disk; otherwise the config is
// reloaded in place. Running objects and objects with an operation in
// flight are left untouched.
func (m *VirtualMachine) Refresh(ctx context.Context) (bool, error) {
	if !m.opMu.TryLock() {
		return !m.Deleted(), nil
	}
	defer m.opMu.Unlock()

	m.mu.Lock()
	deleted, running := m.deleted, m.handle != nil
	m.mu.Unlock()
	if deleted {
		return false, nil
	}
	if running {
		return true, nil
	}

	cfg, err := readConfig(m.deps.Paths.VMConfig(m.name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, opError("refresh", m.name, err)
	}
	if _, err := os.Stat(m.deps.Paths.VMInstanceImage(m.name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, opError("refresh", m.name, fmt.Errorf("%w: instance image missing", ErrCorrupted))
		}
		return false, opError("refresh", m.name, fmt.Errorf("stat instance image: %w", err))
	}

	m.mu.Lock()
	if !cfg.Equal(m.cfg) {
		m.vmLog(ctx).DebugContext(ctx, "config changed on disk")
	}
	m.cfg = cfg
	m.mu.Unlock()
	return true, nil
}

// Deleted reports whether Delete has completed on this object.
func (m *VirtualMachine) Deleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted
}
