package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/onkernel/vmkit/lib/payload"
	"github.com/onkernel/vmkit/lib/virtservice"
	"golang.org/x/sync/errgroup"
)

// idsigParallelism bounds concurrent idsig RPCs during Run.
const idsigParallelism = 4

// Run boots the VM. The VM must be stopped. Run blocks until the service has
// started the VM; on any failure no handle is retained and the VM stays
// stopped. Console and log pipes created here are kept for later runs.
func (m *VirtualMachine) Run(ctx context.Context) (err error) {
	start := time.Now()
	ctx, end := m.deps.Metrics.startSpan(ctx, "RunVM")
	defer end()
	defer func() { m.deps.Metrics.recordRun(ctx, start, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	log := m.vmLog(ctx)
	log.InfoContext(ctx, "running vm")

	// 1. Validate state
	st, err := m.status(ctx)
	if err != nil {
		return opError("run", m.name, err)
	}
	if st != StatusStopped {
		log.ErrorContext(ctx, "invalid state for run", "status", st.String())
		return opError("run", m.name, fmt.Errorf("%w: cannot run from %s, must be stopped", ErrInvalidState, st))
	}

	// A guest that died on its own leaves its handle behind
	m.releaseHandle(ctx)

	cfg := m.Config()
	p := m.deps.Paths

	// 2. Ensure idsig files exist for the payload and every extra APK
	desc, err := payload.ReadDescriptor(cfg.APKPath(), cfg.PayloadConfigPath())
	if err != nil {
		log.ErrorContext(ctx, "failed to read payload descriptor", "error", err)
		return opError("run", m.name, err)
	}
	extras := payload.ExtraApks(desc, m.Dir())

	idsigPath := p.VMIDSig(m.name)
	if err := ensureFile(idsigPath); err != nil {
		return opError("run", m.name, fmt.Errorf("create idsig: %w", err))
	}
	for _, extra := range extras {
		if err := ensureFile(extra.IDSigPath); err != nil {
			return opError("run", m.name, fmt.Errorf("create extra idsig: %w", err))
		}
	}

	// 3. Output pipes, created once
	console, logPipe, err := m.ensurePipes()
	if err != nil {
		return opError("run", m.name, fmt.Errorf("create output pipes: %w", err))
	}

	// 4. Service parameters from the current config
	params, err := cfg.ServiceConfig()
	if err != nil {
		return opError("run", m.name, err)
	}
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	defer closeAll()
	opened = append(opened, params.APK)

	// 5. Recompute idsig contents; existing files may be stale
	jobs := append([]payload.ExtraApk{{Path: cfg.APKPath(), IDSigPath: idsigPath}}, extras...)
	if err := m.updateIDSigs(ctx, jobs); err != nil {
		log.ErrorContext(ctx, "failed to update idsig", "error", err)
		return opError("run", m.name, err)
	}

	// 6. Attach idsigs read-only and the instance image read-write
	if params.IDSig, err = os.Open(idsigPath); err != nil {
		return opError("run", m.name, fmt.Errorf("open idsig: %w", err))
	}
	opened = append(opened, params.IDSig)
	for _, extra := range extras {
		f, err := os.Open(extra.IDSigPath)
		if err != nil {
			return opError("run", m.name, fmt.Errorf("open extra idsig: %w", err))
		}
		opened = append(opened, f)
		params.ExtraIDSigs = append(params.ExtraIDSigs, f)
	}
	if params.InstanceImage, err = os.OpenFile(p.VMInstanceImage(m.name), os.O_RDWR, 0); err != nil {
		return opError("run", m.name, fmt.Errorf("open instance image: %w", err))
	}
	opened = append(opened, params.InstanceImage)

	// 7. Create the VM and watch it
	handle, err := m.deps.Service.CreateVM(ctx, params, console.w, logPipe.w)
	if err != nil {
		log.ErrorContext(ctx, "failed to create vm on service", "error", err)
		return opError("run", m.name, serviceError("create vm", err))
	}

	died := &atomic.Bool{}
	if err := handle.RegisterCallback(&serviceCallback{vm: m, died: died}); err != nil {
		handle.Close()
		return opError("run", m.name, serviceError("register callback", err))
	}
	unlink := m.deps.Service.LinkToDeath(func() {
		m.reportDied(died, 0, virtservice.DeathReasonServiceDied)
	})

	// 8. Start
	if err := handle.Start(ctx); err != nil {
		unlink()
		handle.Close()
		log.ErrorContext(ctx, "failed to start vm", "error", err)
		return opError("run", m.name, serviceError("start", err))
	}

	m.mu.Lock()
	m.handle = handle
	m.unlink = unlink
	m.mu.Unlock()

	m.deps.Metrics.recordStateTransition(ctx, StatusStopped, StatusRunning)
	log.InfoContext(ctx, "vm running", "extra_apks", len(extras), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (m *VirtualMachine) ensurePipes() (console, logPipe *pipe, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.console == nil {
		if m.console, err = newPipe(); err != nil {
			return nil, nil, err
		}
	}
	if m.log == nil {
		if m.log, err = newPipe(); err != nil {
			return nil, nil, err
		}
	}
	return m.console, m.log, nil
}

// updateIDSigs asks the service to rewrite every idsig in parallel.
func (m *VirtualMachine) updateIDSigs(ctx context.Context, jobs []payload.ExtraApk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idsigParallelism)

	for _, job := range jobs {
		g.Go(func() error {
			apk, err := os.Open(job.Path)
			if err != nil {
				return fmt.Errorf("open apk %s: %w", job.Path, err)
			}
			defer apk.Close()

			idsig, err := os.OpenFile(job.IDSigPath, os.O_RDWR, 0)
			if err != nil {
				return fmt.Errorf("open idsig %s: %w", job.IDSigPath, err)
			}
			defer idsig.Close()

			if err := m.deps.Service.CreateOrUpdateIDSig(gctx, apk, idsig); err != nil {
				return serviceError("create or update idsig", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// reportDied delivers OnDied once per run, whichever of the in-band event
// and the service death notification arrives first.
func (m *VirtualMachine) reportDied(died *atomic.Bool, cid int, reason DeathReason) {
	if !died.CompareAndSwap(false, true) {
		return
	}
	ctx := context.Background()
	m.deps.Metrics.recordEvent(ctx, "died")
	m.vmLog(ctx).InfoContext(ctx, "vm died", "cid", cid, "reason", reason.String())
	m.dispatch(func(cb Callback) { cb.OnDied(m, reason) })
}

// serviceCallback redispatches one run's service events to the application.
type serviceCallback struct {
	vm   *VirtualMachine
	died *atomic.Bool
}

func (s *serviceCallback) event(kind string) {
	s.vm.deps.Metrics.recordEvent(context.Background(), kind)
}

func (s *serviceCallback) OnPayloadStarted(cid int, stream io.ReadCloser) {
	s.event("payload_started")
	if !s.vm.dispatch(func(cb Callback) { cb.OnPayloadStarted(s.vm, stream) }) && stream != nil {
		stream.Close()
	}
}

func (s *serviceCallback) OnPayloadReady(cid int) {
	s.event("payload_ready")
	s.vm.dispatch(func(cb Callback) { cb.OnPayloadReady(s.vm) })
}

func (s *serviceCallback) OnPayloadFinished(cid int, exitCode int) {
	s.event("payload_finished")
	s.vm.dispatch(func(cb Callback) { cb.OnPayloadFinished(s.vm, exitCode) })
}

func (s *serviceCallback) OnError(cid int, code virtservice.ErrorCode, message string) {
	s.event("error")
	ctx := context.Background()
	s.vm.vmLog(ctx).WarnContext(ctx, "payload error", "cid", cid, "code", int(code), "message", message)
	s.vm.dispatch(func(cb Callback) { cb.OnError(s.vm, code, message) })
}

func (s *serviceCallback) OnDied(cid int, reason virtservice.DeathReason) {
	s.vm.reportDied(s.died, cid, reason)
}
