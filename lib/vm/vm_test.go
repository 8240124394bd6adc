package vm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/onkernel/vmkit/lib/guest"
	"github.com/onkernel/vmkit/lib/hostcaps"
	"github.com/onkernel/vmkit/lib/owner"
	"github.com/onkernel/vmkit/lib/paths"
	"github.com/onkernel/vmkit/lib/virtservice"
	"github.com/onkernel/vmkit/lib/virtservice/fake"
	"github.com/onkernel/vmkit/lib/vmconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payloadConfig = "assets/vm_config.json"

var testHost = hostcaps.Static{CPUs: 4, Protected: true, NonProtected: true}

type env struct {
	app  *owner.Package
	deps Deps
	svc  *fake.Service
}

// writeAPK builds a package archive whose descriptor lists the given extra APKs.
func writeAPK(t *testing.T, path string, extras []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(payloadConfig)
	require.NoError(t, err)

	desc := `{"task": {"type": "microdroid_launcher"}, "extra_apks": [`
	for i, p := range extras {
		if i > 0 {
			desc += ","
		}
		desc += fmt.Sprintf(`{"path": %q}`, p)
	}
	desc += `]}`
	_, err = w.Write([]byte(desc))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()

	extra := filepath.Join(root, "extra.apk")
	require.NoError(t, os.WriteFile(extra, []byte("extra"), 0644))
	apk := filepath.Join(root, "base.apk")
	writeAPK(t, apk, []string{extra})

	filesDir := filepath.Join(root, "files")
	require.NoError(t, os.MkdirAll(filesDir, 0755))

	svc := fake.New()
	return &env{
		app: &owner.Package{
			Name:  "com.example.app",
			Dir:   filesDir,
			APK:   apk,
			Certs: [][]byte{{0x30, 0x82}},
		},
		deps: Deps{Paths: paths.New(filesDir), Service: svc},
		svc:  svc,
	}
}

func (e *env) config(t *testing.T, build func(b *vmconfig.Builder)) *vmconfig.Config {
	t.Helper()
	b := vmconfig.NewBuilder(e.app, payloadConfig).Host(testHost)
	if build != nil {
		build(b)
	}
	cfg, err := b.Build(context.Background())
	require.NoError(t, err)
	return cfg
}

func (e *env) create(t *testing.T, name string) *VirtualMachine {
	t.Helper()
	v, err := Create(context.Background(), e.deps, name, e.config(t, nil))
	require.NoError(t, err)
	return v
}

func status(t *testing.T, v *VirtualMachine) Status {
	t.Helper()
	st, err := v.Status(context.Background())
	require.NoError(t, err)
	return st
}

type recorder struct {
	mu     sync.Mutex
	events []string
	died   []DeathReason
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnPayloadStarted(v *VirtualMachine, stream io.ReadCloser) {
	if stream != nil {
		data, _ := io.ReadAll(stream)
		stream.Close()
		r.add("started:" + string(data))
		return
	}
	r.add("started")
}
func (r *recorder) OnPayloadReady(v *VirtualMachine) { r.add("ready") }
func (r *recorder) OnPayloadFinished(v *VirtualMachine, exitCode int) {
	r.add(fmt.Sprintf("finished:%d", exitCode))
}
func (r *recorder) OnError(v *VirtualMachine, code ErrorCode, message string) {
	r.add("error:" + message)
}
func (r *recorder) OnDied(v *VirtualMachine, reason DeathReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.died = append(r.died, reason)
	r.events = append(r.events, "died")
}

func (r *recorder) snapshot() ([]string, []DeathReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]DeathReason(nil), r.died...)
}

func TestLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := e.config(t, func(b *vmconfig.Builder) {
		b.NumCPUs(2).MemoryMiB(512).DebugLevel(vmconfig.DebugLevelNone).ProtectedVM(false)
	})

	v, err := Create(ctx, e.deps, "vm1", cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status(t, v))

	imagePath := e.deps.Paths.VMInstanceImage("vm1")
	info, err := os.Stat(imagePath)
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), info.Size())
	firstSecret, ok := e.svc.Partition(imagePath)
	require.True(t, ok)

	require.NoError(t, v.Run(ctx))
	assert.Equal(t, StatusRunning, status(t, v))

	// idsigs rewritten for the payload and the extra APK
	assert.Equal(t, 2, e.svc.IDSigCalls())
	idsig, err := os.ReadFile(e.deps.Paths.VMIDSig("vm1"))
	require.NoError(t, err)
	assert.Equal(t, "idsig of "+e.app.APK, string(idsig))
	assert.FileExists(t, e.deps.Paths.VMExtraIDSig("vm1", 0))

	sent := e.svc.LastVM().Config
	assert.Equal(t, 2, sent.NumCPUs)
	assert.Equal(t, 512, sent.MemoryMiB)
	assert.Equal(t, payloadConfig, sent.PayloadConfigPath)
	assert.Len(t, sent.ExtraIDSigs, 1)
	assert.Empty(t, sent.TaskProfiles)

	console, err := v.ConsoleOutput()
	require.NoError(t, err)
	line, err := bufio.NewReader(console).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "console: vm 3 booting\n", line)

	require.NoError(t, v.Stop(ctx))
	assert.Equal(t, StatusStopped, status(t, v))
	assert.True(t, e.svc.LastVM().Closed())

	require.NoError(t, v.Delete(ctx))
	assert.Equal(t, StatusDeleted, status(t, v))
	assert.NoDirExists(t, v.Dir())

	// The name is free again and gets a fresh secret
	v2, err := Create(ctx, e.deps, "vm1", cfg)
	require.NoError(t, err)
	assert.NotSame(t, v, v2)
	assert.Equal(t, StatusStopped, status(t, v2))
	secondSecret, ok := e.svc.Partition(imagePath)
	require.True(t, ok)
	assert.NotEqual(t, firstSecret, secondSecret)
}

func TestStateBoundaries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := e.create(t, "vm1")

	require.NoError(t, v.Run(ctx))

	err := v.Run(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
	err = v.Delete(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = v.SetConfig(ctx, e.config(t, nil))
	assert.ErrorIs(t, err, ErrInvalidState)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "vm1", opErr.VM)
	assert.Equal(t, "set config", opErr.Op)

	require.NoError(t, v.Stop(ctx))
	require.NoError(t, v.Delete(ctx))

	// Deleted is terminal
	assert.ErrorIs(t, v.Run(ctx), ErrInvalidState)
	assert.ErrorIs(t, v.Delete(ctx), ErrInvalidState)
	_, err = v.SetConfig(ctx, e.config(t, nil))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, v.Deleted())

	// ...across restarts too
	fresh := Deps{Paths: paths.New(e.app.Dir), Service: fake.New()}
	loaded, err := Load(ctx, fresh, "vm1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
	assert.Equal(t, StatusDeleted, status(t, v))
}

func TestStopIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := e.create(t, "vm1")

	require.NoError(t, v.Stop(ctx))
	assert.Equal(t, StatusStopped, status(t, v))

	require.NoError(t, v.Run(ctx))
	require.NoError(t, v.Stop(ctx))
	require.NoError(t, v.Stop(ctx))
	assert.Equal(t, StatusStopped, status(t, v))
}

func TestRunAfterStopReusesPipes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := e.create(t, "vm1")

	_, err := v.ConsoleOutput()
	assert.ErrorIs(t, err, ErrStreamUnavailable)
	_, err = v.LogOutput()
	assert.ErrorIs(t, err, ErrStreamUnavailable)

	require.NoError(t, v.Run(ctx))
	console1, err := v.ConsoleOutput()
	require.NoError(t, err)
	log1, err := v.LogOutput()
	require.NoError(t, err)
	require.NoError(t, v.Stop(ctx))

	require.NoError(t, v.Run(ctx))
	console2, err := v.ConsoleOutput()
	require.NoError(t, err)
	log2, err := v.LogOutput()
	require.NoError(t, err)
	assert.Same(t, console1, console2)
	assert.Same(t, log1, log2)

	r := bufio.NewReader(log2)
	first, err := r.ReadString('\n')
	require.NoError(t, err)
	second, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "log: vm 3 booting\n", first)
	assert.Equal(t, "log: vm 4 booting\n", second)
}

func TestRunFailureLeavesStopped(t *testing.T) {
	tests := []struct {
		name   string
		inject func(s *fake.Service)
	}{
		{"idsig", func(s *fake.Service) { s.FailIDSig = true }},
		{"create vm", func(s *fake.Service) { s.FailCreateVM = true }},
		{"start", func(s *fake.Service) { s.FailStart = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			v := e.create(t, "vm1")

			tt.inject(e.svc)
			err := v.Run(ctx)
			assert.ErrorIs(t, err, ErrService)
			assert.ErrorIs(t, err, fake.ErrInjected)
			assert.Equal(t, StatusStopped, status(t, v))
			if last := e.svc.LastVM(); last != nil {
				assert.True(t, last.Closed(), "failed run must not keep the handle")
			}

			resetFaults(e.svc)
			require.NoError(t, v.Run(ctx))
			assert.Equal(t, StatusRunning, status(t, v))
		})
	}
}

// resetFaults clears fault injection without losing recorded state.
func resetFaults(s *fake.Service) {
	s.FailIDSig = false
	s.FailCreateVM = false
	s.FailStart = false
	s.FailInitPartition = false
}

func TestRunFailsWithoutDescriptor(t *testing.T) {
	e := newEnv(t)
	v, err := Create(context.Background(), e.deps, "vm1",
		mustBuild(t, vmconfig.NewBuilder(e.app, "assets/missing.json").Host(testHost)))
	require.NoError(t, err)

	err = v.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusStopped, status(t, v))
	assert.Empty(t, e.svc.VMs())
}

func mustBuild(t *testing.T, b *vmconfig.Builder) *vmconfig.Config {
	t.Helper()
	cfg, err := b.Build(context.Background())
	require.NoError(t, err)
	return cfg
}

func TestStatusFoldsServiceState(t *testing.T) {
	tests := []struct {
		state virtservice.VMState
		want  Status
	}{
		{virtservice.VMStateNotStarted, StatusStopped},
		{virtservice.VMStateStarting, StatusRunning},
		{virtservice.VMStateStarted, StatusRunning},
		{virtservice.VMStateReady, StatusRunning},
		{virtservice.VMStateFinished, StatusRunning},
		{virtservice.VMStateDead, StatusStopped},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			e := newEnv(t)
			v := e.create(t, "vm1")
			require.NoError(t, v.Run(context.Background()))

			e.svc.LastVM().SetState(tt.state)
			assert.Equal(t, tt.want, status(t, v))
		})
	}
}

func TestRunAfterGuestDeathRequiresNoStop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := e.create(t, "vm1")
	require.NoError(t, v.Run(ctx))

	e.svc.LastVM().Die(virtservice.DeathReasonShutdown)
	assert.Equal(t, StatusStopped, status(t, v))

	// A dead VM is stopped, so it may run again
	first := e.svc.LastVM()
	require.NoError(t, v.Run(ctx))
	assert.Equal(t, StatusRunning, status(t, v))
	assert.True(t, first.Closed(), "stale handle is released")
	assert.Len(t, e.svc.VMs(), 2)
}

func TestEventsDispatched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := e.create(t, "vm1")
	rec := &recorder{}
	v.SetCallback(InlineExecutor, rec)
	require.NoError(t, v.Run(ctx))

	backend := e.svc.LastVM()
	backend.EmitPayloadStarted([]byte("payload output"))
	backend.EmitPayloadReady()
	backend.EmitError(virtservice.ErrorCodePayloadChanged, "changed")
	backend.EmitPayloadFinished(7)
	backend.Die(virtservice.DeathReasonShutdown)

	events, died := rec.snapshot()
	assert.Equal(t, []string{"started:payload output", "ready", "error:changed", "finished:7", "died"}, events)
	assert.Equal(t, []DeathReason{virtservice.DeathReasonShutdown}, died)
}

func TestDiedDeliveredOnce(t *testing.T) {
	t.Run("event then service death", func(t *testing.T) {
		e := newEnv(t)
		v := e.create(t, "vm1")
		rec := &recorder{}
		v.SetCallback(nil, rec)
		require.NoError(t, v.Run(context.Background()))

		e.svc.LastVM().Die(virtservice.DeathReasonKilled)
		e.svc.Kill()

		_, died := rec.snapshot()
		assert.Equal(t, []DeathReason{virtservice.DeathReasonKilled}, died)
	})

	t.Run("service death then event", func(t *testing.T) {
		e := newEnv(t)
		v := e.create(t, "vm1")
		rec := &recorder{}
		v.SetCallback(nil, rec)
		require.NoError(t, v.Run(context.Background()))

		backend := e.svc.LastVM()
		e.svc.Kill()
		backend.Die(virtservice.DeathReasonCrash)

		_, died := rec.snapshot()
		assert.Equal(t, []DeathReason{virtservice.DeathReasonServiceDied}, died)

		_, err := v.Status(context.Background())
		assert.ErrorIs(t, err, ErrService)
		assert.NoError(t, v.Stop(context.Background()))
	})

	t.Run("once per run", func(t *testing.T) {
		e := newEnv(t)
		ctx := context.Background()
		v := e.create(t, "vm1")
		rec := &recorder{}
		v.SetCallback(nil, rec)

		for i := 0; i < 2; i++ {
			require.NoError(t, v.Run(ctx))
			e.svc.LastVM().Die(virtservice.DeathReasonShutdown)
			e.svc.LastVM().Die(virtservice.DeathReasonShutdown)
			require.NoError(t, v.Stop(ctx))
		}

		_, died := rec.snapshot()
		assert.Len(t, died, 2)
	})
}

func TestCallbacksOnSerialExecutor(t *testing.T) {
	e := newEnv(t)
	v := e.create(t, "vm1")

	ex := NewSerialExecutor()
	done := make(chan struct{})
	var order []string
	v.SetCallback(ex, CallbackFuncs{
		PayloadReady: func(*VirtualMachine) { order = append(order, "ready") },
		Died: func(_ *VirtualMachine, reason DeathReason) {
			order = append(order, reason.String())
			close(done)
		},
	})
	require.NoError(t, v.Run(context.Background()))

	backend := e.svc.LastVM()
	backend.EmitPayloadStarted(nil)
	backend.EmitPayloadReady()
	backend.Die(virtservice.DeathReasonReboot)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callbacks not delivered")
	}
	ex.Close()
	assert.Equal(t, []string{"ready", "reboot"}, order)
}

func TestClearCallback(t *testing.T) {
	e := newEnv(t)
	v := e.create(t, "vm1")
	rec := &recorder{}
	v.SetCallback(nil, rec)
	require.NoError(t, v.Run(context.Background()))

	v.ClearCallback()
	e.svc.LastVM().EmitPayloadReady()

	events, _ := rec.snapshot()
	assert.Empty(t, events)
}

func TestSetConfig(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := e.create(t, "vm1")
	original := v.Config()

	bigger := e.config(t, func(b *vmconfig.Builder) { b.NumCPUs(4).MemoryMiB(2048).CPUAffinity("0-3") })
	old, err := v.SetConfig(ctx, bigger)
	require.NoError(t, err)
	assert.Same(t, original, old)
	assert.Same(t, bigger, v.Config())

	loaded, err := Load(ctx, e.deps, "vm1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, bigger.Equal(loaded.Config()))

	debug := e.config(t, func(b *vmconfig.Builder) { b.DebugLevel(vmconfig.DebugLevelFull) })
	_, err = v.SetConfig(ctx, debug)
	assert.ErrorIs(t, err, ErrIncompatibleConfig)
	assert.Same(t, bigger, v.Config())

	loaded, err = Load(ctx, e.deps, "vm1")
	require.NoError(t, err)
	assert.Equal(t, vmconfig.DebugLevelNone, loaded.Config().DebugLevel())
}

func TestLoadNotFoundVsCorrupted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	v, err := Load(ctx, e.deps, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, v)

	e.create(t, "broken")
	require.NoError(t, os.Remove(e.deps.Paths.VMInstanceImage("broken")))
	_, err = Load(ctx, e.deps, "broken")
	assert.ErrorIs(t, err, ErrCorrupted)

	e.create(t, "garbled")
	require.NoError(t, os.WriteFile(e.deps.Paths.VMConfig("garbled"), []byte("<bundle><int"), 0600))
	_, err = Load(ctx, e.deps, "garbled")
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.ErrorIs(t, err, vmconfig.ErrMalformed)

	_, err = Load(ctx, e.deps, "../escape")
	assert.ErrorIs(t, err, paths.ErrInvalidName)
}

func TestCreateOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := e.config(t, nil)

	_, err := Create(ctx, e.deps, "vm1", cfg)
	require.NoError(t, err)
	_, err = Create(ctx, e.deps, "vm1", cfg)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateConcurrent(t *testing.T) {
	e := newEnv(t)
	cfg := e.config(t, nil)

	const n = 16
	var wg sync.WaitGroup
	var ok, exists atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Create(context.Background(), e.deps, "racy", cfg)
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, ErrAlreadyExists):
				exists.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), exists.Load())
}

func TestCreateCleansUpOnPartitionFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.svc.FailInitPartition = true

	_, err := Create(ctx, e.deps, "vm1", e.config(t, nil))
	assert.ErrorIs(t, err, ErrService)
	assert.NoDirExists(t, e.deps.Paths.VMDir("vm1"))

	e.svc.FailInitPartition = false
	_, err = Create(ctx, e.deps, "vm1", e.config(t, nil))
	require.NoError(t, err)
}

type refusingDialer struct{ dials atomic.Int32 }

func (d *refusingDialer) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	d.dials.Add(1)
	return nil, fmt.Errorf("cid %d port %d: connection refused", cid, port)
}

func TestCIDAndConnectToGuestService(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dialer := &refusingDialer{}
	e.deps.Guest = guest.NewPool(1, dialer, nil)
	v := e.create(t, "vm1")

	_, ok, err := v.CID(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = v.ConnectToGuestService(ctx, 5000)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int32(0), dialer.dials.Load(), "precondition failure must not dispatch")

	require.NoError(t, v.Run(ctx))
	cid, ok, err := v.CID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, cid)

	f, err := v.ConnectToGuestService(ctx, 5000)
	require.NoError(t, err)
	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = f.Await(actx)
	var dialErr *guest.DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, uint32(3), dialErr.CID)
	assert.Equal(t, uint32(5000), dialErr.Port)
}

func TestDeleteRemovesEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := e.create(t, "vm1")
	require.NoError(t, v.Run(ctx))
	require.NoError(t, v.Stop(ctx))

	dir := v.Dir()
	for _, f := range []string{"config.xml", "instance.img", "idsig", "extra_idsig_0"} {
		assert.FileExists(t, filepath.Join(dir, f))
	}

	require.NoError(t, v.Delete(ctx))
	assert.NoDirExists(t, dir)
	assert.DirExists(t, e.deps.Paths.VMRoot())
}

func TestRefresh(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	v := e.create(t, "vm1")
	other, err := Load(ctx, e.deps, "vm1")
	require.NoError(t, err)
	require.NotNil(t, other)

	ok, err := other.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// A running object is authoritative and is not re-read
	require.NoError(t, v.Run(ctx))
	ok, err = v.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, v.Stop(ctx))

	require.NoError(t, v.Delete(ctx))
	ok, err = other.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = v.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
