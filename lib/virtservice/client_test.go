package virtservice_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onkernel/vmkit/lib/logger"
	"github.com/onkernel/vmkit/lib/virtservice"
	"github.com/onkernel/vmkit/lib/virtservice/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type harness struct {
	dir    string
	fake   *fake.Service
	server *grpc.Server
	client *virtservice.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	sock := filepath.Join(dir, "svc.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)

	backend := fake.New()
	srv := grpc.NewServer()
	virtservice.RegisterServer(srv, backend)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := virtservice.Dial(ctx, sock)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &harness{dir: dir, fake: backend, server: srv, client: client}
}

func (h *harness) file(t *testing.T, name string, content string) *os.File {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func (h *harness) createVM(t *testing.T, console *os.File) virtservice.VM {
	t.Helper()
	cfg := &virtservice.AppConfig{
		APK:               h.file(t, "app.apk", "apk"),
		IDSig:             h.file(t, "idsig", ""),
		ExtraIDSigs:       []*os.File{h.file(t, "extra_idsig_0", "")},
		InstanceImage:     h.file(t, "instance.img", ""),
		PayloadConfigPath: "assets/vm_config.json",
		DebugLevel:        virtservice.DebugLevelFull,
		NumCPUs:           2,
		CPUAffinity:       "0,1",
	}
	vm, err := h.client.CreateVM(context.Background(), cfg, console, nil)
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })
	return vm
}

type recorder struct {
	mu      sync.Mutex
	events  []string
	payload string
	died    chan virtservice.DeathReason
}

func newRecorder() *recorder {
	return &recorder{died: make(chan virtservice.DeathReason, 1)}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) OnPayloadStarted(cid int, stream io.ReadCloser) {
	if stream != nil {
		data, _ := io.ReadAll(stream)
		stream.Close()
		r.mu.Lock()
		r.payload = string(data)
		r.mu.Unlock()
	}
	r.add("started")
}

func (r *recorder) OnPayloadReady(cid int) { r.add("ready") }

func (r *recorder) OnPayloadFinished(cid int, exitCode int) { r.add("finished") }

func (r *recorder) OnError(cid int, code virtservice.ErrorCode, message string) {
	r.add("error:" + message)
}

func (r *recorder) OnDied(cid int, reason virtservice.DeathReason) {
	r.add("died")
	r.died <- reason
}

func (r *recorder) snapshot() ([]string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), r.payload
}

func TestInitializeWritablePartition(t *testing.T) {
	h := newHarness(t)
	image := h.file(t, "instance.img", "")
	require.NoError(t, image.Truncate(10<<20))

	err := h.client.InitializeWritablePartition(context.Background(), image, 10<<20, virtservice.PartitionTypeInstance)
	require.NoError(t, err)

	secret, ok := h.fake.Partition(image.Name())
	require.True(t, ok)

	buf := make([]byte, len(secret))
	_, err = image.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, secret, string(buf))
}

func TestCreateOrUpdateIDSig(t *testing.T) {
	h := newHarness(t)
	apk := h.file(t, "app.apk", "apk")
	idsig := h.file(t, "idsig", "stale contents that are longer")

	require.NoError(t, h.client.CreateOrUpdateIDSig(context.Background(), apk, idsig))

	data, err := os.ReadFile(idsig.Name())
	require.NoError(t, err)
	assert.Equal(t, "idsig of "+apk.Name(), string(data))
	assert.Equal(t, 1, h.fake.IDSigCalls())
}

func TestCreateVMPassesConfig(t *testing.T) {
	h := newHarness(t)
	vm := h.createVM(t, nil)

	cid, err := vm.CID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, cid)

	got := h.fake.LastVM().Config
	assert.Equal(t, "assets/vm_config.json", got.PayloadConfigPath)
	assert.Equal(t, virtservice.DebugLevelFull, got.DebugLevel)
	assert.Equal(t, 2, got.NumCPUs)
	assert.Equal(t, "0,1", got.CPUAffinity)
	assert.Len(t, got.ExtraIDSigs, 1)
	assert.NotNil(t, got.TaskProfiles)
	assert.Empty(t, got.TaskProfiles)

	st, err := vm.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, virtservice.VMStateNotStarted, st)
}

func TestConsoleOutputIsCopied(t *testing.T) {
	h := newHarness(t)
	console, err := os.Create(filepath.Join(h.dir, "console.txt"))
	require.NoError(t, err)
	defer console.Close()

	vm := h.createVM(t, console)
	require.NoError(t, vm.Start(context.Background()))

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(console.Name())
		return string(data) == "console: vm 3 booting\n"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCallbacksDeliveredInOrder(t *testing.T) {
	h := newHarness(t)
	vm := h.createVM(t, nil)
	rec := newRecorder()
	require.NoError(t, vm.RegisterCallback(rec))

	backend := h.fake.LastVM()
	backend.EmitPayloadStarted([]byte("hello from payload"))
	backend.EmitPayloadReady()
	backend.EmitError(virtservice.ErrorCodePayloadChanged, "changed")
	backend.EmitPayloadFinished(0)
	backend.Die(virtservice.DeathReasonShutdown)

	select {
	case reason := <-rec.died:
		assert.Equal(t, virtservice.DeathReasonShutdown, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("OnDied not delivered")
	}

	events, payload := rec.snapshot()
	assert.Equal(t, []string{"started", "ready", "error:changed", "finished", "died"}, events)
	assert.Equal(t, "hello from payload", payload)
}

func TestReleaseClosesBackendVM(t *testing.T) {
	h := newHarness(t)
	vm := h.createVM(t, nil)
	backend := h.fake.LastVM()

	require.NoError(t, vm.Close())
	assert.True(t, backend.Closed())

	// Second close is a no-op
	require.NoError(t, vm.Close())

	_, err := vm.CID(context.Background())
	assert.Error(t, err)

	assert.ErrorIs(t, vm.RegisterCallback(newRecorder()), virtservice.ErrReleased)
}

func TestBackendErrorsSurface(t *testing.T) {
	h := newHarness(t)
	h.fake.FailCreateVM = true

	cfg := &virtservice.AppConfig{
		APK:           h.file(t, "app.apk", "apk"),
		IDSig:         h.file(t, "idsig", ""),
		InstanceImage: h.file(t, "instance.img", ""),
	}
	_, err := h.client.CreateVM(context.Background(), cfg, nil, nil)
	require.Error(t, err)

	var remote *virtservice.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "CreateVm", remote.Method)
}

func TestLinkToDeathFiresWhenServiceStops(t *testing.T) {
	h := newHarness(t)

	fired := make(chan struct{})
	var once sync.Once
	h.client.LinkToDeath(func() { once.Do(func() { close(fired) }) })

	unlinked := make(chan struct{}, 1)
	unlink := h.client.LinkToDeath(func() { unlinked <- struct{}{} })
	unlink()

	h.server.Stop()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("death notification not delivered")
	}
	assert.Empty(t, unlinked)

	// Registrations after death run immediately
	late := make(chan struct{})
	h.client.LinkToDeath(func() { close(late) })
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("late registration not invoked")
	}
}

func TestDialFailsWithoutService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := virtservice.Dial(ctx, filepath.Join(t.TempDir(), "missing.sock"))
	assert.ErrorIs(t, err, virtservice.ErrUnavailable)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConnectionLossLoggedThroughContextLogger(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "svc.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := grpc.NewServer()
	virtservice.RegisterServer(srv, fake.New())
	go srv.Serve(lis)

	var out lockedBuffer
	ctx := logger.AddToContext(context.Background(), slog.New(slog.NewTextHandler(&out, nil)))
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := virtservice.Dial(dctx, sock)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	srv.Stop()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "virtualization service connection lost")
	}, 5*time.Second, 20*time.Millisecond)
}
