package guest

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// unixDialer stands in for vsock by mapping every (cid, port) to one socket.
type unixDialer struct {
	path  string
	dials atomic.Int32
	fail  error
}

func (d *unixDialer) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	d.dials.Add(1)
	if d.fail != nil {
		return nil, d.fail
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "unix", d.path)
}

func startGuestService(t *testing.T) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "guest.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return sock
}

func TestConnect(t *testing.T) {
	d := &unixDialer{path: startGuestService(t)}

	cc, err := Connect(context.Background(), d, 3, 5000)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	// The eagerly dialed connection carries the channel
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestConnectDialError(t *testing.T) {
	refused := errors.New("connection refused")
	d := &unixDialer{fail: refused}

	_, err := Connect(context.Background(), d, 7, 5000)
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, uint32(7), dialErr.CID)
	assert.Equal(t, uint32(5000), dialErr.Port)
	assert.ErrorIs(t, err, refused)
}

func TestPoolConnect(t *testing.T) {
	d := &unixDialer{path: startGuestService(t)}
	pool := NewPool(2, d, nil)

	f := pool.Connect(3, 5000)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cc, err := f.Await(ctx)
	require.NoError(t, err)
	defer cc.Close()

	_, err = healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)

	select {
	case <-f.Done():
	default:
		t.Fatal("Done not closed after Await returned")
	}
	assert.False(t, f.Cancel(), "cancel after completion")
}

func TestPoolBoundsWorkers(t *testing.T) {
	pool := NewPool(1, nil, nil)
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	var secondStarted atomic.Bool

	first := pool.Submit(func(ctx context.Context) (*grpc.ClientConn, error) {
		close(firstStarted)
		<-release
		return nil, errors.New("first")
	})
	<-firstStarted
	second := pool.Submit(func(ctx context.Context) (*grpc.ClientConn, error) {
		secondStarted.Store(true)
		return nil, errors.New("second")
	})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, secondStarted.Load(), "second task ran while the only worker was busy")

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := first.Await(ctx)
	assert.EqualError(t, err, "first")
	_, err = second.Await(ctx)
	assert.EqualError(t, err, "second")
}

func TestFutureCancelBeforeDispatch(t *testing.T) {
	pool := NewPool(1, nil, nil)
	release := make(chan struct{})
	blocking := make(chan struct{})
	var ran atomic.Bool

	blocker := pool.Submit(func(ctx context.Context) (*grpc.ClientConn, error) {
		close(blocking)
		<-release
		return nil, nil
	})
	<-blocking
	queued := pool.Submit(func(ctx context.Context) (*grpc.ClientConn, error) {
		ran.Store(true)
		return nil, nil
	})

	assert.True(t, queued.Cancel())
	_, err := queued.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = blocker.Await(ctx)
	require.NoError(t, err)

	// Once a later task has run, the cancelled one can no longer be pending
	tail := pool.Submit(func(ctx context.Context) (*grpc.ClientConn, error) { return nil, nil })
	_, err = tail.Await(ctx)
	require.NoError(t, err)
	assert.False(t, ran.Load())
}

func TestFutureCancelDuringDialClosesResult(t *testing.T) {
	pool := NewPool(1, nil, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	result := make(chan *grpc.ClientConn, 1)

	f := pool.Submit(func(ctx context.Context) (*grpc.ClientConn, error) {
		close(started)
		<-release
		// The dial is not interruptible: its context outlives Cancel
		assert.NoError(t, ctx.Err())
		cc, err := grpc.NewClient("passthrough:///guest", grpc.WithTransportCredentials(insecure.NewCredentials()))
		result <- cc
		return cc, err
	})

	<-started
	assert.True(t, f.Cancel())
	close(release)

	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	cc := <-result
	require.NotNil(t, cc)
	assert.Eventually(t, func() bool {
		return cc.GetState() == connectivity.Shutdown
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFutureAwaitRespectsContext(t *testing.T) {
	pool := NewPool(1, nil, nil)
	release := make(chan struct{})
	defer close(release)

	f := pool.Submit(func(ctx context.Context) (*grpc.ClientConn, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
