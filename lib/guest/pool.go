package guest

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
)

// Pool runs guest connection attempts on a bounded set of workers so the
// blocking dial never runs on the caller's goroutine.
type Pool struct {
	sem     *semaphore.Weighted
	dialer  Dialer
	metrics *Metrics
}

// NewPool returns a pool of size workers. Values < 1 select GOMAXPROCS.
// A nil dialer selects VsockDialer. metrics may be nil.
func NewPool(workers int, dialer Dialer, metrics *Metrics) *Pool {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	if dialer == nil {
		dialer = VsockDialer{}
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		dialer:  dialer,
		metrics: metrics,
	}
}

// Connect schedules a connection to port on the guest with the given cid.
func (p *Pool) Connect(cid, port uint32) *Future {
	return p.Submit(func(ctx context.Context) (*grpc.ClientConn, error) {
		start := time.Now()
		cc, err := Connect(ctx, p.dialer, cid, port)
		p.metrics.RecordConnect(ctx, start, err == nil)
		return cc, err
	})
}

// Submit schedules fn. The context passed to fn is never cancelled; a
// future cancelled while fn runs closes the result once fn returns.
func (p *Pool) Submit(fn func(ctx context.Context) (*grpc.ClientConn, error)) *Future {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Future{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer cancel()
		// Acquire fails only if the future was cancelled while queued.
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		if f.isCancelled() {
			return
		}
		f.complete(fn(context.WithoutCancel(ctx)))
	}()
	return f
}

// Future is the pending result of a guest connection.
type Future struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	finished  bool
	cancelled bool
	conn      *grpc.ClientConn
	err       error
}

// Done is closed once the result is available or the future is cancelled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the connection is established, fails, or ctx ends.
// A cancelled future returns context.Canceled.
func (f *Future) Await(ctx context.Context) (*grpc.ClientConn, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.conn, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the future. It reports false if the result was already
// available. A dial already in progress still runs to completion and its
// connection is closed.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return false
	}
	f.finished = true
	f.cancelled = true
	f.err = context.Canceled
	f.mu.Unlock()

	f.cancel()
	close(f.done)
	return true
}

func (f *Future) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *Future) complete(cc *grpc.ClientConn, err error) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		if cc != nil {
			cc.Close()
		}
		return
	}
	f.finished = true
	f.conn, f.err = cc, err
	f.mu.Unlock()
	close(f.done)
}
