package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// PoolStats is a point-in-time view of the run pool.
type PoolStats struct {
	Capacity  int   `json:"capacity"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a run is submitted to a stopped pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// RunPool bounds how many chain executions are driven concurrently.
// Jobs run detached from the submitting request: the context handed to fn
// is derived from the pool, not the caller.
type RunPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewRunPool creates a pool with the given max concurrency.
func NewRunPool(size int, logger *slog.Logger) *RunPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	base, cancel := context.WithCancel(context.Background())
	return &RunPool{
		sem:    make(chan struct{}, size),
		logger: logger,
		base:   base,
		cancel: cancel,
	}
}

// Submit schedules fn. It blocks while the pool is at capacity and gives up
// when ctx is done or the pool shuts down.
func (p *RunPool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.base.Done():
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot slip between the
	// closed check and the Add.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.run(name, fn)
	return nil
}

func (p *RunPool) run(name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("run panicked",
				slog.String("job", name),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
		p.active.Add(-1)
		<-p.sem
		p.wg.Done()
	}()

	if err := fn(p.base); err != nil {
		p.failed.Add(1)
		p.logger.Warn("run returned error", slog.String("job", name), slog.String("error", err.Error()))
		return
	}
	p.completed.Add(1)
}

func (p *RunPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every submitted job has returned.
func (p *RunPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work, cancels the jobs' context and waits for them.
func (p *RunPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *RunPool) Stats() PoolStats {
	return PoolStats{
		Capacity:  cap(p.sem),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
