package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolSaturated is returned by TrySubmit when every worker is busy
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrPoolShutdown is returned by TrySubmit after Shutdown has been called
	ErrPoolShutdown = errors.New("worker pool is shut down")
)

// Task is a unit of work run by the pool. The context is canceled only when
// the pool is force-terminated at the end of Shutdown.
type Task func(ctx context.Context)

// Pool runs at most size tasks at once and never queues: a task is either
// admitted to an idle worker immediately or rejected.
type Pool struct {
	logger *slog.Logger
	size   int
	slots  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int32
}

// NewPool creates a pool with size workers
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger,
		size:   size,
		slots:  make(chan struct{}, size),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// InFlight returns the number of tasks currently running
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// TrySubmit hands task to an idle worker without blocking
func (p *Pool) TrySubmit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	default:
		return ErrPoolSaturated
	}

	p.wg.Add(1)
	p.inFlight.Add(1)
	go p.run(task)

	return nil
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker task panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
		p.inFlight.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	task(p.ctx)
}

// Shutdown stops admission and waits up to timeout for running tasks. When
// the timeout elapses the context handed to running tasks is canceled and
// Shutdown returns false without waiting further.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return true
	case <-timer.C:
		p.logger.Warn("Worker pool did not drain in time, canceling running tasks",
			slog.Duration("timeout", timeout),
			slog.Int("in_flight", p.InFlight()),
		)
		p.cancel()
		return false
	}
}
