package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"taskgrid/pkg/logx"
)

// WorkerPool is a bounded-concurrency executor with admission control.
//
// There is no queue: a submission either takes a free permit immediately or
// is rejected. Rejection is a normal steady-state outcome, not a failure.
type WorkerPool struct {
	log     logx.Logger
	permits chan struct{}

	mu     sync.Mutex
	closed bool

	wg      sync.WaitGroup
	running int64
}

func NewWorkerPool(size int, log logx.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WorkerPool{
		log:     log,
		permits: make(chan struct{}, size),
	}
}

// Capacity returns the fixed pool size.
func (p *WorkerPool) Capacity() int { return cap(p.permits) }

// Running returns the number of currently executing work items.
func (p *WorkerPool) Running() int { return int(atomic.LoadInt64(&p.running)) }

// Submit runs work on a pool goroutine if a permit is free right now.
//
// The permit is released when work returns, panic or not. Returns false when
// the pool is saturated or shut down; the caller must handle rejection.
func (p *WorkerPool) Submit(work func()) bool {
	if work == nil {
		return false
	}

	select {
	case p.permits <- struct{}{}:
	default:
		return false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.permits
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	atomic.AddInt64(&p.running, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("worker panicked", logx.Any("panic", r))
			}
			atomic.AddInt64(&p.running, -1)
			<-p.permits
			p.wg.Done()
		}()
		work()
	}()
	return true
}

// BlockForAvailableWorkers waits for at least one permit to free up and
// returns the headroom at that moment (the permit it briefly held included).
// Intended for health and shutdown probes, not for admission.
func (p *WorkerPool) BlockForAvailableWorkers() int {
	p.permits <- struct{}{}
	free := cap(p.permits) - len(p.permits) + 1
	<-p.permits
	return free
}

// Shutdown rejects new submissions and waits up to timeout for in-flight
// work. A timeout is logged, not escalated; workers are never killed.
func (p *WorkerPool) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		p.log.Warn("worker pool shutdown timed out",
			logx.Int("still_running", p.Running()),
			logx.Duration("timeout", timeout))
		return false
	}
}
