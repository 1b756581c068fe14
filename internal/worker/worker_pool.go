// ============================================================================
// Worker Pool - Bounded Concurrent Executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manage the lifecycle of worker goroutines and distribute tasks
//
// Architecture:
//   ┌─────────────┐
//   │   Stage     │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()        - create channels
//   2. Start(ctx, n)    - launch n workers bound to ctx
//   3. Submit(task)     - enqueue work
//   4. ReceiveResult()  - collect outcomes
//   5. Stop()           - close taskCh, wait for workers, close resultCh
//
// Workers block when resultCh is full, so callers either size the buffer to
// the number of tasks (see Map) or drain results concurrently.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var (
	// ErrPoolClosed means the pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Submit was called before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool manages a fixed set of concurrent workers
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool whose task and result channels hold bufferSize entries
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers. Tasks observe ctx cancellation.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(ctx, i, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit enqueues a task for execution
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	// Holding the lock while sending keeps Stop from closing taskCh under us.
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks until a result is available or the pool is drained
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop closes the task channel, waits for every worker to finish its queue and
// then closes the result channel. Buffered results remain readable.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Size returns the pool size for n items: min(n, CPUs), further capped by limit
// when limit is positive. It never returns less than 1.
func Size(n, limit int) int {
	size := min(n, runtime.NumCPU())
	if limit > 0 {
		size = min(size, limit)
	}
	return max(size, 1)
}
