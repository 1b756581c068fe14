// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks, each Worker runs in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run task with the pool context (plus optional per-task timeout)
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// A panic inside Task.Run is recovered and reported as the task's error so one
// bad input cannot take the whole stage down.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker identifier, used for logging and debugging
	ctx      context.Context
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := w.taskContext(task)
		value, err := w.execute(ctx, task)
		cancel()

		w.resultCh <- Result{
			ID:       task.ID,
			Index:    task.Index,
			Value:    value,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
	}
}

func (w *Worker) taskContext(task Task) (context.Context, context.CancelFunc) {
	if task.Timeout > 0 {
		return context.WithTimeout(w.ctx, task.Timeout)
	}
	return context.WithCancel(w.ctx)
}

// execute runs the task body, converting panics into errors
func (w *Worker) execute(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: task %s panicked: %v", w.id, task.ID, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if task.Run == nil {
		return nil, fmt.Errorf("task %s has no function", task.ID)
	}
	return task.Run(ctx)
}
