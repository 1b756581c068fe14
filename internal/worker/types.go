package worker

import (
	"context"
	"time"
)

// Task is one unit of fan-out work: a keyed input plus the function to run on it.
type Task struct {
	ID      string                                   // input identity, usually a file path
	Index   int                                      // position of the input in the submitted batch
	Timeout time.Duration                            // zero means no limit
	Run     func(ctx context.Context) (any, error) // work to execute
}

// Result is the outcome of one Task.
type Result struct {
	ID       string        // Task.ID
	Index    int           // Task.Index
	Value    any           // value returned by Task.Run
	Success  bool          // Error == nil
	Error    error         // failure, including recovered panics
	Duration time.Duration // wall time spent in Run
}
