package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the per-input result of Map.
type Outcome[O any] struct {
	Input    string
	Value    O
	Err      error
	Duration time.Duration
}

// MapOptions configures a fan-out.
type MapOptions struct {
	// Limit caps the pool size below min(items, CPUs) when positive.
	Limit int
	// Timeout bounds each item when positive.
	Timeout time.Duration
}

// Map runs fn over every input on a bounded pool and returns one Outcome per
// input, in input order. It returns only after every task has finished, so
// callers get a barrier for free. A failing item never cancels its siblings.
func Map[O any](ctx context.Context, inputs []string, opts MapOptions, fn func(ctx context.Context, input string) (O, error)) []Outcome[O] {
	outcomes := make([]Outcome[O], len(inputs))
	if len(inputs) == 0 {
		return outcomes
	}

	pool := NewPool(len(inputs))
	if err := pool.Start(ctx, Size(len(inputs), opts.Limit)); err != nil {
		for i, in := range inputs {
			outcomes[i] = Outcome[O]{Input: in, Err: err}
		}
		return outcomes
	}

	for i, in := range inputs {
		input := in
		task := Task{
			ID:      input,
			Index:   i,
			Timeout: opts.Timeout,
			Run: func(ctx context.Context) (any, error) {
				return fn(ctx, input)
			},
		}
		if err := pool.Submit(task); err != nil {
			outcomes[i] = Outcome[O]{Input: input, Err: err}
		}
	}
	pool.Stop()

	for {
		result, err := pool.ReceiveResult()
		if err != nil {
			break
		}
		out := Outcome[O]{Input: result.ID, Err: result.Error, Duration: result.Duration}
		if result.Value != nil {
			v, ok := result.Value.(O)
			if !ok && out.Err == nil {
				out.Err = fmt.Errorf("task %s returned %T", result.ID, result.Value)
			}
			out.Value = v
		}
		outcomes[result.Index] = out
	}
	return outcomes
}

// Values returns the values of successful outcomes, in input order.
func Values[O any](outcomes []Outcome[O]) []O {
	values := make([]O, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil {
			values = append(values, o.Value)
		}
	}
	return values
}

// Errors joins the errors of failed outcomes, or returns nil.
func Errors[O any](outcomes []Outcome[O]) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}
