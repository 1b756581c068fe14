// Package stage implements the pipeline stages. Every stage reads its inputs
// from and writes its outputs to the filesystem, under names derived from the
// input names, so any stage can be re-invoked and resumes where it stopped.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/internal/engine"
	"github.com/ChuLiYu/active-learning/internal/metrics"
	"github.com/ChuLiYu/active-learning/internal/storage/journal"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

var (
	// ErrNoInputs is returned when a stage finds nothing to process.
	ErrNoInputs = errors.New("no input files found")
	// ErrMissingPath is returned when a required input path does not exist.
	ErrMissingPath = errors.New("required path does not exist")
	// ErrInvalidPercent is returned for a percentage outside (0, 100].
	ErrInvalidPercent = errors.New("percent must be in (0, 100]")
)

// Error attaches the stage and the offending input to a fatal error.
type Error struct {
	Stage types.StageName
	Input string
	Err   error
}

func (e *Error) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Input, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Env carries the collaborators shared by every stage. Only Runner is
// required; a nil Store, Journal or Metrics disables that concern.
type Env struct {
	Logger    *slog.Logger
	Store     *checkpoint.Store
	Journal   *journal.Journal
	Metrics   *metrics.Collector
	Runner    engine.Runner
	Tools     engine.Tools
	Converter StructureConverter
	Workers   int    // caps every fan-out when positive
	Seed      uint64 // 0 draws a fresh seed per run
	Debug     bool   // keep intermediates, cap docked ligands

	// Progress, when set, is called once per resolved item: skipped is true
	// when the output already existed. It may be called concurrently.
	Progress func(stage types.StageName, skipped bool)
}

func (e *Env) progress(stage types.StageName, skipped bool) {
	if e.Progress != nil {
		e.Progress(stage, skipped)
	}
}

func (e *Env) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// RequirePath fails with ErrMissingPath unless every path exists.
func RequirePath(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrMissingPath, p)
			}
			return err
		}
	}
	return nil
}

func checkPercent(p float64) error {
	if p <= 0 || p > 100 {
		return fmt.Errorf("%w: got %g", ErrInvalidPercent, p)
	}
	return nil
}

// tool runs an external command and records it in the journal and metrics.
func (e *Env) tool(ctx context.Context, stage types.StageName, cmd engine.Command) error {
	start := time.Now()
	err := e.Runner.Run(ctx, cmd)
	elapsed := time.Since(start)
	e.Metrics.ObserveTool(cmd.Name, elapsed, err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if jerr := e.Journal.Record(journal.EventTool, stage, cmd.Name, 0, elapsed, detail); jerr != nil {
		e.log().Warn("Failed to journal tool call", "tool", cmd.Name, "error", jerr)
	}
	return err
}

// ============================================================================
// Stage bookkeeping
// A stage that finds every output in place writes nothing: the journal start
// event is emitted lazily when the first item actually executes.
// ============================================================================

type run struct {
	env      *Env
	stage    types.StageName
	observe  func(error)
	once     sync.Once
	mu       sync.Mutex
	executed int
}

func (e *Env) start(stage types.StageName) *run {
	return &run{env: e, stage: stage, observe: e.Metrics.StageStarted(stage)}
}

func (r *run) journal(t journal.EventType, item string, records int, d time.Duration, detail string) {
	if err := r.env.Journal.Record(t, r.stage, item, records, d, detail); err != nil {
		r.env.log().Warn("Failed to journal event", "stage", r.stage, "type", t, "error", err)
	}
}

// resolve decides whether (input, output) must run, logging skips.
func (r *run) resolve(input, output string) (checkpoint.Decision, checkpoint.Record, error) {
	d, rec, err := r.env.Store.Resolve(r.stage, input, output)
	if err != nil {
		return d, rec, &Error{Stage: r.stage, Input: input, Err: err}
	}
	if d == checkpoint.Skip {
		r.env.Metrics.RecordSkipped(r.stage)
		r.env.progress(r.stage, true)
		r.env.log().Debug("Output already exists, skip", "stage", r.stage, "input", input, "output", output)
	}
	return d, rec, nil
}

// execute runs fn for rec and commits the outcome. fn returns the number of
// entries it wrote to rec.Output.
func (r *run) execute(ctx context.Context, rec checkpoint.Record, fn func(ctx context.Context) (int, error)) error {
	r.once.Do(func() { r.journal(journal.EventStageStart, "", 0, 0, "") })
	r.mu.Lock()
	r.executed++
	r.mu.Unlock()

	rec, err := r.env.Store.Begin(rec)
	if err != nil {
		return &Error{Stage: r.stage, Input: rec.Input, Err: err}
	}

	start := time.Now()
	n, err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		r.env.Metrics.RecordFailed(r.stage)
		r.journal(journal.EventItemFailed, rec.Input, 0, elapsed, err.Error())
		if serr := r.env.Store.Fail(rec, err); serr != nil {
			err = errors.Join(err, serr)
		}
		return err
	}

	if err := r.env.Store.Finish(rec, n); err != nil {
		return &Error{Stage: r.stage, Input: rec.Input, Err: err}
	}
	r.env.Metrics.RecordDone(r.stage)
	r.env.progress(r.stage, false)
	r.journal(journal.EventItemDone, rec.Input, n, elapsed, "")
	r.env.log().Debug("Item complete", "stage", r.stage, "input", rec.Input, "records", n, "duration", elapsed.Round(time.Millisecond))
	return nil
}

// item is resolve followed by execute when the item is pending.
func (r *run) item(ctx context.Context, input, output string, fn func(ctx context.Context) (int, error)) (skipped bool, err error) {
	d, rec, err := r.resolve(input, output)
	if err != nil {
		return false, err
	}
	if d == checkpoint.Skip {
		return true, nil
	}
	return false, r.execute(ctx, rec, fn)
}

// finish closes the stage and returns err unchanged.
func (r *run) finish(err error) error {
	r.observe(err)
	r.mu.Lock()
	executed := r.executed
	r.mu.Unlock()
	switch {
	case err != nil:
		r.journal(journal.EventStageFail, "", 0, 0, err.Error())
	case executed > 0:
		r.journal(journal.EventStageDone, "", executed, 0, "")
	}
	return err
}
