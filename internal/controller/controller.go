// ============================================================================
// Controller - local pipeline orchestrator
// ============================================================================
//
// Package: internal/controller
//
// Runs every stage on the local machine, in dependency order:
//
//   sample → dock (one engine call per batch) → score → train → evaluate → top
//
// Barriers:
//   Each stage call returns only after all of its tasks finished, so the next
//   stage always globs a complete set of files.
//
// Recovery:
//   Nothing is replayed. Every stage skips the items whose outputs are
//   committed, so re-running after a crash resumes at the first incomplete
//   item. The run state (<wd>/.alvs/run.json) records which stage was
//   interrupted; a stage found Running at startup is reported as Failed.
//
// Failure policy:
//   The first fatal stage error aborts the run. Per-item failures inside a
//   stage never reach this level.
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/active-learning/internal/runstate"
	"github.com/ChuLiYu/active-learning/internal/stage"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

// Config describes one local run
type Config struct {
	Library   string
	Extension string
	Receptor  string
	Box       types.Box
	Percent   float64 // sampling share, also used by the final selection
	WorkDir   string  // every stage output lands here
	ModelDir  string  // default <WorkDir>/model
	SmilesDir string  // *.smiles to rank with the model, default WorkDir
}

func (c *Config) defaults() {
	if c.ModelDir == "" {
		c.ModelDir = filepath.Join(c.WorkDir, "model")
	}
	if c.SmilesDir == "" {
		c.SmilesDir = c.WorkDir
	}
}

// Controller drives one run
type Controller struct {
	env       *stage.Env
	config    Config
	state     *runstate.Tracker
	statePath string
	log       *slog.Logger

	mu      sync.Mutex
	counts  map[types.StageName]*counter
	batches []string
}

type counter struct{ done, skipped int }

// NewController loads the run state of the working directory, or starts a
// fresh one.
func NewController(env *stage.Env, config Config) (*Controller, error) {
	config.defaults()
	if config.WorkDir == "" {
		return nil, errors.New("controller: working directory is required")
	}

	runID := env.Journal.RunID()
	if runID == "" {
		runID = uuid.NewString()
	}
	path := runstate.Path(config.WorkDir)
	state, resumed, err := runstate.Load(path, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}

	log := env.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		env:       env,
		config:    config,
		state:     state,
		statePath: path,
		log:       log,
		counts:    make(map[types.StageName]*counter),
	}

	// Chain any existing hook so callers keep their own progress reporting.
	prev := env.Progress
	env.Progress = func(s types.StageName, skipped bool) {
		c.count(s, skipped)
		if prev != nil {
			prev(s, skipped)
		}
	}

	if resumed {
		log.Info("Resuming run", "run_id", state.RunID(), "stats", state.Stats())
	}
	return c, nil
}

func (c *Controller) count(s types.StageName, skipped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[s]
	if n == nil {
		n = &counter{}
		c.counts[s] = n
	}
	if skipped {
		n.skipped++
	} else {
		n.done++
	}
}

// State returns the run state tracker
func (c *Controller) State() *runstate.Tracker {
	return c.state
}

// Run executes every stage in order and returns the final selection path.
func (c *Controller) Run(ctx context.Context) (string, error) {
	start := time.Now()
	cfg := c.config
	c.log.Info("Starting run", "library", cfg.Library, "receptor", cfg.Receptor, "workdir", cfg.WorkDir, "percent", cfg.Percent)

	var top string
	steps := []struct {
		name types.StageName
		fn   func(ctx context.Context) error
	}{
		{types.StageSample, func(ctx context.Context) (err error) {
			c.batches, err = stage.Sample(ctx, c.env, stage.SampleOptions{
				Library: cfg.Library, Extension: cfg.Extension, Percent: cfg.Percent, OutDir: cfg.WorkDir,
			})
			return err
		}},
		{types.StageDock, c.dockAll},
		{types.StageScore, func(ctx context.Context) error {
			_, err := stage.Score(ctx, c.env, stage.ScoreOptions{WorkDir: cfg.WorkDir})
			return err
		}},
		{types.StageTrain, func(ctx context.Context) error {
			return stage.Train(ctx, c.env, stage.TrainOptions{
				Scores: filepath.Join(cfg.WorkDir, stage.TrainTable), ModelDir: cfg.ModelDir,
			})
		}},
		{types.StageEvaluate, func(ctx context.Context) error {
			_, err := stage.Evaluate(ctx, c.env, stage.EvaluateOptions{WorkDir: cfg.SmilesDir, ModelDir: cfg.ModelDir})
			return err
		}},
		{types.StageTop, func(ctx context.Context) (err error) {
			top, err = stage.Top(ctx, c.env, stage.TopOptions{WorkDir: cfg.SmilesDir, Percent: cfg.Percent})
			return err
		}},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := c.step(ctx, s.name, s.fn); err != nil {
			c.log.Error("Run aborted", "stage", s.name, "error", err, "duration", time.Since(start).Round(time.Second))
			return "", err
		}
	}

	c.log.Info("Run completed", "output", top, "duration", time.Since(start).Round(time.Second))
	return top, nil
}

// dockAll docks the sampled batches one after another; the engine already
// uses the whole GPU for one batch.
func (c *Controller) dockAll(ctx context.Context) error {
	for _, batch := range c.batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := stage.Dock(ctx, c.env, stage.DockOptions{Batch: batch, Receptor: c.config.Receptor, Box: c.config.Box}); err != nil {
			return err
		}
	}
	return nil
}

// step wraps one stage with run state bookkeeping
func (c *Controller) step(ctx context.Context, name types.StageName, fn func(context.Context) error) error {
	if err := c.state.Start(name); err != nil {
		return err
	}
	c.save()

	stageStart := time.Now()
	err := fn(ctx)

	c.mu.Lock()
	n := c.counts[name]
	if n == nil {
		n = &counter{}
	}
	done, skipped := n.done, n.skipped
	c.mu.Unlock()

	if err != nil {
		if ferr := c.state.Fail(name, err); ferr != nil {
			c.log.Warn("Failed to record stage failure", "stage", name, "error", ferr)
		}
		c.save()
		return err
	}
	if err := c.state.Complete(name, done, skipped); err != nil {
		return err
	}
	c.save()
	c.log.Info("Stage completed", "stage", name, "items", done, "skipped", skipped, "duration", time.Since(stageStart).Round(time.Millisecond))
	return nil
}

func (c *Controller) save() {
	if err := c.state.Save(c.statePath); err != nil {
		c.log.Warn("Failed to save run state", "path", c.statePath, "error", err)
	}
}
