package stage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

// TrainOptions configures model training.
type TrainOptions struct {
	Scores   string // training table
	ModelDir string
}

// Train fits a regression model on the training table with the external
// trainer. Its combined output goes to <ModelDir>/modeling.log. Training is
// skipped only when a previous run was recorded as complete and the model
// directory is still present; an existing directory alone proves nothing.
func Train(ctx context.Context, env *Env, opts TrainOptions) (err error) {
	r := env.start(types.StageTrain)
	defer func() { err = r.finish(err) }()

	if err := RequirePath(opts.Scores); err != nil {
		return &Error{Stage: types.StageTrain, Err: err}
	}

	logPath := filepath.Join(opts.ModelDir, ModelLog)
	rec := checkpoint.Record{Stage: types.StageTrain, Input: opts.Scores, Output: opts.ModelDir}
	if env.Store != nil {
		prev, ok, err := env.Store.Load(types.StageTrain, opts.Scores)
		if err != nil {
			return &Error{Stage: types.StageTrain, Input: opts.Scores, Err: err}
		}
		if ok {
			rec = prev
			rec.Output = opts.ModelDir
		}
		if ok && prev.Status == types.StatusDone && RequirePath(opts.ModelDir) == nil {
			env.Metrics.RecordSkipped(types.StageTrain)
			env.progress(types.StageTrain, true)
			env.log().Debug("Model already trained, skip", "model", opts.ModelDir)
			return nil
		}
	} else if RequirePath(logPath) == nil {
		env.Metrics.RecordSkipped(types.StageTrain)
		env.progress(types.StageTrain, true)
		env.log().Debug("Model already trained, skip", "model", opts.ModelDir)
		return nil
	}

	err = r.execute(ctx, rec, func(ctx context.Context) (int, error) {
		if err := os.MkdirAll(opts.ModelDir, 0o755); err != nil {
			return 0, err
		}
		logFile, err := os.Create(logPath)
		if err != nil {
			return 0, err
		}
		defer logFile.Close()

		cmd := env.Tools.TrainCommand(opts.Scores, opts.ModelDir)
		cmd.Stdout, cmd.Stderr = logFile, logFile
		env.log().Info("Training model", "scores", opts.Scores, "model", opts.ModelDir, "log", logPath)
		if err := env.tool(ctx, types.StageTrain, cmd); err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return &Error{Stage: types.StageTrain, Input: opts.Scores, Err: err}
	}
	return nil
}
