package stage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/internal/worker"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

// EvaluateOptions configures prediction over the full library.
type EvaluateOptions struct {
	WorkDir  string // holds the *.smiles files to score
	ModelDir string
}

// Evaluate predicts a score for every *.smiles file in WorkDir into
// <stem>.predict.smiles.score.csv and aggregates the tables under one header
// into predict.smiles.score.csv. Any predictor failure fails the stage.
func Evaluate(ctx context.Context, env *Env, opts EvaluateOptions) (output string, err error) {
	r := env.start(types.StageEvaluate)
	defer func() { err = r.finish(err) }()

	if err := RequirePath(opts.WorkDir, opts.ModelDir); err != nil {
		return "", &Error{Stage: types.StageEvaluate, Err: err}
	}
	output = filepath.Join(opts.WorkDir, PredictTable)
	d, rec, err := r.resolve(opts.WorkDir, output)
	if err != nil || d == checkpoint.Skip {
		return output, err
	}

	inputs, err := glob(opts.WorkDir, "*.smiles")
	if err != nil {
		return "", &Error{Stage: types.StageEvaluate, Err: err}
	}
	// The final selection shares the extension but is never a library file.
	inputs = slices.DeleteFunc(inputs, func(p string) bool { return filepath.Base(p) == TopFile })
	if len(inputs) == 0 {
		return "", &Error{Stage: types.StageEvaluate, Input: opts.WorkDir, Err: fmt.Errorf("%w: *.smiles", ErrNoInputs)}
	}

	outcomes := worker.Map(ctx, inputs, worker.MapOptions{Limit: env.Workers}, func(ctx context.Context, input string) (string, error) {
		out := PredictionPath(input)
		_, err := r.item(ctx, input, out, func(ctx context.Context) (int, error) {
			if err := env.tool(ctx, types.StageEvaluate, env.Tools.PredictCommand(input, opts.ModelDir, out)); err != nil {
				return 0, err
			}
			rows, err := readRows(out)
			if err != nil {
				return 0, err
			}
			return max(len(rows)-1, 0), nil
		})
		if err != nil {
			return "", &Error{Stage: types.StageEvaluate, Input: input, Err: err}
		}
		return out, nil
	})
	if err := worker.Errors(outcomes); err != nil {
		return "", err
	}

	err = r.execute(ctx, rec, func(context.Context) (int, error) {
		return concatPredictions(output, worker.Values(outcomes))
	})
	if err != nil {
		return "", &Error{Stage: types.StageEvaluate, Input: opts.WorkDir, Err: err}
	}
	return output, nil
}

var errHeaderMismatch = errors.New("prediction tables have different headers")

// concatPredictions keeps the first table's header and the data rows of all.
func concatPredictions(output string, tables []string) (int, error) {
	var rows [][]string
	for _, t := range tables {
		part, err := readRows(t)
		if err != nil {
			return 0, err
		}
		if len(part) == 0 {
			continue
		}
		if rows == nil {
			rows = append(rows, part[0])
		} else if !slices.Equal(rows[0], part[0]) {
			return 0, fmt.Errorf("%w: %s", errHeaderMismatch, t)
		}
		rows = append(rows, part[1:]...)
	}
	if rows == nil {
		return 0, fmt.Errorf("%w: prediction tables are empty", ErrNoInputs)
	}
	if err := writeRows(output, rows); err != nil {
		return 0, err
	}
	return len(rows) - 1, nil
}
