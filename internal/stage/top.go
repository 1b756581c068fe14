package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/internal/worker"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

// TopOptions configures the final selection.
type TopOptions struct {
	WorkDir string
	Percent float64
}

// Top ranks every prediction table in WorkDir and writes the best compounds
// to top.smiles (title,score), best first.
//
// Each table keeps its best 2·Percent% rows, cached as <name>.top.smiles.csv;
// the merged candidates are ranked again and the better half is kept. Equal
// scores keep their order of first appearance, tables taken in name order.
func Top(ctx context.Context, env *Env, opts TopOptions) (output string, err error) {
	r := env.start(types.StageTop)
	defer func() { err = r.finish(err) }()

	if err := checkPercent(opts.Percent); err != nil {
		return "", &Error{Stage: types.StageTop, Err: err}
	}
	if err := RequirePath(opts.WorkDir); err != nil {
		return "", &Error{Stage: types.StageTop, Err: err}
	}
	output = filepath.Join(opts.WorkDir, TopFile)
	d, rec, err := r.resolve(opts.WorkDir, output)
	if err != nil || d == checkpoint.Skip {
		return output, err
	}

	tables, err := glob(opts.WorkDir, "*"+predictSuffix)
	if err != nil {
		return "", &Error{Stage: types.StageTop, Err: err}
	}
	if len(tables) == 0 {
		return "", &Error{Stage: types.StageTop, Input: opts.WorkDir, Err: fmt.Errorf("%w: *%s", ErrNoInputs, predictSuffix)}
	}

	outcomes := worker.Map(ctx, tables, worker.MapOptions{Limit: env.Workers}, func(ctx context.Context, table string) ([]types.Prediction, error) {
		cache := TopCachePath(table)
		var top []types.Prediction
		skipped, err := r.item(ctx, table, cache, func(context.Context) (int, error) {
			preds, err := readPredictions(table)
			if err != nil {
				return 0, err
			}
			top = SelectTop(preds, TableKeep(len(preds), opts.Percent))
			return len(top), writePredictions(cache, top)
		})
		if err == nil && skipped {
			top, err = readPredictions(cache)
		}
		if err != nil {
			return nil, &Error{Stage: types.StageTop, Input: table, Err: err}
		}
		return top, nil
	})
	if err := worker.Errors(outcomes); err != nil {
		return "", err
	}

	var merged []types.Prediction
	for _, top := range worker.Values(outcomes) {
		merged = append(merged, top...)
	}
	final := SelectTop(merged, len(merged)/2)

	err = r.execute(ctx, rec, func(context.Context) (int, error) {
		return len(final), writePredictions(output, final)
	})
	if err != nil {
		return "", &Error{Stage: types.StageTop, Input: opts.WorkDir, Err: err}
	}
	env.log().Info("Selected top compounds", "output", output, "count", len(final), "candidates", len(merged))
	return output, nil
}

// TableKeep is the per-table share: floor(rows·2·p/100), at most rows.
func TableKeep(rows int, p float64) int {
	return min(int(float64(rows)*2*p/100), rows)
}

// SelectTop returns the n lowest-scoring predictions in ascending order.
// The sort is stable so ties keep their input order. preds is not modified.
func SelectTop(preds []types.Prediction, n int) []types.Prediction {
	sorted := make([]types.Prediction, len(preds))
	copy(sorted, preds)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score < sorted[j].Score })
	return sorted[:min(max(n, 0), len(sorted))]
}
