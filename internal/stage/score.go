package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/internal/molio"
	"github.com/ChuLiYu/active-learning/internal/worker"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

// ScoreHeader is the header of the training table.
var ScoreHeader = []string{"smiles", "title", "score"}

// ScoreOptions configures the score extractor.
type ScoreOptions struct {
	WorkDir string
}

// Score turns every <name>.docking.sdf in WorkDir into <name>.docking.csv and
// concatenates them under a header into train.smiles.score.csv. Records that
// cannot be converted are logged and left out.
//
// Only the tables derived from the docking results found in this call are
// concatenated, so every surviving record appears exactly once.
func Score(ctx context.Context, env *Env, opts ScoreOptions) (output string, err error) {
	r := env.start(types.StageScore)
	defer func() { err = r.finish(err) }()

	if err := RequirePath(opts.WorkDir); err != nil {
		return "", &Error{Stage: types.StageScore, Err: err}
	}
	output = filepath.Join(opts.WorkDir, TrainTable)
	d, rec, err := r.resolve(opts.WorkDir, output)
	if err != nil || d == checkpoint.Skip {
		return output, err
	}

	inputs, err := glob(opts.WorkDir, "*"+dockingSuffix)
	if err != nil {
		return "", &Error{Stage: types.StageScore, Err: err}
	}
	if len(inputs) == 0 {
		return "", &Error{Stage: types.StageScore, Input: opts.WorkDir, Err: fmt.Errorf("%w: *%s", ErrNoInputs, dockingSuffix)}
	}

	conv := env.converter()
	outcomes := worker.Map(ctx, inputs, worker.MapOptions{Limit: env.Workers}, func(ctx context.Context, input string) (string, error) {
		out := ScorePath(input)
		_, err := r.item(ctx, input, out, func(ctx context.Context) (int, error) {
			return scoreFile(ctx, env, conv, input, out)
		})
		if err != nil {
			return "", &Error{Stage: types.StageScore, Input: input, Err: err}
		}
		return out, nil
	})
	if err := worker.Errors(outcomes); err != nil {
		return "", err
	}

	err = r.execute(ctx, rec, func(context.Context) (int, error) {
		return concatScores(output, worker.Values(outcomes))
	})
	if err != nil {
		return "", &Error{Stage: types.StageScore, Input: opts.WorkDir, Err: err}
	}
	return output, nil
}

// scoreFile writes one (structure, title, score) row per convertible record.
// Nothing is written when no record survives.
func scoreFile(ctx context.Context, env *Env, conv StructureConverter, input, output string) (int, error) {
	log := env.log().With("input", input)
	var rows [][]string
	err := molio.Each(input, func(rec *molio.Record) error {
		sr, err := scoreRecord(ctx, conv, rec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("Failed to convert record", "title", rec.Title, "error", err)
			return nil
		}
		rows = append(rows, []string{sr.Structure, sr.Title, formatScore(sr.Score)})
		return nil
	}, func(err error) {
		log.Error("Skipping malformed record", "error", err)
	})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		log.Warn("No records survived conversion")
		return 0, nil
	}
	if err := writeRows(output, rows); err != nil {
		return 0, err
	}
	log.Debug("Saved structures and scores", "output", output, "records", len(rows))
	return len(rows), nil
}

func scoreRecord(ctx context.Context, conv StructureConverter, rec *molio.Record) (types.ScoreRecord, error) {
	score, err := rec.Score()
	if err != nil {
		return types.ScoreRecord{}, err
	}
	structure, err := conv.Convert(ctx, rec)
	if err != nil {
		return types.ScoreRecord{}, err
	}
	return types.ScoreRecord{Structure: structure, Title: rec.Title, Score: score}, nil
}

// concatScores writes the header followed by every row of tables. Tables that
// were never written (no surviving record) are ignored.
func concatScores(output string, tables []string) (int, error) {
	rows := [][]string{ScoreHeader}
	for _, t := range tables {
		part, err := readRows(t)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		rows = append(rows, part...)
	}
	if err := writeRows(output, rows); err != nil {
		return 0, err
	}
	return len(rows) - 1, nil
}
