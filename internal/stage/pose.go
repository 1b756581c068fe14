package stage

import (
	"errors"
	"os"
	"strconv"

	"github.com/ChuLiYu/active-learning/internal/molio"
)

// BestPose returns the lowest-scoring valid pose the docking engine wrote for
// ligand, or nil when the engine produced no output for it. Only poses with a
// negative score count. Unless keep is set, the ligand file and the engine
// output are removed afterwards.
func BestPose(ligand string, keep bool) (*molio.Record, error) {
	out := poseOutput(ligand)
	if _, err := os.Stat(out); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var best *molio.Record
	var bestScore float64
	err := molio.Each(out, func(rec *molio.Record) error {
		score, err := rec.Score()
		if err != nil || score >= 0 || !rec.Valid() {
			return nil
		}
		if best == nil || score < bestScore {
			best, bestScore = rec, score
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	if !keep {
		if err := errors.Join(remove(ligand), remove(out)); err != nil {
			return nil, err
		}
	}
	if best != nil {
		best.SetProp("score", strconv.FormatFloat(bestScore, 'f', -1, 64))
	}
	return best, nil
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
