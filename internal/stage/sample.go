package stage

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/active-learning/internal/molio"
	"github.com/ChuLiYu/active-learning/internal/worker"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

// SampleOptions configures the library sampler.
type SampleOptions struct {
	Library   string  // directory of batch files
	Extension string  // batch file extension, e.g. ".sdf.gz"
	Percent   float64 // share of records to keep, in (0, 100]
	OutDir    string
}

// Sample draws Percent% of the records of every batch file in the library
// into OutDir/<batch name>. Batches whose output already exists are skipped.
// It returns every output path in library order.
func Sample(ctx context.Context, env *Env, opts SampleOptions) (outputs []string, err error) {
	r := env.start(types.StageSample)
	defer func() { err = r.finish(err) }()

	if err := checkPercent(opts.Percent); err != nil {
		return nil, &Error{Stage: types.StageSample, Err: err}
	}
	if err := RequirePath(opts.Library); err != nil {
		return nil, &Error{Stage: types.StageSample, Err: err}
	}
	inputs, err := glob(opts.Library, "*"+opts.Extension)
	if err != nil {
		return nil, &Error{Stage: types.StageSample, Err: err}
	}
	if len(inputs) == 0 {
		return nil, &Error{Stage: types.StageSample, Input: opts.Library, Err: fmt.Errorf("%w: *%s", ErrNoInputs, opts.Extension)}
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, &Error{Stage: types.StageSample, Err: err}
	}

	env.log().Debug("Sampling libraries", "count", len(inputs), "percent", opts.Percent)
	outcomes := worker.Map(ctx, inputs, worker.MapOptions{Limit: env.Workers}, func(ctx context.Context, input string) (string, error) {
		output := filepath.Join(opts.OutDir, filepath.Base(input))
		_, err := r.item(ctx, input, output, func(ctx context.Context) (int, error) {
			start := time.Now()
			n, err := sampleFile(input, output, opts.Percent, env.rng(input))
			if err != nil {
				return 0, err
			}
			env.log().Debug("Sampled library", "input", input, "records", n, "duration", time.Since(start).Round(time.Millisecond))
			return n, nil
		})
		if err != nil {
			return "", &Error{Stage: types.StageSample, Input: input, Err: err}
		}
		return output, nil
	})
	if err := worker.Errors(outcomes); err != nil {
		return nil, err
	}
	env.log().Debug("Sampling libraries complete", "count", len(inputs))
	return worker.Values(outcomes), nil
}

// rng returns the random source for one batch. With a fixed seed every batch
// gets its own reproducible stream.
func (e *Env) rng(input string) *rand.Rand {
	if e.Seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(e.Seed, uint64(crc32.ChecksumIEEE([]byte(filepath.Base(input))))))
}

// SampleCount is the number of records drawn from n at percent p.
func SampleCount(n int, p float64) int {
	k := int(math.Round(float64(n) * p / 100))
	return min(max(k, 0), n)
}

// sampleFile streams input twice: once to count records, once to select.
// Selection sampling keeps each remaining record with probability
// needed/remaining, which yields exactly k records uniformly at random
// without replacement and in source order.
func sampleFile(input, output string, p float64, rng *rand.Rand) (int, error) {
	n := 0
	if err := molio.Each(input, func(*molio.Record) error { n++; return nil }, nil); err != nil {
		return 0, err
	}
	k := SampleCount(n, p)

	err := molio.WriteAtomic(output, func(w io.Writer) error {
		seen, picked := 0, 0
		return molio.Each(input, func(rec *molio.Record) error {
			remaining := n - seen
			seen++
			if picked < k && rng.IntN(remaining) < k-picked {
				picked++
				return molio.Encode(w, rec)
			}
			return nil
		}, nil)
	})
	if err != nil {
		return 0, err
	}
	return k, nil
}
