package stage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/internal/storage/journal"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

func TestSampleCountsAndMembership(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "library")
	out := filepath.Join(dir, "work")
	source := map[string][]string{
		"a.sdf.gz": writeBatch(t, filepath.Join(lib, "a.sdf.gz"), "a", 10),
		"b.sdf.gz": writeBatch(t, filepath.Join(lib, "b.sdf.gz"), "b", 10),
	}
	writeFile(t, filepath.Join(lib, "readme.txt"), "not a batch")

	outputs, err := Sample(context.Background(), newEnv(t, out, &fakeRunner{}), SampleOptions{
		Library: lib, Extension: ".sdf.gz", Percent: 50, OutDir: out,
	})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(out, "a.sdf.gz"), filepath.Join(out, "b.sdf.gz")}, outputs)

	for _, o := range outputs {
		got := titles(t, o)
		assert.Len(t, got, 5)
		assert.Subset(t, source[filepath.Base(o)], got)
		assert.IsNonDecreasing(t, got, "source order is preserved")
	}
}

func TestSampleCount(t *testing.T) {
	assert.Equal(t, 5, SampleCount(10, 50))
	assert.Equal(t, 1, SampleCount(10, 5)) // 0.5 rounds away from zero
	assert.Equal(t, 0, SampleCount(10, 4)) // 0.4 rounds down
	assert.Equal(t, 10, SampleCount(10, 100))
	assert.Equal(t, 0, SampleCount(0, 50))
	assert.Equal(t, 333, SampleCount(1000, 33.3))
}

func TestSampleIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "library")
	out := filepath.Join(dir, "work")
	writeBatch(t, filepath.Join(lib, "a.sdf"), "a", 8)
	writeBatch(t, filepath.Join(lib, "b.sdf"), "b", 8)

	runner := &fakeRunner{}
	env := newEnv(t, out, runner)
	opts := SampleOptions{Library: lib, Extension: ".sdf", Percent: 25, OutDir: out}

	first, err := Sample(context.Background(), env, opts)
	require.NoError(t, err)
	before := snapshot(t, dir)

	second, err := Sample(context.Background(), env, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, before, snapshot(t, dir), "second call must not write")

	expected := `
# HELP alvs_items_skipped_total Stage items skipped because their output already existed
# TYPE alvs_items_skipped_total counter
alvs_items_skipped_total{stage="sample"} 2
`
	require.NoError(t, testutil.GatherAndCompare(env.Metrics.Registry(), strings.NewReader(expected), "alvs_items_skipped_total"))
	assert.Zero(t, runner.count("unidock"))
}

func TestSampleSeedIsReproducible(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "library")
	writeBatch(t, filepath.Join(lib, "a.sdf"), "a", 40)

	run := func(out string) []string {
		env := newEnv(t, out, &fakeRunner{})
		env.Seed = 7
		outputs, err := Sample(context.Background(), env, SampleOptions{Library: lib, Extension: ".sdf", Percent: 30, OutDir: out})
		require.NoError(t, err)
		return titles(t, outputs[0])
	}
	assert.Equal(t, run(filepath.Join(dir, "x")), run(filepath.Join(dir, "y")))
}

func TestSampleRecordsStatus(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "library")
	out := filepath.Join(dir, "work")
	writeBatch(t, filepath.Join(lib, "a.sdf"), "a", 4)

	env := newEnv(t, out, &fakeRunner{})
	_, err := Sample(context.Background(), env, SampleOptions{Library: lib, Extension: ".sdf", Percent: 50, OutDir: out})
	require.NoError(t, err)

	rec, ok, err := env.Store.Load(types.StageSample, filepath.Join(lib, "a.sdf"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusDone, rec.Status)
	assert.Equal(t, 2, rec.Records)
	assert.Equal(t, 1, rec.Attempt)

	require.NoError(t, env.Journal.Close())
	sum, err := journal.Summarize(filepath.Join(out, checkpoint.StateDir, journal.FileName))
	require.NoError(t, err)
	require.Len(t, sum.Stages, 1)
	assert.Equal(t, 1, sum.Stages[0].Done)
	assert.Equal(t, 2, sum.Stages[0].Records)
}

func TestSampleErrors(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, dir, &fakeRunner{})

	_, err := Sample(context.Background(), env, SampleOptions{Library: filepath.Join(dir, "missing"), Extension: ".sdf", Percent: 10, OutDir: dir})
	assert.ErrorIs(t, err, ErrMissingPath)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(empty, 0o755))
	_, err = Sample(context.Background(), env, SampleOptions{Library: empty, Extension: ".sdf", Percent: 10, OutDir: dir})
	assert.ErrorIs(t, err, ErrNoInputs)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.StageSample, se.Stage)

	_, err = Sample(context.Background(), env, SampleOptions{Library: empty, Extension: ".sdf", Percent: 0, OutDir: dir})
	assert.ErrorIs(t, err, ErrInvalidPercent)
}

func TestSampleCorruptGzipFailsStage(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "library")
	out := filepath.Join(dir, "work")
	writeBatch(t, filepath.Join(lib, "good.sdf.gz"), "g", 4)
	writeFile(t, filepath.Join(lib, "bad.sdf.gz"), "definitely not gzip")

	env := newEnv(t, out, &fakeRunner{})
	_, err := Sample(context.Background(), env, SampleOptions{Library: lib, Extension: ".sdf.gz", Percent: 50, OutDir: out})
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, filepath.Join(lib, "bad.sdf.gz"), se.Input)

	// the sibling still completed
	assert.FileExists(t, filepath.Join(out, "good.sdf.gz"))
	rec, _, err := env.Store.Load(types.StageSample, filepath.Join(lib, "bad.sdf.gz"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
}
