package checkpoint

// ============================================================================
// Status store tests: atomic writes, version checks, resume decisions
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/active-learning/pkg/types"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestNewStore(t *testing.T) {
	s := NewStore("/work")
	assert.Equal(t, filepath.Join("/work", ".alvs", "status"), s.GetPath())
}

func TestLoadMissingIsPending(t *testing.T) {
	s := NewStore(t.TempDir())
	rec, ok, err := s.Load(types.StageSample, "lib1.sdf.gz")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.StatusPending, rec.Status)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	err := s.Save(Record{Stage: types.StageScore, Input: "a.docking.sdf", Output: "a.docking.csv", Status: types.StatusDone, Records: 12})
	require.NoError(t, err)

	rec, ok, err := s.Load(types.StageScore, "a.docking.sdf")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.StatusDone, rec.Status)
	assert.Equal(t, 12, rec.Records)
	assert.NotZero(t, rec.UpdatedAt)

	recs, err := s.List(types.StageScore)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSameBasenameDifferentDirs(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Save(Record{Stage: types.StageDock, Input: "/a/lib.sdf", Status: types.StatusDone}))
	require.NoError(t, s.Save(Record{Stage: types.StageDock, Input: "/b/lib.sdf", Status: types.StatusFailed}))

	a, _, err := s.Load(types.StageDock, "/a/lib.sdf")
	require.NoError(t, err)
	b, _, err := s.Load(types.StageDock, "/b/lib.sdf")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, a.Status)
	assert.Equal(t, types.StatusFailed, b.Status)
}

func TestCorruptedRecord(t *testing.T) {
	s := NewStore(t.TempDir())
	p := s.path(types.StageTop, "x.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o644))

	_, _, err := s.Load(types.StageTop, "x.csv")
	assert.ErrorIs(t, err, ErrCorruptedRecord)
}

func TestIncompatibleVersion(t *testing.T) {
	s := NewStore(t.TempDir())
	p := s.path(types.StageTop, "x.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(`{"schema_ver": 9}`), 0o644))

	_, _, err := s.Load(types.StageTop, "x.csv")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestConcurrentSaves(t *testing.T) {
	s := NewStore(t.TempDir())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := filepath.Join("/lib", string(rune('a'+i))+".sdf")
			assert.NoError(t, s.Save(Record{Stage: types.StageSample, Input: input, Status: types.StatusDone}))
		}(i)
	}
	wg.Wait()

	recs, err := s.List(types.StageSample)
	require.NoError(t, err)
	assert.Len(t, recs, 20)
}

// ============================================================================
// Resume decisions
// ============================================================================

func TestResolveWithoutRecord(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	out := filepath.Join(dir, "out.csv")

	d, _, err := s.Resolve(types.StageScore, "in.sdf", out)
	require.NoError(t, err)
	assert.Equal(t, Run, d)

	touch(t, out)
	d, rec, err := s.Resolve(types.StageScore, "in.sdf", out)
	require.NoError(t, err)
	assert.Equal(t, Skip, d, "existing output adopted")
	assert.Equal(t, types.StatusDone, rec.Status)
}

func TestResolveEmptyDoneIsSkipped(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	out := filepath.Join(dir, "never-written.csv")

	rec, err := s.Begin(Record{Stage: types.StageScore, Input: "in.sdf", Output: out})
	require.NoError(t, err)
	require.NoError(t, s.Finish(rec, 0))

	d, _, err := s.Resolve(types.StageScore, "in.sdf", out)
	require.NoError(t, err)
	assert.Equal(t, Skip, d)
}

func TestResolveDoneButOutputRemoved(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	out := filepath.Join(dir, "out.csv")
	touch(t, out)

	require.NoError(t, s.Finish(Record{Stage: types.StageScore, Input: "in.sdf", Output: out}, 5))
	require.NoError(t, os.Remove(out))

	d, _, err := s.Resolve(types.StageScore, "in.sdf", out)
	require.NoError(t, err)
	assert.Equal(t, Run, d)
}

func TestResolveFailedReruns(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	out := filepath.Join(dir, "out.csv")
	touch(t, out)

	rec, err := s.Begin(Record{Stage: types.StageEvaluate, Input: "a.smiles", Output: out})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempt)
	require.NoError(t, s.Fail(rec, os.ErrPermission))

	d, got, err := s.Resolve(types.StageEvaluate, "a.smiles", out)
	require.NoError(t, err)
	assert.Equal(t, Run, d)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "permission")
}

func TestResolveNilStore(t *testing.T) {
	var s *Store
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	d, _, err := s.Resolve(types.StageTop, "in", out)
	require.NoError(t, err)
	assert.Equal(t, Run, d)

	touch(t, out)
	d, _, err = s.Resolve(types.StageTop, "in", out)
	require.NoError(t, err)
	assert.Equal(t, Skip, d)

	_, err = s.Begin(Record{})
	assert.NoError(t, err)
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")

	require.NoError(t, WriteJSON(path, map[string]int{"a": 1}))
	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 1, got["a"])

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
