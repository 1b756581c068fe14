package stage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/active-learning/internal/engine"
	"github.com/ChuLiYu/active-learning/internal/molio"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

var testBox = types.Box{Center: [3]float64{1, 2, 3.5}, Size: types.DefaultBoxSize}

func dockFixture(t *testing.T, n int) (dir, batch, receptor string) {
	t.Helper()
	dir = t.TempDir()
	batch = filepath.Join(dir, "lib.sdf.gz")
	writeBatch(t, batch, "lig", n)
	receptor = filepath.Join(dir, "rec.pdbqt")
	writeFile(t, receptor, "RECEPTOR\n")
	return dir, batch, receptor
}

func TestDockSelectsBestPoses(t *testing.T) {
	dir, batch, receptor := dockFixture(t, 3)
	runner := &fakeRunner{}
	env := newEnv(t, dir, runner)

	out, err := Dock(context.Background(), env, DockOptions{Batch: batch, Receptor: receptor, Box: testBox})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "lib.sdf.docking.sdf"), out)
	assert.Equal(t, 1, runner.count("unidock"), "one engine call per batch")

	recs, err := molio.ReadAll(out)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		score, err := r.Score()
		require.NoError(t, err)
		assert.Equal(t, -6-float64(i), score)
		v, ok := r.Prop("score")
		require.True(t, ok)
		assert.NotEmpty(t, v)
	}

	// intermediates are gone
	assert.NoFileExists(t, ManifestPath(batch))
	assert.NoDirExists(t, LigandDir(batch))
	assert.FileExists(t, batch)

	// docking command carries the box and the manifest
	cmd := runner.calls[0]
	assert.Equal(t, ManifestPath(batch), arg(cmd, "--ligand_index"))
	assert.Equal(t, receptor, arg(cmd, "--receptor"))
	assert.Equal(t, "3.5", arg(cmd, "--center_z"))
	assert.Equal(t, LigandDir(batch), arg(cmd, "--dir"))
}

func TestDockDebugKeepsIntermediates(t *testing.T) {
	dir, batch, receptor := dockFixture(t, 2)
	env := newEnv(t, dir, &fakeRunner{})
	env.Debug = true

	_, err := Dock(context.Background(), env, DockOptions{Batch: batch, Receptor: receptor, Box: testBox})
	require.NoError(t, err)

	ligands := LigandDir(batch)
	assert.FileExists(t, ManifestPath(batch))
	assert.FileExists(t, filepath.Join(ligands, "lig-02.sdf"))
	assert.FileExists(t, filepath.Join(ligands, "lig-02_out.sdf"))
	assert.Equal(t,
		filepath.Join(ligands, "lig-01.sdf")+"\n"+filepath.Join(ligands, "lig-02.sdf")+"\n",
		readFile(t, ManifestPath(batch)))
}

func TestExpandDebugCap(t *testing.T) {
	dir := t.TempDir()
	batch := filepath.Join(dir, "big.sdf")
	writeBatch(t, batch, "m", DebugLigandCap+20)

	_, ligands, err := expand(batch, true)
	require.NoError(t, err)
	assert.Len(t, ligands, DebugLigandCap)

	_, ligands, err = expand(batch, false)
	require.NoError(t, err)
	assert.Len(t, ligands, DebugLigandCap+20)
}

func TestExpandDuplicateTitles(t *testing.T) {
	dir := t.TempDir()
	batch := filepath.Join(dir, "dup.sdf")
	require.NoError(t, molio.WriteFile(batch, []*molio.Record{mol("X"), mol("X"), {Title: "broken"}}))

	_, ligands, err := expand(batch, false)
	require.NoError(t, err)
	ligandDir := filepath.Join(dir, "dup.ligands")
	assert.Equal(t, []string{filepath.Join(ligandDir, "X.sdf"), filepath.Join(ligandDir, "X_2.sdf")}, ligands)
}

func TestExpandKeepsBatchesApart(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.sdf.gz")
	b := filepath.Join(dir, "b.sdf.gz")
	require.NoError(t, molio.WriteFile(a, []*molio.Record{mol(""), mol("")}))
	require.NoError(t, molio.WriteFile(b, []*molio.Record{mol(""), mol("")}))

	_, fromA, err := expand(a, false)
	require.NoError(t, err)
	_, fromB, err := expand(b, false)
	require.NoError(t, err)

	require.Len(t, fromA, 2)
	require.Len(t, fromB, 2)
	for _, l := range fromA {
		assert.Equal(t, LigandDir(a), filepath.Dir(l))
		assert.NotContains(t, fromB, l)
	}
	for _, l := range fromB {
		assert.Equal(t, LigandDir(b), filepath.Dir(l))
		assert.FileExists(t, l)
	}
}

func TestDockLeavesBatchNamedLikeCompound(t *testing.T) {
	dir := t.TempDir()
	batch := filepath.Join(dir, "lib.sdf")
	require.NoError(t, molio.WriteFile(batch, []*molio.Record{
		mol("lib", "smiles", "CC"),
		mol("other", "smiles", "CCC"),
	}))
	receptor := filepath.Join(dir, "rec.pdbqt")
	writeFile(t, receptor, "RECEPTOR\n")

	out, err := Dock(context.Background(), newEnv(t, dir, &fakeRunner{}), DockOptions{Batch: batch, Receptor: receptor, Box: testBox})
	require.NoError(t, err)

	assert.Equal(t, []string{"lib", "other"}, titles(t, batch), "sampled batch is untouched")
	assert.Equal(t, []string{"lib", "other"}, titles(t, out))
}

// brokenPose docks normally, then replaces one ligand's engine output with
// something that cannot be read.
type brokenPose struct {
	*fakeRunner
	ligand string
}

func (b brokenPose) Run(ctx context.Context, cmd engine.Command) error {
	if err := b.fakeRunner.Run(ctx, cmd); err != nil || cmd.Name != "unidock" {
		return err
	}
	out := filepath.Join(arg(cmd, "--dir"), b.ligand+poseSuffix)
	if err := os.Remove(out); err != nil {
		return err
	}
	return os.Mkdir(out, 0o755)
}

func TestDockIsolatesPoseFailures(t *testing.T) {
	dir, batch, receptor := dockFixture(t, 3)
	env := newEnv(t, dir, brokenPose{fakeRunner: &fakeRunner{}, ligand: "lig-02"})

	out, err := Dock(context.Background(), env, DockOptions{Batch: batch, Receptor: receptor, Box: testBox})
	require.NoError(t, err)
	assert.Equal(t, []string{"lig-01", "lig-03"}, titles(t, out))

	rec, ok, err := env.Store.Load(types.StageDock, batch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusDone, rec.Status)
	assert.Equal(t, 2, rec.Records)
}

func TestDockEmptyBatchSkipsEngine(t *testing.T) {
	dir := t.TempDir()
	batch := filepath.Join(dir, "empty.sdf")
	require.NoError(t, molio.WriteFile(batch, []*molio.Record{{Title: "broken"}}))
	receptor := filepath.Join(dir, "rec.pdbqt")
	writeFile(t, receptor, "RECEPTOR\n")
	runner := &fakeRunner{}
	env := newEnv(t, dir, runner)

	out, err := Dock(context.Background(), env, DockOptions{Batch: batch, Receptor: receptor, Box: testBox})
	require.NoError(t, err)
	assert.Zero(t, runner.count("unidock"))
	assert.NoFileExists(t, out)
	assert.NoFileExists(t, ManifestPath(batch))
	assert.NoDirExists(t, LigandDir(batch))

	rec, ok, err := env.Store.Load(types.StageDock, batch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusDone, rec.Status)
	assert.Zero(t, rec.Records)
}

func TestDockWithoutPosesIsCompleteAndEmpty(t *testing.T) {
	dir, batch, receptor := dockFixture(t, 2)
	runner := &fakeRunner{noPoses: true}
	env := newEnv(t, dir, runner)

	out, err := Dock(context.Background(), env, DockOptions{Batch: batch, Receptor: receptor, Box: testBox})
	require.NoError(t, err)
	assert.NoFileExists(t, out)

	rec, ok, err := env.Store.Load(types.StageDock, batch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusDone, rec.Status)
	assert.Zero(t, rec.Records)

	// the empty result is not mistaken for "not yet run"
	_, err = Dock(context.Background(), env, DockOptions{Batch: batch, Receptor: receptor, Box: testBox})
	require.NoError(t, err)
	assert.Equal(t, 1, runner.count("unidock"))
}

func TestDockEngineFailure(t *testing.T) {
	dir, batch, receptor := dockFixture(t, 2)
	env := newEnv(t, dir, &fakeRunner{fail: "unidock"})

	_, err := Dock(context.Background(), env, DockOptions{Batch: batch, Receptor: receptor, Box: testBox})
	var toolErr *engine.ToolError
	require.ErrorAs(t, err, &toolErr)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.StageDock, se.Stage)

	rec, _, err := env.Store.Load(types.StageDock, batch)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)

	// a retry runs again
	env.Runner = &fakeRunner{}
	_, err = Dock(context.Background(), env, DockOptions{Batch: batch, Receptor: receptor, Box: testBox})
	require.NoError(t, err)
	rec, _, err = env.Store.Load(types.StageDock, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempt)
}

func TestDockMissingReceptor(t *testing.T) {
	dir, batch, _ := dockFixture(t, 1)
	_, err := Dock(context.Background(), newEnv(t, dir, &fakeRunner{}), DockOptions{Batch: batch, Receptor: filepath.Join(dir, "nope.pdbqt"), Box: testBox})
	assert.ErrorIs(t, err, ErrMissingPath)
}

func TestBestPose(t *testing.T) {
	dir := t.TempDir()
	ligand := filepath.Join(dir, "L1.sdf")
	writeFile(t, ligand, "x")

	best, err := BestPose(ligand, true)
	require.NoError(t, err)
	assert.Nil(t, best, "no engine output means no result")

	require.NoError(t, molio.WriteFile(poseOutput(ligand), []*molio.Record{
		mol("L1", "score", "2.0"),
		mol("L1", "score", "-4.0"),
		{Title: "L1", Props: []molio.Property{{Name: "score", Value: "-20"}}}, // no structure
		mol("L1", "score", "-8.5"),
		mol("L1", "score", "-8.5"),
	}))

	best, err = BestPose(ligand, false)
	require.NoError(t, err)
	require.NotNil(t, best)
	v, _ := best.Prop("score")
	assert.Equal(t, "-8.5", v)
	assert.NoFileExists(t, ligand)
	assert.NoFileExists(t, poseOutput(ligand))
}

func TestBestPoseOnlyPositive(t *testing.T) {
	dir := t.TempDir()
	ligand := filepath.Join(dir, "L2.sdf")
	require.NoError(t, molio.WriteFile(poseOutput(ligand), []*molio.Record{mol("L2", "score", "0"), mol("L2", "score", "3.1")}))

	best, err := BestPose(ligand, true)
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestWriteCommands(t *testing.T) {
	dir := t.TempDir()
	batches := []string{filepath.Join(dir, "a.sdf.gz"), filepath.Join(dir, "b.sdf.gz")}

	path, err := WriteCommands(dir, batches, CommandsOptions{Program: "alvs", Receptor: "/r/rec.pdbqt", Box: testBox, Debug: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, CommandsFile), path)

	lines := strings.Split(strings.TrimSpace(readFile(t, path)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "alvs dock "+batches[0]+" /r/rec.pdbqt --center 1 2 3.5 --size 15 15 15 --debug", lines[0])

	info, err := os.Stat(path)
	require.NoError(t, err)
	_, err = WriteCommands(dir, batches, CommandsOptions{Program: "alvs", Receptor: "/r/rec.pdbqt", Box: testBox, Debug: true})
	require.NoError(t, err)
	again, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime(), "unchanged content is not rewritten")
}
