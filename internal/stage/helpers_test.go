package stage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/internal/engine"
	"github.com/ChuLiYu/active-learning/internal/metrics"
	"github.com/ChuLiYu/active-learning/internal/molio"
	"github.com/ChuLiYu/active-learning/internal/storage/journal"
)

// mol builds a one-atom record with the given properties (name, value pairs).
func mol(title string, props ...string) *molio.Record {
	rec := &molio.Record{
		Title: title,
		Block: []string{
			"  test          3D",
			"",
			"  1  0  0  0  0  0  0  0  0  0999 V2000",
			"    0.0000    0.0000    0.0000 C   0  0  0  0  0  0  0  0  0  0  0  0",
			"M  END",
		},
	}
	for i := 0; i+1 < len(props); i += 2 {
		rec.SetProp(props[i], props[i+1])
	}
	return rec
}

// writeBatch writes n records titled <prefix>-NN, each carrying a smiles property.
func writeBatch(t *testing.T, path, prefix string, n int) []string {
	t.Helper()
	recs := make([]*molio.Record, n)
	titles := make([]string, n)
	for i := range recs {
		titles[i] = fmt.Sprintf("%s-%02d", prefix, i+1)
		recs[i] = mol(titles[i], "smiles", "C"+strings.Repeat("C", i))
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, molio.WriteFile(path, recs))
	return titles
}

func titles(t *testing.T, path string) []string {
	t.Helper()
	recs, err := molio.ReadAll(path)
	require.NoError(t, err)
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Title
	}
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// snapshot maps every file below dir to its size and modification time.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	snap := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		snap[path] = fmt.Sprintf("%d %s", info.Size(), info.ModTime().Format(time.RFC3339Nano))
		return nil
	})
	require.NoError(t, err)
	return snap
}

func newEnv(t *testing.T, dir string, runner engine.Runner) *Env {
	t.Helper()
	j, err := journal.Open(filepath.Join(dir, checkpoint.StateDir, journal.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	return &Env{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:   checkpoint.NewStore(dir),
		Journal: j,
		Metrics: metrics.NewCollector(),
		Runner:  runner,
		Tools:   engine.DefaultTools(),
		Seed:    42,
	}
}

// fakeRunner stands in for the external tools. Docking writes two poses per
// ligand, prediction scores every SMILES line, training prints a line.
type fakeRunner struct {
	mu    sync.Mutex
	calls []engine.Command

	// fail makes the named tool exit non-zero
	fail string
	// noPoses makes docking produce no output for any ligand
	noPoses bool
}

func (f *fakeRunner) Run(_ context.Context, cmd engine.Command) error {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	if cmd.Name == f.fail {
		return &engine.ToolError{Command: cmd.String(), Stderr: "boom", Err: fmt.Errorf("exit status 1")}
	}
	switch cmd.Name {
	case "unidock":
		if f.noPoses {
			return nil
		}
		return f.dock(arg(cmd, "--ligand_index"))
	case "predict.sh":
		return predict(arg(cmd, "--test_path"), arg(cmd, "--preds_path"))
	case "train.sh":
		_, err := io.WriteString(cmd.Stdout, "epoch 1 loss 0.5\n")
		return err
	case "obabel":
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return err
		}
		title, _, _ := strings.Cut(string(data), "\n")
		_, err = fmt.Fprintf(cmd.Stdout, "C%s\t%s\n", strings.ToUpper(title), title)
		return err
	}
	return nil
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

func arg(cmd engine.Command, flag string) string {
	for i, a := range cmd.Args {
		if a == flag && i+1 < len(cmd.Args) {
			return cmd.Args[i+1]
		}
	}
	return ""
}

// dock writes <ligand stem>_out.sdf with poses scored +1.0, -5.0 and -(6+i).
func (f *fakeRunner) dock(manifest string) error {
	data, err := os.ReadFile(manifest)
	if err != nil {
		return err
	}
	for i, ligand := range strings.Fields(string(data)) {
		recs, err := molio.ReadAll(ligand)
		if err != nil {
			return err
		}
		title := recs[0].Title
		poses := []*molio.Record{
			mol(title, "Uni-Dock RESULT", "ENERGY=  1.000  LOWER_BOUND=   0.000  UPPER_BOUND=   0.000"),
			mol(title, "Uni-Dock RESULT", "ENERGY=  -5.000  LOWER_BOUND=   0.000  UPPER_BOUND=   0.000"),
			mol(title, "Uni-Dock RESULT", fmt.Sprintf("ENERGY=  %.3f  LOWER_BOUND=   0.000  UPPER_BOUND=   0.000", -6-float64(i))),
		}
		poses[0].SetProp("smiles", "C")
		poses[1].SetProp("smiles", "C")
		poses[2].SetProp("smiles", recs[0].Props[0].Value)
		if err := molio.WriteFile(poseOutput(ligand), poses); err != nil {
			return err
		}
	}
	return nil
}

// predict reads "<smiles> <title>" lines and writes smiles,title,score with
// score = -(line number).
func predict(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("smiles,title,score\n")
	for i, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		fmt.Fprintf(&b, "%s,%s,%d\n", f[0], f[1], -(i + 1))
	}
	return os.WriteFile(out, []byte(b.String()), 0o644)
}
