package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChuLiYu/active-learning/internal/molio"
	"github.com/ChuLiYu/active-learning/internal/worker"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

// DebugLigandCap bounds the ligands expanded from one batch in debug mode.
const DebugLigandCap = 100

// DockOptions configures docking of one sampled batch.
type DockOptions struct {
	Batch    string
	Receptor string
	Box      types.Box
}

// Dock docks every compound of a sampled batch with one engine call, keeps
// the best pose of each compound and writes them to <batch stem>.docking.sdf.
// It returns the consolidated output path. A batch where no compound yields a
// pose is complete with zero records and no output file.
func Dock(ctx context.Context, env *Env, opts DockOptions) (output string, err error) {
	r := env.start(types.StageDock)
	defer func() { err = r.finish(err) }()

	if err := RequirePath(opts.Batch, opts.Receptor); err != nil {
		return "", &Error{Stage: types.StageDock, Err: err}
	}
	if err := opts.Box.Validate(); err != nil {
		return "", &Error{Stage: types.StageDock, Err: err}
	}

	output = DockingPath(opts.Batch)
	_, err = r.item(ctx, opts.Batch, output, func(ctx context.Context) (int, error) {
		return dockBatch(ctx, env, opts, output)
	})
	if err != nil {
		return "", &Error{Stage: types.StageDock, Input: opts.Batch, Err: err}
	}
	return output, nil
}

func dockBatch(ctx context.Context, env *Env, opts DockOptions, output string) (int, error) {
	manifest, ligands, err := expand(opts.Batch, env.Debug)
	if err != nil {
		return 0, err
	}
	log := env.log().With("batch", opts.Batch)
	dir := LigandDir(opts.Batch)
	defer func() {
		if env.Debug {
			return
		}
		if err := errors.Join(remove(manifest), os.RemoveAll(dir)); err != nil {
			log.Warn("Failed to remove docking intermediates", "dir", dir, "error", err)
		}
	}()

	if len(ligands) == 0 {
		log.Warn("No valid ligands in batch, nothing to dock")
		return 0, nil
	}
	log.Debug("Docking ligands", "ligands", len(ligands), "manifest", manifest)

	cmd := env.Tools.DockingCommand(opts.Receptor, manifest, dir, opts.Box)
	if err := env.tool(ctx, types.StageDock, cmd); err != nil {
		return 0, err
	}

	outcomes := worker.Map(ctx, ligands, worker.MapOptions{Limit: env.Workers}, func(_ context.Context, ligand string) (*molio.Record, error) {
		return BestPose(ligand, env.Debug)
	})
	var poses []*molio.Record
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			log.Warn("Failed to extract pose", "ligand", o.Input, "error", o.Err)
		case o.Value != nil:
			poses = append(poses, o.Value)
		}
	}
	log.Debug("Selected best poses", "poses", len(poses), "ligands", len(ligands))

	if len(poses) > 0 {
		if err := molio.WriteFile(output, poses); err != nil {
			return 0, err
		}
	}
	return len(poses), nil
}

// expand writes every structurally valid record of batch to its own file in
// the batch's ligand directory and lists them in the manifest. Files left by
// an interrupted attempt are discarded first.
func expand(batch string, debug bool) (manifest string, ligands []string, err error) {
	dir := LigandDir(batch)
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, err
	}
	used := make(map[string]int)
	stop := errors.New("cap reached")

	err = molio.Each(batch, func(rec *molio.Record) error {
		if !rec.Valid() {
			return nil
		}
		name := ligandName(rec.Title, len(ligands))
		if n := used[name]; n > 0 {
			used[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			used[name] = 1
		}
		path := filepath.Join(dir, name+".sdf")
		if err := molio.WriteFile(path, []*molio.Record{rec}); err != nil {
			return err
		}
		ligands = append(ligands, path)
		if debug && len(ligands) == DebugLigandCap {
			return stop
		}
		return nil
	}, nil)
	if err != nil && !errors.Is(err, stop) {
		return "", nil, err
	}

	manifest = ManifestPath(batch)
	err = molio.WriteAtomic(manifest, func(w io.Writer) error {
		for _, l := range ligands {
			if _, err := io.WriteString(w, l+"\n"); err != nil {
				return err
			}
		}
		return nil
	})
	return manifest, ligands, err
}

// ligandName turns a compound title into a safe file name.
func ligandName(title string, index int) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, strings.TrimSpace(title))
	name = strings.Trim(name, ".")
	if name == "" {
		return "ligand_" + strconv.Itoa(index+1)
	}
	return name
}

// CommandsOptions configures the docking commands file.
type CommandsOptions struct {
	Program  string // executable written at the head of each line
	Receptor string
	Box      types.Box
	Debug    bool
}

// WriteCommands writes one dock invocation per batch into
// <outDir>/docking.commands.txt for a cluster launcher to execute. The file is
// left untouched when its content would not change.
func WriteCommands(outDir string, batches []string, opts CommandsOptions) (string, error) {
	var buf bytes.Buffer
	for _, b := range batches {
		fmt.Fprintf(&buf, "%s dock %s %s --center %s %s %s --size %d %d %d",
			opts.Program, b, opts.Receptor,
			ftoa(opts.Box.Center[0]), ftoa(opts.Box.Center[1]), ftoa(opts.Box.Center[2]),
			opts.Box.Size[0], opts.Box.Size[1], opts.Box.Size[2])
		if opts.Debug {
			buf.WriteString(" --debug")
		}
		buf.WriteByte('\n')
	}

	path := filepath.Join(outDir, CommandsFile)
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, buf.Bytes()) {
		return path, nil
	}
	err := molio.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
	return path, err
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
