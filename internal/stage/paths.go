package stage

import (
	"path/filepath"
	"sort"
	"strings"
)

// File names shared between stages.
const (
	CommandsFile = "docking.commands.txt"
	TrainTable   = "train.smiles.score.csv"
	PredictTable = "predict.smiles.score.csv"
	TopFile      = "top.smiles"
	ModelLog     = "modeling.log"

	dockingSuffix = ".docking.sdf"
	predictSuffix = ".predict.smiles.score.csv"
	topSuffix     = ".top.smiles.csv"
	poseSuffix    = "_out.sdf"
	ligandSuffix  = ".ligands"
)

// withSuffix replaces the final extension of path with suffix, or appends
// suffix when there is none: "lib.sdf.gz" -> "lib.sdf.docking.sdf".
// A leading dot does not start an extension.
func withSuffix(path, suffix string) string {
	dir, base := filepath.Split(path)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return dir + base + suffix
}

// stem drops the final extension.
func stem(path string) string {
	return withSuffix(path, "")
}

// ManifestPath is the ligand manifest written next to a sampled batch.
func ManifestPath(batch string) string { return withSuffix(batch, ".txt") }

// LigandDir holds the per-compound files of one batch while it is docked.
// Each batch gets its own directory so concurrent dock invocations in one
// working directory never share a file name.
func LigandDir(batch string) string { return withSuffix(batch, ligandSuffix) }

// DockingPath is the consolidated docking result of a sampled batch.
func DockingPath(batch string) string { return withSuffix(batch, dockingSuffix) }

// ScorePath is the per-file score table of a docking result.
func ScorePath(docking string) string { return withSuffix(docking, ".csv") }

// PredictionPath is the prediction table of a SMILES file.
func PredictionPath(smiles string) string { return withSuffix(smiles, predictSuffix) }

// TopCachePath is the per-table selection cache of a prediction table.
func TopCachePath(table string) string {
	return strings.TrimSuffix(table, predictSuffix) + topSuffix
}

// poseOutput is the docking engine's output for one ligand file.
func poseOutput(ligand string) string { return stem(ligand) + poseSuffix }

// glob returns the sorted matches of pattern inside dir.
func glob(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
