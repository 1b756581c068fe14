package engine

import (
	"strconv"

	"github.com/ChuLiYu/active-learning/pkg/types"
)

// Tools names the external programs and their fixed parameters.
type Tools struct {
	Docking      string `yaml:"docking"`        // Uni-Dock executable
	SearchMode   string `yaml:"search_mode"`    // fast | balance | detail
	Scoring      string `yaml:"scoring"`        // vina | vinardo | ad4
	MaxGPUMemory int    `yaml:"max_gpu_memory"` // MB
	Trainer      string `yaml:"trainer"`        // training script
	Predictor    string `yaml:"predictor"`      // prediction script
	Converter    string `yaml:"converter"`      // SDF -> canonical SMILES, empty uses the "smiles" property
	Submit       string `yaml:"submit"`         // batch submission command
}

// DefaultTools mirrors the parameters the screening campaign was tuned with.
func DefaultTools() Tools {
	return Tools{
		Docking:      "unidock",
		SearchMode:   "balance",
		Scoring:      "vina",
		MaxGPUMemory: 16000,
		Trainer:      "train.sh",
		Predictor:    "predict.sh",
		Submit:       "sbatch",
	}
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// DockingCommand docks every ligand listed in manifest in one engine call and
// writes "<ligand>_out.sdf" files into outDir.
func (t Tools) DockingCommand(receptor, manifest, outDir string, box types.Box) Command {
	return Command{
		Name: t.Docking,
		Args: []string{
			"--receptor", receptor,
			"--ligand_index", manifest,
			"--search_mode", t.SearchMode,
			"--scoring", t.Scoring,
			"--max_gpu_memory", strconv.Itoa(t.MaxGPUMemory),
			"--center_x", ftoa(box.Center[0]),
			"--center_y", ftoa(box.Center[1]),
			"--center_z", ftoa(box.Center[2]),
			"--size_x", strconv.Itoa(box.Size[0]),
			"--size_y", strconv.Itoa(box.Size[1]),
			"--size_z", strconv.Itoa(box.Size[2]),
			"--dir", outDir,
		},
	}
}

// TrainCommand trains a regression model on a smiles,title,score table.
func (t Tools) TrainCommand(scores, saveDir string) Command {
	return Command{
		Name: t.Trainer,
		Args: []string{"--data_path", scores, "--dataset_type", "regression", "--save_dir", saveDir, "--quiet"},
	}
}

// PredictCommand scores a SMILES file with a trained model.
func (t Tools) PredictCommand(smiles, modelDir, out string) Command {
	return Command{
		Name: t.Predictor,
		Args: []string{"--test_path", smiles, "--checkpoint_dir", modelDir, "--preds_path", out, "--quiet"},
	}
}

// ConvertCommand turns one SD record on stdin into a canonical SMILES line.
func (t Tools) ConvertCommand() Command {
	return Command{Name: t.Converter, Args: []string{"-isdf", "-ocan"}}
}
