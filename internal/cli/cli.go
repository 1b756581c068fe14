// ============================================================================
// alvs CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the active-learning screening pipeline
//
// Command Structure:
//   alvs                                   # Root command
//   ├── sample LIBRARY                     # Stage 1: draw a share of every batch
//   │   └── --receptor, --center, --size  # dock directly or emit the commands file
//   ├── dock BATCH RECEPTOR                # Stage 2: dock one sampled batch
//   ├── score WD                           # Stage 3: docking results → training table
//   ├── train SCORES MODELDIR              # Stage 4: fit the surrogate model
//   ├── evaluate WD MODEL                  # Stage 5: predict every *.smiles file
//   ├── top WD                             # Stage 6: keep the best predictions
//   ├── submit LIBRARY RECEPTOR            # Plan and submit the cluster job
//   ├── run LIBRARY RECEPTOR               # Run every stage on this machine
//   ├── status WD                          # Run state and journal summary
//   ├── --config, -c                       # Config file (default configs/default.yaml)
//   ├── --log-level, --log-format          # slog handler
//   ├── --debug                            # Keep intermediates, cap docked ligands
//   └── --version
//
// Configuration Management:
//   YAML config file overlaid on built-in defaults. A missing default file is
//   fine; a missing explicit --config is an error. Flags override the file.
//   Sections:
//   - workers, seed, scratch
//   - engine: docking engine, trainer, predictor, converter, sbatch
//   - log: level and format
//   - metrics: /metrics port for `run`, Pushgateway for stage commands
//   - journal: per working directory event log
//   - cluster: job name, launcher module, environment activation
//
// Working Directory:
//   Every stage command keeps its bookkeeping (status records, journal) under
//   <wd>/.alvs, where wd is the directory the stage writes to.
//
// Signal Handling:
//   The command context is cancelled on SIGINT/SIGTERM (see cmd/alvs). Stages
//   stop launching tools, kill the running ones, and record the interrupted
//   item as failed so the next invocation redoes it.
//
// Error Handling:
//   - Missing positional path: ErrMissingPath, exit code 1
//   - Tool failure: engine.ToolError with the tail of stderr
//   - Per-compound problems: logged and skipped inside the stage
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/internal/engine"
	"github.com/ChuLiYu/active-learning/internal/metrics"
	"github.com/ChuLiYu/active-learning/internal/stage"
	"github.com/ChuLiYu/active-learning/internal/storage/journal"
)

// Version is reported by --version
const Version = "1.0.0"

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	cfg = defaultConfig()
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alvs",
		Short: "alvs: active-learning virtual screening pipeline",
		Long: `alvs screens a large compound library against a receptor by docking a
small random sample, training a model on the docking scores and ranking the
whole library with that model. Every stage is resumable.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "keep intermediate files and dock at most 100 ligands per batch")

	rootCmd.AddCommand(buildSampleCommand())
	rootCmd.AddCommand(buildDockCommand())
	rootCmd.AddCommand(buildScoreCommand())
	rootCmd.AddCommand(buildTrainCommand())
	rootCmd.AddCommand(buildEvaluateCommand())
	rootCmd.AddCommand(buildTopCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	// stage commands run on their own from generated scripts, so each one
	// answers --version as well
	for _, c := range rootCmd.Commands() {
		c.Version = Version
	}
	return rootCmd
}

// setup loads the config and installs the default logger before any
// subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = loaded

	flags := cmd.Flags()
	if flags.Changed("log-level") || cfg.Log.Level == "" {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") || cfg.Log.Format == "" {
		cfg.Log.Format = logFormat
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (text or json)", format)
	}
}

// openEnv builds the stage environment for working directory wd. The returned
// func closes the journal and pushes metrics when a Pushgateway is set.
func openEnv(wd string) (*stage.Env, func(), error) {
	logger := slog.Default()
	env := &stage.Env{
		Logger:  logger,
		Store:   checkpoint.NewStore(wd),
		Metrics: metrics.NewCollector(),
		Runner:  &engine.ExecRunner{Logger: logger},
		Tools:   cfg.Engine,
		Workers: cfg.Workers,
		Seed:    cfg.Seed,
		Debug:   debug,
	}
	if cfg.Journal.Enabled {
		j, err := journal.Open(filepath.Join(wd, checkpoint.StateDir, journal.FileName))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open journal: %w", err)
		}
		env.Journal = j
	}

	closeEnv := func() {
		if err := env.Journal.Close(); err != nil {
			logger.Warn("Failed to close journal", "error", err)
		}
		if cfg.Metrics.Pushgateway == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		host, _ := os.Hostname()
		if err := env.Metrics.Push(ctx, cfg.Metrics.Pushgateway, cfg.Metrics.Job, host); err != nil {
			logger.Warn("Failed to push metrics", "error", err)
		}
	}
	return env, closeEnv, nil
}

// program is written at the head of generated command lines.
func program() string {
	if exe, err := os.Executable(); err == nil {
		return exe
	}
	return "alvs"
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// ============================================================================
// Stage commands
// ============================================================================

func buildSampleCommand() *cobra.Command {
	var (
		percent   float64
		outDir    string
		extension string
		receptor  string
		commands  bool
	)

	cmd := &cobra.Command{
		Use:   "sample LIBRARY",
		Short: "Randomly sample every batch file of a library",
		Long: `Draw --percent of the records of every batch file in LIBRARY into --outdir.
With --receptor the sampled batches are handed to docking: a single batch is
docked right away, several batches (or --commands) produce the docking
commands file for the cluster launcher.`,
		Args: cobra.ExactArgs(1),
	}
	box := addBoxFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		library := args[0]
		if err := stage.RequirePath(library); err != nil {
			return err
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}

		env, closeEnv, err := openEnv(outDir)
		if err != nil {
			return err
		}
		defer closeEnv()

		batches, err := stage.Sample(cmd.Context(), env, stage.SampleOptions{
			Library: library, Extension: extension, Percent: percent, OutDir: outDir,
		})
		if err != nil {
			return err
		}
		if receptor == "" {
			return nil
		}

		if err := stage.RequirePath(receptor); err != nil {
			return err
		}
		b, err := box.box()
		if err != nil {
			return err
		}
		if commands || len(batches) > 1 {
			path, err := stage.WriteCommands(outDir, batches, stage.CommandsOptions{
				Program: program(), Receptor: absPath(receptor), Box: b, Debug: debug,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		}
		out, err := stage.Dock(cmd.Context(), env, stage.DockOptions{Batch: batches[0], Receptor: receptor, Box: b})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}

	cmd.Flags().Float64Var(&percent, "percent", 1, "share of each batch to sample, in (0, 100]")
	cmd.Flags().StringVar(&outDir, "outdir", ".", "directory receiving the sampled batches")
	cmd.Flags().StringVar(&extension, "extension", ".sdf.gz", "batch file extension")
	cmd.Flags().StringVar(&receptor, "receptor", "", "receptor to dock the sampled batches against")
	cmd.Flags().BoolVar(&commands, "commands", false, "always write the docking commands file")
	return cmd
}

func buildDockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dock BATCH RECEPTOR",
		Short: "Dock one sampled batch and keep the best pose per compound",
		Args:  cobra.ExactArgs(2),
	}
	box := addBoxFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		batch, receptor := args[0], args[1]
		if err := stage.RequirePath(batch, receptor); err != nil {
			return err
		}
		b, err := box.box()
		if err != nil {
			return err
		}

		env, closeEnv, err := openEnv(filepath.Dir(batch))
		if err != nil {
			return err
		}
		defer closeEnv()

		out, err := stage.Dock(cmd.Context(), env, stage.DockOptions{Batch: batch, Receptor: receptor, Box: b})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	return cmd
}

func buildScoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "score WD",
		Short: "Convert docking results into the training table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wd := args[0]
			if err := stage.RequirePath(wd); err != nil {
				return err
			}
			env, closeEnv, err := openEnv(wd)
			if err != nil {
				return err
			}
			defer closeEnv()

			out, err := stage.Score(cmd.Context(), env, stage.ScoreOptions{WorkDir: wd})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func buildTrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "train SCORES MODELDIR",
		Short: "Train the regression model on the training table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scores, modelDir := args[0], args[1]
			if err := stage.RequirePath(scores); err != nil {
				return err
			}
			env, closeEnv, err := openEnv(filepath.Dir(scores))
			if err != nil {
				return err
			}
			defer closeEnv()

			return stage.Train(cmd.Context(), env, stage.TrainOptions{Scores: scores, ModelDir: modelDir})
		},
	}
}

func buildEvaluateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate WD MODEL",
		Short: "Predict scores for every *.smiles file in WD",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, model := args[0], args[1]
			if err := stage.RequirePath(wd, model); err != nil {
				return err
			}
			env, closeEnv, err := openEnv(wd)
			if err != nil {
				return err
			}
			defer closeEnv()

			out, err := stage.Evaluate(cmd.Context(), env, stage.EvaluateOptions{WorkDir: wd, ModelDir: model})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func buildTopCommand() *cobra.Command {
	var percent float64

	cmd := &cobra.Command{
		Use:   "top WD",
		Short: "Select the best predicted compounds into top.smiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wd := args[0]
			if err := stage.RequirePath(wd); err != nil {
				return err
			}
			env, closeEnv, err := openEnv(wd)
			if err != nil {
				return err
			}
			defer closeEnv()

			out, err := stage.Top(cmd.Context(), env, stage.TopOptions{WorkDir: wd, Percent: percent})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().Float64Var(&percent, "percent", 1, "share of the predictions to keep, in (0, 100]")
	return cmd
}
