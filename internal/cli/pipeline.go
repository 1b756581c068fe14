package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/internal/controller"
	"github.com/ChuLiYu/active-learning/internal/engine"
	"github.com/ChuLiYu/active-learning/internal/planner"
	"github.com/ChuLiYu/active-learning/internal/runstate"
	"github.com/ChuLiYu/active-learning/internal/stage"
	"github.com/ChuLiYu/active-learning/internal/storage/journal"
	"github.com/ChuLiYu/active-learning/internal/submit"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

func checkPercent(p float64) error {
	if p <= 0 || p > 100 {
		return fmt.Errorf("%w: got %g", stage.ErrInvalidPercent, p)
	}
	return nil
}

// ============================================================================
// submit: plan the cluster job and hand it to the scheduler
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		req     planner.Request
		scratch string
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "submit LIBRARY RECEPTOR",
		Short: "Plan the screening job and submit it to Slurm",
		Long: `Compute the node layout for --queue, write <outdir>/submit.sh running every
stage in order and submit it with sbatch. Stage outputs go to
<scratch>/<outdir name>.`,
		Args: cobra.ExactArgs(2),
	}
	box := addBoxFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := stage.RequirePath(args[0], args[1]); err != nil {
			return err
		}
		if err := checkPercent(req.Percent); err != nil {
			return err
		}
		b, err := box.box()
		if err != nil {
			return err
		}

		if scratch == "" {
			scratch = cfg.Scratch
		}
		req.Library = absPath(args[0])
		req.Receptor = absPath(args[1])
		req.Box = b
		req.OutDir = absPath(req.OutDir)
		req.WorkDir = workDir(scratch, req.OutDir)
		req.Debug = debug
		req.JobName = cfg.Cluster.JobName
		req.LauncherModule = cfg.Cluster.LauncherModule
		req.Activate = cfg.Cluster.Activate
		req.Program = program()

		spec, body, err := planner.Plan(req)
		if err != nil {
			return err
		}

		slurm := &submit.Slurm{
			Runner:  &engine.ExecRunner{Logger: slog.Default()},
			Command: cfg.Engine.Submit,
			DryRun:  dryRun,
			Logger:  slog.Default(),
		}
		id, err := slurm.Submit(cmd.Context(), spec, body)
		if err != nil {
			return err
		}
		if dryRun {
			fmt.Fprintln(cmd.OutOrStdout(), spec.Script)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (%d nodes, %d tasks, working dir %s)\n", id, spec.Nodes, spec.TotalTasks, req.WorkDir)
		return nil
	}

	cmd.Flags().Float64Var(&req.Percent, "percent", 1, "share of each batch to sample, in (0, 100]")
	cmd.Flags().StringVar(&req.Extension, "extension", ".sdf.gz", "batch file extension")
	cmd.Flags().StringVar(&req.OutDir, "outdir", ".", "directory receiving the job script and log")
	cmd.Flags().IntVar(&req.Nodes, "nodes", 8, "number of nodes")
	cmd.Flags().StringVar(&req.Queue, "queue", "gpu-a100", "partition to submit to")
	cmd.Flags().StringVar(&req.Project, "project", "", "allocation to charge")
	cmd.Flags().StringVar(&req.Email, "email", "", "address receiving job notifications")
	cmd.Flags().StringVar(&req.EmailType, "email-type", "ALL", "notification events: NONE, BEGIN, END, FAIL, REQUEUE, ALL")
	cmd.Flags().IntVar(&req.Delay, "delay", 0, "hours to wait before the job may start")
	cmd.Flags().StringVar(&scratch, "scratch", "", "scratch directory (default from config or $SCRATCH)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "write the job script without submitting it")
	return cmd
}

// workDir places the stage outputs of outDir on scratch, falling back to
// outDir itself when no scratch space is configured.
func workDir(scratch, outDir string) string {
	if scratch == "" {
		return outDir
	}
	return filepath.Join(scratch, filepath.Base(outDir))
}

// ============================================================================
// run: every stage in order on this machine
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		config      controller.Config
		metricsPort int
	)

	cmd := &cobra.Command{
		Use:   "run LIBRARY RECEPTOR",
		Short: "Run the whole pipeline on this machine",
		Long: `Run sample, dock, score, train, evaluate and top in order, each stage
waiting for the previous one. Re-running after an interruption resumes at the
first incomplete item.`,
		Args: cobra.ExactArgs(2),
	}
	box := addBoxFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := stage.RequirePath(args[0], args[1]); err != nil {
			return err
		}
		if err := checkPercent(config.Percent); err != nil {
			return err
		}
		b, err := box.box()
		if err != nil {
			return err
		}
		config.Library = args[0]
		config.Receptor = args[1]
		config.Box = b
		if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
			return fmt.Errorf("failed to create working dir: %w", err)
		}

		env, closeEnv, err := openEnv(config.WorkDir)
		if err != nil {
			return err
		}
		defer closeEnv()

		if !cmd.Flags().Changed("metrics-port") {
			metricsPort = cfg.Metrics.Port
		}
		if metricsPort > 0 {
			srv, err := env.Metrics.StartServer(metricsPort)
			if err != nil {
				return err
			}
			slog.Info("Metrics server listening", "addr", srv.Addr())
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
		}

		ctrl, err := controller.NewController(env, config)
		if err != nil {
			return fmt.Errorf("failed to create controller: %w", err)
		}
		top, err := ctrl.Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), top)
		return nil
	}

	cmd.Flags().Float64Var(&config.Percent, "percent", 1, "share sampled for docking and kept by the final selection")
	cmd.Flags().StringVar(&config.Extension, "extension", ".sdf.gz", "batch file extension")
	cmd.Flags().StringVar(&config.WorkDir, "workdir", ".", "directory receiving every stage output")
	cmd.Flags().StringVar(&config.ModelDir, "model", "", "model directory (default <workdir>/model)")
	cmd.Flags().StringVar(&config.SmilesDir, "smiles", "", "directory of *.smiles files to rank (default <workdir>)")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "serve /metrics on this port while running, 0 disables")
	return cmd
}

// ============================================================================
// status: run state, status records and journal of a working directory
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status WD",
		Short: "Show the progress recorded in a working directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wd := args[0]
			if err := stage.RequirePath(wd); err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), wd)
		},
	}
}

func showStatus(out io.Writer, wd string) error {
	state, ok, err := runstate.Load(runstate.Path(wd), "")
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}
	sum, err := journal.Summarize(filepath.Join(wd, checkpoint.StateDir, journal.FileName))
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	store := checkpoint.NewStore(wd)

	fmt.Fprintf(out, "Working dir: %s\n", wd)
	fmt.Fprintf(out, "Status dir:  %s\n", store.GetPath())
	if ok {
		fmt.Fprintf(out, "Run:         %s\n", state.RunID())
	} else {
		fmt.Fprintln(out, "Run:         none (stage commands only)")
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATE\tITEMS\tSKIPPED\tRECORDS\tDONE\tFAILED\tDURATION")
	journaled := make(map[types.StageName]journal.StageSummary, len(sum.Stages))
	for _, s := range sum.Stages {
		journaled[s.Stage] = s
	}
	for _, name := range types.Stages {
		st, err := state.Get(name)
		if err != nil {
			return err
		}
		recs, err := store.List(name)
		if err != nil && !errors.Is(err, checkpoint.ErrCorruptedRecord) {
			return err
		}
		done, failed := 0, 0
		for _, r := range recs {
			switch r.Status {
			case types.StatusDone:
				done++
			case types.StatusFailed:
				failed++
			}
		}
		j := journaled[name]
		duration := "-"
		if st.StartedAt > 0 {
			duration = st.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			name, st.Status, st.Items, st.Skipped, j.Records, done, failed, duration)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, s := range sum.Stages {
		if s.LastErr != "" {
			fmt.Fprintf(out, "\nlast %s error: %s\n", s.Stage, s.LastErr)
		}
	}
	if len(sum.Tools) > 0 || sum.Skipped > 0 {
		fmt.Fprintf(out, "\nJournal: %d writers, %d tool calls", sum.Writers, toolCalls(sum))
		if sum.Skipped > 0 {
			fmt.Fprintf(out, ", %d damaged lines skipped", sum.Skipped)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func toolCalls(sum *journal.Summary) int {
	n := 0
	for _, c := range sum.Tools {
		n += c
	}
	return n
}
