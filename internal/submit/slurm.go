// Package submit hands a planned job to the Slurm batch scheduler.
package submit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/ChuLiYu/active-learning/internal/engine"
	"github.com/ChuLiYu/active-learning/internal/planner"
)

// ErrNoJobID is returned when the scheduler output carries no job ID.
var ErrNoJobID = errors.New("no job id in scheduler output")

var scriptTemplate = template.Must(template.New("slurm").Parse(`#!/bin/bash
#SBATCH -J {{.Spec.JobName}}
#SBATCH -o {{.Spec.Log}}
#SBATCH -N {{.Spec.Nodes}}
#SBATCH -n {{.Spec.TotalTasks}}
#SBATCH --ntasks-per-node={{.Spec.TasksPerNode}}
#SBATCH -p {{.Spec.Queue}}
#SBATCH -t {{.Spec.WallTime}}
{{- if .Spec.Project}}
#SBATCH -A {{.Spec.Project}}
{{- end}}
{{- if .Spec.Email}}
#SBATCH --mail-user={{.Spec.Email}}
#SBATCH --mail-type={{.Spec.EmailType}}
{{- end}}
{{- if gt .Spec.Delay 0}}
#SBATCH --begin=now+{{.Spec.Delay}}hours
{{- end}}

{{.Body}}`))

// Render returns the batch script for spec running body.
func Render(spec planner.JobSpec, body string) (string, error) {
	var buf bytes.Buffer
	err := scriptTemplate.Execute(&buf, struct {
		Spec planner.JobSpec
		Body string
	}{spec, body})
	if err != nil {
		return "", fmt.Errorf("render job script: %w", err)
	}
	return buf.String(), nil
}

// Slurm writes job scripts and submits them with sbatch.
type Slurm struct {
	Runner  engine.Runner
	Command string // default "sbatch"
	DryRun  bool   // write the script only
	Logger  *slog.Logger
}

// Submit writes the script to spec.Script and submits it, returning the job
// ID. In dry-run mode the ID is empty.
func (s *Slurm) Submit(ctx context.Context, spec planner.JobSpec, body string) (string, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	script, err := Render(spec, body)
	if err != nil {
		return "", err
	}
	if err := writeScript(spec.Script, script); err != nil {
		return "", err
	}
	logger.Info("Job script written", "script", spec.Script, "nodes", spec.Nodes, "tasks", spec.TotalTasks, "queue", spec.Queue)
	if s.DryRun {
		return "", nil
	}

	name := s.Command
	if name == "" {
		name = "sbatch"
	}
	out, err := engine.Output(ctx, s.Runner, engine.Command{Name: name, Args: []string{spec.Script}, Dir: filepath.Dir(spec.Script)})
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", spec.Script, err)
	}
	id, err := ParseJobID(string(out))
	if err != nil {
		return "", err
	}
	logger.Info("Job submitted", "job_id", id, "name", spec.JobName)
	return id, nil
}

var jobIDPattern = regexp.MustCompile(`(?m)^(?:Submitted batch job\s+)?(\d+)(?:;\S+)?\s*$`)

// ParseJobID accepts both the default "Submitted batch job N" line and the
// "--parsable" form "N[;cluster]".
func ParseJobID(out string) (string, error) {
	m := jobIDPattern.FindStringSubmatch(strings.TrimSpace(out))
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrNoJobID, strings.TrimSpace(out))
	}
	return m[1], nil
}

func writeScript(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o755); err != nil {
		return fmt.Errorf("write job script: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write job script: %w", err)
	}
	return nil
}
