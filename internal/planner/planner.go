// Package planner turns a screening request into a cluster job: the node
// layout for the requested queue and the shell script that runs every stage
// in order on the allocation.
package planner

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ChuLiYu/active-learning/internal/stage"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

// EmailTypes are the accepted mail event filters.
var EmailTypes = []string{"NONE", "BEGIN", "END", "FAIL", "REQUEUE", "ALL"}

var (
	// ErrInvalidEmailType is returned for a mail type outside EmailTypes.
	ErrInvalidEmailType = errors.New("invalid email type")
	// ErrInvalidRequest is returned for an incomplete or inconsistent request.
	ErrInvalidRequest = errors.New("invalid job request")
)

// Debug runs are clamped to this many nodes.
const DebugNodes = 2

// Request describes one screening campaign to submit.
type Request struct {
	Library   string
	Receptor  string
	Percent   float64
	Extension string
	Box       types.Box
	OutDir    string // submission directory: script, log
	WorkDir   string // scratch working directory for every stage

	Nodes     int
	Queue     string
	Project   string
	Email     string
	EmailType string
	Delay     int // hours
	Debug     bool

	JobName        string // default "ACL"
	Program        string // default "alvs"
	Activate       string // environment activation line, optional
	LauncherModule string // default "launcher_gpu"
}

// JobSpec is the job description handed to the batch scheduler.
type JobSpec struct {
	Nodes        int
	TotalTasks   int
	TasksPerNode int
	JobName      string
	Days         int
	Hours        int
	Minutes      int
	Queue        string
	Email        string
	EmailType    string
	Delay        int
	Log          string
	Script       string
	Project      string
}

// WallTime formats the time limit as D-HH:MM:00.
func (j JobSpec) WallTime() string {
	return fmt.Sprintf("%d-%02d:%02d:00", j.Days, j.Hours, j.Minutes)
}

func (r *Request) defaults() {
	if r.JobName == "" {
		r.JobName = "ACL"
	}
	if r.Program == "" {
		r.Program = "alvs"
	}
	if r.LauncherModule == "" {
		r.LauncherModule = "launcher_gpu"
	}
	if r.EmailType == "" {
		r.EmailType = "ALL"
	}
	if r.Extension == "" {
		r.Extension = ".sdf.gz"
	}
	if r.Box.Size == [3]int{} {
		r.Box.Size = types.DefaultBoxSize
	}
}

// Plan computes the job layout and composes the stage script.
func Plan(req Request) (JobSpec, string, error) {
	req.defaults()

	tasksPerNode, err := TasksPerNode(req.Queue)
	if err != nil {
		return JobSpec{}, "", err
	}
	if !slices.Contains(EmailTypes, req.EmailType) {
		return JobSpec{}, "", fmt.Errorf("%w: %q (one of %s)", ErrInvalidEmailType, req.EmailType, strings.Join(EmailTypes, ", "))
	}
	if req.OutDir == "" || req.WorkDir == "" {
		return JobSpec{}, "", fmt.Errorf("%w: output and working directories are required", ErrInvalidRequest)
	}
	if req.Delay < 0 {
		return JobSpec{}, "", fmt.Errorf("%w: negative delay %d", ErrInvalidRequest, req.Delay)
	}

	nodes := req.Nodes
	if req.Debug {
		nodes = DebugNodes
	}
	if nodes <= 0 {
		return JobSpec{}, "", fmt.Errorf("%w: nodes must be positive, got %d", ErrInvalidRequest, nodes)
	}

	spec := JobSpec{
		Nodes:        nodes,
		TotalTasks:   nodes * tasksPerNode,
		TasksPerNode: tasksPerNode,
		JobName:      req.JobName,
		Days:         1,
		Hours:        23,
		Minutes:      59,
		Queue:        req.Queue,
		Email:        req.Email,
		EmailType:    req.EmailType,
		Delay:        req.Delay,
		Log:          filepath.Join(req.OutDir, "learning.log"),
		Script:       filepath.Join(req.OutDir, "submit.sh"),
		Project:      req.Project,
	}
	if req.Debug {
		spec.Days, spec.Hours = 0, 1
	}
	return spec, Script(req), nil
}

// Script returns the stage commands in dependency order: sample (which emits
// the docking commands file), the launcher that docks every batch in
// parallel, then score, train, evaluate and top.
func Script(req Request) string {
	req.defaults()
	wd := req.WorkDir
	model := filepath.Join(wd, "model")
	debug := ""
	if req.Debug {
		debug = " --debug"
	}
	box := req.Box

	var b strings.Builder
	if req.Activate != "" {
		b.WriteString(req.Activate + "\n")
	}
	fmt.Fprintf(&b, "cd %s || { echo \"Failed to cd into %s!\"; exit 1; }\n\n", req.OutDir, req.OutDir)

	sample := []string{
		req.Program + " sample " + req.Library,
		"--percent " + strconv.FormatFloat(req.Percent, 'f', -1, 64),
		"--outdir " + wd,
		"--extension " + req.Extension,
		"--receptor " + req.Receptor,
		fmt.Sprintf("--center %s %s %s", ftoa(box.Center[0]), ftoa(box.Center[1]), ftoa(box.Center[2])),
		fmt.Sprintf("--size %d %d %d", box.Size[0], box.Size[1], box.Size[2]),
		"--commands",
	}
	if req.Debug {
		sample = append(sample, "--debug")
	}
	b.WriteString(strings.Join(sample, " \\\n  ") + "\n\n")

	fmt.Fprintf(&b, "module load %s\n", req.LauncherModule)
	fmt.Fprintf(&b, "export LAUNCHER_WORKDIR=%s\n", wd)
	fmt.Fprintf(&b, "export LAUNCHER_JOB_FILE=%s\n\n", filepath.Join(wd, stage.CommandsFile))
	b.WriteString("${LAUNCHER_DIR}/paramrun\n\n")

	fmt.Fprintf(&b, "%s score %s%s\n", req.Program, wd, debug)
	fmt.Fprintf(&b, "%s train %s %s%s\n", req.Program, filepath.Join(wd, stage.TrainTable), model, debug)
	fmt.Fprintf(&b, "%s evaluate %s %s%s\n", req.Program, wd, model, debug)
	fmt.Fprintf(&b, "%s top %s --percent %s%s\n", req.Program, wd, strconv.FormatFloat(req.Percent, 'f', -1, 64), debug)
	return b.String()
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
