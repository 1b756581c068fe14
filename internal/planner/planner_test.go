package planner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/active-learning/pkg/types"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		queue string
		tasks int
		known bool
	}{
		{"gpu-a100", 3, true},
		{"a100-small", 3, true},
		{"gpu-h100", 2, true},
		{"rtx", 4, true},
		{"rtx-dev", 4, true},
		{"a100-rtx", 3, true}, // first pattern wins
		{"GPU-A100", 0, false},
		{"normal", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		r := Resolve(c.queue)
		assert.Equal(t, c.known, r.Known, c.queue)
		assert.Equal(t, c.tasks, r.TasksPerNode, c.queue)
	}
}

func TestTasksPerNodeUnknown(t *testing.T) {
	_, err := TasksPerNode("skx-normal")
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.Contains(t, err.Error(), "skx-normal")
}

func baseRequest() Request {
	return Request{
		Library:  "/data/lib",
		Receptor: "/data/rec.pdbqt",
		Percent:  1,
		Box:      types.Box{Center: [3]float64{10, -2.5, 7}, Size: types.DefaultBoxSize},
		OutDir:   "/home/u/al",
		WorkDir:  "/scratch/al",
		Nodes:    8,
		Queue:    "gpu-a100",
		Project:  "CHE123",
	}
}

func TestPlanLayout(t *testing.T) {
	spec, _, err := Plan(baseRequest())
	require.NoError(t, err)

	assert.Equal(t, 8, spec.Nodes)
	assert.Equal(t, 3, spec.TasksPerNode)
	assert.Equal(t, 24, spec.TotalTasks)
	assert.Equal(t, "ACL", spec.JobName)
	assert.Equal(t, "1-23:59:00", spec.WallTime())
	assert.Equal(t, "ALL", spec.EmailType)
	assert.Equal(t, "/home/u/al/submit.sh", spec.Script)
	assert.Equal(t, "/home/u/al/learning.log", spec.Log)
	assert.Equal(t, "CHE123", spec.Project)
}

func TestPlanDebugClamp(t *testing.T) {
	req := baseRequest()
	req.Debug = true
	req.Nodes = 64
	req.Queue = "gpu-h100"

	spec, script, err := Plan(req)
	require.NoError(t, err)
	assert.Equal(t, DebugNodes, spec.Nodes)
	assert.Equal(t, 4, spec.TotalTasks)
	assert.Equal(t, "0-01:59:00", spec.WallTime())
	assert.Contains(t, script, "alvs score /scratch/al --debug")
}

func TestPlanErrors(t *testing.T) {
	req := baseRequest()
	req.Queue = "cpu"
	_, _, err := Plan(req)
	assert.ErrorIs(t, err, ErrUnknownQueue)

	req = baseRequest()
	req.EmailType = "SOMETIMES"
	_, _, err = Plan(req)
	assert.ErrorIs(t, err, ErrInvalidEmailType)

	req = baseRequest()
	req.Nodes = 0
	_, _, err = Plan(req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = baseRequest()
	req.WorkDir = ""
	_, _, err = Plan(req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestScriptOrder(t *testing.T) {
	req := baseRequest()
	req.Activate = "source /opt/env/bin/activate"
	script := Script(req)

	order := []string{
		"source /opt/env/bin/activate",
		"cd /home/u/al || {",
		"alvs sample /data/lib",
		"--receptor /data/rec.pdbqt",
		"--center 10 -2.5 7",
		"--size 15 15 15",
		"--commands",
		"module load launcher_gpu",
		"export LAUNCHER_WORKDIR=/scratch/al",
		"export LAUNCHER_JOB_FILE=/scratch/al/docking.commands.txt",
		"${LAUNCHER_DIR}/paramrun",
		"alvs score /scratch/al",
		"alvs train /scratch/al/train.smiles.score.csv /scratch/al/model",
		"alvs evaluate /scratch/al /scratch/al/model",
		"alvs top /scratch/al --percent 1",
	}
	pos := -1
	for _, s := range order {
		i := strings.Index(script, s)
		require.GreaterOrEqual(t, i, 0, "missing %q", s)
		assert.Greater(t, i, pos, "%q out of order", s)
		pos = i
	}
	assert.NotContains(t, script, "--debug")
}
