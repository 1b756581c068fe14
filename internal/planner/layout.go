package planner

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownQueue is returned for a queue label no layout matches.
var ErrUnknownQueue = errors.New("unrecognized queue")

// Layout maps a queue label pattern to the docking tasks one node runs,
// one task per GPU.
type Layout struct {
	Pattern      string
	TasksPerNode int
}

// Layouts are checked in order; the first pattern contained in the queue
// label wins. Matching is case-sensitive.
var Layouts = []Layout{
	{Pattern: "a100", TasksPerNode: 3},
	{Pattern: "h100", TasksPerNode: 2},
	{Pattern: "rtx", TasksPerNode: 4},
}

// Resolution is the outcome of a queue lookup. Known is false when no layout
// matched, in which case TasksPerNode is zero.
type Resolution struct {
	Queue        string
	Layout       Layout
	TasksPerNode int
	Known        bool
}

// Resolve looks queue up in Layouts.
func Resolve(queue string) Resolution {
	for _, l := range Layouts {
		if strings.Contains(queue, l.Pattern) {
			return Resolution{Queue: queue, Layout: l, TasksPerNode: l.TasksPerNode, Known: true}
		}
	}
	return Resolution{Queue: queue}
}

// TasksPerNode returns the tasks per node for queue, or ErrUnknownQueue.
func TasksPerNode(queue string) (int, error) {
	r := Resolve(queue)
	if !r.Known {
		return 0, fmt.Errorf("%w: %q (known patterns: %s)", ErrUnknownQueue, queue, patterns())
	}
	return r.TasksPerNode, nil
}

func patterns() string {
	p := make([]string, len(Layouts))
	for i, l := range Layouts {
		p[i] = l.Pattern
	}
	return strings.Join(p, ", ")
}
