// Package engine invokes the external programs the pipeline depends on: the
// docking engine, the model trainer, the predictor, the structure converter
// and the cluster submission command.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command describes one external invocation.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer // nil discards
	Stderr io.Writer // nil captures the tail for error reporting only
}

// String renders the command line for logs and generated scripts.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes commands. Stages depend on this interface so tests can
// substitute a fake for the real tools.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ToolError reports a non-zero exit or launch failure of an external tool.
type ToolError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

const stderrTail = 2048

// Run starts cmd and waits for it. Cancelling ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	c.Stdout = cmd.Stdout
	if c.Stdout == nil {
		c.Stdout = io.Discard
	}
	tail := &tailBuffer{max: stderrTail}
	if cmd.Stderr != nil {
		c.Stderr = io.MultiWriter(cmd.Stderr, tail)
	} else {
		c.Stderr = tail
	}
	c.Env = os.Environ()

	logger.Debug("Running external tool", "cmd", cmd.String(), "dir", cmd.Dir)
	start := time.Now()
	err := c.Run()
	elapsed := time.Since(start)
	if err != nil {
		return &ToolError{Command: cmd.String(), Stderr: strings.TrimSpace(tail.String()), Err: err}
	}
	logger.Debug("External tool finished", "tool", cmd.Name, "duration", elapsed)
	return nil
}

// Output runs cmd and returns its standard output.
func Output(ctx context.Context, r Runner, cmd Command) ([]byte, error) {
	var out bytes.Buffer
	cmd.Stdout = &out
	err := r.Run(ctx, cmd)
	return out.Bytes(), err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
