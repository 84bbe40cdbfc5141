// Package exectool runs external command-line tools and captures their output.
package exectool

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// Runner executes an external tool and returns its stdout split into lines.
// A non-zero exit status is reported as *toolerr.ToolFailure.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]string, error)
}

// ExecRunner runs tools as child processes.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts name with args, waits for it to exit and returns its stdout lines.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &toolerr.ToolFailure{
				Command:  CommandLine(name, args...),
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}
		}
		return nil, toolerr.FileOp(toolerr.OpCommand, name, err)
	}

	return SplitLines(stdout.String()), nil
}

// SplitLines splits tool output on newlines, dropping the trailing terminator.
func SplitLines(out string) []string {
	out = strings.TrimSuffix(out, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// CommandLine renders a command for error messages and logs.
func CommandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
