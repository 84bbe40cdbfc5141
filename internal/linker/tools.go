package linker

import (
	"context"
	"strings"

	"github.com/frederic-klein/bundletool/internal/exectool"
)

// Inspector lists the link entries of a binary. For libraries the first entry
// is the library's own install identity; the rest are its dependencies. Each
// entry is a reference optionally followed by whitespace and annotations.
type Inspector interface {
	LinkEntries(ctx context.Context, path string) ([]string, error)
}

// Editor rewrites link records of a binary in place.
type Editor interface {
	SetInstallName(ctx context.Context, path string, name ModulePath) error
	ChangeReferences(ctx context.Context, path string, changes []Change) error
	AddRpath(ctx context.Context, path, rpath string) error
}

// Otool is an Inspector backed by `otool -L`.
type Otool struct {
	runner exectool.Runner
	tool   string
}

// NewOtool creates an inspector that runs the given otool executable.
func NewOtool(runner exectool.Runner, tool string) *Otool {
	if tool == "" {
		tool = "otool"
	}
	return &Otool{runner: runner, tool: tool}
}

// LinkEntries runs otool -L and returns the indented entry lines. Header lines
// ("path:" or "path (architecture arm64):") are dropped, and entries repeated
// for additional architectures of a universal binary are reported once.
func (o *Otool) LinkEntries(ctx context.Context, path string) ([]string, error) {
	lines, err := o.runner.Run(ctx, o.tool, "-L", path)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var entries []string
	for _, line := range lines {
		if line == "" || (line[0] != '\t' && line[0] != ' ') {
			continue
		}
		entry := strings.TrimSpace(line)
		if seen[entry] {
			continue
		}
		seen[entry] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

// InstallNameTool is an Editor backed by install_name_tool.
type InstallNameTool struct {
	runner exectool.Runner
	tool   string
}

// NewInstallNameTool creates an editor that runs the given install_name_tool executable.
func NewInstallNameTool(runner exectool.Runner, tool string) *InstallNameTool {
	if tool == "" {
		tool = "install_name_tool"
	}
	return &InstallNameTool{runner: runner, tool: tool}
}

// SetInstallName changes the library's own identity.
func (t *InstallNameTool) SetInstallName(ctx context.Context, path string, name ModulePath) error {
	_, err := t.runner.Run(ctx, t.tool, "-id", string(name), path)
	return err
}

// ChangeReferences rewrites all changes in one invocation.
func (t *InstallNameTool) ChangeReferences(ctx context.Context, path string, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	args := make([]string, 0, len(changes)*3+1)
	for _, c := range changes {
		args = append(args, "-change", string(c.Old), string(c.New))
	}
	args = append(args, path)
	_, err := t.runner.Run(ctx, t.tool, args...)
	return err
}

// AddRpath appends a runtime search path to the binary.
func (t *InstallNameTool) AddRpath(ctx context.Context, path, rpath string) error {
	_, err := t.runner.Run(ctx, t.tool, "-add_rpath", rpath, path)
	return err
}
