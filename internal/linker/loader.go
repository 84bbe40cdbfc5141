package linker

import (
	"context"
	"strings"
	"unicode"

	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// Loader turns inspector output into Module and Library values.
type Loader struct {
	inspector Inspector
	tool      string
}

// NewLoader creates a module loader on top of an inspector.
func NewLoader(inspector Inspector) *Loader {
	return &Loader{inspector: inspector, tool: "otool -L"}
}

// LoadExecutable reads the dependencies of an executable. Executables do not
// declare an install identity, so every entry is a dependency.
func (l *Loader) LoadExecutable(ctx context.Context, path string) (*Module, error) {
	paths, err := l.modulePaths(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Module{Path: path, Dependencies: paths}, nil
}

// LoadLibrary reads a library's install identity (the first entry) and its dependencies.
func (l *Loader) LoadLibrary(ctx context.Context, path string) (*Library, error) {
	paths, err := l.modulePaths(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Library{
		Module:      Module{Path: path, Dependencies: paths[1:]},
		InstallName: paths[0],
	}, nil
}

func (l *Loader) modulePaths(ctx context.Context, path string) ([]ModulePath, error) {
	entries, err := l.inspector.LinkEntries(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &toolerr.MalformedOutputError{Tool: l.tool, Path: path, Details: "no link entries"}
	}

	paths := make([]ModulePath, 0, len(entries))
	for _, entry := range entries {
		p, err := ParseEntry(entry)
		if err != nil {
			return nil, &toolerr.MalformedOutputError{Tool: l.tool, Path: path, Details: err.Error()}
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// ParseEntry extracts the reference from one entry line such as
// "/usr/lib/libSystem.B.dylib (compatibility version 1.0.0, current version 1311.0.0)".
// Everything from the first whitespace on is discarded.
func ParseEntry(line string) (ModulePath, error) {
	line = strings.TrimSpace(line)
	idx := strings.IndexFunc(line, unicode.IsSpace)
	if idx <= 0 {
		return "", &entryError{line: line}
	}
	return ModulePath(line[:idx]), nil
}

type entryError struct {
	line string
}

func (e *entryError) Error() string {
	return "entry without version annotation: " + e.line
}
