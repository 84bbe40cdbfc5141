// Package bundle turns a macOS application directory into a self-contained
// bundle: local dylibs and frameworks are copied into Contents/Frameworks and
// every link reference to them is rewritten to @rpath.
package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"

	"github.com/frederic-klein/bundletool/internal/fsutil"
	"github.com/frederic-klein/bundletool/internal/linker"
	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// Options configures one bundling run.
type Options struct {
	SourcePath     string   // source .app directory
	OutDir         string   // existing directory that receives the bundle
	DeleteExisting bool     // replace an existing bundle in OutDir
	Exclude        []string // doublestar globs, relative to SourcePath
}

// library is one entry of the relocation table, keyed by its new reference.
type library struct {
	source string // resolved path the first occurrence came from
	root   string // framework directory or dylib that was copied
	done   bool
}

// Relocation describes one dependency copied into the bundle.
type Relocation struct {
	Reference linker.ModulePath
	Source    string
	Root      string
}

// Report summarizes a finished run.
type Report struct {
	BundlePath  string
	Executables []string // relative to BundlePath
	Libraries   []Relocation
}

// Bundler performs a single bundling run. It is not safe for concurrent use
// and must not be reused.
type Bundler struct {
	opts   Options
	loader *linker.Loader
	editor linker.Editor
	logger *log.Logger

	sourcePath      string
	outPath         string
	outPathResolved string
	executables     []executable
	processed       map[linker.ModulePath]*library
	copiedRoots     map[string]string // copy target -> canonical source root
}

// NewBundler creates a bundler that inspects binaries with inspector and
// rewrites them with editor.
func NewBundler(opts Options, inspector linker.Inspector, editor linker.Editor, logger *log.Logger) *Bundler {
	return &Bundler{
		opts:        opts,
		loader:      linker.NewLoader(inspector),
		editor:      editor,
		logger:      logger,
		processed:   make(map[linker.ModulePath]*library),
		copiedRoots: make(map[string]string),
	}
}

// Perform copies the source bundle to OutDir and relocates its dependencies.
// A failure leaves the partially written output in place.
func (b *Bundler) Perform(ctx context.Context) (*Report, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if err := b.prepareOutput(); err != nil {
		return nil, err
	}

	b.logger.Info("copying bundle", "from", b.sourcePath, "to", b.outPath)
	if err := b.copyTree(b.sourcePath, b.outPath); err != nil {
		return nil, err
	}

	executables := append([]executable(nil), b.executables...)
	for _, exe := range executables {
		if err := b.processExecutable(ctx, exe); err != nil {
			return nil, err
		}
	}

	b.logger.Info("bundle complete", "path", b.outPath, "executables", len(executables), "libraries", len(b.processed))
	return b.report(), nil
}

func (b *Bundler) validate() error {
	if !isDir(b.opts.SourcePath) {
		return toolerr.Preconditionf("source path %q is not a valid folder", b.opts.SourcePath)
	}
	if !isDir(b.opts.OutDir) {
		return toolerr.Preconditionf("out dir %q is not a valid folder", b.opts.OutDir)
	}
	for _, pattern := range b.opts.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return toolerr.Preconditionf("invalid exclude pattern %q", pattern)
		}
	}

	source, err := filepath.Abs(b.opts.SourcePath)
	if err != nil {
		return toolerr.FileOp(toolerr.OpCanonicalize, b.opts.SourcePath, err)
	}
	outDir, err := filepath.Abs(b.opts.OutDir)
	if err != nil {
		return toolerr.FileOp(toolerr.OpCanonicalize, b.opts.OutDir, err)
	}
	b.sourcePath = source
	b.outPath = filepath.Join(outDir, filepath.Base(source))
	return nil
}

func (b *Bundler) prepareOutput() error {
	if fsutil.Exists(b.outPath) {
		if !b.opts.DeleteExisting {
			return toolerr.Preconditionf("target folder %q already exists, please delete it first", b.outPath)
		}
		b.logger.Info("removing existing bundle", "path", b.outPath)
		if err := os.RemoveAll(b.outPath); err != nil {
			return toolerr.FileOp(toolerr.OpRemoveDir, b.outPath, err)
		}
	}

	if err := os.Mkdir(b.outPath, 0o755); err != nil {
		return toolerr.FileOp(toolerr.OpCreateDir, b.outPath, err)
	}
	resolved, err := filepath.EvalSymlinks(b.outPath)
	if err != nil {
		return toolerr.FileOp(toolerr.OpCanonicalize, b.outPath, err)
	}
	b.outPathResolved = resolved
	return nil
}

func (b *Bundler) frameworksPath() string {
	return filepath.Join(b.outPath, "Contents", "Frameworks")
}

func (b *Bundler) processExecutable(ctx context.Context, exe executable) error {
	b.logger.Debug("processing executable", "path", exe.target)

	dir := filepath.Dir(exe.source)
	resolver := NewPathResolver([]string{dir, filepath.Join(b.sourcePath, "Contents", "Frameworks")}, dir)

	module, err := b.loader.LoadExecutable(ctx, exe.source)
	if err != nil {
		return err
	}
	if err := b.processModule(ctx, exe.target, module, resolver); err != nil {
		return err
	}

	if len(module.LocalDependencies()) == 0 {
		return nil
	}
	rel, err := filepath.Rel(filepath.Dir(exe.target), b.frameworksPath())
	if err != nil {
		return fmt.Errorf("computing rpath for %s: %w", exe.target, err)
	}
	rpath := executablePathToken + "/" + filepath.ToSlash(rel)
	b.logger.Debug("adding rpath", "path", exe.target, "rpath", rpath)
	return b.editor.AddRpath(ctx, exe.target, rpath)
}

// processModule relocates the local dependencies of module and rewrites the
// changed references of the binary at target in one edit.
func (b *Bundler) processModule(ctx context.Context, target string, module *linker.Module, resolver *PathResolver) error {
	var changes []linker.Change
	for _, dep := range module.Dependencies {
		if dep.IsSystem() {
			continue
		}
		newPath, err := b.processDependency(ctx, dep, resolver)
		if err != nil {
			return err
		}
		if newPath != dep {
			changes = append(changes, linker.Change{Old: dep, New: newPath})
		}
	}

	if len(changes) == 0 {
		return nil
	}
	b.logger.Debug("changing references", "path", target, "count", len(changes))
	return b.editor.ChangeReferences(ctx, target, changes)
}

// processDependency copies the dependency's root into Contents/Frameworks on
// first sight and returns the reference it is installed under.
func (b *Bundler) processDependency(ctx context.Context, dep linker.ModulePath, resolver *PathResolver) (linker.ModulePath, error) {
	resolved, err := resolver.Resolve(dep)
	if err != nil {
		return "", err
	}
	root := FindRoot(resolved)
	rel, err := filepath.Rel(filepath.Dir(root), resolved)
	if err != nil {
		return "", fmt.Errorf("relocating %s: %w", dep, err)
	}
	newPath := linker.RpathReference(filepath.ToSlash(rel))

	if existing, ok := b.processed[newPath]; ok {
		same, err := fsutil.SameContents(resolved, existing.source)
		if err != nil {
			return "", err
		}
		if !same {
			return "", &toolerr.VersionConflictError{
				Reference:    string(newPath),
				FirstSource:  existing.source,
				SecondSource: resolved,
			}
		}
		if !existing.done {
			b.logger.Debug("dependency cycle", "reference", newPath)
		} else {
			b.logger.Debug("dependency already bundled", "reference", newPath)
		}
		return newPath, nil
	}

	b.logger.Debug("bundling dependency", "reference", newPath, "source", resolved)
	record := &library{source: resolved, root: root}
	b.processed[newPath] = record

	lib, err := b.loader.LoadLibrary(ctx, resolved)
	if err != nil {
		return "", err
	}

	frameworks := b.frameworksPath()
	if err := os.MkdirAll(frameworks, 0o755); err != nil {
		return "", toolerr.FileOp(toolerr.OpCreateDir, frameworks, err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", toolerr.FileOp(toolerr.OpCanonicalize, root, err)
	}
	copyTarget := filepath.Join(frameworks, filepath.Base(root))
	if copiedFrom, ok := b.copiedRoots[copyTarget]; ok {
		// Only another version directory of the very same framework may reuse the copy
		if copiedFrom != realRoot {
			return "", &toolerr.VersionConflictError{
				Reference:    string(newPath),
				FirstSource:  copiedFrom,
				SecondSource: realRoot,
			}
		}
		b.logger.Debug("root already copied", "path", copyTarget)
	} else {
		if err := fsutil.Copy(realRoot, copyTarget); err != nil {
			return "", err
		}
		b.copiedRoots[copyTarget] = realRoot
	}

	target := filepath.Join(frameworks, rel)
	if err := b.processModule(ctx, target, &lib.Module, resolver); err != nil {
		return "", err
	}
	if lib.InstallName != newPath {
		if err := b.editor.SetInstallName(ctx, target, newPath); err != nil {
			return "", err
		}
	}

	record.done = true
	return newPath, nil
}

func (b *Bundler) report() *Report {
	r := &Report{BundlePath: b.outPath}
	for _, exe := range b.executables {
		rel, err := filepath.Rel(b.outPath, exe.target)
		if err != nil {
			rel = exe.target
		}
		r.Executables = append(r.Executables, filepath.ToSlash(rel))
	}
	for ref, lib := range b.processed {
		r.Libraries = append(r.Libraries, Relocation{Reference: ref, Source: lib.source, Root: lib.root})
	}
	sort.Slice(r.Libraries, func(i, j int) bool {
		return r.Libraries[i].Reference < r.Libraries[j].Reference
	})
	return r
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
