// Package codesign signs every piece of code in a self-contained bundle,
// innermost first, with the hardened runtime enabled.
package codesign

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/frederic-klein/bundletool/internal/bundle"
	"github.com/frederic-klein/bundletool/internal/exectool"
	"github.com/frederic-klein/bundletool/internal/infoplist"
	"github.com/frederic-klein/bundletool/internal/macho"
	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// Options configures a signing run.
type Options struct {
	BundlePath   string
	Identity     string
	Entitlements string // applied to .app bundles only; empty omits the flag
	Tool         string // codesign executable
}

// Signer walks a bundle and signs nested apps, frameworks and loose binaries.
type Signer struct {
	opts   Options
	runner exectool.Runner
	logger *log.Logger
	done   map[string]bool
}

// NewSigner creates a signer.
func NewSigner(opts Options, runner exectool.Runner, logger *log.Logger) *Signer {
	if opts.Tool == "" {
		opts.Tool = "codesign"
	}
	return &Signer{
		opts:   opts,
		runner: runner,
		logger: logger,
		done:   make(map[string]bool),
	}
}

// Perform signs the bundle.
func (s *Signer) Perform(ctx context.Context) error {
	if s.opts.Identity == "" {
		return toolerr.Preconditionf("a signing identity is required")
	}
	return s.processAppBundle(ctx, s.opts.BundlePath)
}

func (s *Signer) processAppBundle(ctx context.Context, path string) error {
	if !isAppBundle(path) {
		return toolerr.Preconditionf("path %q is not an app bundle", path)
	}
	if err := s.processFolder(ctx, path); err != nil {
		return err
	}
	return s.sign(ctx, path, true)
}

func (s *Signer) processFramework(ctx context.Context, path string) error {
	if err := s.processFolder(ctx, path); err != nil {
		return err
	}
	return s.sign(ctx, path, false)
}

func (s *Signer) processFolder(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return toolerr.FileOp(toolerr.OpReadDir, dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			return toolerr.FileOp(toolerr.OpMetadata, path, err)
		}

		if info.IsDir() {
			switch {
			case isAppBundle(path):
				err = s.processAppBundle(ctx, path)
			case isFramework(path):
				err = s.processFramework(ctx, path)
			default:
				err = s.processFolder(ctx, path)
			}
			if err != nil {
				return err
			}
			continue
		}

		linked, err := macho.IsLinkedBinary(path)
		if err != nil {
			return err
		}
		if !linked {
			continue
		}

		// Signed together with their bundle
		mainExe, err := isBundleExecutable(path)
		if err != nil {
			return err
		}
		if mainExe || isFrameworkBinary(path) {
			continue
		}
		if err := s.sign(ctx, path, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Signer) sign(ctx context.Context, path string, appBundle bool) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return toolerr.FileOp(toolerr.OpCanonicalize, path, err)
	}
	if s.done[resolved] {
		s.logger.Debug("already signed", "path", path)
		return nil
	}

	s.logger.Debug("codesigning", "path", resolved)
	args := []string{"-o", "runtime", "--timestamp"}
	if appBundle && s.opts.Entitlements != "" {
		args = append(args, "--entitlements", s.opts.Entitlements)
	}
	args = append(args, "-f", "-s", s.opts.Identity, resolved)
	if _, err := s.runner.Run(ctx, s.opts.Tool, args...); err != nil {
		return err
	}

	s.done[resolved] = true
	return nil
}

func isAppBundle(path string) bool {
	if filepath.Ext(path) != ".app" {
		return false
	}
	info, err := os.Stat(infoplist.Path(path))
	return err == nil && info.Mode().IsRegular()
}

func isFramework(path string) bool {
	return filepath.Ext(path) == ".framework"
}

func isInSharedFrameworks(path string) bool {
	dir := filepath.Dir(path)
	return filepath.Base(dir) == "Frameworks" && filepath.Base(filepath.Dir(dir)) == "Contents"
}

// isFrameworkBinary reports whether path is the binary of a framework that
// lives in a Contents/Frameworks folder.
func isFrameworkBinary(path string) bool {
	root := bundle.FindRoot(path)
	return root != path && strings.HasSuffix(root, ".framework") && isInSharedFrameworks(root)
}

// isBundleExecutable reports whether path is Contents/MacOS/<CFBundleExecutable>
// of an enclosing app bundle.
func isBundleExecutable(path string) (bool, error) {
	macos := filepath.Dir(path)
	contents := filepath.Dir(macos)
	if filepath.Base(macos) != "MacOS" || filepath.Base(contents) != "Contents" {
		return false, nil
	}
	app := filepath.Dir(contents)
	if !isAppBundle(app) {
		return false, nil
	}

	name, err := infoplist.BundleExecutable(infoplist.Path(app))
	if err != nil {
		return false, err
	}
	return name == filepath.Base(path), nil
}
