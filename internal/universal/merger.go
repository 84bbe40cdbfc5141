// Package universal merges per-architecture builds of the same bundle into
// one bundle whose binaries are universal.
package universal

import (
	"context"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/frederic-klein/bundletool/internal/exectool"
	"github.com/frederic-klein/bundletool/internal/fsutil"
	"github.com/frederic-klein/bundletool/internal/macho"
	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// Options configures a merge.
type Options struct {
	Inputs         []string // bundles to merge; the first one drives the walk
	Output         string
	DeleteExisting bool
	Workers        int
	Tool           string // lipo executable
}

// Merger walks the first input and mirrors it into Output, scheduling a lipo
// job for every linked binary whose per-architecture copies differ.
type Merger struct {
	opts   Options
	pool   *Pool
	logger *log.Logger
	jobs   []Job
}

// NewMerger creates a merger.
func NewMerger(opts Options, runner exectool.Runner, logger *log.Logger) *Merger {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Merger{
		opts:   opts,
		pool:   NewPool(opts.Workers, runner, opts.Tool),
		logger: logger,
	}
}

// Perform builds the merged bundle.
func (m *Merger) Perform(ctx context.Context) error {
	if len(m.opts.Inputs) == 0 {
		return toolerr.Preconditionf("at least one input bundle is required")
	}
	for _, in := range m.opts.Inputs {
		if !fsutil.Exists(in) {
			return toolerr.Preconditionf("path %q does not exist", in)
		}
	}

	if fsutil.Exists(m.opts.Output) {
		if !m.opts.DeleteExisting {
			return toolerr.Preconditionf("target folder %q already exists, please delete it first", m.opts.Output)
		}
		if err := os.RemoveAll(m.opts.Output); err != nil {
			return toolerr.FileOp(toolerr.OpRemoveDir, m.opts.Output, err)
		}
	}
	if err := os.MkdirAll(m.opts.Output, 0o755); err != nil {
		return toolerr.FileOp(toolerr.OpCreateDir, m.opts.Output, err)
	}

	if err := m.processDir(m.opts.Inputs, m.opts.Output); err != nil {
		return err
	}

	m.logger.Info("merging binaries", "count", len(m.jobs), "workers", m.opts.Workers)
	for _, result := range m.pool.Run(ctx, m.jobs) {
		if result.Error != nil {
			return result.Error
		}
		m.logger.Debug("merged", "path", result.Job.Output)
	}
	return nil
}

func (m *Merger) processDir(inputs []string, out string) error {
	first := inputs[0]
	entries, err := os.ReadDir(first)
	if err != nil {
		return toolerr.FileOp(toolerr.OpReadDir, first, err)
	}

	for _, entry := range entries {
		paths := make([]string, len(inputs))
		for i, in := range inputs {
			paths[i] = filepath.Join(in, entry.Name())
			if !fsutil.Exists(paths[i]) {
				return &toolerr.BundlesNotIdenticalError{Path: paths[i]}
			}
		}
		src := paths[0]
		dest := filepath.Join(out, entry.Name())

		switch {
		case entry.Type()&os.ModeSymlink != 0:
			// relative to the bundle; copied verbatim
			if err := fsutil.CopySymlink(src, dest); err != nil {
				return err
			}
		case entry.IsDir():
			if err := os.Mkdir(dest, 0o755); err != nil {
				return toolerr.FileOp(toolerr.OpCreateDir, dest, err)
			}
			if err := m.processDir(paths, dest); err != nil {
				return err
			}
		default:
			merge, err := needsMerge(paths)
			if err != nil {
				return err
			}
			if merge {
				m.jobs = append(m.jobs, Job{Inputs: paths, Output: dest})
				continue
			}
			if err := fsutil.CopyFile(src, dest); err != nil {
				return err
			}
		}
	}
	return nil
}

// needsMerge reports whether paths hold a linked binary whose copies differ
// in size. Equal sizes are taken to mean an already universal binary.
func needsMerge(paths []string) (bool, error) {
	linked, err := macho.IsLinkedBinary(paths[0])
	if err != nil || !linked {
		return false, err
	}

	var size int64
	for i, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return false, toolerr.FileOp(toolerr.OpMetadata, p, err)
		}
		if i == 0 {
			size = info.Size()
		} else if info.Size() != size {
			return true, nil
		}
	}
	return false, nil
}
