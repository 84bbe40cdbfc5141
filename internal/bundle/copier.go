package bundle

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/frederic-klein/bundletool/internal/fsutil"
	"github.com/frederic-klein/bundletool/internal/macho"
	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// executable is a linked binary found while copying the tree.
type executable struct {
	source string // canonical path in the source bundle
	target string // path of the copy inside the output bundle
}

// copyTree mirrors srcDir into dstDir and records every linked binary it copies.
func (b *Bundler) copyTree(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return toolerr.FileOp(toolerr.OpReadDir, srcDir, err)
	}

	for _, entry := range entries {
		src := filepath.Join(srcDir, entry.Name())
		dest := filepath.Join(dstDir, entry.Name())

		if IsReservedBundlePath(srcDir, entry.Name()) {
			// Populated from the dependency graph
			b.logger.Debug("ignoring frameworks path", "dir", srcDir)
			continue
		}

		excluded, err := b.isExcluded(src)
		if err != nil {
			return err
		}
		if excluded {
			b.logger.Debug("excluded", "path", src)
			continue
		}

		if entry.Type()&fs.ModeSymlink != 0 {
			if err := fsutil.CopySymlink(src, dest); err != nil {
				return err
			}
			inside, err := b.linkStaysInBundle(dest)
			if err != nil {
				return err
			}
			if inside {
				b.logger.Debug("preserving symlink", "path", src)
				continue
			}
			if err := os.Remove(dest); err != nil {
				return toolerr.FileOp(toolerr.OpRemove, dest, err)
			}
		}

		srcResolved, err := filepath.EvalSymlinks(src)
		if err != nil {
			return toolerr.FileOp(toolerr.OpCanonicalize, src, err)
		}
		info, err := os.Stat(srcResolved)
		if err != nil {
			return toolerr.FileOp(toolerr.OpMetadata, srcResolved, err)
		}

		if info.IsDir() {
			if err := os.Mkdir(dest, info.Mode().Perm()|0o700); err != nil {
				return toolerr.FileOp(toolerr.OpCreateDir, dest, err)
			}
			b.logger.Debug("create directory", "path", src)
			if err := b.copyTree(src, dest); err != nil {
				return err
			}
			continue
		}

		if err := fsutil.CopyFile(srcResolved, dest); err != nil {
			return err
		}
		linked, err := macho.IsLinkedBinary(srcResolved)
		if err != nil {
			return err
		}
		if linked {
			b.logger.Debug("copy binary", "path", src)
			b.executables = append(b.executables, executable{source: srcResolved, target: dest})
		} else {
			b.logger.Debug("copy", "path", src)
		}
	}
	return nil
}

// linkStaysInBundle reports whether the freshly created link at dest points
// inside the output bundle. Relative links to entries that have not been
// copied yet are judged by their lexical target.
func (b *Bundler) linkStaysInBundle(dest string) (bool, error) {
	resolved, err := filepath.EvalSymlinks(dest)
	if err == nil {
		return isWithin(b.outPathResolved, resolved), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, toolerr.FileOp(toolerr.OpCanonicalize, dest, err)
	}

	target, err := os.Readlink(dest)
	if err != nil {
		return false, toolerr.FileOp(toolerr.OpReadLink, dest, err)
	}
	if filepath.IsAbs(target) {
		return false, nil
	}
	return isWithin(b.outPath, filepath.Join(filepath.Dir(dest), target)), nil
}

// isExcluded matches the entry's path relative to the source bundle against
// the configured exclude globs.
func (b *Bundler) isExcluded(src string) (bool, error) {
	if len(b.opts.Exclude) == 0 {
		return false, nil
	}
	rel, err := filepath.Rel(b.sourcePath, src)
	if err != nil {
		return false, toolerr.FileOp(toolerr.OpCanonicalize, src, err)
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range b.opts.Exclude {
		match, err := doublestar.Match(pattern, rel)
		if err != nil {
			return false, toolerr.Preconditionf("invalid exclude pattern %q: %v", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}
