// Package fsutil holds the filesystem helpers shared by the bundling workflows.
package fsutil

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/frederic-klein/bundletool/internal/toolerr"
)

const compareChunkSize = 64 * 1024

// Exists reports whether path exists without following a final symlink.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CopyFile copies a regular file, preserving its permission bits.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return toolerr.FileOpWithSource(toolerr.OpCopy, dst, src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return toolerr.FileOp(toolerr.OpMetadata, src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return toolerr.FileOpWithSource(toolerr.OpCopy, dst, src, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return toolerr.FileOpWithSource(toolerr.OpCopy, dst, src, err)
	}
	if err := out.Close(); err != nil {
		return toolerr.FileOpWithSource(toolerr.OpCopy, dst, src, err)
	}

	// O_CREATE honours the umask; restore the exact mode
	return toolerr.FileOp(toolerr.OpWrite, dst, os.Chmod(dst, info.Mode().Perm()))
}

// CopySymlink recreates the link at src as dst with the same target text.
func CopySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return toolerr.FileOp(toolerr.OpReadLink, src, err)
	}
	return toolerr.FileOpWithSource(toolerr.OpSymlink, dst, src, os.Symlink(target, dst))
}

// CopyDir copies a directory tree. Symlinks are recreated verbatim, so
// relative links such as Versions/Current keep pointing inside the copy.
func CopyDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return toolerr.FileOp(toolerr.OpMetadata, src, err)
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return toolerr.FileOp(toolerr.OpCreateDir, dst, err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return toolerr.FileOp(toolerr.OpReadDir, src, err)
	}

	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())

		switch {
		case entry.Type()&os.ModeSymlink != 0:
			err = CopySymlink(from, to)
		case entry.IsDir():
			err = CopyDir(from, to)
		default:
			err = CopyFile(from, to)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Copy copies src to dst, dispatching on whether src is a directory.
func Copy(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return toolerr.FileOp(toolerr.OpMetadata, src, err)
	}
	if info.IsDir() {
		return CopyDir(src, dst)
	}
	return CopyFile(src, dst)
}

// SameContents reports whether two files are byte-identical. Sizes are
// compared first; equal sizes fall back to a chunked content comparison.
func SameContents(a, b string) (bool, error) {
	infoA, err := os.Stat(a)
	if err != nil {
		return false, toolerr.FileOp(toolerr.OpMetadata, a, err)
	}
	infoB, err := os.Stat(b)
	if err != nil {
		return false, toolerr.FileOp(toolerr.OpMetadata, b, err)
	}
	if infoA.Size() != infoB.Size() {
		return false, nil
	}

	fa, err := os.Open(a)
	if err != nil {
		return false, toolerr.FileOp(toolerr.OpOpen, a, err)
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, toolerr.FileOp(toolerr.OpOpen, b, err)
	}
	defer fb.Close()

	bufA := make([]byte, compareChunkSize)
	bufB := make([]byte, compareChunkSize)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		doneA, err := chunkDone(errA, a)
		if err != nil {
			return false, err
		}
		doneB, err := chunkDone(errB, b)
		if err != nil {
			return false, err
		}
		if doneA || doneB {
			return doneA == doneB, nil
		}
	}
}

func chunkDone(err error, path string) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true, nil
	default:
		return false, toolerr.FileOp(toolerr.OpRead, path, err)
	}
}
