// Package macho classifies files as candidate Mach-O linked binaries by
// sniffing their magic number. It does not parse the rest of the format.
package macho

import (
	"errors"
	"io"
	"os"

	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// MagicNumberSize is the size (in bytes) of the magic number at the start of a Mach-O file.
const MagicNumberSize = 4

type magicNumber [MagicNumberSize]byte

var knownMagics = []magicNumber{
	{0xca, 0xfe, 0xba, 0xbe}, // universal, big endian header
	{0xbe, 0xba, 0xfe, 0xca}, // universal, swapped
	{0xfe, 0xed, 0xfa, 0xcf}, // 64-bit, big endian
	{0xcf, 0xfa, 0xed, 0xfe}, // 64-bit, little endian
}

func (magic magicNumber) isKnown() bool {
	for _, m := range knownMagics {
		if magic == m {
			return true
		}
	}
	return false
}

// HasLinkedBinaryMagic reports whether head starts with one of the four
// single- or multi-architecture 64-bit Mach-O magic numbers.
func HasLinkedBinaryMagic(head []byte) bool {
	if len(head) < MagicNumberSize {
		return false
	}
	return magicNumber(head).isKnown()
}

// IsLinkedBinary reports whether path is a regular file that starts with a
// Mach-O magic number. Directories, devices and files shorter than the magic
// number are never linked binaries.
func IsLinkedBinary(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, toolerr.FileOp(toolerr.OpMetadata, path, err)
	}
	if !info.Mode().IsRegular() || info.Size() < MagicNumberSize {
		return false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, toolerr.FileOp(toolerr.OpOpen, path, err)
	}
	defer f.Close()

	var head [MagicNumberSize]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, toolerr.FileOp(toolerr.OpRead, path, err)
	}
	return HasLinkedBinaryMagic(head[:]), nil
}
