// Package infoplist reads the bundle keys bundletool needs from Info.plist files.
package infoplist

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"

	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// Info holds the Info.plist keys used by the signing and notarization workflows.
type Info struct {
	Executable string `plist:"CFBundleExecutable"`
	Identifier string `plist:"CFBundleIdentifier"`
	Name       string `plist:"CFBundleName"`
	Version    string `plist:"CFBundleShortVersionString"`
}

// Path returns the Info.plist location of an .app bundle.
func Path(bundlePath string) string {
	return filepath.Join(bundlePath, "Contents", "Info.plist")
}

// Read decodes an Info.plist in any of the XML, binary or OpenStep formats.
func Read(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, toolerr.FileOp(toolerr.OpRead, path, err)
	}

	var info Info
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &info, nil
}

// BundleExecutable returns CFBundleExecutable, which must be present.
func BundleExecutable(path string) (string, error) {
	info, err := Read(path)
	if err != nil {
		return "", err
	}
	if info.Executable == "" {
		return "", toolerr.Preconditionf("malformed %s: missing CFBundleExecutable", path)
	}
	return info.Executable, nil
}

// BundleIdentifier returns CFBundleIdentifier, which must be present.
func BundleIdentifier(path string) (string, error) {
	info, err := Read(path)
	if err != nil {
		return "", err
	}
	if info.Identifier == "" {
		return "", toolerr.Preconditionf("malformed %s: missing CFBundleIdentifier", path)
	}
	return info.Identifier, nil
}
