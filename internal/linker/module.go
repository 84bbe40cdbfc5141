// Package linker models the link metadata of Mach-O binaries and wraps the
// external tools that read (otool) and rewrite (install_name_tool) it.
package linker

import "strings"

// RpathToken is the runtime search path prefix of symbolic references.
const RpathToken = "@rpath"

// ModulePath is a link reference as recorded in a binary: either an absolute
// path or an @rpath-relative reference. Equality is exact string equality.
type ModulePath string

// systemPrefixes are operating system library locations that are never bundled.
var systemPrefixes = []string{"/usr/", "/lib/", "/System/"}

// IsSystem reports whether the reference points at an OS-provided library.
func (p ModulePath) IsSystem() bool {
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(string(p), prefix) {
			return true
		}
	}
	return false
}

func (p ModulePath) String() string {
	return string(p)
}

// RpathReference builds "@rpath/<rel>" for a slash-separated relative path.
func RpathReference(rel string) ModulePath {
	return ModulePath(RpathToken + "/" + rel)
}

// Module is the parsed link metadata of one binary.
type Module struct {
	Path         string       // filesystem path that was inspected
	Dependencies []ModulePath // in the order the binary declares them
}

// LocalDependencies returns the dependencies that are not system libraries.
func (m *Module) LocalDependencies() []ModulePath {
	var local []ModulePath
	for _, d := range m.Dependencies {
		if !d.IsSystem() {
			local = append(local, d)
		}
	}
	return local
}

// Library is a Module that also declares its own install identity.
type Library struct {
	Module
	InstallName ModulePath
}

// Change rewrites one dependent reference inside a binary.
type Change struct {
	Old ModulePath
	New ModulePath
}
