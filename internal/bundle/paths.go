package bundle

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/frederic-klein/bundletool/internal/linker"
	"github.com/frederic-klein/bundletool/internal/toolerr"
)

const executablePathToken = "@executable_path"

// PathResolver turns link references into existing filesystem paths.
type PathResolver struct {
	roots         []string
	executableDir string
}

// NewPathResolver creates a resolver that substitutes @rpath with each root in
// order. executableDir, when set, also substitutes @executable_path.
func NewPathResolver(roots []string, executableDir string) *PathResolver {
	return &PathResolver{roots: roots, executableDir: executableDir}
}

// Resolve returns the first existing path the reference can stand for. An
// absolute reference that exists is returned unchanged.
func (r *PathResolver) Resolve(ref linker.ModulePath) (string, error) {
	p := string(ref)
	if r.executableDir != "" {
		p = strings.ReplaceAll(p, executablePathToken, r.executableDir)
	}
	if filepath.IsAbs(p) && exists(p) {
		return p, nil
	}

	if strings.Contains(p, linker.RpathToken) {
		for _, root := range r.roots {
			candidate := strings.ReplaceAll(p, linker.RpathToken, root)
			if exists(candidate) {
				return candidate, nil
			}
		}
	}

	return "", &toolerr.PathResolutionError{
		Reference:      string(ref),
		AttemptedRoots: append([]string(nil), r.roots...),
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FindRoot returns the unit that has to be copied for a resolved dependency:
// the enclosing .framework directory for framework binaries (both the flat
// Name.framework/Name and the versioned Name.framework/Versions/A/Name
// layouts), otherwise the file itself.
func FindRoot(resolved string) string {
	parent := filepath.Dir(resolved)
	if strings.HasSuffix(filepath.Base(parent), ".framework") {
		return parent
	}

	grandparent := filepath.Dir(parent)
	if filepath.Base(grandparent) == "Versions" {
		framework := filepath.Dir(grandparent)
		if strings.HasSuffix(filepath.Base(framework), ".framework") {
			return framework
		}
	}
	return resolved
}

// IsReservedBundlePath reports whether name inside dir is a bundle's shared
// library folder (Frameworks directly under Contents). The tree copier skips
// it; its content is rebuilt from the dependency graph.
func IsReservedBundlePath(dir, name string) bool {
	return filepath.Base(dir) == "Contents" && name == "Frameworks"
}

// isWithin reports whether path is root or lies below it.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
