package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/frederic-klein/bundletool/internal/linker"
	"github.com/frederic-klein/bundletool/internal/toolerr"
)

var machoHeader = []byte{0xcf, 0xfa, 0xed, 0xfe, 0x07, 0x00, 0x00, 0x01}

// fakeInspector serves canned link entries keyed by path.
type fakeInspector map[string][]string

func (f fakeInspector) LinkEntries(_ context.Context, path string) ([]string, error) {
	entries, ok := f[path]
	if !ok {
		return nil, fmt.Errorf("no canned otool output for %s", path)
	}
	return entries, nil
}

type editCall struct {
	Op      string
	Path    string
	Value   string
	Changes []linker.Change
}

// fakeEditor records link edits instead of running install_name_tool.
type fakeEditor struct {
	mu    sync.Mutex
	calls []editCall
}

func (f *fakeEditor) SetInstallName(_ context.Context, path string, name linker.ModulePath) error {
	f.record(editCall{Op: "id", Path: path, Value: string(name)})
	return nil
}

func (f *fakeEditor) ChangeReferences(_ context.Context, path string, changes []linker.Change) error {
	f.record(editCall{Op: "change", Path: path, Changes: changes})
	return nil
}

func (f *fakeEditor) AddRpath(_ context.Context, path, rpath string) error {
	f.record(editCall{Op: "rpath", Path: path, Value: rpath})
	return nil
}

func (f *fakeEditor) record(c editCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeEditor) ops(op string) []editCall {
	var out []editCall
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func entry(p string) string {
	return p + " (compatibility version 1.0.0, current version 1.0.0)"
}

const libSystem = "/usr/lib/libSystem.B.dylib (compatibility version 1.0.0, current version 1311.0.0)"

// fixture lays out a workspace with a source bundle, an external library
// prefix and an output directory. All paths are canonical.
type fixture struct {
	t      *testing.T
	root   string
	app    string
	ext    string
	out    string
	bundle string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		t:      t,
		root:   root,
		app:    filepath.Join(root, "src", "MyApp.app"),
		ext:    filepath.Join(root, "ext"),
		out:    filepath.Join(root, "out"),
		bundle: filepath.Join(root, "out", "MyApp.app"),
	}
	f.write(filepath.Join(f.app, "Contents", "Info.plist"), []byte("<plist/>"))
	if err := os.MkdirAll(f.out, 0o755); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) write(path string, data []byte) string {
	f.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o755); err != nil {
		f.t.Fatal(err)
	}
	return path
}

// binary writes a fake Mach-O file whose content is distinguished by tag.
func (f *fixture) binary(path, tag string) string {
	return f.write(path, append(append([]byte(nil), machoHeader...), tag...))
}

func (f *fixture) run(inspector fakeInspector, opts Options) (*Report, *fakeEditor, error) {
	f.t.Helper()
	if opts.SourcePath == "" {
		opts.SourcePath = f.app
	}
	if opts.OutDir == "" {
		opts.OutDir = f.out
	}
	editor := &fakeEditor{}
	b := NewBundler(opts, inspector, editor, log.New(io.Discard))
	report, err := b.Perform(context.Background())
	return report, editor, err
}

func isSymlink(t *testing.T, path string) bool {
	t.Helper()
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatalf("lstat %s: %v", path, err)
	}
	return info.Mode()&os.ModeSymlink != 0
}

func TestBundler_Perform_SingleLibrary(t *testing.T) {
	// Arrange
	f := newFixture(t)
	exe := f.binary(filepath.Join(f.app, "Contents", "MacOS", "MyApp"), "app")
	libfoo := f.binary(filepath.Join(f.ext, "lib", "libfoo.dylib"), "foo")
	inspector := fakeInspector{
		exe:    {entry(libfoo), libSystem},
		libfoo: {entry(libfoo), libSystem},
	}

	// Act
	report, editor, err := f.run(inspector, Options{})

	// Assert
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	outExe := filepath.Join(f.bundle, "Contents", "MacOS", "MyApp")
	outLib := filepath.Join(f.bundle, "Contents", "Frameworks", "libfoo.dylib")
	if _, err := os.Stat(outLib); err != nil {
		t.Fatalf("libfoo.dylib not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.bundle, "Contents", "Info.plist")); err != nil {
		t.Errorf("Info.plist not copied: %v", err)
	}

	want := []editCall{
		{Op: "id", Path: outLib, Value: "@rpath/libfoo.dylib"},
		{Op: "change", Path: outExe, Changes: []linker.Change{{Old: linker.ModulePath(libfoo), New: "@rpath/libfoo.dylib"}}},
		{Op: "rpath", Path: outExe, Value: "@executable_path/../Frameworks"},
	}
	if !reflect.DeepEqual(editor.calls, want) {
		t.Errorf("edits = %+v\nwant %+v", editor.calls, want)
	}

	if report.BundlePath != f.bundle {
		t.Errorf("BundlePath = %q", report.BundlePath)
	}
	if !reflect.DeepEqual(report.Executables, []string{"Contents/MacOS/MyApp"}) {
		t.Errorf("Executables = %v", report.Executables)
	}
	wantLibs := []Relocation{{Reference: "@rpath/libfoo.dylib", Source: libfoo, Root: libfoo}}
	if !reflect.DeepEqual(report.Libraries, wantLibs) {
		t.Errorf("Libraries = %+v", report.Libraries)
	}
}

func TestBundler_Perform_SharedDependencyCopiedOnce(t *testing.T) {
	// Helpers sorts before MacOS, Resources after it, so each case reaches
	// libbar through a different executable first.
	tests := []struct {
		name      string
		helperDir string
	}{
		{"helper first", "Helpers"},
		{"main executable first", "Resources"},
	}

	var baseline map[string]string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			f := newFixture(t)
			exe := f.binary(filepath.Join(f.app, "Contents", "MacOS", "MyApp"), "app")
			helper := f.binary(filepath.Join(f.app, "Contents", tt.helperDir, "helper"), "helper")
			libfoo := f.binary(filepath.Join(f.ext, "lib", "libfoo.dylib"), "foo")
			libbar := f.binary(filepath.Join(f.ext, "lib", "libbar.dylib"), "bar")
			inspector := fakeInspector{
				exe:    {entry(libfoo), entry(libbar), libSystem},
				helper: {entry(libbar), libSystem},
				libfoo: {entry(libfoo), entry(libbar), libSystem},
				libbar: {entry(libbar), libSystem},
			}

			// Act
			report, editor, err := f.run(inspector, Options{})

			// Assert
			if err != nil {
				t.Fatalf("Perform() error = %v", err)
			}
			if got := len(editor.ops("id")); got != 2 {
				t.Errorf("install name edits = %d, want 2 (one per library)", got)
			}
			if got := len(editor.ops("rpath")); got != 2 {
				t.Errorf("rpath edits = %d, want 2", got)
			}
			// MyApp, helper and libfoo each get one batched change
			if got := len(editor.ops("change")); got != 3 {
				t.Errorf("reference edits = %d, want 3", got)
			}
			entries, err := os.ReadDir(filepath.Join(f.bundle, "Contents", "Frameworks"))
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 2 {
				t.Errorf("Frameworks has %d entries, want 2", len(entries))
			}
			if len(report.Libraries) != 2 || report.Libraries[0].Reference != "@rpath/libbar.dylib" {
				t.Errorf("Libraries = %+v", report.Libraries)
			}

			edits := make(map[string]string)
			for _, c := range editor.calls {
				// workspace roots differ between cases
				edits[c.Op+" "+filepath.Base(c.Path)] = strings.ReplaceAll(fmt.Sprintf("%s %v", c.Value, c.Changes), f.root, "")
			}
			if baseline == nil {
				baseline = edits
			} else if !reflect.DeepEqual(edits, baseline) {
				t.Errorf("edits = %v\nwant same as first order %v", edits, baseline)
			}
		})
	}
}

func TestBundler_Perform_VersionConflict(t *testing.T) {
	tests := []struct {
		name         string
		secondTag    string
		wantConflict bool
	}{
		{"different content", "foo-2.0", true},
		{"identical content", "foo", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			f := newFixture(t)
			exe := f.binary(filepath.Join(f.app, "Contents", "MacOS", "MyApp"), "app")
			first := f.binary(filepath.Join(f.ext, "a", "libfoo.dylib"), "foo")
			second := f.binary(filepath.Join(f.ext, "b", "libfoo.dylib"), tt.secondTag)
			inspector := fakeInspector{
				exe:    {entry(first), entry(second)},
				first:  {entry(first)},
				second: {entry(second)},
			}

			// Act
			_, editor, err := f.run(inspector, Options{})

			// Assert
			var conflict *toolerr.VersionConflictError
			if tt.wantConflict {
				if !errors.As(err, &conflict) {
					t.Fatalf("Perform() error = %v, want *VersionConflictError", err)
				}
				if conflict.Reference != "@rpath/libfoo.dylib" || conflict.FirstSource != first || conflict.SecondSource != second {
					t.Errorf("conflict = %+v", conflict)
				}
				return
			}
			if err != nil {
				t.Fatalf("Perform() error = %v", err)
			}
			changes := editor.ops("change")
			if len(changes) != 1 || len(changes[0].Changes) != 2 {
				t.Fatalf("changes = %+v, want both references rewritten in one edit", changes)
			}
			if len(editor.ops("id")) != 1 {
				t.Errorf("install name edits = %d, want 1", len(editor.ops("id")))
			}
		})
	}
}

func TestBundler_Perform_FrameworkRootConflict(t *testing.T) {
	tests := []struct {
		name         string
		secondFw     string
		wantConflict bool
	}{
		{"different framework builds", "b", true},
		{"two versions of one framework", "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			f := newFixture(t)
			exe := f.binary(filepath.Join(f.app, "Contents", "MacOS", "MyApp"), "app")
			fwA := filepath.Join(f.ext, "a", "Foo.framework")
			fooA := f.binary(filepath.Join(fwA, "Versions", "A", "Foo"), "a-A")
			f.binary(filepath.Join(fwA, "Versions", "B", "Foo"), "a-B")
			fwSecond := filepath.Join(f.ext, tt.secondFw, "Foo.framework")
			fooB := f.binary(filepath.Join(fwSecond, "Versions", "B", "Foo"), tt.secondFw+"-B")
			inspector := fakeInspector{
				exe:  {entry(fooA), entry(fooB), libSystem},
				fooA: {entry(fooA), libSystem},
				fooB: {entry(fooB), libSystem},
			}

			// Act
			report, _, err := f.run(inspector, Options{})

			// Assert
			if !tt.wantConflict {
				if err != nil {
					t.Fatalf("Perform() error = %v", err)
				}
				if len(report.Libraries) != 2 {
					t.Errorf("Libraries = %+v, want both versions", report.Libraries)
				}
				return
			}
			var conflict *toolerr.VersionConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("Perform() error = %v, want *VersionConflictError", err)
			}
			if conflict.Reference != "@rpath/Foo.framework/Versions/B/Foo" || conflict.FirstSource != fwA || conflict.SecondSource != fwSecond {
				t.Errorf("conflict = %+v", conflict)
			}
			got, err := os.ReadFile(filepath.Join(f.bundle, "Contents", "Frameworks", "Foo.framework", "Versions", "B", "Foo"))
			if err != nil {
				t.Fatal(err)
			}
			if string(got[len(machoHeader):]) != "a-B" {
				t.Errorf("bundled Versions/B/Foo = %q, want the first framework left untouched", got[len(machoHeader):])
			}
		})
	}
}

func TestBundler_Perform_SymlinkPolicy(t *testing.T) {
	// Arrange
	f := newFixture(t)
	resources := filepath.Join(f.app, "Contents", "Resources")
	f.write(filepath.Join(resources, "data", "config.txt"), []byte("inside"))
	outsideDir := filepath.Join(f.root, "shared")
	f.write(filepath.Join(outsideDir, "readme.txt"), []byte("outside"))
	f.write(filepath.Join(outsideDir, "assets", "a.txt"), []byte("asset"))
	links := map[string]string{
		"current": "data",
		"abs":     filepath.Join(resources, "data", "config.txt"),
		"readme":  filepath.Join(outsideDir, "readme.txt"),
		"assets":  "../../../../shared/assets",
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(resources, name)); err != nil {
			t.Fatal(err)
		}
	}

	// Act
	_, _, err := f.run(fakeInspector{}, Options{})

	// Assert
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	outResources := filepath.Join(f.bundle, "Contents", "Resources")
	if !isSymlink(t, filepath.Join(outResources, "current")) {
		t.Error("intra-bundle link was not preserved")
	}
	if isSymlink(t, filepath.Join(outResources, "abs")) {
		t.Error("absolute link into the source bundle must be replaced by a copy")
	}
	if isSymlink(t, filepath.Join(outResources, "readme")) {
		t.Error("out-of-bundle file link was preserved")
	}
	if got, _ := os.ReadFile(filepath.Join(outResources, "readme")); string(got) != "outside" {
		t.Errorf("readme content = %q", got)
	}
	if isSymlink(t, filepath.Join(outResources, "assets")) {
		t.Error("out-of-bundle directory link was preserved")
	}
	if got, _ := os.ReadFile(filepath.Join(outResources, "assets", "a.txt")); string(got) != "asset" {
		t.Errorf("assets/a.txt content = %q", got)
	}
}

func TestBundler_Perform_FrameworkCopiedAsUnit(t *testing.T) {
	// Arrange
	f := newFixture(t)
	exe := f.binary(filepath.Join(f.app, "Contents", "MacOS", "MyApp"), "app")
	fw := filepath.Join(f.ext, "Foo.framework")
	fooBin := f.binary(filepath.Join(fw, "Versions", "A", "Foo"), "foo")
	f.write(filepath.Join(fw, "Versions", "A", "Resources", "Info.plist"), []byte("<plist/>"))
	if err := os.Symlink("A", filepath.Join(fw, "Versions", "Current")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("Versions/Current/Foo", filepath.Join(fw, "Foo")); err != nil {
		t.Fatal(err)
	}
	inspector := fakeInspector{
		exe:    {entry(fooBin), libSystem},
		fooBin: {entry(fooBin), libSystem},
	}

	// Act
	report, editor, err := f.run(inspector, Options{})

	// Assert
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	outFw := filepath.Join(f.bundle, "Contents", "Frameworks", "Foo.framework")
	if !isSymlink(t, filepath.Join(outFw, "Versions", "Current")) {
		t.Error("Versions/Current is not a symlink in the copied framework")
	}
	if _, err := os.Stat(filepath.Join(outFw, "Versions", "A", "Resources", "Info.plist")); err != nil {
		t.Errorf("framework resources not copied: %v", err)
	}
	const ref = "@rpath/Foo.framework/Versions/A/Foo"
	ids := editor.ops("id")
	if len(ids) != 1 || ids[0].Value != ref || ids[0].Path != filepath.Join(outFw, "Versions", "A", "Foo") {
		t.Errorf("install name edits = %+v", ids)
	}
	if len(report.Libraries) != 1 || report.Libraries[0].Root != fw {
		t.Errorf("Libraries = %+v", report.Libraries)
	}
}

func TestBundler_Perform_SystemOnlyDependencies(t *testing.T) {
	// Arrange
	f := newFixture(t)
	exe := f.binary(filepath.Join(f.app, "Contents", "MacOS", "MyApp"), "app")
	inspector := fakeInspector{
		exe: {libSystem, entry("/System/Library/Frameworks/Cocoa.framework/Versions/A/Cocoa"), entry("/lib/libz.dylib")},
	}

	// Act
	report, editor, err := f.run(inspector, Options{})

	// Assert
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if len(editor.calls) != 0 {
		t.Errorf("edits = %+v, want none", editor.calls)
	}
	if len(report.Libraries) != 0 {
		t.Errorf("Libraries = %+v, want none", report.Libraries)
	}
	if _, err := os.Stat(filepath.Join(f.bundle, "Contents", "Frameworks")); !os.IsNotExist(err) {
		t.Errorf("Frameworks dir exists without local dependencies: %v", err)
	}
}

func TestBundler_Perform_BundledFrameworksRebuilt(t *testing.T) {
	// Arrange
	f := newFixture(t)
	exe := f.binary(filepath.Join(f.app, "Contents", "MacOS", "MyApp"), "app")
	libbar := f.binary(filepath.Join(f.app, "Contents", "Frameworks", "libbar.dylib"), "bar")
	f.binary(filepath.Join(f.app, "Contents", "Frameworks", "libunused.dylib"), "unused")
	inspector := fakeInspector{
		exe:    {entry("@rpath/libbar.dylib"), libSystem},
		libbar: {entry("@rpath/libbar.dylib"), libSystem},
	}

	// Act
	report, editor, err := f.run(inspector, Options{})

	// Assert
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	frameworks := filepath.Join(f.bundle, "Contents", "Frameworks")
	if _, err := os.Stat(filepath.Join(frameworks, "libbar.dylib")); err != nil {
		t.Errorf("libbar.dylib not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(frameworks, "libunused.dylib")); !os.IsNotExist(err) {
		t.Error("unreferenced library was copied from the reserved folder")
	}
	if len(editor.ops("change")) != 0 || len(editor.ops("id")) != 0 {
		t.Errorf("edits = %+v, want only the rpath", editor.calls)
	}
	if len(editor.ops("rpath")) != 1 {
		t.Errorf("rpath edits = %d, want 1", len(editor.ops("rpath")))
	}
	if !reflect.DeepEqual(report.Executables, []string{"Contents/MacOS/MyApp"}) {
		t.Errorf("Executables = %v", report.Executables)
	}
}

func TestBundler_Perform_CyclicDependencies(t *testing.T) {
	f := newFixture(t)
	exe := f.binary(filepath.Join(f.app, "Contents", "MacOS", "MyApp"), "app")
	liba := f.binary(filepath.Join(f.ext, "liba.dylib"), "a")
	libb := f.binary(filepath.Join(f.ext, "libb.dylib"), "b")
	inspector := fakeInspector{
		exe:  {entry(liba)},
		liba: {entry(liba), entry(libb)},
		libb: {entry(libb), entry(liba)},
	}

	report, _, err := f.run(inspector, Options{})

	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if len(report.Libraries) != 2 {
		t.Errorf("Libraries = %+v, want 2", report.Libraries)
	}
}

func TestBundler_Perform_UnresolvedDependency(t *testing.T) {
	f := newFixture(t)
	exe := f.binary(filepath.Join(f.app, "Contents", "MacOS", "MyApp"), "app")
	inspector := fakeInspector{exe: {entry("@rpath/libmissing.dylib")}}

	_, _, err := f.run(inspector, Options{})

	var pre *toolerr.PathResolutionError
	if !errors.As(err, &pre) {
		t.Fatalf("Perform() error = %v, want *PathResolutionError", err)
	}
	if pre.Reference != "@rpath/libmissing.dylib" {
		t.Errorf("Reference = %q", pre.Reference)
	}
}

func TestBundler_Perform_ExistingTarget(t *testing.T) {
	// Arrange
	f := newFixture(t)
	stale := f.write(filepath.Join(f.bundle, "stale.txt"), []byte("old"))

	// Act
	_, _, err := f.run(fakeInspector{}, Options{})

	// Assert
	var pe *toolerr.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("Perform() error = %v, want *PreconditionError", err)
	}

	_, _, err = f.run(fakeInspector{}, Options{DeleteExisting: true})
	if err != nil {
		t.Fatalf("Perform(DeleteExisting) error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("existing bundle was not replaced")
	}
}

func TestBundler_Perform_InvalidPaths(t *testing.T) {
	f := newFixture(t)
	tests := []Options{
		{SourcePath: filepath.Join(f.root, "missing.app")},
		{OutDir: filepath.Join(f.root, "missing-out")},
		{Exclude: []string{"[unterminated"}},
	}

	for i, opts := range tests {
		_, _, err := f.run(fakeInspector{}, opts)

		var pe *toolerr.PreconditionError
		if !errors.As(err, &pe) {
			t.Errorf("case %d: Perform() error = %v, want *PreconditionError", i, err)
		}
	}
}

func TestBundler_Perform_Exclude(t *testing.T) {
	f := newFixture(t)
	f.write(filepath.Join(f.app, "Contents", "Resources", "big.dSYM", "blob"), []byte("debug"))
	f.write(filepath.Join(f.app, "Contents", "Resources", "keep.txt"), []byte("keep"))

	_, _, err := f.run(fakeInspector{}, Options{Exclude: []string{"**/*.dSYM"}})

	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.bundle, "Contents", "Resources", "big.dSYM")); !os.IsNotExist(err) {
		t.Error("excluded directory was copied")
	}
	if _, err := os.Stat(filepath.Join(f.bundle, "Contents", "Resources", "keep.txt")); err != nil {
		t.Errorf("keep.txt missing: %v", err)
	}
}

func TestBundler_IsExcluded_UnrelatablePath(t *testing.T) {
	// Arrange
	b := NewBundler(Options{Exclude: []string{"**/*.dSYM"}}, fakeInspector{}, &fakeEditor{}, log.New(io.Discard))
	b.sourcePath = t.TempDir()

	// Act
	excluded, err := b.isExcluded(filepath.Join("relative", "big.dSYM"))

	// Assert
	var foe *toolerr.FileOperationError
	if !errors.As(err, &foe) {
		t.Fatalf("isExcluded() error = %v, want *FileOperationError", err)
	}
	if foe.Op != toolerr.OpCanonicalize {
		t.Errorf("Op = %s, want %s", foe.Op, toolerr.OpCanonicalize)
	}
	if excluded {
		t.Error("isExcluded() = true on error")
	}
}
