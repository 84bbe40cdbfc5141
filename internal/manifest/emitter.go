// Package manifest writes the relocation manifest of a bundling run.
package manifest

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/frederic-klein/bundletool/internal/bundle"
)

const header = "# bundletool relocation manifest: version 1\n"

// Document is the YAML shape of a manifest.
type Document struct {
	Bundle      string    `yaml:"bundle"`
	Executables []string  `yaml:"executables"`
	Libraries   []Library `yaml:"libraries"`
}

// Library is one relocated dependency.
type Library struct {
	Reference string `yaml:"reference"`
	Source    string `yaml:"source"`
	Root      string `yaml:"root"`
}

// Emitter writes manifests.
type Emitter struct {
	w io.Writer
}

// NewEmitter creates a new manifest emitter.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes the report. Executables and libraries are sorted so that two
// runs over the same input produce the same file.
func (e *Emitter) Emit(report *bundle.Report) error {
	doc := Document{
		Bundle:      report.BundlePath,
		Executables: append([]string{}, report.Executables...),
		Libraries:   make([]Library, 0, len(report.Libraries)),
	}
	sort.Strings(doc.Executables)

	for _, l := range report.Libraries {
		doc.Libraries = append(doc.Libraries, Library{
			Reference: string(l.Reference),
			Source:    l.Source,
			Root:      l.Root,
		})
	}
	sort.Slice(doc.Libraries, func(i, j int) bool {
		return doc.Libraries[i].Reference < doc.Libraries[j].Reference
	})

	if _, err := fmt.Fprint(e.w, header); err != nil {
		return err
	}

	enc := yaml.NewEncoder(e.w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return enc.Close()
}

// WriteFile emits the report to path, replacing any existing file.
func WriteFile(path string, report *bundle.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating manifest file: %w", err)
	}
	defer f.Close()

	if err := NewEmitter(f).Emit(report); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return f.Close()
}
