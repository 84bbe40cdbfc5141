package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/bundletool/internal/bundle"
	"github.com/frederic-klein/bundletool/internal/exectool"
	"github.com/frederic-klein/bundletool/internal/linker"
	"github.com/frederic-klein/bundletool/internal/manifest"
)

var (
	deleteExistingBundle bool
	excludes             []string
	manifestPath         string
)

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macos-bundle [flags] SOURCE_PATH OUT_DIR",
		Short: "Creates a self-contained macOS bundle",
		Long: `Copies SOURCE_PATH (an .app bundle) to OUT_DIR/<name>.app, moves every local
dylib and framework it depends on into Contents/Frameworks and rewrites the
link references to @rpath.`,
		Args: cobra.ExactArgs(2),
		RunE: runBundle,
	}

	cmd.Flags().BoolVar(&deleteExistingBundle, "delete-existing-bundle", false, "Delete OUT_DIR/<name>.app if it already exists")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "Glob of source bundle paths to leave out (repeatable, adds to bundle.exclude)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Write a YAML relocation manifest to this path (relative to OUT_DIR)")

	return cmd
}

func runBundle(cmd *cobra.Command, args []string) error {
	opts := bundle.Options{
		SourcePath:     args[0],
		OutDir:         args[1],
		DeleteExisting: deleteExistingBundle,
		Exclude:        append(append([]string{}, cfg.Bundle.Exclude...), excludes...),
	}

	runner := exectool.NewExecRunner()
	bundler := bundle.NewBundler(
		opts,
		linker.NewOtool(runner, cfg.Tools.Otool),
		linker.NewInstallNameTool(runner, cfg.Tools.InstallNameTool),
		logger,
	)

	report, err := bundler.Perform(cmd.Context())
	if err != nil {
		return err
	}

	if path := flagOr(cmd, "manifest", manifestPath, cfg.Bundle.Manifest); path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(opts.OutDir, path)
		}
		logger.Info("writing manifest", "path", path)
		if err := manifest.WriteFile(path, report); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s with %d bundled libraries\n", report.BundlePath, len(report.Libraries))
	return nil
}
