package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/frederic-klein/bundletool/internal/config"
)

var (
	// Version is set via -ldflags.
	Version = "dev"

	verbosity int
	cfgFile   string

	// populated before any subcommand runs
	logger *log.Logger
	cfg    *config.Config
)

func main() {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(filterArgs(os.Args[1:]))

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(Version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bundletool",
		Short: "Packages macOS applications into self-contained bundles",
		Long: `bundletool copies a macOS .app bundle, relocates every non-system dylib and
framework it links against into Contents/Frameworks and rewrites the link
references, then optionally signs, notarizes or merges per-architecture builds.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Verbose output (repeat for timestamps)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default is ./"+config.FileName+" if present)")

	rootCmd.AddCommand(newBundleCmd())
	rootCmd.AddCommand(newCodesignCmd())
	rootCmd.AddCommand(newNotarizeCmd())
	rootCmd.AddCommand(newUniversalCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	})

	return rootCmd
}

func setup(cmd *cobra.Command, args []string) error {
	logger = newLogger(verbosity)

	loaded, path, err := config.Load(config.LoadOptions{ConfigFile: cfgFile, SearchDir: "."})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if path != "" {
		logger.Debug("loaded config", "path", path)
	}
	cfg = loaded
	return nil
}

func newLogger(verbosity int) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "bundletool",
		ReportTimestamp: verbosity > 1,
	})
	if verbosity > 0 {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// filterArgs drops a leading "bundletool" argument passed by wrappers that
// run the binary as a subcommand of another tool.
func filterArgs(args []string) []string {
	if len(args) > 0 && args[0] == "bundletool" {
		return args[1:]
	}
	return args
}

// flagOr returns the flag value when the user set it, else the fallback.
func flagOr(cmd *cobra.Command, name, value, fallback string) string {
	if cmd.Flags().Changed(name) {
		return value
	}
	return fallback
}
