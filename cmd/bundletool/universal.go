package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/bundletool/internal/exectool"
	"github.com/frederic-klein/bundletool/internal/universal"
)

var (
	universalOut            string
	universalDeleteExisting bool
	workers                 int
)

func newUniversalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macos-universal [flags] --out OUT INPUT...",
		Short: "Merges per-architecture bundles into a universal bundle",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUniversal,
	}

	cmd.Flags().StringVar(&universalOut, "out", "", "Output path for the merged bundle")
	cmd.Flags().BoolVar(&universalDeleteExisting, "delete-existing-bundle", false, "Delete the output bundle if it already exists")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Parallel lipo workers (default universal.workers)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runUniversal(cmd *cobra.Command, args []string) error {
	n := cfg.Universal.Workers
	if cmd.Flags().Changed("workers") {
		n = workers
	}

	merger := universal.NewMerger(universal.Options{
		Inputs:         args,
		Output:         universalOut,
		DeleteExisting: universalDeleteExisting,
		Workers:        n,
		Tool:           cfg.Tools.Lipo,
	}, exectool.NewExecRunner(), logger)

	if err := merger.Perform(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", universalOut)
	return nil
}
