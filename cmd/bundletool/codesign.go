package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/bundletool/internal/codesign"
	"github.com/frederic-klein/bundletool/internal/exectool"
)

var (
	identity     string
	entitlements string
)

func newCodesignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macos-codesign [flags] BUNDLE_PATH",
		Short: "Code-signs a self-contained macOS bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  runCodesign,
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Signing identity (default codesign.identity)")
	cmd.Flags().StringVar(&entitlements, "entitlements", "", "Entitlements file for app bundles (default codesign.entitlements)")

	return cmd
}

func runCodesign(cmd *cobra.Command, args []string) error {
	signer := codesign.NewSigner(codesign.Options{
		BundlePath:   args[0],
		Identity:     flagOr(cmd, "identity", identity, cfg.Codesign.Identity),
		Entitlements: flagOr(cmd, "entitlements", entitlements, cfg.Codesign.Entitlements),
		Tool:         cfg.Tools.Codesign,
	}, exectool.NewExecRunner(), logger)

	if err := signer.Perform(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Signed %s\n", args[0])
	return nil
}
