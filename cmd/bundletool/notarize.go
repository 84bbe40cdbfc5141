package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/bundletool/internal/exectool"
	"github.com/frederic-klein/bundletool/internal/notarize"
)

var (
	keychainProfile string
	appleID         string
	password        string
	teamID          string
)

func newNotarizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macos-notarize [flags] BUNDLE_PATH",
		Short: "Notarizes and staples a signed macOS bundle",
		Long: `Zips BUNDLE_PATH, submits it with notarytool, polls until the submission is
accepted or rejected and staples the ticket. Credentials come from a keychain
profile (see 'xcrun notarytool store-credentials') or an Apple ID with an
app-specific password and team ID.`,
		Args: cobra.ExactArgs(1),
		RunE: runNotarize,
	}

	cmd.Flags().StringVar(&keychainProfile, "keychain-profile", "", "notarytool keychain profile")
	cmd.Flags().StringVar(&appleID, "apple-id", "", "Apple ID used for notarization")
	cmd.Flags().StringVar(&password, "password", "", "App-specific password for the Apple ID")
	cmd.Flags().StringVar(&teamID, "team-id", "", "Developer team ID")

	return cmd
}

func runNotarize(cmd *cobra.Command, args []string) error {
	n := notarize.NewNotarizer(notarize.Options{
		BundlePath:      args[0],
		KeychainProfile: flagOr(cmd, "keychain-profile", keychainProfile, cfg.Notarize.KeychainProfile),
		AppleID:         flagOr(cmd, "apple-id", appleID, cfg.Notarize.AppleID),
		Password:        flagOr(cmd, "password", password, cfg.Notarize.Password),
		TeamID:          flagOr(cmd, "team-id", teamID, cfg.Notarize.TeamID),
		PollInterval:    cfg.Notarize.PollInterval,
		Timeout:         cfg.Notarize.Timeout,
		Xcrun:           cfg.Tools.Xcrun,
		Ditto:           cfg.Tools.Ditto,
	}, exectool.NewExecRunner(), logger)

	if err := n.Perform(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Notarized %s\n", args[0])
	return nil
}
