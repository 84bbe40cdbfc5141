// Package notarize submits a signed bundle to Apple's notary service, waits
// for the verdict and staples the ticket to the bundle.
package notarize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"howett.net/plist"

	"github.com/frederic-klein/bundletool/internal/exectool"
	"github.com/frederic-klein/bundletool/internal/infoplist"
	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// Submission statuses reported by notarytool.
const (
	StatusAccepted   = "Accepted"
	StatusInvalid    = "Invalid"
	StatusRejected   = "Rejected"
	StatusInProgress = "In Progress"
)

// Options configures a notarization run. Either KeychainProfile or the
// AppleID/Password/TeamID triple must be set.
type Options struct {
	BundlePath      string
	KeychainProfile string
	AppleID         string
	Password        string
	TeamID          string
	PollInterval    time.Duration
	Timeout         time.Duration
	Xcrun           string
	Ditto           string
}

// Notarizer runs the submit, wait and staple sequence.
type Notarizer struct {
	opts   Options
	runner exectool.Runner
	logger *log.Logger
}

// NewNotarizer creates a notarizer, filling in defaults for unset options.
func NewNotarizer(opts Options, runner exectool.Runner, logger *log.Logger) *Notarizer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	if opts.Xcrun == "" {
		opts.Xcrun = "xcrun"
	}
	if opts.Ditto == "" {
		opts.Ditto = "ditto"
	}
	return &Notarizer{opts: opts, runner: runner, logger: logger}
}

type submitResponse struct {
	ID      string `plist:"id"`
	Message string `plist:"message"`
}

type infoResponse struct {
	ID     string `plist:"id"`
	Status string `plist:"status"`
}

// Perform notarizes and staples the bundle. The temporary archive is removed
// whether or not the run succeeds.
func (n *Notarizer) Perform(ctx context.Context) error {
	credentials, err := n.credentials()
	if err != nil {
		return err
	}

	bundleID, err := infoplist.BundleIdentifier(infoplist.Path(n.opts.BundlePath))
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "bundletool-notarize-")
	if err != nil {
		return toolerr.FileOp(toolerr.OpCreateDir, os.TempDir(), err)
	}
	defer os.RemoveAll(tmpDir)

	archive, err := n.compress(ctx, tmpDir)
	if err != nil {
		return err
	}

	start := time.Now()
	id, err := n.submit(ctx, bundleID, archive, credentials)
	if err != nil {
		return err
	}
	if err := n.wait(ctx, id, credentials); err != nil {
		return err
	}
	if err := n.staple(ctx); err != nil {
		return err
	}

	n.logger.Info("notarization finished", "bundle", bundleID, "duration", time.Since(start).Round(time.Second))
	return nil
}

func (n *Notarizer) credentials() ([]string, error) {
	if n.opts.KeychainProfile != "" {
		return []string{"--keychain-profile", n.opts.KeychainProfile}, nil
	}
	if n.opts.AppleID == "" || n.opts.Password == "" || n.opts.TeamID == "" {
		return nil, toolerr.Preconditionf("notarization needs a keychain profile, or an Apple ID with password and team ID")
	}
	return []string{"--apple-id", n.opts.AppleID, "--password", n.opts.Password, "--team-id", n.opts.TeamID}, nil
}

func (n *Notarizer) compress(ctx context.Context, tmpDir string) (string, error) {
	archive := filepath.Join(tmpDir, filepath.Base(n.opts.BundlePath)+".zip")
	n.logger.Debug("compressing bundle", "archive", archive)
	_, err := n.runner.Run(ctx, n.opts.Ditto, "-c", "-k", "--sequesterRsrc", "--keepParent", n.opts.BundlePath, archive)
	return archive, err
}

func (n *Notarizer) notarytool(ctx context.Context, credentials []string, args ...string) ([]string, error) {
	full := append([]string{"notarytool"}, args...)
	full = append(full, credentials...)
	return n.runner.Run(ctx, n.opts.Xcrun, full...)
}

func (n *Notarizer) submit(ctx context.Context, bundleID, archive string, credentials []string) (string, error) {
	n.logger.Info("submitting bundle for notarization", "bundle", bundleID)
	lines, err := n.notarytool(ctx, credentials, "submit", archive, "--output-format", "plist")
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := decode(lines, &resp); err != nil || resp.ID == "" {
		return "", &toolerr.MalformedOutputError{Tool: "notarytool submit", Details: strings.Join(lines, "\n")}
	}
	n.logger.Debug("bundle submitted", "id", resp.ID, "message", resp.Message)
	return resp.ID, nil
}

func (n *Notarizer) wait(ctx context.Context, id string, credentials []string) error {
	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	n.logger.Info("waiting for notarization", "id", id)
	timer := time.NewTimer(n.opts.PollInterval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("notarization %s did not finish within %s: %w", id, n.opts.Timeout, ctx.Err())
			}
			return ctx.Err()
		case <-timer.C:
		}

		lines, err := n.notarytool(ctx, credentials, "info", id, "--output-format", "plist")
		if err != nil {
			return err
		}
		var resp infoResponse
		if err := decode(lines, &resp); err != nil || resp.Status == "" {
			return &toolerr.MalformedOutputError{Tool: "notarytool info", Details: strings.Join(lines, "\n")}
		}
		n.logger.Debug("polled notarization status", "attempt", attempt, "status", resp.Status)

		switch resp.Status {
		case StatusAccepted:
			return nil
		case StatusInvalid, StatusRejected:
			return &toolerr.NotarizationFailure{
				SubmissionID: id,
				Status:       resp.Status,
				Log:          n.developerLog(ctx, id, credentials),
			}
		}
		timer.Reset(n.opts.PollInterval)
	}
}

// developerLog fetches the notary log of a failed submission. Errors are
// logged and yield an empty log.
func (n *Notarizer) developerLog(ctx context.Context, id string, credentials []string) string {
	lines, err := n.notarytool(ctx, credentials, "log", id)
	if err != nil {
		n.logger.Warn("could not fetch notarization log", "id", id, "err", err)
		return ""
	}
	return strings.Join(lines, "\n")
}

func (n *Notarizer) staple(ctx context.Context) error {
	n.logger.Debug("stapling", "bundle", n.opts.BundlePath)
	_, err := n.runner.Run(ctx, n.opts.Xcrun, "stapler", "staple", n.opts.BundlePath)
	return err
}

func decode(lines []string, v any) error {
	_, err := plist.Unmarshal([]byte(strings.Join(lines, "\n")), v)
	return err
}
