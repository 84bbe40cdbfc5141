// Package toolerr defines the errors surfaced by bundletool workflows.
package toolerr

import (
	"fmt"
	"strings"
)

// FileOperation names the filesystem call that failed.
type FileOperation string

const (
	OpCreateDir    FileOperation = "create-dir"
	OpCopy         FileOperation = "copy"
	OpCopyDir      FileOperation = "copy-dir"
	OpRemove       FileOperation = "remove"
	OpRemoveDir    FileOperation = "remove-dir"
	OpRead         FileOperation = "read"
	OpReadDir      FileOperation = "read-dir"
	OpReadLink     FileOperation = "read-link"
	OpOpen         FileOperation = "open"
	OpSymlink      FileOperation = "symlink"
	OpMetadata     FileOperation = "metadata"
	OpCanonicalize FileOperation = "canonicalize"
	OpCommand      FileOperation = "command"
	OpWrite        FileOperation = "write"
)

// FileOperationError records which filesystem operation failed and on which paths.
type FileOperationError struct {
	Op         FileOperation
	Path       string
	SourcePath string // empty when the operation has a single path
	Err        error
}

func (e *FileOperationError) Error() string {
	if e.SourcePath != "" {
		return fmt.Sprintf("file operation %s failed: target %q, source %q: %v", e.Op, e.Path, e.SourcePath, e.Err)
	}
	return fmt.Sprintf("file operation %s failed: %q: %v", e.Op, e.Path, e.Err)
}

func (e *FileOperationError) Unwrap() error {
	return e.Err
}

// FileOp wraps err as a FileOperationError. It returns nil when err is nil.
func FileOp(op FileOperation, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FileOperationError{Op: op, Path: path, Err: err}
}

// FileOpWithSource is FileOp for two-path operations such as copies.
func FileOpWithSource(op FileOperation, path, source string, err error) error {
	if err == nil {
		return nil
	}
	return &FileOperationError{Op: op, Path: path, SourcePath: source, Err: err}
}

// ToolFailure is returned when an external tool exits with a non-zero status.
type ToolFailure struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ToolFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "external tool failed (exit status %d)\ncommand: %s", e.ExitCode, e.Command)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", s)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s", s)
	}
	return b.String()
}

// PathResolutionError means a dependency reference matched no existing file.
type PathResolutionError struct {
	Reference      string
	AttemptedRoots []string
}

func (e *PathResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %s (rpaths: %s)", e.Reference, strings.Join(e.AttemptedRoots, ", "))
}

// VersionConflictError means two different files would be installed under one reference.
type VersionConflictError struct {
	Reference    string
	FirstSource  string
	SecondSource string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("trying to bundle two different versions of %s: %q and %q", e.Reference, e.FirstSource, e.SecondSource)
}

// MalformedOutputError means an external tool produced output that could not be parsed.
type MalformedOutputError struct {
	Tool    string
	Path    string
	Details string
}

func (e *MalformedOutputError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("malformed %s output for %q: %s", e.Tool, e.Path, e.Details)
	}
	return fmt.Sprintf("malformed %s output: %s", e.Tool, e.Details)
}

// PreconditionError reports invalid input paths or a pre-existing target.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// Preconditionf builds a PreconditionError from a format string.
func Preconditionf(format string, args ...any) error {
	return &PreconditionError{Message: fmt.Sprintf(format, args...)}
}

// NotarizationFailure is returned when the notary service rejects a submission.
type NotarizationFailure struct {
	SubmissionID string
	Status       string
	Log          string // developer log, when it could be fetched
}

func (e *NotarizationFailure) Error() string {
	msg := fmt.Sprintf("notarization %s finished with status %q", e.SubmissionID, e.Status)
	if s := strings.TrimSpace(e.Log); s != "" {
		msg += "\nlog:\n" + s
	}
	return msg
}

// BundlesNotIdenticalError means the inputs of a universal merge differ in layout.
type BundlesNotIdenticalError struct {
	Path string
}

func (e *BundlesNotIdenticalError) Error() string {
	return fmt.Sprintf("bundles are not identical: %q is missing from at least one input", e.Path)
}
