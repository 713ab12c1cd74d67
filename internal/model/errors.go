package model

import (
	"errors"
	"fmt"
)

// Sentinel errors classify failures across package boundaries. Wrap them
// with fmt.Errorf("...: %w", ErrX) and match with errors.Is.
var (
	// ErrAllocationExhausted is returned when the allocator fails to find a
	// free, bindable port within its attempt cap.
	ErrAllocationExhausted = errors.New("port allocation exhausted")

	// ErrTemplateUnreadable is returned when a template file exists but
	// cannot be read or is not valid UTF-8 text.
	ErrTemplateUnreadable = errors.New("template unreadable")

	// ErrAttemptNotFound is returned when an attempt ID has no record.
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrProjectNotFound is returned when a project ID has no record.
	ErrProjectNotFound = errors.New("project not found")
)

// ExitCode defines standard CLI exit codes. These codes allow scripts and
// CI systems to programmatically determine the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitTemplateUnreadable indicates the .env template exists but could
	// not be read.
	ExitTemplateUnreadable ExitCode = 2

	// ExitLedgerError indicates the state file (the port ledger) could not
	// be read or written.
	ExitLedgerError ExitCode = 3

	// ExitPortAllocationFailed indicates no free port could be found within
	// the allocator's attempt cap.
	ExitPortAllocationFailed ExitCode = 4

	// ExitGitError indicates a Git operation (worktree add/remove) failed.
	ExitGitError ExitCode = 5

	// ExitAttemptNotFound indicates the specified attempt does not exist.
	ExitAttemptNotFound ExitCode = 6

	// ExitUserCancelled indicates the user cancelled an interactive prompt.
	ExitUserCancelled ExitCode = 7

	// ExitDockerNotRunning indicates the Docker daemon could not be reached
	// while the Docker port source is enabled.
	ExitDockerNotRunning ExitCode = 8
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// ExitCodeFor derives the exit code for err. An explicit CLIError anywhere
// in the chain wins; otherwise the sentinel errors decide.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	switch {
	case errors.Is(err, ErrAllocationExhausted):
		return ExitPortAllocationFailed
	case errors.Is(err, ErrTemplateUnreadable):
		return ExitTemplateUnreadable
	case errors.Is(err, ErrAttemptNotFound):
		return ExitAttemptNotFound
	default:
		return ExitGeneralError
	}
}
