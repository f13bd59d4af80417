package cmd

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Process exit codes, following sysexits(3) where one applies.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsage       = 64
	ExitNoInput     = 66
	ExitUnavailable = 69
	ExitSoftware    = 70
	ExitConfig      = 78
	ExitTimeout     = 124
	ExitSignalInt   = 130
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(log *zap.Logger, code int, message string, err error) {
	if err != nil {
		log.Error(message, zap.Error(err), zap.Int("exit_code", code))
	} else {
		log.Error(message, zap.Int("exit_code", code))
	}
	_ = log.Sync()
	os.Exit(code)
}
