package errors

import (
	"fmt"
	"log/slog"
	"strings"
)

// CLIErrorAdapter handles error presentation and exit code determination for the CLI.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{verbose: verbose, logger: logger}
}

// ExitCodeFor determines the appropriate exit code for an error.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	classified, ok := AsClassified(err)
	if !ok {
		return 1
	}
	switch classified.Category() {
	case CategoryValidation:
		return 2
	case CategoryUnauthorized:
		return 5
	case CategoryConfig:
		return 7
	case CategoryNetwork, CategoryTimeout:
		return 8
	case CategoryStorage, CategoryFileSystem:
		return 9
	case CategoryInternal:
		return 10
	case CategoryProcess:
		return 11
	case CategoryRuntime:
		return 12
	default:
		return 1
	}
}

// FormatError formats an error for user-friendly display.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	classified, ok := AsClassified(err)
	if !ok {
		return fmt.Sprintf("Error: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s", classified.Message())
	if a.verbose {
		for k, v := range classified.Context() {
			fmt.Fprintf(&b, "\n  %s: %v", k, v)
		}
		if classified.Cause() != nil {
			fmt.Fprintf(&b, "\n  cause: %v", classified.Cause())
		}
	}
	return b.String()
}

// HandleError logs the error and returns the exit code the process should use.
func (a *CLIErrorAdapter) HandleError(err error) int {
	if err == nil {
		return 0
	}
	a.logger.Error(a.FormatError(err), "category", string(GetCategory(err)))
	return a.ExitCodeFor(err)
}
