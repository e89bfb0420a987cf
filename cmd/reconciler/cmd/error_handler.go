package cmd

import (
	"fmt"
	"io"

	apperrors "settlement-reconciliation-service/pkg/errors"
)

// CLIErrorHandler translates application errors into operator-facing
// messages and process exit codes.
type CLIErrorHandler struct {
	out io.Writer
}

// NewCLIErrorHandler creates a handler writing to out.
func NewCLIErrorHandler(out io.Writer) *CLIErrorHandler {
	return &CLIErrorHandler{out: out}
}

// Handle prints the error with its suggestion and context, and returns
// the exit code to terminate with.
func (h *CLIErrorHandler) Handle(err error) int {
	if err == nil {
		return 0
	}

	appErr, ok := apperrors.AsReconcilerError(err)
	if !ok {
		fmt.Fprintf(h.out, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(h.out, "Error [%s/%s]: %s\n", appErr.Category, appErr.Code, appErr.Message)
	if appErr.Suggestion != "" {
		fmt.Fprintf(h.out, "Suggestion: %s\n", appErr.Suggestion)
	}
	for key, value := range appErr.Context {
		fmt.Fprintf(h.out, "  %s: %v\n", key, value)
	}
	return appErr.GetExitCode()
}
