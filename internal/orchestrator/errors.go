package orchestrator

import (
	"errors"
	"fmt"

	"github.com/hochfrequenz/j2pr/internal/domain"
	"github.com/hochfrequenz/j2pr/internal/jira"
)

// stopError carries the terminal classification of a pipeline stop: the
// run status to record, the human-readable cause, and the suggested next
// action for the operator.
type stopError struct {
	status     domain.RunStatus
	reason     string
	suggestion string
}

func (e *stopError) Error() string { return e.reason }

func needsHuman(format string, args ...any) error {
	return &stopError{
		status:     domain.RunNeedsHuman,
		reason:     fmt.Sprintf(format, args...),
		suggestion: "resolve the condition and re-run with --rerun",
	}
}

func failed(format string, args ...any) error {
	return &stopError{
		status:     domain.RunFailed,
		reason:     fmt.Sprintf(format, args...),
		suggestion: "inspect the run artifacts",
	}
}

// failedSuggestingHuman marks a FAILED run where the right next step is a
// person looking at it, not another automated attempt. Used for invalid
// agent contracts: the system could not determine agent intent.
func failedSuggestingHuman(format string, args ...any) error {
	return &stopError{
		status:     domain.RunFailed,
		reason:     fmt.Sprintf(format, args...),
		suggestion: "needs human review",
	}
}

// classify maps any pipeline error to its terminal stop. Auth failures
// fail fast with a credential hint; everything unclassified is FAILED.
func classify(err error) *stopError {
	var stop *stopError
	if errors.As(err, &stop) {
		return stop
	}
	var apiErr *jira.APIError
	if errors.As(err, &apiErr) && apiErr.Auth() {
		return &stopError{
			status:     domain.RunFailed,
			reason:     err.Error(),
			suggestion: "check Jira credentials in the config",
		}
	}
	return &stopError{
		status:     domain.RunFailed,
		reason:     err.Error(),
		suggestion: "inspect the run artifacts",
	}
}
