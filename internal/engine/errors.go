package engine

import (
	"fmt"

	"careline/internal/domain"
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PolicyDeniedError means the tenant has not enabled the governed
// action behind an intent. Absence of a setting denies.
type PolicyDeniedError struct {
	TenantID  string
	PolicyKey string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy %s not enabled for tenant %s", e.PolicyKey, e.TenantID)
}

// AmbiguousDraftError means a confirmation without an explicit draft id
// matched more than one ready draft in the window.
type AmbiguousDraftError struct {
	Candidates []domain.Draft
}

func (e *AmbiguousDraftError) Error() string {
	return fmt.Sprintf("%d drafts are ready for confirmation, specify one", len(e.Candidates))
}

// PriorityNotConfiguredError means a work item trigger has no priority
// entry in the tenant configuration. Priorities are never defaulted, so
// the item cannot be minted.
type PriorityNotConfiguredError struct {
	Trigger string
}

func (e *PriorityNotConfiguredError) Error() string {
	return fmt.Sprintf("no priority configured for trigger %s", e.Trigger)
}

// ExecutionError wraps a handler failure so callers can distinguish it
// from infrastructure errors when deciding whether to retry.
type ExecutionError struct {
	IntentKey string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.IntentKey, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
