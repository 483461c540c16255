package domain

import "errors"

// Workflow-domain errors. All of them are instance- or request-scoped;
// nothing here is process-fatal. Callers classify with errors.Is.
var (
	// ErrDefinitionInvalid rejects a definition at publish time. Invalid
	// definitions are never stored.
	ErrDefinitionInvalid = errors.New("definition invalid")

	// ErrTransitionNotFound marks a step outcome with no matching edge and
	// no default. The instance faults; the host keeps running.
	ErrTransitionNotFound = errors.New("transition not found")

	// ErrEvaluation wraps expression evaluator failures. The instance faults.
	ErrEvaluation = errors.New("expression evaluation failed")

	// ErrConcurrencyConflict is an optimistic save collision. Surfaced to
	// the caller for a reload-and-retry; never retried silently.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInstanceBusy means another run holds the per-instance lock and the
	// configured wait expired.
	ErrInstanceBusy = errors.New("instance busy")

	// ErrBookmarkNotFound covers resumes against consumed or unknown
	// bookmarks. Dispatchers treat it as idempotent success so at-least-once
	// senders can retry freely.
	ErrBookmarkNotFound = errors.New("bookmark not found")

	// ErrSubscriberOverflow disconnects a slow event subscriber. It is a
	// notification-layer condition only.
	ErrSubscriberOverflow = errors.New("subscriber overflow")

	ErrInstanceNotFound   = errors.New("instance not found")
	ErrDefinitionNotFound = errors.New("definition not found")
)
