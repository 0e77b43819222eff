package reconcile

import "errors"

// The failure taxonomy of a reconciliation cycle. None of these ever escape
// the coordinator: each degrades to an empty value, the fallback source, or
// reuse of the last-known-good snapshot.
var (
	// ErrTransientNetwork marks an upstream that stayed unreachable after the
	// full retry/fallback budget.
	ErrTransientNetwork = errors.New("upstream unreachable")

	// ErrInsufficientData marks a pipeline run that produced fewer viable
	// patients than the configured minimum, even after relaxed deduplication.
	ErrInsufficientData = errors.New("insufficient reconciled data")

	// ErrEnrichmentUnavailable marks a failed enrichment generation for one
	// patient; the rest of the snapshot is unaffected.
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")
)
