package reconcile

import (
	"context"

	"github.com/edpulse/edpulse/internal/domain/dashboard"
)

// EnrichmentSource is the external annotation generator. It is treated as an
// opaque, possibly slow, possibly failing collaborator: the coordinator only
// caches and merges its output by content signature, never generates
// anything itself. A deterministic fake satisfies this in tests.
type EnrichmentSource interface {
	Generate(ctx context.Context, pc PatientContext) (*dashboard.Enrichment, error)
}
