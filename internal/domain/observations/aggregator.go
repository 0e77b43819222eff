// Package observations fetches the dependent Observation resources for a set
// of patients in bounded concurrent batches, with a per-patient result cache.
// One misbehaving patient id never aborts a batch: its failure is logged and
// an empty result is cached so the cycle completes.
package observations

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edpulse/edpulse/internal/domain/clinical"
	"github.com/edpulse/edpulse/internal/platform/fhir"
	"github.com/edpulse/edpulse/internal/platform/fhirclient"
)

// SearchClient is the slice of the upstream client the aggregator needs.
type SearchClient interface {
	Search(ctx context.Context, resourceType string, opts fhirclient.SearchOptions) []fhir.BundleEntry
}

// Options shape one aggregation pass.
type Options struct {
	PerPatientCount int    // observations fetched per patient; 0 means 20
	Category        string // category filter, retried without when it yields nothing
}

// DefaultBatchSize is how many patient fetches run concurrently.
const DefaultBatchSize = 5

// Aggregator fetches and caches per-patient observations.
type Aggregator struct {
	client    SearchClient
	batchSize int
	log       zerolog.Logger

	mu    sync.Mutex
	cache map[string][]clinical.Observation
}

// New builds an Aggregator. batchSize <= 0 selects DefaultBatchSize.
func New(client SearchClient, batchSize int, logger zerolog.Logger) *Aggregator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Aggregator{
		client:    client,
		batchSize: batchSize,
		log:       logger.With().Str("component", "observations").Logger(),
		cache:     make(map[string][]clinical.Observation),
	}
}

// FetchForPatients returns the observations for every given patient id,
// serving cached entries where available and fetching the rest in batches.
// Within a batch the per-patient fetches run concurrently; batches themselves
// run sequentially so upstream load stays bounded.
func (a *Aggregator) FetchForPatients(ctx context.Context, ids []string, opts Options) []clinical.Observation {
	if opts.PerPatientCount <= 0 {
		opts.PerPatientCount = 20
	}

	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}

	var uncached []string
	a.mu.Lock()
	for _, id := range unique {
		if _, ok := a.cache[id]; !ok {
			uncached = append(uncached, id)
		}
	}
	a.mu.Unlock()

	for start := 0; start < len(uncached); start += a.batchSize {
		end := start + a.batchSize
		if end > len(uncached) {
			end = len(uncached)
		}
		batch := uncached[start:end]

		var wg sync.WaitGroup
		for _, id := range batch {
			wg.Add(1)
			go func(patientID string) {
				defer wg.Done()
				obs := a.fetchOne(ctx, patientID, opts)
				a.mu.Lock()
				a.cache[patientID] = obs
				a.mu.Unlock()
			}(id)
		}
		wg.Wait()
	}

	var out []clinical.Observation
	a.mu.Lock()
	for _, id := range unique {
		out = append(out, a.cache[id]...)
	}
	a.mu.Unlock()
	return out
}

// fetchOne runs the per-patient query. Categories are sometimes mis-tagged
// upstream, so a zero-result categorised query is retried once unfiltered.
func (a *Aggregator) fetchOne(ctx context.Context, patientID string, opts Options) []clinical.Observation {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Str("patient_id", patientID).Interface("panic", r).
				Msg("observation fetch panicked, caching empty result")
		}
	}()

	params := map[string]string{"patient": patientID}
	if opts.Category != "" {
		params["category"] = opts.Category
	}
	entries := a.client.Search(ctx, "Observation", fhirclient.SearchOptions{
		Count:  opts.PerPatientCount,
		Params: params,
	})

	if len(entries) == 0 && opts.Category != "" {
		delete(params, "category")
		entries = a.client.Search(ctx, "Observation", fhirclient.SearchOptions{
			Count:  opts.PerPatientCount,
			Params: params,
		})
	}

	var out []clinical.Observation
	skipped := 0
	for _, entry := range entries {
		if fhir.EntryResourceType(entry) != "Observation" {
			continue
		}
		var raw fhir.Observation
		if err := json.Unmarshal(entry.Resource, &raw); err != nil {
			skipped++
			continue
		}
		obs, err := clinical.ObservationsFromFHIR(raw)
		if err != nil {
			skipped++
			continue
		}
		// Observations fetched for a patient keep that patient's id even when
		// the subject reference disagrees: the query scope wins.
		for i := range obs {
			obs[i].PatientID = patientID
		}
		out = append(out, obs...)
	}
	if skipped > 0 {
		a.log.Debug().Str("patient_id", patientID).Int("skipped", skipped).
			Msg("skipped malformed observation records")
	}
	return out
}

// CachedCount returns how many patient ids have cached results.
func (a *Aggregator) CachedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cache)
}

// Invalidate clears the per-patient cache.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[string][]clinical.Observation)
}
