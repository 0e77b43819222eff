package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edpulse/edpulse/internal/domain/clinical"
	"github.com/edpulse/edpulse/internal/domain/dashboard"
	"github.com/edpulse/edpulse/internal/domain/dedup"
	"github.com/edpulse/edpulse/internal/domain/observations"
	"github.com/edpulse/edpulse/internal/fallback"
	"github.com/edpulse/edpulse/internal/platform/fhir"
	"github.com/edpulse/edpulse/internal/platform/fhirclient"
)

// State describes where the coordinator is in its lifecycle. The ready
// states carry the data source of the cached snapshot; the loading states
// are transient and only observable during Initialize.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateLiveLoading     State = "live_loading"
	StateLiveReady       State = "live_ready"
	StateFallbackLoading State = "fallback_loading"
	StateFallbackReady   State = "fallback_ready"
)

// Upstream is the slice of the FHIR client the coordinator needs.
type Upstream interface {
	Probe(ctx context.Context) bool
	Search(ctx context.Context, resourceType string, opts fhirclient.SearchOptions) []fhir.BundleEntry
}

// ObservationFetcher loads observations for a set of patients, batched
// and cached by the implementation. Invalidate drops the cache so the
// next fetch hits the upstream again.
type ObservationFetcher interface {
	FetchForPatients(ctx context.Context, patientIDs []string, opts observations.Options) []clinical.Observation
	Invalidate()
}

// DatasetLoader yields the offline dataset used when live sync is
// unavailable.
type DatasetLoader interface {
	Load() (*fallback.Dataset, error)
}

// Subscriber receives every successfully published snapshot.
type Subscriber func(*dashboard.Snapshot)

// Stats is the subset of the telemetry provider the coordinator reports
// through. A nil Stats is valid and disables reporting.
type Stats interface {
	IncCounter(name string)
	SetGauge(name string, v int64)
}

const (
	statRefreshTotal     = "reconcile_refresh_total"
	statRefreshLive      = "reconcile_refresh_live_total"
	statRefreshFallback  = "reconcile_refresh_fallback_total"
	statRefreshFailed    = "reconcile_refresh_failed_total"
	statDedupRelaxed     = "reconcile_dedup_relaxed_total"
	statEnrichGenerated  = "reconcile_enrichment_generated_total"
	statEnrichReused     = "reconcile_enrichment_reused_total"
	statEnrichFailed     = "reconcile_enrichment_failed_total"
	statPatientsGauge    = "reconcile_patients"
	statSnapshotAgeGauge = "reconcile_snapshot_age_seconds"
	statEnrichCacheGauge = "reconcile_enrichment_cache_entries"
)

// Config tunes a Coordinator. Zero values take the documented defaults.
type Config struct {
	RefreshInterval   time.Duration // default 60s
	FetchCount        int           // patients/encounters per search, default 50
	ObsPerPatient     int           // default observations.Options default
	ObsCategory       string        // default "vital-signs"
	MinViablePatients int           // default 4
	MaxPerName        int           // relaxed dedup bound, default dedup default
	BedCapacity       int           // default dashboard default
	MinAlerts         int           // default dashboard default
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.FetchCount <= 0 {
		c.FetchCount = 50
	}
	if c.ObsCategory == "" {
		c.ObsCategory = "vital-signs"
	}
	if c.MinViablePatients <= 0 {
		c.MinViablePatients = 4
	}
}

type enrichmentEntry struct {
	signature  string
	enrichment *dashboard.Enrichment
}

// Coordinator drives the reconciliation cycle: fetch, normalize,
// deduplicate, assemble, enrich, publish. All exported methods are safe
// for concurrent use.
type Coordinator struct {
	cfg     Config
	client  Upstream
	obs     ObservationFetcher
	dataset DatasetLoader
	source  EnrichmentSource
	stats   Stats
	log     zerolog.Logger
	clock   func() time.Time

	mu          sync.Mutex
	state       State
	refreshing  bool
	preferLive  bool
	snapshot    *dashboard.Snapshot
	lastRefresh time.Time
	enrichCache map[string]enrichmentEntry
	subscribers map[int]Subscriber
	nextSubID   int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCoordinator wires the pipeline together. The enrichment source and
// stats recorder may be nil; everything else is required.
func NewCoordinator(cfg Config, client Upstream, obs ObservationFetcher, dataset DatasetLoader, source EnrichmentSource, stats Stats, log zerolog.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:         cfg,
		client:      client,
		obs:         obs,
		dataset:     dataset,
		source:      source,
		stats:       stats,
		log:         log.With().Str("component", "reconcile").Logger(),
		clock:       time.Now,
		state:       StateUninitialized,
		enrichCache: make(map[string]enrichmentEntry),
		subscribers: make(map[int]Subscriber),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// WithClock overrides the time source, for tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Initialize performs the first load. With preferLive set it probes the
// upstream and attempts a live cycle; on probe or cycle failure it loads
// the offline dataset instead. With preferLive unset it goes straight to
// the dataset. Initialize returns an error only when the dataset itself
// cannot be loaded, which leaves the coordinator uninitialized.
func (c *Coordinator) Initialize(ctx context.Context, preferLive bool) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return fmt.Errorf("reconcile: already initialized (state %s)", c.state)
	}
	c.preferLive = preferLive
	if preferLive {
		c.state = StateLiveLoading
	} else {
		c.state = StateFallbackLoading
	}
	c.mu.Unlock()

	if preferLive && c.client.Probe(ctx) {
		snap, err := c.runLive(ctx)
		if err == nil {
			c.publish(snap, StateLiveReady)
			return nil
		}
		c.log.Warn().Err(err).Msg("live initialization failed, switching to offline dataset")
	} else if preferLive {
		c.log.Warn().Msg("upstream probe failed, switching to offline dataset")
	}

	c.mu.Lock()
	c.state = StateFallbackLoading
	c.mu.Unlock()

	snap, err := c.runFallback(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateUninitialized
		c.mu.Unlock()
		return fmt.Errorf("reconcile: offline dataset load: %w", err)
	}
	c.publish(snap, StateFallbackReady)
	return nil
}

// RefreshOptions controls a single refresh cycle.
type RefreshOptions struct {
	// TryLive re-probes the upstream even when the coordinator is serving
	// the offline dataset, promoting back to live on success.
	TryLive bool
}

// Refresh runs one reconciliation cycle. Concurrent calls coalesce: while
// a cycle is in progress further calls return immediately without error.
// A failed live cycle keeps the previous snapshot in place.
func (c *Coordinator) Refresh(ctx context.Context, opts RefreshOptions) error {
	c.mu.Lock()
	if c.state == StateUninitialized {
		c.mu.Unlock()
		return fmt.Errorf("reconcile: not initialized")
	}
	if c.refreshing {
		c.mu.Unlock()
		return nil
	}
	c.refreshing = true
	base := c.state
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	c.incCounter(statRefreshTotal)

	tryLive := base == StateLiveReady || (opts.TryLive && c.client.Probe(ctx))
	if tryLive {
		snap, err := c.runLive(ctx)
		if err == nil {
			c.publish(snap, StateLiveReady)
			return nil
		}
		c.incCounter(statRefreshFailed)
		if base == StateLiveReady {
			// Keep serving the last good snapshot rather than degrading a
			// live session to the static dataset mid-flight.
			c.log.Warn().Err(err).Msg("refresh failed, keeping previous snapshot")
			return nil
		}
		c.log.Warn().Err(err).Msg("live promotion failed, staying on offline dataset")
	}

	snap, err := c.runFallback(ctx)
	if err != nil {
		c.incCounter(statRefreshFailed)
		c.log.Error().Err(err).Msg("offline dataset refresh failed, keeping previous snapshot")
		return nil
	}
	c.publish(snap, StateFallbackReady)
	return nil
}

// Start launches the periodic refresh loop. Shutdown stops it.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Refresh(ctx, RefreshOptions{TryLive: c.preferLive}); err != nil {
					c.log.Error().Err(err).Msg("periodic refresh")
				}
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the periodic loop and waits for it to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for every published snapshot and returns an
// unsubscribe func. Delivery is synchronous in publish order; a panic in
// one subscriber does not affect the others.
func (c *Coordinator) Subscribe(fn Subscriber) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// CachedSnapshot returns the most recently published snapshot, or nil
// before the first successful cycle.
func (c *Coordinator) CachedSnapshot() *dashboard.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// PatientBundle returns the cached bundle for one patient, or nil when
// the patient is not in the current snapshot.
func (c *Coordinator) PatientBundle(patientID string) *clinical.PatientBundle {
	c.mu.Lock()
	snap := c.snapshot
	c.mu.Unlock()
	return snap.Bundle(patientID)
}

// Status is a point-in-time view of the coordinator for health surfaces.
type Status struct {
	State           State                `json:"state"`
	Refreshing      bool                 `json:"refreshing"`
	DataSource      dashboard.DataSource `json:"dataSource,omitempty"`
	LastRefresh     time.Time            `json:"lastRefresh,omitempty"`
	PatientCount    int                  `json:"patientCount"`
	EnrichmentCache int                  `json:"enrichmentCacheEntries"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:           c.state,
		Refreshing:      c.refreshing,
		LastRefresh:     c.lastRefresh,
		EnrichmentCache: len(c.enrichCache),
	}
	if c.snapshot != nil {
		st.DataSource = c.snapshot.DataSource
		st.PatientCount = len(c.snapshot.Patients)
	}
	return st
}

// runLive executes one cycle against the upstream.
func (c *Coordinator) runLive(ctx context.Context) (*dashboard.Snapshot, error) {
	entries := c.client.Search(ctx, "Patient", fhirclient.SearchOptions{
		Count: c.cfg.FetchCount,
		Sort:  "-_lastUpdated",
	})
	if len(entries) == 0 {
		return nil, fmt.Errorf("patient search returned nothing: %w", ErrTransientNetwork)
	}
	patients := make([]clinical.Patient, 0, len(entries))
	for _, e := range entries {
		if fhir.EntryResourceType(e) != "Patient" {
			continue
		}
		var raw fhir.Patient
		if err := json.Unmarshal(e.Resource, &raw); err != nil {
			c.log.Debug().Err(err).Msg("skipping undecodable patient entry")
			continue
		}
		p, err := clinical.PatientFromFHIR(raw)
		if err != nil {
			c.log.Debug().Err(err).Msg("skipping malformed patient")
			continue
		}
		patients = append(patients, p)
	}
	if len(patients) == 0 {
		return nil, fmt.Errorf("no usable patients in response: %w", ErrInsufficientData)
	}

	encEntries := c.client.Search(ctx, "Encounter", fhirclient.SearchOptions{
		Count: c.cfg.FetchCount,
	})
	known := make(map[string]bool, len(patients))
	for _, p := range patients {
		known[p.ID] = true
	}
	encounters := make([]clinical.Encounter, 0, len(encEntries))
	for _, e := range encEntries {
		if fhir.EntryResourceType(e) != "Encounter" {
			continue
		}
		var raw fhir.Encounter
		if err := json.Unmarshal(e.Resource, &raw); err != nil {
			c.log.Debug().Err(err).Msg("skipping undecodable encounter entry")
			continue
		}
		enc, err := clinical.EncounterFromFHIR(raw)
		if err != nil {
			c.log.Debug().Err(err).Msg("skipping malformed encounter")
			continue
		}
		if known[enc.PatientID] {
			encounters = append(encounters, enc)
		}
	}

	ids := make([]string, len(patients))
	for i, p := range patients {
		ids[i] = p.ID
	}
	// Measurements are rebuilt fresh every cycle; the fetcher's cache only
	// dedupes lookups within this one.
	c.obs.Invalidate()
	obsList := c.obs.FetchForPatients(ctx, ids, observations.Options{
		PerPatientCount: c.cfg.ObsPerPatient,
		Category:        c.cfg.ObsCategory,
	})
	obsSet := clinical.ObservationSet{}
	for _, o := range obsList {
		obsSet.Add(o)
	}

	return c.reconcile(ctx, dashboard.SourceLive, patients, encounters, obsSet)
}

// runFallback executes one cycle from the offline dataset.
func (c *Coordinator) runFallback(ctx context.Context) (*dashboard.Snapshot, error) {
	ds, err := c.dataset.Load()
	if err != nil {
		return nil, err
	}
	return c.reconcile(ctx, dashboard.SourceFallback, ds.Patients, ds.Encounters, ds.Observations)
}

// reconcile deduplicates, assembles the snapshot and merges enrichment.
func (c *Coordinator) reconcile(ctx context.Context, source dashboard.DataSource, patients []clinical.Patient, encounters []clinical.Encounter, obsSet clinical.ObservationSet) (*dashboard.Snapshot, error) {
	survivors := dedup.Deduplicate(patients, obsSet, dedup.Options{Mode: dedup.Strict})
	if len(survivors) < c.cfg.MinViablePatients {
		c.incCounter(statDedupRelaxed)
		c.log.Info().
			Int("strict", len(survivors)).
			Int("minViable", c.cfg.MinViablePatients).
			Msg("strict dedup below viable threshold, retrying relaxed")
		survivors = dedup.Deduplicate(patients, obsSet, dedup.Options{Mode: dedup.Relaxed, MaxPerName: c.cfg.MaxPerName})
	}
	if source == dashboard.SourceLive && len(survivors) < c.cfg.MinViablePatients {
		return nil, fmt.Errorf("%d patients survived deduplication: %w", len(survivors), ErrInsufficientData)
	}

	keep := make(map[string]bool, len(survivors))
	for _, p := range survivors {
		keep[p.ID] = true
	}
	kept := encounters[:0:0]
	for _, e := range encounters {
		if keep[e.PatientID] {
			kept = append(kept, e)
		}
	}
	keptObs := clinical.ObservationSet{}
	for id, list := range obsSet {
		if keep[id] {
			keptObs[id] = list
		}
	}

	now := c.clock()
	snap := dashboard.Build(dashboard.BuildInput{
		Now:          now,
		Source:       source,
		Patients:     survivors,
		Encounters:   kept,
		Observations: keptObs,
		BedCapacity:  c.cfg.BedCapacity,
		MinAlerts:    c.cfg.MinAlerts,
	})
	c.mergeEnrichment(ctx, snap)
	return snap, nil
}

// mergeEnrichment attaches per-patient enrichment, regenerating only when
// the patient's clinical signature changed since the cached entry.
func (c *Coordinator) mergeEnrichment(ctx context.Context, snap *dashboard.Snapshot) {
	if c.source == nil {
		return
	}
	byPatient := make(map[string]*clinical.Encounter)
	for i := range snap.Encounters {
		e := &snap.Encounters[i]
		cur := byPatient[e.PatientID]
		if cur == nil || (!cur.Status.Active() && e.Status.Active()) {
			byPatient[e.PatientID] = e
		}
	}

	for _, p := range snap.Patients {
		pc := PatientContext{
			Patient:   p,
			Encounter: byPatient[p.ID],
			Vitals:    clinical.LatestVitals(snap.Observations[p.ID]),
		}
		sig := Signature(pc, snap.GeneratedAt)

		c.mu.Lock()
		entry, ok := c.enrichCache[p.ID]
		c.mu.Unlock()
		if ok && entry.signature == sig {
			snap.Enrichment[p.ID] = entry.enrichment
			c.incCounter(statEnrichReused)
			continue
		}

		enr, err := c.source.Generate(ctx, pc)
		if err != nil {
			c.incCounter(statEnrichFailed)
			c.log.Warn().Err(err).Str("patientId", p.ID).Msg("enrichment unavailable")
			c.mu.Lock()
			delete(c.enrichCache, p.ID)
			c.mu.Unlock()
			continue
		}
		c.incCounter(statEnrichGenerated)
		snap.Enrichment[p.ID] = enr
		c.mu.Lock()
		c.enrichCache[p.ID] = enrichmentEntry{signature: sig, enrichment: enr}
		c.mu.Unlock()
	}
}

// publish installs the snapshot, updates gauges and fans out to
// subscribers synchronously. A panicking subscriber is logged and skipped.
func (c *Coordinator) publish(snap *dashboard.Snapshot, state State) {
	c.mu.Lock()
	c.snapshot = snap
	c.state = state
	c.lastRefresh = snap.GeneratedAt
	ids := make([]int, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]Subscriber, len(ids))
	for i, id := range ids {
		subs[i] = c.subscribers[id]
	}
	cacheSize := len(c.enrichCache)
	c.mu.Unlock()

	if state == StateLiveReady {
		c.incCounter(statRefreshLive)
	} else {
		c.incCounter(statRefreshFallback)
	}
	c.setGauge(statPatientsGauge, int64(len(snap.Patients)))
	c.setGauge(statEnrichCacheGauge, int64(cacheSize))
	c.setGauge(statSnapshotAgeGauge, 0)

	for _, fn := range subs {
		c.deliver(fn, snap)
	}
	c.log.Info().
		Str("dataSource", string(snap.DataSource)).
		Int("patients", len(snap.Patients)).
		Int("alerts", len(snap.Alerts)).
		Msg("snapshot published")
}

func (c *Coordinator) deliver(fn Subscriber, snap *dashboard.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	fn(snap)
}

func (c *Coordinator) incCounter(name string) {
	if c.stats != nil {
		c.stats.IncCounter(name)
	}
}

func (c *Coordinator) setGauge(name string, v int64) {
	if c.stats != nil {
		c.stats.SetGauge(name, v)
	}
}
