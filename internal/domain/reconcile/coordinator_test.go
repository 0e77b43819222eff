package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edpulse/edpulse/internal/domain/clinical"
	"github.com/edpulse/edpulse/internal/domain/dashboard"
	"github.com/edpulse/edpulse/internal/domain/observations"
	"github.com/edpulse/edpulse/internal/fallback"
	"github.com/edpulse/edpulse/internal/platform/fhir"
	"github.com/edpulse/edpulse/internal/platform/fhirclient"
)

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

func patientEntry(id, name string) fhir.BundleEntry {
	raw := fmt.Sprintf(`{"resourceType":"Patient","id":%q,"name":[{"text":%q}],"gender":"female","birthDate":"1985-03-12"}`, id, name)
	return fhir.BundleEntry{Resource: json.RawMessage(raw)}
}

func encounterEntry(id, patientID, status string, start time.Time) fhir.BundleEntry {
	raw := fmt.Sprintf(`{"resourceType":"Encounter","id":%q,"status":%q,"class":{"code":"EMER"},"subject":{"reference":"Patient/%s"},"period":{"start":%q}}`,
		id, status, patientID, start.Format(time.RFC3339))
	return fhir.BundleEntry{Resource: json.RawMessage(raw)}
}

type fakeUpstream struct {
	mu         sync.Mutex
	probeOK    bool
	probeCalls int
	patients   []fhir.BundleEntry
	encounters []fhir.BundleEntry
	dark       bool // every search comes back empty
}

func (f *fakeUpstream) Probe(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	return f.probeOK
}

func (f *fakeUpstream) Search(_ context.Context, resourceType string, _ fhirclient.SearchOptions) []fhir.BundleEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dark {
		return nil
	}
	switch resourceType {
	case "Patient":
		return f.patients
	case "Encounter":
		return f.encounters
	}
	return nil
}

type fakeObs struct {
	byPatient     map[string][]clinical.Observation
	invalidations int32
}

func (f *fakeObs) FetchForPatients(_ context.Context, ids []string, _ observations.Options) []clinical.Observation {
	var out []clinical.Observation
	for _, id := range ids {
		out = append(out, f.byPatient[id]...)
	}
	return out
}

func (f *fakeObs) Invalidate() { atomic.AddInt32(&f.invalidations, 1) }

type fakeDataset struct {
	ds  *fallback.Dataset
	err error
}

func (f *fakeDataset) Load() (*fallback.Dataset, error) { return f.ds, f.err }

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	failFor map[string]bool
}

func (f *fakeSource) Generate(_ context.Context, pc PatientContext) (*dashboard.Enrichment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFor[pc.Patient.ID] {
		return nil, fmt.Errorf("upstream annotator offline: %w", ErrEnrichmentUnavailable)
	}
	return &dashboard.Enrichment{
		Insights:   "summary for " + pc.Patient.ID,
		Confidence: 0.8,
	}, nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func liveUpstream(n int) *fakeUpstream {
	up := &fakeUpstream{probeOK: true}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p%02d", i)
		up.patients = append(up.patients, patientEntry(id, fmt.Sprintf("Patient Number %02d", i)))
		up.encounters = append(up.encounters, encounterEntry("e-"+id, id, "in-progress", testNow.Add(-40*time.Minute)))
	}
	return up
}

func offlineDataset(n int) *fallback.Dataset {
	ds := &fallback.Dataset{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("fb%02d", i)
		ds.Patients = append(ds.Patients, clinical.Patient{ID: id, DisplayName: fmt.Sprintf("Offline Patient %02d", i)})
		ds.Encounters = append(ds.Encounters, clinical.Encounter{
			ID: "enc-" + id, PatientID: id, Status: clinical.StatusActive,
			Class: clinical.ClassEmergency, PeriodStart: testNow.Add(-30 * time.Minute),
		})
	}
	return ds
}

func newTestCoordinator(up *fakeUpstream, ds *fakeDataset, src EnrichmentSource) *Coordinator {
	return NewCoordinator(Config{}, up, &fakeObs{}, ds, src, nil, zerolog.Nop()).
		WithClock(func() time.Time { return testNow })
}

func TestInitializeLive(t *testing.T) {
	up := liveUpstream(6)
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{})

	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := c.Status(); st.State != StateLiveReady {
		t.Fatalf("state = %s, want %s", st.State, StateLiveReady)
	}
	snap := c.CachedSnapshot()
	if snap == nil || snap.DataSource != dashboard.SourceLive {
		t.Fatalf("snapshot source = %+v, want live", snap)
	}
	if len(snap.Patients) != 6 {
		t.Fatalf("patients = %d, want 6", len(snap.Patients))
	}
	if len(snap.Enrichment) != 6 {
		t.Fatalf("enrichment entries = %d, want 6", len(snap.Enrichment))
	}
}

func TestInitializeProbeFailureFallsBack(t *testing.T) {
	up := liveUpstream(6)
	up.probeOK = false
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{})

	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := c.Status(); st.State != StateFallbackReady {
		t.Fatalf("state = %s, want %s", st.State, StateFallbackReady)
	}
	if snap := c.CachedSnapshot(); snap.DataSource != dashboard.SourceFallback {
		t.Fatalf("snapshot source = %s, want fallback", snap.DataSource)
	}
}

func TestInitializeEmptyUpstreamFallsBack(t *testing.T) {
	up := &fakeUpstream{probeOK: true, dark: true}
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{})

	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := c.Status(); st.State != StateFallbackReady {
		t.Fatalf("state = %s, want %s", st.State, StateFallbackReady)
	}
}

func TestInitializeOfflineOnly(t *testing.T) {
	up := liveUpstream(6)
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{})

	if err := c.Initialize(context.Background(), false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if up.probeCalls != 0 {
		t.Fatalf("probe called %d times with live disabled", up.probeCalls)
	}
	if st := c.Status(); st.State != StateFallbackReady {
		t.Fatalf("state = %s, want %s", st.State, StateFallbackReady)
	}
}

func TestInitializeDatasetErrorStaysUninitialized(t *testing.T) {
	c := newTestCoordinator(&fakeUpstream{}, &fakeDataset{err: errors.New("no dataset")}, &fakeSource{})
	if err := c.Initialize(context.Background(), false); err == nil {
		t.Fatalf("expected error when dataset load fails")
	}
	if st := c.Status(); st.State != StateUninitialized {
		t.Fatalf("state = %s, want %s", st.State, StateUninitialized)
	}
	if err := c.Refresh(context.Background(), RefreshOptions{}); err == nil {
		t.Fatalf("Refresh should reject an uninitialized coordinator")
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	up := liveUpstream(6)
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{})
	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := c.CachedSnapshot()

	up.mu.Lock()
	up.dark = true
	up.mu.Unlock()

	if err := c.Refresh(context.Background(), RefreshOptions{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if c.CachedSnapshot() != before {
		t.Fatalf("failed refresh replaced the snapshot")
	}
	if st := c.Status(); st.State != StateLiveReady {
		t.Fatalf("state = %s, want %s", st.State, StateLiveReady)
	}
}

func TestLiveCycleInvalidatesObservationCache(t *testing.T) {
	up := liveUpstream(6)
	obs := &fakeObs{}
	c := NewCoordinator(Config{}, up, obs, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{}, nil, zerolog.Nop()).
		WithClock(func() time.Time { return testNow })
	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if n := atomic.LoadInt32(&obs.invalidations); n != 1 {
		t.Fatalf("invalidations after initialize = %d, want 1", n)
	}
	if err := c.Refresh(context.Background(), RefreshOptions{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n := atomic.LoadInt32(&obs.invalidations); n != 2 {
		t.Fatalf("invalidations after refresh = %d, want 2 (fresh fetch per cycle)", n)
	}
}

func TestFallbackObservationsReachSnapshot(t *testing.T) {
	ds := offlineDataset(5)
	ds.Observations = clinical.ObservationSet{}
	hr := 132.0
	ds.Observations.Add(clinical.Observation{
		ID: "obs-fb00", PatientID: "fb00", Code: clinical.CodeHeartRate, Value: &hr,
	})
	c := newTestCoordinator(liveUpstream(6), &fakeDataset{ds: ds}, &fakeSource{})

	if err := c.Initialize(context.Background(), false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	b := c.PatientBundle("fb00")
	if b == nil {
		t.Fatal("bundle for fb00 missing")
	}
	if len(b.Observations) != 1 || b.Observations[0].ID != "obs-fb00" {
		t.Fatalf("bundle observations = %+v, want the dataset reading", b.Observations)
	}
}

func TestRefreshPromotesFallbackToLive(t *testing.T) {
	up := liveUpstream(6)
	up.probeOK = false
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{})
	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := c.Status(); st.State != StateFallbackReady {
		t.Fatalf("precondition: state = %s", st.State)
	}

	up.mu.Lock()
	up.probeOK = true
	up.mu.Unlock()

	if err := c.Refresh(context.Background(), RefreshOptions{TryLive: true}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if st := c.Status(); st.State != StateLiveReady {
		t.Fatalf("state = %s, want %s after promotion", st.State, StateLiveReady)
	}
	if snap := c.CachedSnapshot(); snap.DataSource != dashboard.SourceLive {
		t.Fatalf("snapshot source = %s, want live", snap.DataSource)
	}
}

func TestEnrichmentReusedWhileSignatureStable(t *testing.T) {
	up := liveUpstream(6)
	src := &fakeSource{}
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, src)
	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	first := src.count()
	if first != 6 {
		t.Fatalf("initial generate calls = %d, want 6", first)
	}
	enrBefore := c.CachedSnapshot().Enrichment["p00"]

	// Nothing changed upstream and the clock is frozen, so every
	// signature is identical and the cache must serve all six.
	if err := c.Refresh(context.Background(), RefreshOptions{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if src.count() != first {
		t.Fatalf("generate calls grew to %d on an unchanged cycle", src.count())
	}
	if c.CachedSnapshot().Enrichment["p00"] != enrBefore {
		t.Fatalf("cached enrichment was not reused")
	}
}

func TestEnrichmentRegeneratedOnChange(t *testing.T) {
	up := liveUpstream(6)
	src := &fakeSource{}
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, src)
	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	first := src.count()

	// Move one patient's encounter into a different department.
	up.mu.Lock()
	up.encounters[0] = fhir.BundleEntry{Resource: json.RawMessage(fmt.Sprintf(
		`{"resourceType":"Encounter","id":"e-p00","status":"in-progress","class":{"code":"EMER"},"subject":{"reference":"Patient/p00"},"period":{"start":%q},"location":[{"location":{"display":"Resus"}}]}`,
		testNow.Add(-40*time.Minute).Format(time.RFC3339)))}
	up.mu.Unlock()

	if err := c.Refresh(context.Background(), RefreshOptions{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := src.count(); got != first+1 {
		t.Fatalf("generate calls = %d, want %d (exactly one regeneration)", got, first+1)
	}
}

func TestEnrichmentFailureOmitsEntry(t *testing.T) {
	up := liveUpstream(6)
	src := &fakeSource{failFor: map[string]bool{"p03": true}}
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, src)
	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	snap := c.CachedSnapshot()
	if _, ok := snap.Enrichment["p03"]; ok {
		t.Fatalf("failed enrichment should be absent from snapshot")
	}
	if len(snap.Enrichment) != 5 {
		t.Fatalf("enrichment entries = %d, want 5", len(snap.Enrichment))
	}
	if len(snap.Patients) != 6 {
		t.Fatalf("enrichment failure must not drop patients: got %d", len(snap.Patients))
	}
}

func TestRelaxedRetryBelowViableThreshold(t *testing.T) {
	// Six records, two distinct names: strict dedup yields 2 survivors,
	// below the default threshold of 4, so the relaxed pass must run.
	up := &fakeUpstream{probeOK: true}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("a%d", i)
		up.patients = append(up.patients, patientEntry(id, "Margaret Olsen"))
		up.encounters = append(up.encounters, encounterEntry("e-"+id, id, "in-progress", testNow.Add(-20*time.Minute)))
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("b%d", i)
		up.patients = append(up.patients, patientEntry(id, "James Wu"))
		up.encounters = append(up.encounters, encounterEntry("e-"+id, id, "in-progress", testNow.Add(-20*time.Minute)))
	}
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{})

	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	snap := c.CachedSnapshot()
	if snap.DataSource != dashboard.SourceLive {
		t.Fatalf("source = %s, want live after relaxed retry", snap.DataSource)
	}
	if len(snap.Patients) != 6 {
		t.Fatalf("relaxed survivors = %d, want 6", len(snap.Patients))
	}
	seen := map[string]bool{}
	for _, p := range snap.Patients {
		if seen[p.DisplayName] {
			t.Fatalf("duplicate display name %q after relaxed dedup", p.DisplayName)
		}
		seen[p.DisplayName] = true
	}
}

func TestSubscribersNotifiedAndPanicIsolated(t *testing.T) {
	up := liveUpstream(6)
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{})

	var got int32
	c.Subscribe(func(*dashboard.Snapshot) { panic("bad subscriber") })
	unsub := c.Subscribe(func(s *dashboard.Snapshot) {
		if s != nil {
			atomic.AddInt32(&got, 1)
		}
	})

	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if atomic.LoadInt32(&got) != 1 {
		t.Fatalf("subscriber called %d times, want 1", got)
	}

	unsub()
	if err := c.Refresh(context.Background(), RefreshOptions{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if atomic.LoadInt32(&got) != 1 {
		t.Fatalf("unsubscribed callback still invoked")
	}
}

func TestPatientBundleLookup(t *testing.T) {
	up := liveUpstream(6)
	c := newTestCoordinator(up, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{})
	if c.PatientBundle("p00") != nil {
		t.Fatalf("bundle before first cycle should be nil")
	}
	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	b := c.PatientBundle("p02")
	if b == nil || b.Patient.ID != "p02" {
		t.Fatalf("bundle lookup failed: %+v", b)
	}
	if c.PatientBundle("nope") != nil {
		t.Fatalf("unknown patient should yield nil bundle")
	}
}

func TestPeriodicLoopStops(t *testing.T) {
	up := liveUpstream(6)
	c := NewCoordinator(Config{RefreshInterval: 5 * time.Millisecond}, up, &fakeObs{}, &fakeDataset{ds: offlineDataset(5)}, &fakeSource{}, nil, zerolog.Nop()).
		WithClock(func() time.Time { return testNow })
	if err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	c.Start(context.Background())
	time.Sleep(25 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st := c.Status(); st.State != StateLiveReady {
		t.Fatalf("state = %s after periodic refreshes, want %s", st.State, StateLiveReady)
	}
}
