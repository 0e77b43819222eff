// Package fallback loads the static offline dataset used when the live
// upstream is unreachable or yields too little data. The documents are
// FHIR-shaped bundles so they pass through exactly the same normalization
// boundary as live data; an embedded copy makes the binary self-sufficient,
// and a directory override lets deployments ship their own seed data.
package fallback

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/edpulse/edpulse/internal/domain/clinical"
	"github.com/edpulse/edpulse/internal/platform/fhir"
)

//go:embed data/*.json
var embedded embed.FS

const (
	patientsFile     = "patients.json"
	encountersFile   = "encounters.json"
	observationsFile = "observations.json"
)

// Dataset is the normalized offline dataset.
type Dataset struct {
	Patients     []clinical.Patient
	Encounters   []clinical.Encounter
	Observations clinical.ObservationSet
}

// Loader reads the offline dataset. Zero value is not usable; use NewLoader.
type Loader struct {
	dir   string // optional override directory; "" uses the embedded copy
	log   zerolog.Logger
	clock func() time.Time
}

// NewLoader builds a Loader. dir may be empty to use the embedded dataset.
func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:   dir,
		log:   logger.With().Str("component", "fallback").Logger(),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the loader's clock, for tests.
func (l *Loader) WithClock(clock func() time.Time) *Loader {
	l.clock = clock
	return l
}

// Load reads, normalizes and time-rebases the dataset. Malformed records are
// skipped with a log line, never fatal; only an unreadable document is an
// error.
func (l *Loader) Load() (*Dataset, error) {
	ds := &Dataset{Observations: clinical.ObservationSet{}}

	patientEntries, err := l.readBundle(patientsFile)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	skipped := 0
	for _, raw := range patientEntries {
		var res fhir.Patient
		if err := json.Unmarshal(raw, &res); err != nil {
			skipped++
			continue
		}
		p, err := clinical.PatientFromFHIR(res)
		if err != nil {
			skipped++
			continue
		}
		ds.Patients = append(ds.Patients, p)
	}

	encounterEntries, err := l.readBundle(encountersFile)
	if err != nil {
		return nil, fmt.Errorf("load encounters: %w", err)
	}
	for _, raw := range encounterEntries {
		var res fhir.Encounter
		if err := json.Unmarshal(raw, &res); err != nil {
			skipped++
			continue
		}
		enc, err := clinical.EncounterFromFHIR(res)
		if err != nil {
			skipped++
			continue
		}
		ds.Encounters = append(ds.Encounters, enc)
	}

	obsEntries, err := l.readBundle(observationsFile)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	for _, raw := range obsEntries {
		var res fhir.Observation
		if err := json.Unmarshal(raw, &res); err != nil {
			skipped++
			continue
		}
		obs, err := clinical.ObservationsFromFHIR(res)
		if err != nil {
			skipped++
			continue
		}
		for _, o := range obs {
			ds.Observations.Add(o)
		}
	}

	if skipped > 0 {
		l.log.Warn().Int("skipped", skipped).Msg("skipped malformed fallback records")
	}

	l.rebase(ds)
	l.log.Info().
		Int("patients", len(ds.Patients)).
		Int("encounters", len(ds.Encounters)).
		Msg("fallback dataset loaded")
	return ds, nil
}

func (l *Loader) readBundle(name string) ([]json.RawMessage, error) {
	var body []byte
	var err error
	if l.dir != "" {
		body, err = os.ReadFile(filepath.Join(l.dir, name))
	} else {
		body, err = embedded.ReadFile("data/" + name)
	}
	if err != nil {
		return nil, err
	}
	bundle, err := fhir.ParseBundle(body)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(bundle.Entry))
	for _, e := range bundle.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out, nil
}

// rebase shifts every timestamp so the newest one in the dataset lands at
// load time. The seed data keeps its relative spacing but wait times stay
// plausible no matter when the process starts.
func (l *Loader) rebase(ds *Dataset) {
	var newest time.Time
	for _, enc := range ds.Encounters {
		if enc.PeriodStart.After(newest) {
			newest = enc.PeriodStart
		}
		if enc.PeriodEnd != nil && enc.PeriodEnd.After(newest) {
			newest = *enc.PeriodEnd
		}
	}
	for _, obs := range ds.Observations {
		for _, o := range obs {
			if o.EffectiveTime != nil && o.EffectiveTime.After(newest) {
				newest = *o.EffectiveTime
			}
		}
	}
	if newest.IsZero() {
		return
	}

	delta := l.clock().Sub(newest)
	for i := range ds.Encounters {
		ds.Encounters[i].PeriodStart = ds.Encounters[i].PeriodStart.Add(delta)
		if ds.Encounters[i].PeriodEnd != nil {
			end := ds.Encounters[i].PeriodEnd.Add(delta)
			ds.Encounters[i].PeriodEnd = &end
		}
	}
	for _, obs := range ds.Observations {
		for i := range obs {
			if obs[i].EffectiveTime != nil {
				t := obs[i].EffectiveTime.Add(delta)
				obs[i].EffectiveTime = &t
			}
		}
	}
}
