// Package clinical defines the normalized in-memory model the dashboard is
// built from, together with the boundary functions that turn loosely-shaped
// upstream FHIR resources into it. Normalization is pure and never panics:
// records that cannot be made safe are rejected with an error and skipped by
// callers, never clamped into shape.
package clinical

import (
	"time"
)

// EncounterStatus is the reduced status vocabulary the dashboard reasons
// about. Upstream FHIR statuses collapse onto it during normalization.
type EncounterStatus string

const (
	StatusPlanned   EncounterStatus = "planned"
	StatusActive    EncounterStatus = "active"
	StatusFinished  EncounterStatus = "finished"
	StatusCancelled EncounterStatus = "cancelled"
	StatusUnknown   EncounterStatus = "unknown"
)

// Active reports whether the status counts toward waiting/occupancy figures.
func (s EncounterStatus) Active() bool {
	return s == StatusActive
}

// Patient is a deduplicated subject record.
type Patient struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	BirthDate     string `json:"birthDate,omitempty"`
	Gender        string `json:"gender,omitempty"`
	EvidenceScore int    `json:"evidenceScore"`
}

// EncounterClass distinguishes emergency presentations from inpatient stays.
type EncounterClass string

const (
	ClassEmergency  EncounterClass = "emergency"
	ClassInpatient  EncounterClass = "inpatient"
	ClassAmbulatory EncounterClass = "ambulatory"
	ClassOther      EncounterClass = "other"
)

// Encounter is a time-bounded visit record.
type Encounter struct {
	ID          string          `json:"id"`
	PatientID   string          `json:"patientId"`
	Status      EncounterStatus `json:"status"`
	Class       EncounterClass  `json:"class"`
	PeriodStart time.Time       `json:"periodStart"`
	PeriodEnd   *time.Time      `json:"periodEnd,omitempty"`
	Department  string          `json:"department,omitempty"`
	Priority    string          `json:"priority,omitempty"`
}

// WaitMinutes returns how long the encounter has been open as of now, or the
// closed duration for finished encounters. Never negative.
func (e *Encounter) WaitMinutes(now time.Time) float64 {
	end := now
	if e.PeriodEnd != nil {
		end = *e.PeriodEnd
	}
	m := end.Sub(e.PeriodStart).Minutes()
	if m < 0 {
		return 0
	}
	return m
}

// Observation is a single timestamped measurement.
type Observation struct {
	ID            string     `json:"id"`
	PatientID     string     `json:"patientId"`
	EncounterID   string     `json:"encounterId,omitempty"`
	Code          string     `json:"code"`
	Display       string     `json:"display,omitempty"`
	Value         *float64   `json:"value,omitempty"`
	Unit          string     `json:"unit,omitempty"`
	EffectiveTime *time.Time `json:"effectiveTime,omitempty"`
}

// PatientBundle groups one patient with their encounters and observations,
// the shape served by the per-patient detail endpoint.
type PatientBundle struct {
	Patient      Patient       `json:"patient"`
	Encounters   []Encounter   `json:"encounters"`
	Observations []Observation `json:"observations"`
}

// ObservationSet indexes observations per patient for O(1) lookup during
// vitals extraction and scoring.
type ObservationSet map[string][]Observation

// Add appends an observation under its patient id.
func (s ObservationSet) Add(o Observation) {
	s[o.PatientID] = append(s[o.PatientID], o)
}
