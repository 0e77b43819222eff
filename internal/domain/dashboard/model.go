// Package dashboard builds and serves the published view model. Build is a
// pure function of the reconciled clinical data; the HTTP handlers in this
// package only ever read whatever snapshot the coordinator last published.
package dashboard

import (
	"time"

	"github.com/edpulse/edpulse/internal/domain/clinical"
	"github.com/edpulse/edpulse/internal/domain/kpi"
)

// DataSource tags where a snapshot's data came from.
type DataSource string

const (
	SourceLive     DataSource = "live"
	SourceFallback DataSource = "fallback"
)

// Severity bands for patient alerts, strongest first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityElevated Severity = "elevated"
	SeverityMedium   Severity = "medium"
)

// KPIs are the headline figures of the dashboard.
type KPIs struct {
	WaitingCount    int `json:"waitingCount"`
	BedOccupancyPct int `json:"bedOccupancyPct"`
	AdmittedCount   int `json:"admittedCount"`
	AvgWaitMinutes  int `json:"avgWaitMinutes"`
	FlowIndex       int `json:"flowIndex"`
}

// Alert flags one patient needing attention.
type Alert struct {
	PatientID   string   `json:"patientId"`
	PatientName string   `json:"patientName"`
	Severity    Severity `json:"severity"`
	Reasons     []string `json:"reasons"`
	WaitMinutes int      `json:"waitMinutes"`
	Department  string   `json:"department,omitempty"`
}

// DepartmentStatus summarises one department's load.
type DepartmentStatus struct {
	Name        string `json:"name"`
	ActiveCount int    `json:"activeCount"`
	SharePct    int    `json:"sharePct"` // share of all active encounters
}

// AdmittedPatient is one row of the admitted list.
type AdmittedPatient struct {
	PatientID      string `json:"patientId"`
	PatientName    string `json:"patientName"`
	Department     string `json:"department,omitempty"`
	MinutesInBed   int    `json:"minutesInBed"`
	EncounterID    string `json:"encounterId"`
}

// EnrichmentEvent is one externally generated annotation for a patient.
type EnrichmentEvent struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// Enrichment is the cached enrichment bundle merged into a snapshot per
// patient. The core never generates these, it only caches and merges them.
type Enrichment struct {
	Events     []EnrichmentEvent `json:"events"`
	Insights   string            `json:"insights,omitempty"`
	Confidence float64           `json:"confidence"`
}

// Snapshot is the single canonical published object. Subscribers receive a
// fully-formed snapshot and must treat it as immutable.
type Snapshot struct {
	GeneratedAt  time.Time                 `json:"generatedAt"`
	DataSource   DataSource                `json:"dataSource"`
	KPIs         KPIs                      `json:"kpis"`
	Patients     []clinical.Patient        `json:"patients"`
	Encounters   []clinical.Encounter      `json:"encounters"`
	Observations clinical.ObservationSet   `json:"observations"`
	Alerts       []Alert                   `json:"alerts"`
	Departments  []DepartmentStatus        `json:"departments"`
	Turnaround   kpi.Aggregated            `json:"turnaround"`
	Admitted     []AdmittedPatient         `json:"admitted"`
	Enrichment   map[string]*Enrichment    `json:"enrichment,omitempty"`
}

// Bundle extracts one patient's slice of the snapshot, or nil when the
// patient is not part of it.
func (s *Snapshot) Bundle(patientID string) *clinical.PatientBundle {
	if s == nil {
		return nil
	}
	var patient *clinical.Patient
	for i := range s.Patients {
		if s.Patients[i].ID == patientID {
			patient = &s.Patients[i]
			break
		}
	}
	if patient == nil {
		return nil
	}
	b := &clinical.PatientBundle{Patient: *patient}
	for _, enc := range s.Encounters {
		if enc.PatientID == patientID {
			b.Encounters = append(b.Encounters, enc)
		}
	}
	b.Observations = append(b.Observations, s.Observations[patientID]...)
	return b
}
