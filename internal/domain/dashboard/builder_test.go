package dashboard

import (
	"testing"
	"time"

	"github.com/edpulse/edpulse/internal/domain/clinical"
	"github.com/edpulse/edpulse/internal/domain/kpi"
)

var now = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func activeEncounter(id, patient string, startedAgo time.Duration) clinical.Encounter {
	return clinical.Encounter{
		ID:          id,
		PatientID:   patient,
		Status:      clinical.StatusActive,
		Class:       clinical.ClassEmergency,
		PeriodStart: now.Add(-startedAgo),
	}
}

func TestBuild_KPIs(t *testing.T) {
	in := BuildInput{
		Now:    now,
		Source: SourceLive,
		Patients: []clinical.Patient{
			{ID: "p1", DisplayName: "Jane Doe"},
			{ID: "p2", DisplayName: "John Roe"},
		},
		Encounters: []clinical.Encounter{
			activeEncounter("e1", "p1", 30*time.Minute),
			activeEncounter("e2", "p2", 90*time.Minute),
		},
		BedCapacity: 40,
	}
	snap := Build(in)

	if snap.KPIs.WaitingCount != 2 {
		t.Errorf("waiting = %d, want 2", snap.KPIs.WaitingCount)
	}
	if snap.KPIs.BedOccupancyPct != 5 {
		t.Errorf("occupancy = %d%%, want 5", snap.KPIs.BedOccupancyPct)
	}
	if snap.KPIs.AvgWaitMinutes != 60 {
		t.Errorf("avg wait = %d, want 60", snap.KPIs.AvgWaitMinutes)
	}
	if snap.DataSource != SourceLive {
		t.Errorf("data source = %q, want live", snap.DataSource)
	}
}

func TestBuild_AlertSeverities(t *testing.T) {
	enc3 := activeEncounter("e3", "p3", 200*time.Minute) // wait >= 180
	enc2 := activeEncounter("e2", "p2", 130*time.Minute) // wait >= 120
	enc1 := activeEncounter("e1", "p1", 10*time.Minute)

	in := BuildInput{
		Now:    now,
		Source: SourceLive,
		Patients: []clinical.Patient{
			{ID: "p1", DisplayName: "Low Sats"},
			{ID: "p2", DisplayName: "Long Wait"},
			{ID: "p3", DisplayName: "Very Long Wait"},
		},
		Encounters: []clinical.Encounter{enc1, enc2, enc3},
		Observations: clinical.ObservationSet{
			"p1": {{ID: "o1", PatientID: "p1", Code: clinical.CodeSpO2, Value: ptr(88)}},
		},
	}
	snap := Build(in)

	bySeverity := map[string]Severity{}
	for _, a := range snap.Alerts {
		bySeverity[a.PatientID] = a.Severity
	}
	if bySeverity["p1"] != SeverityCritical {
		t.Errorf("p1 severity = %q, want critical (SpO2 88)", bySeverity["p1"])
	}
	if bySeverity["p2"] != SeverityHigh {
		t.Errorf("p2 severity = %q, want high (130 min)", bySeverity["p2"])
	}
	if bySeverity["p3"] != SeverityCritical {
		t.Errorf("p3 severity = %q, want critical (200 min)", bySeverity["p3"])
	}
	// Strongest severity sorts first.
	if snap.Alerts[len(snap.Alerts)-1].Severity == SeverityCritical {
		t.Error("alerts not sorted by severity")
	}
}

func TestBuild_PriorityHintAlert(t *testing.T) {
	enc := activeEncounter("e1", "p1", 5*time.Minute)
	enc.Priority = "immediate"
	snap := Build(BuildInput{
		Now:        now,
		Patients:   []clinical.Patient{{ID: "p1", DisplayName: "Prio"}},
		Encounters: []clinical.Encounter{enc},
	})
	if len(snap.Alerts) != 1 || snap.Alerts[0].Severity != SeverityCritical {
		t.Fatalf("expected one critical alert from priority hint, got %+v", snap.Alerts)
	}
}

func TestBuild_FallbackAlertsNeverEmpty(t *testing.T) {
	// Nobody scores: short waits, no vitals, no priorities.
	in := BuildInput{
		Now: now,
		Patients: []clinical.Patient{
			{ID: "p1", DisplayName: "A"},
			{ID: "p2", DisplayName: "B"},
			{ID: "p3", DisplayName: "C"},
			{ID: "p4", DisplayName: "D"},
		},
		Encounters: []clinical.Encounter{
			activeEncounter("e1", "p1", 50*time.Minute),
			activeEncounter("e2", "p2", 40*time.Minute),
			activeEncounter("e3", "p3", 30*time.Minute),
			activeEncounter("e4", "p4", 20*time.Minute),
		},
		MinAlerts: 3,
	}
	snap := Build(in)

	if len(snap.Alerts) != 3 {
		t.Fatalf("fallback alerts = %d, want 3", len(snap.Alerts))
	}
	for _, a := range snap.Alerts {
		if a.Severity != SeverityMedium {
			t.Errorf("fallback alert severity = %q, want medium", a.Severity)
		}
	}
	if snap.Alerts[0].PatientID != "p1" {
		t.Errorf("longest-waiting first, got %q", snap.Alerts[0].PatientID)
	}
}

func TestBuild_AdmittedList(t *testing.T) {
	admitted := clinical.Encounter{
		ID:          "e1",
		PatientID:   "p1",
		Status:      clinical.StatusActive,
		Class:       clinical.ClassInpatient,
		PeriodStart: now.Add(-4 * time.Hour),
		Department:  "Medical Ward",
	}
	in := BuildInput{
		Now:      now,
		Patients: []clinical.Patient{{ID: "p1", DisplayName: "Admitted One"}, {ID: "p2", DisplayName: "ED Two"}},
		Encounters: []clinical.Encounter{
			admitted,
			activeEncounter("e2", "p2", 30*time.Minute),
		},
	}
	snap := Build(in)

	if len(snap.Admitted) != 1 {
		t.Fatalf("admitted = %d, want 1", len(snap.Admitted))
	}
	row := snap.Admitted[0]
	if row.PatientID != "p1" || row.MinutesInBed != 240 || row.Department != "Medical Ward" {
		t.Errorf("unexpected admitted row: %+v", row)
	}
	if snap.KPIs.AdmittedCount != 1 {
		t.Errorf("admitted KPI = %d, want 1", snap.KPIs.AdmittedCount)
	}
}

func TestBuild_Departments(t *testing.T) {
	encA := activeEncounter("e1", "p1", time.Hour)
	encA.Department = "Acute"
	encB := activeEncounter("e2", "p2", time.Hour)
	encB.Department = "Acute"
	encC := activeEncounter("e3", "p3", time.Hour)

	snap := Build(BuildInput{
		Now: now,
		Patients: []clinical.Patient{
			{ID: "p1"}, {ID: "p2"}, {ID: "p3"},
		},
		Encounters: []clinical.Encounter{encA, encB, encC},
	})

	if len(snap.Departments) != 2 {
		t.Fatalf("departments = %d, want 2", len(snap.Departments))
	}
	top := snap.Departments[0]
	if top.Name != "Acute" || top.ActiveCount != 2 || top.SharePct != 67 {
		t.Errorf("top department = %+v", top)
	}
	if snap.Departments[1].Name != "Unassigned" {
		t.Errorf("missing department should map to Unassigned, got %q", snap.Departments[1].Name)
	}
}

func TestBuild_TurnaroundSamplesAndDefaults(t *testing.T) {
	start := now.Add(-2 * time.Hour)
	t1 := start.Add(25 * time.Minute)
	t2 := start.Add(55 * time.Minute)
	enc := clinical.Encounter{
		ID: "e1", PatientID: "p1", Status: clinical.StatusActive,
		Class: clinical.ClassEmergency, PeriodStart: start,
	}
	snap := Build(BuildInput{
		Now:        now,
		Patients:   []clinical.Patient{{ID: "p1", DisplayName: "X"}},
		Encounters: []clinical.Encounter{enc},
		Observations: clinical.ObservationSet{
			"p1": {
				{ID: "o1", PatientID: "p1", Code: clinical.CodeHeartRate, Value: ptr(80), EffectiveTime: &t1},
				{ID: "o2", PatientID: "p1", Code: clinical.CodeSpO2, Value: ptr(97), EffectiveTime: &t2},
			},
		},
	})

	if got := snap.Turnaround.Turnaround[kpi.DoorToTriage]; got != 25 {
		t.Errorf("doorToTriage = %d, want 25", got)
	}
	if got := snap.Turnaround.Turnaround[kpi.DoorToDoctor]; got != 55 {
		t.Errorf("doorToDoctor = %d, want 55", got)
	}
	// No admission signal in the data: catalog default.
	if got := snap.Turnaround.Turnaround[kpi.AdmissionRequestToBed]; got != 95 {
		t.Errorf("admissionRequestToBed = %d, want default 95", got)
	}
	if snap.KPIs.FlowIndex <= 0 {
		t.Error("flow index should always be defined")
	}
}

func TestSnapshot_Bundle(t *testing.T) {
	snap := Build(BuildInput{
		Now:        now,
		Patients:   []clinical.Patient{{ID: "p1", DisplayName: "Jane"}},
		Encounters: []clinical.Encounter{activeEncounter("e1", "p1", time.Hour)},
		Observations: clinical.ObservationSet{
			"p1": {{ID: "o1", PatientID: "p1", Code: clinical.CodeHeartRate, Value: ptr(80)}},
		},
	})

	b := snap.Bundle("p1")
	if b == nil {
		t.Fatal("expected bundle for p1")
	}
	if len(b.Encounters) != 1 || len(b.Observations) != 1 {
		t.Errorf("bundle incomplete: %+v", b)
	}
	if snap.Bundle("missing") != nil {
		t.Error("expected nil bundle for unknown patient")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	in := BuildInput{
		Now:      now,
		Patients: []clinical.Patient{{ID: "p1", DisplayName: "A"}, {ID: "p2", DisplayName: "B"}},
		Encounters: []clinical.Encounter{
			activeEncounter("e1", "p1", 50*time.Minute),
			activeEncounter("e2", "p2", 50*time.Minute),
		},
	}
	a, b := Build(in), Build(in)
	if len(a.Alerts) != len(b.Alerts) {
		t.Fatal("alert count differs across identical builds")
	}
	for i := range a.Alerts {
		if a.Alerts[i].PatientID != b.Alerts[i].PatientID {
			t.Errorf("alert order differs at %d", i)
		}
	}
}
