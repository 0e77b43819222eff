package dashboard

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/edpulse/edpulse/internal/domain/clinical"
	"github.com/edpulse/edpulse/internal/domain/kpi"
)

// DefaultBedCapacity is the fixed ED bed capacity used for occupancy when
// deployment configuration does not override it.
const DefaultBedCapacity = 40

// DefaultMinAlerts is how many longest-waiting patients are flagged at medium
// severity when no patient scores an alert on its own.
const DefaultMinAlerts = 3

// BuildInput carries everything the builder needs. Build never mutates it.
type BuildInput struct {
	Now          time.Time
	Source       DataSource
	Patients     []clinical.Patient
	Encounters   []clinical.Encounter
	Observations clinical.ObservationSet
	BedCapacity  int
	MinAlerts    int
}

// Build assembles the published snapshot from reconciled clinical data. It is
// a pure function: same input, same snapshot.
func Build(in BuildInput) *Snapshot {
	if in.BedCapacity <= 0 {
		in.BedCapacity = DefaultBedCapacity
	}
	if in.MinAlerts <= 0 {
		in.MinAlerts = DefaultMinAlerts
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	if in.Observations == nil {
		in.Observations = clinical.ObservationSet{}
	}

	patientsByID := make(map[string]clinical.Patient, len(in.Patients))
	for _, p := range in.Patients {
		patientsByID[p.ID] = p
	}

	// The current (preferably active, else most recent) encounter per patient
	// drives wait times, alerts and the admitted list.
	current := make(map[string]clinical.Encounter)
	activeCount := 0
	for _, enc := range in.Encounters {
		if _, known := patientsByID[enc.PatientID]; !known {
			continue
		}
		if enc.Status.Active() {
			activeCount++
		}
		cur, ok := current[enc.PatientID]
		if !ok || betterCurrent(enc, cur) {
			current[enc.PatientID] = enc
		}
	}

	turnaround := kpi.Aggregate(deriveSamples(in.Now, in.Encounters, in.Observations))

	snap := &Snapshot{
		GeneratedAt:  in.Now,
		DataSource:   in.Source,
		Patients:     in.Patients,
		Encounters:   in.Encounters,
		Observations: in.Observations,
		Turnaround:   turnaround,
		Enrichment:   make(map[string]*Enrichment),
	}

	snap.Admitted = admittedList(in.Now, current, patientsByID)
	snap.Alerts = buildAlerts(in, current, patientsByID)
	snap.Departments = departmentStatus(in.Encounters)

	snap.KPIs = KPIs{
		WaitingCount:    activeCount,
		BedOccupancyPct: int(math.Round(float64(activeCount) / float64(in.BedCapacity) * 100)),
		AdmittedCount:   len(snap.Admitted),
		AvgWaitMinutes:  avgActiveWait(in.Now, current),
		FlowIndex:       kpi.WeightedIndex(turnaround.Turnaround),
	}
	return snap
}

// betterCurrent prefers active encounters, then later starts.
func betterCurrent(candidate, incumbent clinical.Encounter) bool {
	if candidate.Status.Active() != incumbent.Status.Active() {
		return candidate.Status.Active()
	}
	return candidate.PeriodStart.After(incumbent.PeriodStart)
}

func avgActiveWait(now time.Time, current map[string]clinical.Encounter) int {
	sum, n := 0.0, 0
	for _, enc := range current {
		if enc.Status.Active() {
			sum += enc.WaitMinutes(now)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return int(math.Round(sum / float64(n)))
}

// deriveSamples turns raw encounter/observation timestamps into per-patient
// minute samples for the turnaround metrics. Only signals actually present
// in the data produce samples; absent metrics fall back to catalog defaults
// inside kpi.Aggregate.
func deriveSamples(now time.Time, encounters []clinical.Encounter, obs clinical.ObservationSet) map[string][]float64 {
	samples := make(map[string][]float64)
	for _, enc := range encounters {
		if enc.Status == clinical.StatusCancelled || enc.Status == clinical.StatusUnknown {
			continue
		}

		// Distinct observation timestamps inside this patient's visit,
		// ascending: the first approximates triage, the second first contact
		// with a treating clinician.
		var times []time.Time
		for _, o := range obs[enc.PatientID] {
			if o.EffectiveTime == nil || o.EffectiveTime.Before(enc.PeriodStart) {
				continue
			}
			times = append(times, *o.EffectiveTime)
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		times = dedupTimes(times)

		if len(times) >= 1 {
			samples[kpi.DoorToTriage] = append(samples[kpi.DoorToTriage], times[0].Sub(enc.PeriodStart).Minutes())
		}
		if len(times) >= 2 {
			samples[kpi.DoorToDoctor] = append(samples[kpi.DoorToDoctor], times[1].Sub(enc.PeriodStart).Minutes())
		}

		if enc.Class == clinical.ClassInpatient {
			samples[kpi.AdmissionRequestToBed] = append(samples[kpi.AdmissionRequestToBed], enc.WaitMinutes(now))
		}
	}
	return samples
}

func dedupTimes(sorted []time.Time) []time.Time {
	var out []time.Time
	for _, t := range sorted {
		if len(out) == 0 || !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}

// severityRank orders severities for scoring and sorting.
var severityRank = map[Severity]int{
	SeverityMedium:   1,
	SeverityElevated: 2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// priorityHintRank maps upstream triage priority labels to an alert floor.
var priorityHintRank = map[string]Severity{
	"immediate":     SeverityCritical,
	"resuscitation": SeverityCritical,
	"stat":          SeverityCritical,
	"emergency":     SeverityHigh,
	"urgent":        SeverityHigh,
	"semi-urgent":   SeverityElevated,
}

// buildAlerts derives per-patient alerts from priority hints, wait bands and
// abnormal vitals. When nothing scores, the longest-waiting active patients
// are flagged at medium severity so the panel is never silently empty.
func buildAlerts(in BuildInput, current map[string]clinical.Encounter, patientsByID map[string]clinical.Patient) []Alert {
	var alerts []Alert
	for id, enc := range current {
		p := patientsByID[id]
		wait := 0
		if enc.Status.Active() {
			wait = int(enc.WaitMinutes(in.Now))
		}

		var reasons []string
		worst := Severity("")

		raise := func(s Severity, reason string) {
			reasons = append(reasons, reason)
			if severityRank[s] > severityRank[worst] {
				worst = s
			}
		}

		if s, ok := priorityHintRank[enc.Priority]; ok {
			raise(s, fmt.Sprintf("triage priority %s", enc.Priority))
		}
		if enc.Status.Active() {
			switch {
			case wait >= 180:
				raise(SeverityCritical, fmt.Sprintf("waiting %d min", wait))
			case wait >= 120:
				raise(SeverityHigh, fmt.Sprintf("waiting %d min", wait))
			}
		}

		vitals := clinical.LatestVitals(in.Observations[id])
		if spo2, ok := vitals[clinical.CodeSpO2]; ok && spo2 < 92 {
			raise(SeverityCritical, fmt.Sprintf("SpO2 %.0f%%", spo2))
		} else if spo2, ok := vitals[clinical.CodeSpO2Alt]; ok && spo2 < 92 {
			raise(SeverityCritical, fmt.Sprintf("SpO2 %.0f%%", spo2))
		}
		if hr, ok := vitals[clinical.CodeHeartRate]; ok && (hr < 50 || hr > 110) {
			raise(SeverityElevated, fmt.Sprintf("heart rate %.0f", hr))
		}
		for _, code := range []string{clinical.CodeRespRate, clinical.CodeBodyTemp, clinical.CodeSystolicBP} {
			if v, ok := vitals[code]; ok && clinical.AbnormalVital(code, &v) {
				raise(SeverityElevated, fmt.Sprintf("abnormal vital %s", code))
			}
		}

		if worst == "" {
			continue
		}
		alerts = append(alerts, Alert{
			PatientID:   id,
			PatientName: p.DisplayName,
			Severity:    worst,
			Reasons:     reasons,
			WaitMinutes: wait,
			Department:  enc.Department,
		})
	}

	if len(alerts) == 0 {
		alerts = fallbackAlerts(in, current, patientsByID)
	}

	sort.Slice(alerts, func(i, j int) bool {
		ri, rj := severityRank[alerts[i].Severity], severityRank[alerts[j].Severity]
		if ri != rj {
			return ri > rj
		}
		if alerts[i].WaitMinutes != alerts[j].WaitMinutes {
			return alerts[i].WaitMinutes > alerts[j].WaitMinutes
		}
		return alerts[i].PatientID < alerts[j].PatientID
	})
	return alerts
}

func fallbackAlerts(in BuildInput, current map[string]clinical.Encounter, patientsByID map[string]clinical.Patient) []Alert {
	type waiting struct {
		id   string
		enc  clinical.Encounter
		wait int
	}
	var longest []waiting
	for id, enc := range current {
		if !enc.Status.Active() {
			continue
		}
		longest = append(longest, waiting{id: id, enc: enc, wait: int(enc.WaitMinutes(in.Now))})
	}
	sort.Slice(longest, func(i, j int) bool {
		if longest[i].wait != longest[j].wait {
			return longest[i].wait > longest[j].wait
		}
		return longest[i].id < longest[j].id
	})
	if len(longest) > in.MinAlerts {
		longest = longest[:in.MinAlerts]
	}

	var alerts []Alert
	for _, w := range longest {
		alerts = append(alerts, Alert{
			PatientID:   w.id,
			PatientName: patientsByID[w.id].DisplayName,
			Severity:    SeverityMedium,
			Reasons:     []string{fmt.Sprintf("longest waiting (%d min)", w.wait)},
			WaitMinutes: w.wait,
			Department:  w.enc.Department,
		})
	}
	return alerts
}

// departmentStatus groups active encounters by department. Encounters with
// no department land in "Unassigned".
func departmentStatus(encounters []clinical.Encounter) []DepartmentStatus {
	counts := make(map[string]int)
	total := 0
	for _, enc := range encounters {
		if !enc.Status.Active() {
			continue
		}
		dept := enc.Department
		if dept == "" {
			dept = "Unassigned"
		}
		counts[dept]++
		total++
	}

	var out []DepartmentStatus
	for name, n := range counts {
		share := 0
		if total > 0 {
			share = int(math.Round(float64(n) / float64(total) * 100))
		}
		out = append(out, DepartmentStatus{Name: name, ActiveCount: n, SharePct: share})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActiveCount != out[j].ActiveCount {
			return out[i].ActiveCount > out[j].ActiveCount
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// admittedList lists patients whose current encounter is an active inpatient
// stay, longest in bed first.
func admittedList(now time.Time, current map[string]clinical.Encounter, patientsByID map[string]clinical.Patient) []AdmittedPatient {
	var out []AdmittedPatient
	for id, enc := range current {
		if enc.Class != clinical.ClassInpatient || !enc.Status.Active() {
			continue
		}
		out = append(out, AdmittedPatient{
			PatientID:    id,
			PatientName:  patientsByID[id].DisplayName,
			Department:   enc.Department,
			MinutesInBed: int(enc.WaitMinutes(now)),
			EncounterID:  enc.ID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinutesInBed != out[j].MinutesInBed {
			return out[i].MinutesInBed > out[j].MinutesInBed
		}
		return out[i].PatientID < out[j].PatientID
	})
	return out
}
