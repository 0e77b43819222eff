// Package kpi defines the catalog of operational turnaround metrics and the
// pure sanitization/aggregation functions that turn raw per-patient minute
// samples into bounded dashboard figures. Raw inputs come from unreliable
// timestamps, so every value is clamped before it can reach a renderer.
package kpi

import (
	"math"
)

// Metric is one named operational metric with its display defaults and
// alerting thresholds, all in minutes.
type Metric struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	DefaultValue    int    `json:"defaultValue"`
	MediumThreshold int    `json:"mediumThreshold"`
	HighThreshold   int    `json:"highThreshold"`
}

// Metric ids.
const (
	DoorToTriage          = "doorToTriage"
	TriageToNurse         = "triageToNurse"
	DoorToDoctor          = "doorToDoctor"
	AdmissionRequestToBed = "admissionRequestToBed"
	LabTurnaround         = "labTurnaround"
	ImagingTurnaround     = "imagingTurnaround"
)

var catalog = []Metric{
	{ID: DoorToTriage, Label: "Door to triage", DefaultValue: 18, MediumThreshold: 30, HighThreshold: 60},
	{ID: TriageToNurse, Label: "Triage to nurse", DefaultValue: 35, MediumThreshold: 60, HighThreshold: 120},
	{ID: DoorToDoctor, Label: "Door to doctor", DefaultValue: 45, MediumThreshold: 90, HighThreshold: 150},
	{ID: AdmissionRequestToBed, Label: "Admission request to bed", DefaultValue: 95, MediumThreshold: 120, HighThreshold: 180},
	{ID: LabTurnaround, Label: "Lab turnaround", DefaultValue: 60, MediumThreshold: 90, HighThreshold: 150},
	{ID: ImagingTurnaround, Label: "Imaging turnaround", DefaultValue: 75, MediumThreshold: 120, HighThreshold: 180},
}

var byID = func() map[string]Metric {
	m := make(map[string]Metric, len(catalog))
	for _, metric := range catalog {
		m[metric.ID] = metric
	}
	return m
}()

// Catalog returns the full metric table in display order.
func Catalog() []Metric {
	out := make([]Metric, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns a metric by id.
func Lookup(id string) (Metric, bool) {
	m, ok := byID[id]
	return m, ok
}

// Cap is the sanitization upper bound for a metric.
func (m Metric) Cap() int {
	cap := m.HighThreshold
	if m.DefaultValue > cap {
		cap = m.DefaultValue
	}
	if cap < 60 {
		cap = 60
	}
	return cap
}

// Sanitize turns a raw minute value into a bounded integer. Non-finite or
// negative inputs yield the metric default; everything else rounds to the
// nearest integer and clamps to [0, Cap].
func Sanitize(raw float64, m Metric) int {
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw < 0 {
		return m.DefaultValue
	}
	v := int(math.Round(raw))
	if cap := m.Cap(); v > cap {
		return cap
	}
	return v
}

// Aggregated is the output of one aggregation pass.
type Aggregated struct {
	// Turnaround maps metric id to the averaged sanitized minutes.
	Turnaround map[string]int `json:"turnaround"`
	// SampleCounts maps metric id to how many per-patient samples fed it;
	// zero means the default value was used.
	SampleCounts map[string]int `json:"sampleCounts"`
}

// Aggregate averages the per-patient samples of every catalog metric. Each
// sample is sanitized before averaging; a metric with no samples reports its
// default value.
func Aggregate(samples map[string][]float64) Aggregated {
	agg := Aggregated{
		Turnaround:   make(map[string]int, len(catalog)),
		SampleCounts: make(map[string]int, len(catalog)),
	}
	for _, m := range catalog {
		vals := samples[m.ID]
		if len(vals) == 0 {
			agg.Turnaround[m.ID] = m.DefaultValue
			agg.SampleCounts[m.ID] = 0
			continue
		}
		sum := 0
		for _, raw := range vals {
			sum += Sanitize(raw, m)
		}
		agg.Turnaround[m.ID] = int(math.Round(float64(sum) / float64(len(vals))))
		agg.SampleCounts[m.ID] = len(vals)
	}
	return agg
}

// indexWeights is the fixed weighting of the overall flow index. Bed access
// dominates because it is the strongest predictor of ED crowding; the
// weights sum to 1.
var indexWeights = map[string]float64{
	AdmissionRequestToBed: 0.40,
	DoorToDoctor:          0.25,
	LabTurnaround:         0.20,
	TriageToNurse:         0.15,
}

// WeightedIndex collapses the aggregated turnaround figures into a single
// operational flow index in minutes. Metrics missing from the input fall
// back to their catalog default so the index is always defined.
func WeightedIndex(turnaround map[string]int) int {
	total := 0.0
	for id, weight := range indexWeights {
		v, ok := turnaround[id]
		if !ok {
			v = byID[id].DefaultValue
		}
		total += weight * float64(v)
	}
	return int(math.Round(total))
}
