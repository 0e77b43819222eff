// Package fhir holds the FHIR R4 wire shapes this service consumes from an
// upstream server. Only the fields the dashboard actually reads are modelled;
// everything else in a resource payload is ignored on decode. All optional
// fields are pointers or zero-value-tolerant so that sparse upstream records
// decode without error.
package fhir

import (
	"strings"
	"time"
)

// Resource is the minimal envelope shared by every FHIR resource.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// First returns the first coding of the concept, or a zero Coding.
func (c CodeableConcept) First() Coding {
	if len(c.Coding) == 0 {
		return Coding{}
	}
	return c.Coding[0]
}

// Label returns the most human-readable representation of the concept:
// text if present, otherwise the first coding's display, otherwise its code.
func (c CodeableConcept) Label() string {
	if c.Text != "" {
		return c.Text
	}
	first := c.First()
	if first.Display != "" {
		return first.Display
	}
	return first.Code
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// TargetID extracts the bare id from a relative reference such as
// "Patient/abc-123". Absolute URLs and urn:uuid: references are handled by
// taking the final path segment. Returns "" for an empty reference.
func (r Reference) TargetID() string {
	ref := r.Reference
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "urn:uuid:") {
		return strings.TrimPrefix(ref, "urn:uuid:")
	}
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		return ref[idx+1:]
	}
	return ref
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Valid reports whether the period is internally consistent: a missing end is
// fine, but an end before the start is not.
func (p *Period) Valid() bool {
	if p == nil || p.Start == nil {
		return false
	}
	if p.End != nil && p.End.Before(*p.Start) {
		return false
	}
	return true
}

type Quantity struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
	Code  string   `json:"code,omitempty"`
}

// ---------------------------------------------------------------------------
// Consumed resource shapes
// ---------------------------------------------------------------------------

// Patient carries the demographic subset of a FHIR Patient the dashboard uses.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

// EncounterLocation is one entry of Encounter.location.
type EncounterLocation struct {
	Location Reference `json:"location"`
	Status   string    `json:"status,omitempty"`
}

// Encounter carries the visit subset of a FHIR Encounter.
type Encounter struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id"`
	Status       string              `json:"status,omitempty"`
	Class        Coding              `json:"class,omitempty"`
	ServiceType  *CodeableConcept    `json:"serviceType,omitempty"`
	Priority     *CodeableConcept    `json:"priority,omitempty"`
	Subject      *Reference          `json:"subject,omitempty"`
	Period       *Period             `json:"period,omitempty"`
	Location     []EncounterLocation `json:"location,omitempty"`
}

// ObservationComponent is one component of a multi-part observation, e.g. the
// systolic and diastolic parts of a blood pressure panel.
type ObservationComponent struct {
	Code          CodeableConcept `json:"code"`
	ValueQuantity *Quantity       `json:"valueQuantity,omitempty"`
}

// Observation carries the vital-sign subset of a FHIR Observation.
type Observation struct {
	ResourceType      string                 `json:"resourceType"`
	ID                string                 `json:"id"`
	Status            string                 `json:"status,omitempty"`
	Category          []CodeableConcept      `json:"category,omitempty"`
	Code              CodeableConcept        `json:"code"`
	Subject           *Reference             `json:"subject,omitempty"`
	Encounter         *Reference             `json:"encounter,omitempty"`
	EffectiveDateTime string                 `json:"effectiveDateTime,omitempty"`
	ValueQuantity     *Quantity              `json:"valueQuantity,omitempty"`
	Component         []ObservationComponent `json:"component,omitempty"`
}
