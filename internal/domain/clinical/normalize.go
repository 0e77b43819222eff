package clinical

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edpulse/edpulse/internal/platform/fhir"
)

// ErrMalformedRecord marks an upstream record that failed normalization.
// Callers skip the record and continue the cycle.
var ErrMalformedRecord = errors.New("malformed record")

// NormalizeDisplayName reduces an arbitrary upstream name to printable ASCII
// with single spaces. Characters outside the printable ASCII range are
// dropped rather than transliterated.
func NormalizeDisplayName(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= 0x20 && r <= 0x7e {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NameKey is the grouping key used by deduplication: the normalized display
// name, case-folded.
func NameKey(displayName string) string {
	return strings.ToLower(NormalizeDisplayName(displayName))
}

func displayNameOf(names []fhir.HumanName) string {
	if len(names) == 0 {
		return ""
	}
	// Prefer the official name when one is flagged.
	chosen := names[0]
	for _, n := range names {
		if n.Use == "official" {
			chosen = n
			break
		}
	}
	if chosen.Text != "" {
		return NormalizeDisplayName(chosen.Text)
	}
	parts := append(append([]string{}, chosen.Given...), chosen.Family)
	return NormalizeDisplayName(strings.Join(parts, " "))
}

// PatientFromFHIR normalizes one upstream Patient. A record with no id is
// malformed; a record with no usable name survives as "Unknown" so that a
// sparse but real patient is not silently dropped.
func PatientFromFHIR(raw fhir.Patient) (Patient, error) {
	if raw.ID == "" {
		return Patient{}, fmt.Errorf("%w: patient without id", ErrMalformedRecord)
	}
	name := displayNameOf(raw.Name)
	if name == "" {
		name = "Unknown"
	}
	return Patient{
		ID:          raw.ID,
		DisplayName: name,
		BirthDate:   raw.BirthDate,
		Gender:      raw.Gender,
	}, nil
}

// encounterStatusMap collapses the FHIR R4 status vocabulary onto the
// dashboard's reduced one.
var encounterStatusMap = map[string]EncounterStatus{
	"planned":     StatusPlanned,
	"arrived":     StatusActive,
	"triaged":     StatusActive,
	"in-progress": StatusActive,
	"onleave":     StatusActive,
	"finished":    StatusFinished,
	"cancelled":   StatusCancelled,
}

// EncounterFromFHIR normalizes one upstream Encounter. Records without an id,
// a subject, or a consistent period are malformed and dropped, never clamped.
func EncounterFromFHIR(raw fhir.Encounter) (Encounter, error) {
	if raw.ID == "" {
		return Encounter{}, fmt.Errorf("%w: encounter without id", ErrMalformedRecord)
	}
	subject := ""
	if raw.Subject != nil {
		subject = raw.Subject.TargetID()
	}
	if subject == "" {
		return Encounter{}, fmt.Errorf("%w: encounter %s without subject", ErrMalformedRecord, raw.ID)
	}
	if !raw.Period.Valid() {
		return Encounter{}, fmt.Errorf("%w: encounter %s has no usable period", ErrMalformedRecord, raw.ID)
	}

	status, ok := encounterStatusMap[raw.Status]
	if !ok {
		status = StatusUnknown
	}

	enc := Encounter{
		ID:          raw.ID,
		PatientID:   subject,
		Status:      status,
		Class:       classOf(raw.Class.Code),
		PeriodStart: raw.Period.Start.UTC(),
	}
	if raw.Period.End != nil {
		end := raw.Period.End.UTC()
		enc.PeriodEnd = &end
	}
	if len(raw.Location) > 0 && raw.Location[0].Location.Display != "" {
		enc.Department = NormalizeDisplayName(raw.Location[0].Location.Display)
	} else if raw.ServiceType != nil {
		enc.Department = NormalizeDisplayName(raw.ServiceType.Label())
	}
	if raw.Priority != nil {
		enc.Priority = strings.ToLower(NormalizeDisplayName(raw.Priority.Label()))
	}
	return enc, nil
}

// classOf maps v3-ActCode encounter classes onto the reduced vocabulary.
func classOf(code string) EncounterClass {
	switch code {
	case "EMER":
		return ClassEmergency
	case "IMP", "ACUTE", "NONAC":
		return ClassInpatient
	case "AMB":
		return ClassAmbulatory
	case "":
		return ClassEmergency // this is an ED feed; missing class means ED
	default:
		return ClassOther
	}
}

// ObservationsFromFHIR normalizes one upstream Observation. Multi-component
// panels (blood pressure) expand into one Observation per component; the
// component id is suffixed with the component index to stay unique.
func ObservationsFromFHIR(raw fhir.Observation) ([]Observation, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: observation without id", ErrMalformedRecord)
	}
	subject := ""
	if raw.Subject != nil {
		subject = raw.Subject.TargetID()
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: observation %s without subject", ErrMalformedRecord, raw.ID)
	}

	var effective *time.Time
	if raw.EffectiveDateTime != "" {
		if t, err := parseFlexTime(raw.EffectiveDateTime); err == nil {
			effective = &t
		}
	}
	encounterID := ""
	if raw.Encounter != nil {
		encounterID = raw.Encounter.TargetID()
	}

	base := Observation{
		PatientID:     subject,
		EncounterID:   encounterID,
		EffectiveTime: effective,
	}

	if len(raw.Component) > 0 {
		out := make([]Observation, 0, len(raw.Component))
		for i, comp := range raw.Component {
			if comp.ValueQuantity == nil || comp.ValueQuantity.Value == nil {
				continue
			}
			o := base
			o.ID = fmt.Sprintf("%s-%d", raw.ID, i)
			o.Code = comp.Code.First().Code
			o.Display = comp.Code.Label()
			v := *comp.ValueQuantity.Value
			o.Value = &v
			o.Unit = comp.ValueQuantity.Unit
			out = append(out, o)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: observation %s has only empty components", ErrMalformedRecord, raw.ID)
		}
		return out, nil
	}

	o := base
	o.ID = raw.ID
	o.Code = raw.Code.First().Code
	o.Display = raw.Code.Label()
	if raw.ValueQuantity != nil && raw.ValueQuantity.Value != nil {
		v := *raw.ValueQuantity.Value
		o.Value = &v
		o.Unit = raw.ValueQuantity.Unit
	}
	return []Observation{o}, nil
}

// parseFlexTime accepts the timestamp precisions FHIR allows for
// effectiveDateTime: full instants, date-time without zone, and bare dates.
func parseFlexTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}
