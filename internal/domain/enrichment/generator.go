// Package enrichment provides the built-in annotation generator. It stands
// in for an external clinical annotation service: output is synthesized
// locally and is deterministic for a given clinical situation, so repeated
// generation for an unchanged patient yields identical content.
package enrichment

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edpulse/edpulse/internal/domain/clinical"
	"github.com/edpulse/edpulse/internal/domain/dashboard"
	"github.com/edpulse/edpulse/internal/domain/reconcile"
)

var vitalLabels = map[string]string{
	clinical.CodeHeartRate:   "heart rate",
	clinical.CodeSpO2:        "oxygen saturation",
	clinical.CodeSpO2Alt:     "oxygen saturation",
	clinical.CodeRespRate:    "respiratory rate",
	clinical.CodeBodyTemp:    "body temperature",
	clinical.CodeSystolicBP:  "systolic blood pressure",
	clinical.CodeDiastolicBP: "diastolic blood pressure",
	clinical.CodePainScore:   "pain score",
}

// Generator synthesizes per-patient annotations from the reconciled
// context. Safe for concurrent use.
type Generator struct {
	log   zerolog.Logger
	clock func() time.Time
}

func NewGenerator(log zerolog.Logger) *Generator {
	return &Generator{
		log:   log.With().Str("component", "enrichment").Logger(),
		clock: time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// Generate builds the annotation bundle for one patient. It honors
// context cancellation but otherwise cannot fail.
func (g *Generator) Generate(ctx context.Context, pc reconcile.PatientContext) (*dashboard.Enrichment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := g.clock()

	enr := &dashboard.Enrichment{}
	codes := make([]string, 0, len(pc.Vitals))
	for code := range pc.Vitals {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	abnormal := 0
	for _, code := range codes {
		v := pc.Vitals[code]
		if !clinical.AbnormalVital(code, &v) {
			continue
		}
		abnormal++
		summary := fmt.Sprintf("%s %.0f outside expected range", vitalLabels[code], v)
		enr.Events = append(enr.Events, g.event(pc.Patient.ID, "vital-alert", summary, now))
	}

	if enc := pc.Encounter; enc != nil && enc.Status.Active() {
		wait := enc.WaitMinutes(now)
		if wait >= 120 {
			summary := fmt.Sprintf("waiting %.0f minutes, escalation recommended", wait)
			enr.Events = append(enr.Events, g.event(pc.Patient.ID, "wait-escalation", summary, now))
		}
		switch enc.Priority {
		case "immediate", "resuscitation", "stat":
			enr.Events = append(enr.Events, g.event(pc.Patient.ID, "triage", "triaged for immediate attention", now))
		}
	}

	enr.Insights = g.insight(pc, abnormal)
	enr.Confidence = g.confidence(pc, abnormal)
	return enr, nil
}

// event derives a stable id from the patient and content, so regenerating
// the same situation yields the same event identity.
func (g *Generator) event(patientID, kind, summary string, at time.Time) dashboard.EnrichmentEvent {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(patientID+"|"+kind+"|"+summary))
	return dashboard.EnrichmentEvent{
		ID:      id.String(),
		Kind:    kind,
		Summary: summary,
		At:      at,
	}
}

func (g *Generator) insight(pc reconcile.PatientContext, abnormal int) string {
	switch {
	case abnormal > 1:
		return fmt.Sprintf("%s has %d vital signs outside expected ranges and should be reviewed", pc.Patient.DisplayName, abnormal)
	case abnormal == 1:
		return fmt.Sprintf("%s has one vital sign outside its expected range", pc.Patient.DisplayName)
	case pc.Encounter != nil && pc.Encounter.Status.Active():
		return fmt.Sprintf("%s is stable and progressing through %s", pc.Patient.DisplayName, departmentOr(pc.Encounter.Department))
	default:
		return fmt.Sprintf("no active concerns recorded for %s", pc.Patient.DisplayName)
	}
}

// confidence hashes the situation into a stable value between 0.55 and
// 0.95, lowered when vitals are abnormal to reflect the thinner evidence
// behind an unstable picture.
func (g *Generator) confidence(pc reconcile.PatientContext, abnormal int) float64 {
	h := fnv.New32a()
	h.Write([]byte(pc.Patient.ID))
	base := 0.55 + float64(h.Sum32()%41)/100
	if abnormal > 0 {
		base -= 0.1
	}
	if base < 0.4 {
		base = 0.4
	}
	return base
}

func departmentOr(dept string) string {
	if dept == "" {
		return "the department"
	}
	return dept
}
