package enrichment

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edpulse/edpulse/internal/domain/clinical"
	"github.com/edpulse/edpulse/internal/domain/reconcile"
)

var genNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

func newGen() *Generator {
	return NewGenerator(zerolog.Nop()).WithClock(func() time.Time { return genNow })
}

func unstableContext() reconcile.PatientContext {
	return reconcile.PatientContext{
		Patient: clinical.Patient{ID: "p1", DisplayName: "Ada Okafor"},
		Encounter: &clinical.Encounter{
			ID: "e1", PatientID: "p1", Status: clinical.StatusActive,
			Priority:    "immediate",
			Department:  "Resus",
			PeriodStart: genNow.Add(-130 * time.Minute),
		},
		Vitals: clinical.Vitals{
			clinical.CodeHeartRate: 132,
			clinical.CodeSpO2:      89,
			clinical.CodeBodyTemp:  36.8,
		},
	}
}

func TestGenerateEventsFromSituation(t *testing.T) {
	enr, err := newGen().Generate(context.Background(), unstableContext())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Two abnormal vitals, a long wait and an immediate triage priority.
	if len(enr.Events) != 4 {
		t.Fatalf("events = %d, want 4", len(enr.Events))
	}
	kinds := map[string]int{}
	for _, e := range enr.Events {
		kinds[e.Kind]++
		if e.ID == "" || e.Summary == "" {
			t.Fatalf("event missing id or summary: %+v", e)
		}
		if !e.At.Equal(genNow) {
			t.Fatalf("event timestamp = %v, want %v", e.At, genNow)
		}
	}
	if kinds["vital-alert"] != 2 || kinds["wait-escalation"] != 1 || kinds["triage"] != 1 {
		t.Fatalf("unexpected kind distribution: %v", kinds)
	}
	if enr.Insights == "" {
		t.Fatalf("expected an insight for an unstable patient")
	}
	if enr.Confidence < 0.4 || enr.Confidence > 0.95 {
		t.Fatalf("confidence %v out of range", enr.Confidence)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	g := newGen()
	a, err := g.Generate(context.Background(), unstableContext())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := g.Generate(context.Background(), unstableContext())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same situation produced different enrichment:\n%+v\n%+v", a, b)
	}
}

func TestGenerateStablePatient(t *testing.T) {
	pc := reconcile.PatientContext{
		Patient: clinical.Patient{ID: "p2", DisplayName: "James Wu"},
		Encounter: &clinical.Encounter{
			ID: "e2", PatientID: "p2", Status: clinical.StatusActive,
			Department:  "Fast Track",
			PeriodStart: genNow.Add(-15 * time.Minute),
		},
		Vitals: clinical.Vitals{clinical.CodeHeartRate: 72},
	}
	enr, err := newGen().Generate(context.Background(), pc)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(enr.Events) != 0 {
		t.Fatalf("stable patient produced events: %+v", enr.Events)
	}
	if enr.Insights == "" {
		t.Fatalf("stable patient should still carry an insight")
	}
}

func TestGenerateHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newGen().Generate(ctx, unstableContext()); err == nil {
		t.Fatalf("expected error from cancelled context")
	}
}
