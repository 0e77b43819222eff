package reconcile

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/edpulse/edpulse/internal/domain/clinical"
)

// waitBucketMinutes is the granularity at which wait time enters the
// signature. Raw minutes would change on every cycle and defeat the
// enrichment cache entirely; a 15-minute band changes only when the wait has
// moved enough to matter clinically.
const waitBucketMinutes = 15

// PatientContext is the slice of reconciled state handed to the enrichment
// source and fingerprinted for cache reuse.
type PatientContext struct {
	Patient   clinical.Patient
	Encounter *clinical.Encounter // current encounter, may be nil
	Vitals    clinical.Vitals
}

// Signature fingerprints the mutable fields of a patient's situation:
// status, priority, department, banded wait time and latest vitals. Equal
// signatures mean the cached enrichment is still valid.
func Signature(ctx PatientContext, now time.Time) string {
	h := fnv.New64a()

	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	write(ctx.Patient.ID, ctx.Patient.DisplayName)
	if enc := ctx.Encounter; enc != nil {
		bucket := int(enc.WaitMinutes(now)) / waitBucketMinutes
		write(string(enc.Status), enc.Priority, enc.Department, fmt.Sprintf("w%d", bucket))
	}

	codes := make([]string, 0, len(ctx.Vitals))
	for code := range ctx.Vitals {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	var sb strings.Builder
	for _, code := range codes {
		fmt.Fprintf(&sb, "%s=%.1f;", code, ctx.Vitals[code])
	}
	write(sb.String())

	return fmt.Sprintf("%016x", h.Sum64())
}
