// Package dedup collapses duplicate patient representations. The same
// real-world person often appears upstream under several ids with varying
// completeness; survivors are picked per normalized display name using an
// evidence score derived from their vital-sign observations.
package dedup

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/edpulse/edpulse/internal/domain/clinical"
)

// Mode selects how many survivors a name group may keep.
type Mode int

const (
	// Strict keeps exactly one survivor per normalized name.
	Strict Mode = iota
	// Relaxed allows a bounded number of survivors per name, used when
	// strict deduplication would leave too few patients to be useful.
	Relaxed
)

func (m Mode) String() string {
	if m == Relaxed {
		return "relaxed"
	}
	return "strict"
}

// Options tune a deduplication pass.
type Options struct {
	Mode       Mode
	MaxPerName int // relaxed-mode survivor bound; 0 means 3
}

const (
	abnormalVitalWeight = 3
	routineVitalWeight  = 1
)

// EvidenceScore weighs how much clinically meaningful data a patient carries:
// abnormal vital readings count more than routine ones, everything else not
// at all.
func EvidenceScore(obs []clinical.Observation) int {
	score := 0
	for _, o := range obs {
		if !clinical.IsVitalCode(o.Code) || o.Value == nil {
			continue
		}
		if clinical.AbnormalVital(o.Code, o.Value) {
			score += abnormalVitalWeight
		} else {
			score += routineVitalWeight
		}
	}
	return score
}

// CompletenessScore counts populated demographic fields, the tie-breaker
// between records with equal evidence.
func CompletenessScore(p clinical.Patient) int {
	score := 0
	if p.DisplayName != "" && p.DisplayName != "Unknown" {
		score++
	}
	if p.BirthDate != "" {
		score++
	}
	if p.Gender != "" {
		score++
	}
	return score
}

// Deduplicate collapses the candidate patients onto their surviving records.
// Survivors carry their evidence score, have unique ids, and — in relaxed
// mode, where a name may legitimately repeat — unique display names via a
// short id-derived suffix. Output order is deterministic.
func Deduplicate(patients []clinical.Patient, obs clinical.ObservationSet, opts Options) []clinical.Patient {
	maxPerName := opts.MaxPerName
	if maxPerName <= 0 {
		maxPerName = 3
	}
	if opts.Mode == Strict {
		maxPerName = 1
	}

	// Collapse literal id duplicates first: same id means same record.
	byID := make(map[string]bool, len(patients))
	groups := make(map[string][]clinical.Patient)
	var keys []string
	for _, p := range patients {
		if p.ID == "" || byID[p.ID] {
			continue
		}
		byID[p.ID] = true
		p.EvidenceScore = EvidenceScore(obs[p.ID])
		key := clinical.NameKey(p.DisplayName)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], p)
	}
	sort.Strings(keys)

	var survivors []clinical.Patient
	usedNames := make(map[string]bool)
	for _, key := range keys {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool {
			if group[i].EvidenceScore != group[j].EvidenceScore {
				return group[i].EvidenceScore > group[j].EvidenceScore
			}
			ci, cj := CompletenessScore(group[i]), CompletenessScore(group[j])
			if ci != cj {
				return ci > cj
			}
			return group[i].ID < group[j].ID
		})

		n := maxPerName
		if n > len(group) {
			n = len(group)
		}
		for rank := 0; rank < n; rank++ {
			p := group[rank]
			if usedNames[clinical.NameKey(p.DisplayName)] {
				p.DisplayName = disambiguate(p.DisplayName, p.ID, usedNames)
			}
			usedNames[clinical.NameKey(p.DisplayName)] = true
			survivors = append(survivors, p)
		}
	}
	return survivors
}

// disambiguate appends an identifier-derived suffix, widening it until the
// resulting name is unused, so relaxed-mode near-duplicates stay tellable
// apart in the UI even when ids share a common prefix.
func disambiguate(name, id string, used map[string]bool) string {
	for n := 4; n <= len(id); n++ {
		if c := fmt.Sprintf("%s (%s)", name, id[:n]); !used[clinical.NameKey(c)] {
			return c
		}
	}
	if id != "" && len(id) < 4 {
		if c := fmt.Sprintf("%s (%s)", name, id); !used[clinical.NameKey(c)] {
			return c
		}
	}
	for {
		if c := fmt.Sprintf("%s (%s)", name, uuid.NewString()[:4]); !used[clinical.NameKey(c)] {
			return c
		}
	}
}
