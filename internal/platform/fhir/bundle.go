package fhir

import (
	"encoding/json"
	"time"
)

// Bundle represents a FHIR Bundle as returned by a search interaction.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry keeps the resource payload raw; callers decode it into the
// concrete shape once they have inspected the resourceType envelope.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// ParseBundle decodes a search response body into a Bundle. A body that is
// not a Bundle (e.g. an OperationOutcome) decodes without error but yields
// zero entries, which callers treat the same as an empty page.
func ParseBundle(body []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// EntryResourceType peeks at the resourceType of a raw entry without fully
// decoding it. Returns "" if the entry has no decodable resource.
func EntryResourceType(entry BundleEntry) string {
	if len(entry.Resource) == 0 {
		return ""
	}
	var env Resource
	if err := json.Unmarshal(entry.Resource, &env); err != nil {
		return ""
	}
	return env.ResourceType
}

// Resources filters a bundle's entries down to raw payloads of one type.
func (b *Bundle) Resources(resourceType string) []json.RawMessage {
	var out []json.RawMessage
	for _, e := range b.Entry {
		if EntryResourceType(e) == resourceType {
			out = append(out, e.Resource)
		}
	}
	return out
}
