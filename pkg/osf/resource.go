package osf

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Resource is one JSON:API resource object as returned by the OSF v2 API.
// Attributes, links and embeds are kept raw and decoded on demand, so a
// field with an unexpected shape only affects the decoder that reads it.
type Resource struct {
	ID            string                     `json:"id"`
	Type          string                     `json:"type"`
	Attributes    json.RawMessage            `json:"attributes"`
	Relationships map[string]Relationship    `json:"relationships"`
	Links         map[string]json.RawMessage `json:"links"`
	Embeds        map[string]embed           `json:"embeds"`
}

// Relationship is a JSON:API relationship with its related link.
type Relationship struct {
	Links struct {
		Related json.RawMessage `json:"related"`
	} `json:"links"`
}

type embed struct {
	Data json.RawMessage `json:"data"`
}

// document is a top-level JSON:API response.
type document struct {
	Data  json.RawMessage `json:"data"`
	Links struct {
		Next *string `json:"next"`
	} `json:"links"`
}

// Link returns the string link stored under name, or "".
func (r *Resource) Link(name string) string {
	return rawString(r.Links[name])
}

// Related returns the related href of relationship name, or "" if the
// relationship is absent or has no link.
func (r *Resource) Related(name string) string {
	rel, ok := r.Relationships[name]
	if !ok || len(rel.Links.Related) == 0 {
		return ""
	}
	// OSF renders related links as {"href": ..., "meta": {...}}; older
	// versions use a bare string.
	var obj struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(rel.Links.Related, &obj); err == nil {
		return obj.Href
	}
	return rawString(rel.Links.Related)
}

// Embedded returns the embedded resource stored under name.
func (r *Resource) Embedded(name string) (*Resource, bool) {
	e, ok := r.Embeds[name]
	if !ok || isNull(e.Data) {
		return nil, false
	}
	var res Resource
	if err := json.Unmarshal(e.Data, &res); err != nil {
		return nil, false
	}
	return &res, true
}

// DecodeAttributes unmarshals the attribute object into v.
func (r *Resource) DecodeAttributes(v any) error {
	if isNull(r.Attributes) {
		return nil
	}
	return json.Unmarshal(r.Attributes, v)
}

// LastSegment returns the final non-empty path segment of a URL or path.
func LastSegment(href string) string {
	href = strings.TrimRight(href, "/")
	if i := strings.LastIndex(href, "/"); i >= 0 {
		return href[i+1:]
	}
	return href
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
