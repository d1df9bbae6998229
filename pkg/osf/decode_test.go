package osf

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/project"
)

func mustResource(t *testing.T, raw string) Resource {
	t.Helper()
	var r Resource
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return r
}

func TestDecodeNode(t *testing.T) {
	r := mustResource(t, `{
		"id": "c1abc",
		"type": "nodes",
		"attributes": {
			"title": "Component",
			"description": null,
			"category": "methods and measures",
			"date_created": "2024-03-01T10:00:00.123456",
			"date_modified": "2024-04-02T11:30:00Z",
			"tags": ["a", "b"],
			"public": true
		},
		"relationships": {
			"parent": {"links": {"related": {"href": "https://api.osf.io/v2/nodes/p1abc/", "meta": {}}}},
			"children": {"links": {"related": {"href": "https://api.osf.io/v2/nodes/c1abc/children/"}}}
		},
		"links": {"html": "https://osf.io/c1abc/"}
	}`)

	n, issues := DecodeNode(r)
	if len(issues) != 0 {
		t.Errorf("unexpected issues: %v", issues)
	}
	if n.Title != "Component" || n.Description != "" {
		t.Errorf("title %q description %q", n.Title, n.Description)
	}
	if n.Category != "Methods and Measures" {
		t.Errorf("Category = %q", n.Category)
	}
	if n.Parent != "p1abc" || n.Kind != project.KindComponent {
		t.Errorf("Parent = %q Kind = %s", n.Parent, n.Kind)
	}
	if n.URL != "https://osf.io/c1abc/" {
		t.Errorf("URL = %q", n.URL)
	}
	if want := time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC); !n.Created.Equal(want) {
		t.Errorf("Created = %v", n.Created)
	}
	if n.Relations["children"] != "https://api.osf.io/v2/nodes/c1abc/children/" {
		t.Errorf("Relations = %v", n.Relations)
	}
	if !n.Public || len(n.Tags) != 2 {
		t.Errorf("Public %v Tags %v", n.Public, n.Tags)
	}
}

func TestDecodeNodeWithoutID(t *testing.T) {
	r := mustResource(t, `{"type": "nodes", "attributes": {"title": "no id"}}`)
	n, issues := DecodeNode(r)
	if n != nil {
		t.Fatalf("DecodeNode() = %+v, want nil", n)
	}
	if len(issues) != 1 || issues[0].Code != errors.ErrCodeValidation {
		t.Errorf("issues = %v, want one VALIDATION issue", issues)
	}
}

func TestDecodeNodeDefaults(t *testing.T) {
	r := mustResource(t, `{"id": "p1abc", "attributes": {"category": "", "date_created": "yesterday"}}`)
	n, issues := DecodeNode(r)

	if n.Title != project.Untitled {
		t.Errorf("Title = %q", n.Title)
	}
	if n.Category != "Uncategorized" {
		t.Errorf("Category = %q", n.Category)
	}
	if n.Kind != project.KindProject || n.Parent != "" {
		t.Errorf("Kind %s Parent %q", n.Kind, n.Parent)
	}
	if len(issues) != 2 {
		t.Fatalf("issues = %v, want missing title and bad date", issues)
	}
	for _, is := range issues {
		if is.Code != errors.ErrCodeValidation || is.NodeID != "p1abc" {
			t.Errorf("issue = %+v", is)
		}
	}
}

func TestDecodeContributor(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantName string
		wantBib  bool
		issues   int
	}{
		{
			name:     "explicit true",
			raw:      `{"id":"x","attributes":{"bibliographic":true},"embeds":{"users":{"data":{"attributes":{"full_name":"Ada"},"links":{"html":"https://osf.io/ada/"}}}}}`,
			wantName: "Ada", wantBib: true,
		},
		{
			name:     "explicit false",
			raw:      `{"id":"x","attributes":{"bibliographic":false},"embeds":{"users":{"data":{"attributes":{"full_name":"Bob"}}}}}`,
			wantName: "Bob", wantBib: false,
		},
		{
			name:     "missing flag defaults to bibliographic",
			raw:      `{"id":"x","attributes":{},"embeds":{"users":{"data":{"attributes":{"full_name":"Cy"}}}}}`,
			wantName: "Cy", wantBib: true,
		},
		{
			name:     "embed error",
			raw:      `{"id":"x","attributes":{"bibliographic":true},"embeds":{"users":{"errors":[{"detail":"gone"}]}}}`,
			wantName: "Unknown contributor", wantBib: true, issues: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, issues := DecodeContributor("p1abc", mustResource(t, tt.raw))
			if c.Name != tt.wantName || c.Bibliographic != tt.wantBib {
				t.Errorf("got %+v", c)
			}
			if len(issues) != tt.issues {
				t.Errorf("issues = %v", issues)
			}
		})
	}
}

func TestDecodeFile(t *testing.T) {
	f, kind, issues := DecodeFile("p1abc", mustResource(t, `{
		"id": "f1",
		"attributes": {"name": "data.csv", "kind": "file", "materialized_path": "/raw/data.csv", "size": 2048},
		"links": {"download": "https://osf.io/download/f1/"}
	}`))
	if kind != KindFile || len(issues) != 0 {
		t.Fatalf("kind %s issues %v", kind, issues)
	}
	want := project.FileEntry{Name: "data.csv", Path: "/raw/data.csv", Size: 2048, DownloadURL: "https://osf.io/download/f1/"}
	if f != want {
		t.Errorf("got %+v", f)
	}

	_, kind, issues = DecodeFile("p1abc", mustResource(t, `{"id":"d1","attributes":{"name":"raw","kind":"folder","size":null}}`))
	if kind != KindFolder || len(issues) != 0 {
		t.Errorf("folder kind %s issues %v", kind, issues)
	}

	f, _, issues = DecodeFile("p1abc", mustResource(t, `{"id":"f2","attributes":{"kind":"file","materialized_path":"/x.txt"}}`))
	if f.Name != "x.txt" || len(issues) != 1 {
		t.Errorf("sizeless file %+v issues %v", f, issues)
	}
}

func TestDecodeWiki(t *testing.T) {
	p, issues := DecodeWiki("p1abc", mustResource(t, `{"id":"w","attributes":{"name":"home"},"links":{"download":"https://x/content/"}}`))
	if p.Name != "home" || p.DownloadURL != "https://x/content/" || len(issues) != 0 {
		t.Errorf("got %+v %v", p, issues)
	}
	p, issues = DecodeWiki("p1abc", mustResource(t, `{"id":"w","attributes":{}}`))
	if p.Name != project.Untitled || len(issues) != 2 {
		t.Errorf("defaults %+v %v", p, issues)
	}
}

func TestDecodeCustomMetadata(t *testing.T) {
	m, issues := DecodeCustomMetadata("p1abc", mustResource(t, `{
		"id": "p1abc",
		"attributes": {
			"resource_type_general": "Dataset",
			"language": "eng",
			"funders": [{"funder_name": "NSF", "award_number": "123", "award_title": "Grant"}]
		}
	}`))
	if len(issues) != 0 {
		t.Fatal(issues)
	}
	if m.ResourceType != "Dataset" || m.ResourceLanguage != "eng" {
		t.Errorf("got %+v", m)
	}
	if len(m.Funders) != 1 || m.Funders[0].Name != "NSF" || m.Funders[0].AwardNumber != "123" {
		t.Errorf("funders = %+v", m.Funders)
	}
}

func TestResourceRelatedStringForm(t *testing.T) {
	r := mustResource(t, `{"id":"a","relationships":{"parent":{"links":{"related":"https://api.osf.io/v2/nodes/zz9zz/"}}}}`)
	if got := r.Related("parent"); got != "https://api.osf.io/v2/nodes/zz9zz/" {
		t.Errorf("Related = %q", got)
	}
	if got := r.Related("missing"); got != "" {
		t.Errorf("missing relation = %q", got)
	}
}
