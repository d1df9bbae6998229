// Package project holds the in-memory model of one export run: the nodes of
// an OSF project forest, their sub-resources, and the degradation summary.
//
// A [Registry] is a flat map from node ID to [Node]. Tree edges are stored as
// ordered child-ID lists, so traversal never follows pointers and a cyclic or
// duplicated reference in remote data cannot cause unbounded work.
//
// Lifecycle: the resolver creates nodes, the aggregator fills in their
// sub-resources, and the renderer reads them. A Registry lives for exactly
// one export.
package project

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Kind distinguishes top-level projects from nested components.
type Kind string

const (
	KindProject   Kind = "project"
	KindComponent Kind = "component"
)

// Resource names a piece of a node that is fetched separately.
type Resource string

const (
	ResourceNode         Resource = "node"
	ResourceChildren     Resource = "children"
	ResourceContributors Resource = "contributors"
	ResourceFiles        Resource = "files"
	ResourceWikis        Resource = "wikis"
	ResourceWikiPage     Resource = "wiki page"
	ResourceImage        Resource = "image"
	ResourceMetadata     Resource = "metadata"
	ResourceRender       Resource = "render"
)

// Untitled replaces a missing node title.
const Untitled = "Untitled"

// Node is one project or component.
type Node struct {
	ID          string
	Kind        Kind
	Title       string
	Description string
	Category    string // display form, see CategoryName
	Tags        []string
	Subjects    []string
	Created     time.Time
	Modified    time.Time
	Public      bool
	URL         string

	// Children lists child IDs in API order. It is set by the resolver's
	// attachment pass and holds only IDs present in the registry.
	Children []string
	Parent   string

	// Incomplete marks a node whose children could not be listed.
	Incomplete bool

	License          string
	DOI              string
	Institutions     []string
	ResourceType     string
	ResourceLanguage string
	Funders          []Funder

	Contributors []Contributor
	Files        []FileEntry
	Wikis        []WikiPage

	// Missing maps sub-resources that could not be fetched to the reason.
	Missing map[Resource]string

	// Relations holds related-resource links by relationship name as
	// reported by the API.
	Relations map[string]string
}

// Contributor is one entry of a node's contributor list, in citation order.
type Contributor struct {
	Name          string
	Bibliographic bool
	ProfileURL    string
}

// FileEntry is one file in the node's OSF Storage.
type FileEntry struct {
	Name        string
	Path        string
	Size        int64
	DownloadURL string
}

// WikiPage is a named wiki page with its markdown body. A non-empty Err
// means the body could not be fetched or converted.
type WikiPage struct {
	Name        string
	DownloadURL string
	Content     string
	Images      []Image
	Err         string
}

// Image is an image referenced from wiki markdown. A non-empty Err means the
// fetch failed and the renderer shows a placeholder.
type Image struct {
	Source      string
	Data        []byte
	ContentType string
	Err         string
}

// Funder is one funding record from the node's custom metadata.
type Funder struct {
	Name           string
	Identifier     string
	IdentifierType string
	AwardNumber    string
	AwardURI       string
	AwardTitle     string
}

// Metadata holds the descriptive fields fetched from relationships and the
// custom item metadata record.
type Metadata struct {
	License          string
	DOI              string
	Subjects         []string
	Institutions     []string
	ResourceType     string
	ResourceLanguage string
	Funders          []Funder
}

// ApplyMetadata copies m onto n.
func (n *Node) ApplyMetadata(m Metadata) {
	n.License = m.License
	n.DOI = m.DOI
	n.Subjects = m.Subjects
	n.Institutions = m.Institutions
	n.ResourceType = m.ResourceType
	n.ResourceLanguage = m.ResourceLanguage
	n.Funders = m.Funders
}

// MarkMissing records that res could not be fetched for n.
func (n *Node) MarkMissing(res Resource, reason string) {
	if n.Missing == nil {
		n.Missing = make(map[Resource]string)
	}
	n.Missing[res] = reason
}

// IsRoot reports whether the API gave n no parent link.
func (n *Node) IsRoot() bool { return n.Parent == "" }

// BibliographicFirst returns the contributors with bibliographic entries
// first. Relative order within each group is preserved.
func (n *Node) BibliographicFirst() []Contributor {
	out := make([]Contributor, 0, len(n.Contributors))
	for _, c := range n.Contributors {
		if c.Bibliographic {
			out = append(out, c)
		}
	}
	for _, c := range n.Contributors {
		if !c.Bibliographic {
			out = append(out, c)
		}
	}
	return out
}

var categoryNames = map[string]string{
	"":                     "Uncategorized",
	"methods and measures": "Methods and Measures",
}

// CategoryName maps an API category value to its display name.
func CategoryName(raw string) string {
	if name, ok := categoryNames[raw]; ok {
		return name
	}
	words := strings.Fields(raw)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// Sanitize applies display defaults to n in place: a blank title becomes
// [Untitled] and surrounding whitespace is trimmed.
func Sanitize(n *Node) {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		n.Title = Untitled
	}
	n.Description = strings.TrimSpace(n.Description)
}
