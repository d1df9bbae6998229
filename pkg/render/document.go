package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/project"
	"github.com/matzehuels/osfexport/pkg/render/markdown"
)

// NotAvailable fills metadata fields without a value.
const NotAvailable = "NA"

// TimeLayout formats dates in the document.
const TimeLayout = "2006-01-02 15:04 MST"

// Options configures [Build].
type Options struct {
	// ExportedAt is printed on the cover and in every footer. Zero means
	// now, in UTC.
	ExportedAt time.Time
	// Diagram is an optional tree diagram for the cover (see [TreeDiagram]).
	Diagram *Diagram
	// DiagramNote replaces the diagram when it could not be drawn.
	DiagramNote string
}

// Document is the layout-neutral content of one export. Sinks lay it out
// without consulting the registry.
type Document struct {
	Title       string
	ExportedAt  time.Time
	NodeCount   int
	Roots       []RootEntry
	Diagram     *Diagram
	DiagramNote string
	Sections    []Section
	// Issues is the degradation summary, including render failures found
	// while building.
	Issues []project.Issue
}

// RootEntry lists one top-level project on the cover.
type RootEntry struct {
	ID    string
	Title string
	URL   string
}

// Section is the content of one node. Sections appear in traversal order.
type Section struct {
	NodeID string
	Number string // outline number, "1", "1.2", "1.2.1"
	Title  string
	Kind   project.Kind
	// Depth is the nesting below the section's root (0).
	Depth int
	URL   string
	// Parent is the enclosing section's title, empty for roots.
	Parent string

	Fields       []Field
	Contributors []ContributorRow
	Files        []FileRow
	FilesNote    string
	Wikis        []WikiSection
	// Notes lists data that could not be retrieved for this node.
	Notes []string
}

// Field is a labelled metadata value. Groups holds structured entries such
// as funders; each group is a list of fields.
type Field struct {
	Label  string
	Value  string
	Groups [][]Field
}

// ContributorRow is one row of the contributors table.
type ContributorRow struct {
	Name          string
	Bibliographic string
	ProfileURL    string
}

// FileRow is one row of the files table.
type FileRow struct {
	Name        string
	Path        string
	Size        string
	DownloadURL string
}

// WikiSection is one wiki page. A non-empty Note replaces the content.
type WikiSection struct {
	Name   string
	Blocks []markdown.Block
	Images map[string]project.Image
	Note   string
}

// Heading returns the section title prefixed with its outline number.
func (s Section) Heading() string {
	return s.Number + " " + s.Title
}

// Build assembles the document for reg. It reads the registry only, except
// that wiki pages which fail to convert are reported as RENDER issues.
func Build(reg *project.Registry, opts Options) (*Document, error) {
	if len(reg.Roots) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "nothing to export")
	}
	at := opts.ExportedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	doc := &Document{
		ExportedAt:  at,
		NodeCount:   reg.Len(),
		Diagram:     opts.Diagram,
		DiagramNote: opts.DiagramNote,
	}
	for _, id := range reg.Roots {
		n := reg.Node(id)
		doc.Roots = append(doc.Roots, RootEntry{ID: n.ID, Title: n.Title, URL: n.URL})
	}
	doc.Title = doc.Roots[0].Title
	if len(doc.Roots) > 1 {
		doc.Title = fmt.Sprintf("%s and %d more", doc.Title, len(doc.Roots)-1)
	}

	numbers := numberer{}
	err := reg.Walk(func(n *project.Node, depth int) error {
		s := Section{
			NodeID: n.ID,
			Number: numbers.next(depth),
			Title:  n.Title,
			Kind:   n.Kind,
			Depth:  depth,
			URL:    n.URL,
			Fields: fields(n),
		}
		if p := reg.Node(n.Parent); p != nil && depth > 0 {
			s.Parent = p.Title
		}
		for _, c := range n.BibliographicFirst() {
			s.Contributors = append(s.Contributors, ContributorRow{
				Name:          c.Name,
				Bibliographic: yesNo(c.Bibliographic),
				ProfileURL:    c.ProfileURL,
			})
		}
		for _, f := range n.Files {
			s.Files = append(s.Files, FileRow{Name: f.Name, Path: f.Path, Size: Megabytes(f.Size), DownloadURL: f.DownloadURL})
		}
		if len(s.Files) == 0 {
			s.FilesNote = "No files found for this " + string(n.Kind) + "."
		}
		for _, page := range n.Wikis {
			s.Wikis = append(s.Wikis, wikiSection(reg, n, page))
		}
		s.Notes = notes(n)
		doc.Sections = append(doc.Sections, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	doc.Issues = reg.Issues()
	return doc, nil
}

func wikiSection(reg *project.Registry, n *project.Node, page project.WikiPage) WikiSection {
	w := WikiSection{Name: page.Name}
	if page.Err != "" {
		w.Note = "Wiki page unavailable: " + page.Err
		return w
	}
	blocks, err := markdown.Parse(page.Content)
	if err != nil {
		reg.Report(project.Issue{
			NodeID:   n.ID,
			Resource: project.ResourceRender,
			Code:     errors.ErrCodeRender,
			Message:  "wiki " + page.Name + ": " + errors.UserMessage(err),
		})
		w.Note = "This wiki page could not be rendered: " + errors.UserMessage(err)
		return w
	}
	w.Blocks = blocks
	if len(page.Images) > 0 {
		w.Images = make(map[string]project.Image, len(page.Images))
		for _, img := range page.Images {
			w.Images[img.Source] = img
		}
	}
	return w
}

func fields(n *project.Node) []Field {
	out := []Field{
		{Label: "ID", Value: n.ID},
		{Label: "Type", Value: titleCase(string(n.Kind))},
		{Label: "Description", Value: n.Description},
		{Label: "Category", Value: orNA(n.Category)},
		{Label: "Date Created", Value: date(n.Created)},
		{Label: "Date Modified", Value: date(n.Modified)},
		{Label: "Tags", Value: list(n.Tags)},
		{Label: "Public", Value: yesNo(n.Public)},
		{Label: "Resource Type", Value: orNA(n.ResourceType)},
		{Label: "Resource Language", Value: orNA(n.ResourceLanguage)},
		{Label: "Affiliated Institutions", Value: list(n.Institutions)},
		{Label: "DOI", Value: orNA(n.DOI)},
		{Label: "License", Value: orNA(n.License)},
		{Label: "Subjects", Value: list(n.Subjects)},
	}
	funding := Field{Label: "Support/Funding Information", Value: NotAvailable}
	for _, f := range n.Funders {
		funding.Value = ""
		funding.Groups = append(funding.Groups, []Field{
			{Label: "Funder Name", Value: orNA(f.Name)},
			{Label: "Funder Identifier", Value: orNA(f.Identifier)},
			{Label: "Funder Identifier Type", Value: orNA(f.IdentifierType)},
			{Label: "Award Number", Value: orNA(f.AwardNumber)},
			{Label: "Award URI", Value: orNA(f.AwardURI)},
			{Label: "Award Title", Value: orNA(f.AwardTitle)},
		})
	}
	return append(out, funding)
}

var resourceLabels = map[project.Resource]string{
	project.ResourceChildren:     "components",
	project.ResourceContributors: "contributors",
	project.ResourceFiles:        "files",
	project.ResourceWikis:        "wiki",
	project.ResourceMetadata:     "metadata",
}

// notes lists what could not be fetched, in a fixed resource order.
func notes(n *project.Node) []string {
	var out []string
	if n.Incomplete {
		out = append(out, "Data unavailable: components could not be listed, this subtree may be incomplete.")
	}
	for _, res := range []project.Resource{
		project.ResourceContributors, project.ResourceFiles, project.ResourceMetadata, project.ResourceWikis,
	} {
		if reason, ok := n.Missing[res]; ok {
			out = append(out, fmt.Sprintf("Data unavailable: %s (%s).", resourceLabels[res], reason))
		}
	}
	return out
}

// numberer produces hierarchical outline numbers from pre-order depths.
type numberer struct{ counts []int }

func (c *numberer) next(depth int) string {
	if depth < len(c.counts) {
		c.counts = c.counts[:depth+1]
	} else {
		for len(c.counts) <= depth {
			c.counts = append(c.counts, 0)
		}
	}
	c.counts[depth]++
	parts := make([]string, len(c.counts))
	for i, v := range c.counts {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

// Megabytes formats a byte size in MB with two decimals.
func Megabytes(size int64) string {
	return strconv.FormatFloat(float64(size)/(1024*1024), 'f', 2, 64)
}

func date(t time.Time) string {
	if t.IsZero() {
		return NotAvailable
	}
	return t.UTC().Format(TimeLayout)
}

func list(values []string) string {
	if len(values) == 0 {
		return NotAvailable
	}
	return strings.Join(values, ", ")
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return NotAvailable
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
