package osf

import (
	"fmt"
	"strings"
	"time"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/project"
)

// The decoders below are pure: they map one raw resource to a model value,
// fill defaults for missing or malformed fields, and report each repair as a
// VALIDATION issue. None of them touch the network.

// timeLayouts covers RFC 3339 and the zone-less form OSF uses for most
// timestamps, which is UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type nodeAttributes struct {
	Title        *string  `json:"title"`
	Description  *string  `json:"description"`
	Category     string   `json:"category"`
	DateCreated  string   `json:"date_created"`
	DateModified string   `json:"date_modified"`
	Tags         []string `json:"tags"`
	Public       bool     `json:"public"`
}

// nodeRelations are the relationships whose links are kept on a node.
var nodeRelations = []string{
	"children", "contributors", "files", "wikis",
	"license", "identifiers", "subjects", "affiliated_institutions",
}

func validation(nodeID string, res project.Resource, format string, args ...any) project.Issue {
	return project.Issue{
		NodeID:   nodeID,
		Resource: res,
		Code:     errors.ErrCodeValidation,
		Message:  fmt.Sprintf(format, args...),
	}
}

// DecodeNode maps a node resource to a [project.Node]. Children are not
// decoded; the resolver lists them separately. A resource without an ID
// yields a nil node and a VALIDATION issue.
func DecodeNode(r Resource) (*project.Node, []project.Issue) {
	if strings.TrimSpace(r.ID) == "" {
		return nil, []project.Issue{validation("", project.ResourceNode, "node resource without id skipped")}
	}
	var issues []project.Issue
	var a nodeAttributes
	if err := r.DecodeAttributes(&a); err != nil {
		issues = append(issues, validation(r.ID, project.ResourceNode, "malformed attributes: %v", err))
	}

	n := &project.Node{
		ID:       r.ID,
		Kind:     project.KindProject,
		Category: project.CategoryName(a.Category),
		Tags:     a.Tags,
		Public:   a.Public,
		URL:      r.Link("html"),
	}
	if a.Title == nil || strings.TrimSpace(*a.Title) == "" {
		issues = append(issues, validation(r.ID, project.ResourceNode, "missing title"))
	} else {
		n.Title = *a.Title
	}
	if a.Description != nil {
		n.Description = *a.Description
	}
	project.Sanitize(n)

	if a.DateCreated != "" {
		if t, ok := parseTime(a.DateCreated); ok {
			n.Created = t
		} else {
			issues = append(issues, validation(r.ID, project.ResourceNode, "bad date_created %q", a.DateCreated))
		}
	}
	if a.DateModified != "" {
		if t, ok := parseTime(a.DateModified); ok {
			n.Modified = t
		} else {
			issues = append(issues, validation(r.ID, project.ResourceNode, "bad date_modified %q", a.DateModified))
		}
	}

	for _, name := range nodeRelations {
		if href := r.Related(name); href != "" {
			if n.Relations == nil {
				n.Relations = make(map[string]string)
			}
			n.Relations[name] = href
		}
	}
	if parent := r.Related("parent"); parent != "" {
		n.Parent = LastSegment(parent)
		n.Kind = project.KindComponent
	}
	return n, issues
}

type contributorAttributes struct {
	Bibliographic *bool `json:"bibliographic"`
}

type userAttributes struct {
	FullName string `json:"full_name"`
}

// DecodeContributor maps a contributor resource with its embedded user.
// Bibliographic defaults to true; only an explicit false clears it.
func DecodeContributor(nodeID string, r Resource) (project.Contributor, []project.Issue) {
	var issues []project.Issue
	var a contributorAttributes
	if err := r.DecodeAttributes(&a); err != nil {
		issues = append(issues, validation(nodeID, project.ResourceContributors, "malformed contributor %s: %v", r.ID, err))
	}
	c := project.Contributor{Bibliographic: a.Bibliographic == nil || *a.Bibliographic}

	user, ok := r.Embedded("users")
	if !ok {
		issues = append(issues, validation(nodeID, project.ResourceContributors, "contributor %s has no embedded user", r.ID))
		c.Name = "Unknown contributor"
		return c, issues
	}
	var ua userAttributes
	_ = user.DecodeAttributes(&ua)
	c.Name = strings.TrimSpace(ua.FullName)
	if c.Name == "" {
		issues = append(issues, validation(nodeID, project.ResourceContributors, "contributor %s has no name", r.ID))
		c.Name = "Unknown contributor"
	}
	c.ProfileURL = user.Link("html")
	return c, issues
}

type fileAttributes struct {
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	MaterializedPath string `json:"materialized_path"`
	Size             *int64 `json:"size"`
}

// FileKind is the storage entry type.
type FileKind string

const (
	KindFile   FileKind = "file"
	KindFolder FileKind = "folder"
)

// DecodeFile maps an osfstorage entry. For folders the returned entry only
// carries Name and Path; callers descend via the folder's files relation.
func DecodeFile(nodeID string, r Resource) (project.FileEntry, FileKind, []project.Issue) {
	var issues []project.Issue
	var a fileAttributes
	if err := r.DecodeAttributes(&a); err != nil {
		issues = append(issues, validation(nodeID, project.ResourceFiles, "malformed file %s: %v", r.ID, err))
	}
	kind := KindFile
	if a.Kind == string(KindFolder) {
		kind = KindFolder
	}
	f := project.FileEntry{
		Name:        a.Name,
		Path:        a.MaterializedPath,
		DownloadURL: r.Link("download"),
	}
	if f.Name == "" {
		f.Name = LastSegment(f.Path)
	}
	if f.Path == "" {
		f.Path = "/" + f.Name
	}
	if a.Size != nil {
		f.Size = *a.Size
	} else if kind == KindFile {
		issues = append(issues, validation(nodeID, project.ResourceFiles, "file %s has no size", f.Path))
	}
	return f, kind, issues
}

type wikiAttributes struct {
	Name string `json:"name"`
}

// DecodeWiki maps a wiki resource to a page without content.
func DecodeWiki(nodeID string, r Resource) (project.WikiPage, []project.Issue) {
	var issues []project.Issue
	var a wikiAttributes
	if err := r.DecodeAttributes(&a); err != nil {
		issues = append(issues, validation(nodeID, project.ResourceWikis, "malformed wiki %s: %v", r.ID, err))
	}
	p := project.WikiPage{Name: strings.TrimSpace(a.Name), DownloadURL: r.Link("download")}
	if p.Name == "" {
		p.Name = project.Untitled
		issues = append(issues, validation(nodeID, project.ResourceWikis, "wiki %s has no name", r.ID))
	}
	if p.DownloadURL == "" {
		issues = append(issues, validation(nodeID, project.ResourceWikis, "wiki %q has no download link", p.Name))
	}
	return p, issues
}

type customMetadataAttributes struct {
	ResourceTypeGeneral string `json:"resource_type_general"`
	Language            string `json:"language"`
	Funders             []struct {
		FunderName           string `json:"funder_name"`
		FunderIdentifier     string `json:"funder_identifier"`
		FunderIdentifierType string `json:"funder_identifier_type"`
		AwardNumber          string `json:"award_number"`
		AwardURI             string `json:"award_uri"`
		AwardTitle           string `json:"award_title"`
	} `json:"funders"`
}

// DecodeCustomMetadata maps a custom_item_metadata_records resource onto
// the resource type, language and funder fields of a [project.Metadata].
func DecodeCustomMetadata(nodeID string, r Resource) (project.Metadata, []project.Issue) {
	var issues []project.Issue
	var a customMetadataAttributes
	if err := r.DecodeAttributes(&a); err != nil {
		issues = append(issues, validation(nodeID, project.ResourceMetadata, "malformed custom metadata: %v", err))
	}
	m := project.Metadata{ResourceType: a.ResourceTypeGeneral, ResourceLanguage: a.Language}
	for _, f := range a.Funders {
		m.Funders = append(m.Funders, project.Funder{
			Name:           f.FunderName,
			Identifier:     f.FunderIdentifier,
			IdentifierType: f.FunderIdentifierType,
			AwardNumber:    f.AwardNumber,
			AwardURI:       f.AwardURI,
			AwardTitle:     f.AwardTitle,
		})
	}
	return m, issues
}

// attributeString reads one string attribute such as a subject's text or
// an institution's name.
func attributeString(r Resource, name string) string {
	var attrs map[string]any
	if r.DecodeAttributes(&attrs) != nil {
		return ""
	}
	s, _ := attrs[name].(string)
	return strings.TrimSpace(s)
}
