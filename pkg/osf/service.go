package osf

import (
	"context"
	"strings"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/project"
)

// Service maps OSF endpoints onto the model. It serves both the node
// resolver (nodes, children, accessible listing) and the content aggregator
// (contributors, files, wikis, images, metadata).
type Service struct {
	client *Client
}

// NewService wraps a client.
func NewService(c *Client) *Service {
	return &Service{client: c}
}

// Client returns the underlying API client.
func (s *Service) Client() *Client { return s.client }

// Node fetches /nodes/{id}/.
func (s *Service) Node(ctx context.Context, id string) (*project.Node, []project.Issue, error) {
	if err := errors.ValidateNodeID(id); err != nil {
		return nil, nil, err
	}
	r, err := s.client.Get(ctx, s.client.URL("nodes", id), Query{})
	if err != nil {
		return nil, nil, err
	}
	n, issues := DecodeNode(*r)
	if n == nil {
		return nil, issues, errors.New(errors.ErrCodeValidation, "node %s: response has no id", id)
	}
	return n, issues, nil
}

// Children lists the direct child components of a node in API order. The
// listing carries full node resources, so children need no separate fetch.
func (s *Service) Children(ctx context.Context, n *project.Node) ([]*project.Node, []project.Issue, error) {
	return s.nodes(ctx, s.relation(n, "children", "children"))
}

// Accessible lists every node the credential's owner can see, in listing
// order.
func (s *Service) Accessible(ctx context.Context) ([]*project.Node, []project.Issue, error) {
	return s.nodes(ctx, s.client.URL("users", "me", "nodes"))
}

func (s *Service) nodes(ctx context.Context, href string) ([]*project.Node, []project.Issue, error) {
	var (
		nodes  []*project.Node
		issues []project.Issue
	)
	for r, err := range s.client.Items(ctx, href, Query{}) {
		if err != nil {
			return nil, nil, err
		}
		n, is := DecodeNode(r)
		issues = append(issues, is...)
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes, issues, nil
}

// Contributors lists a node's contributors in citation order.
func (s *Service) Contributors(ctx context.Context, n *project.Node) ([]project.Contributor, []project.Issue, error) {
	var (
		out    []project.Contributor
		issues []project.Issue
	)
	for r, err := range s.client.Items(ctx, s.relation(n, "contributors", "contributors"), Query{}) {
		if err != nil {
			return nil, nil, IgnoreNotFound(err)
		}
		c, is := DecodeContributor(n.ID, r)
		out = append(out, c)
		issues = append(issues, is...)
	}
	return out, issues, nil
}

// Files walks the node's OSF Storage tree depth-first in API order and
// returns every file. Folders are descended through their files relation.
func (s *Service) Files(ctx context.Context, n *project.Node) ([]project.FileEntry, []project.Issue, error) {
	root := s.client.URL("nodes", n.ID, "files", "osfstorage")
	if href := n.Relations["files"]; href != "" {
		root = strings.TrimRight(href, "/") + "/osfstorage/"
	}
	w := &fileWalker{client: s.client, nodeID: n.ID, seen: make(map[string]bool)}
	err := w.walk(ctx, root)
	if err != nil {
		return nil, nil, IgnoreNotFound(err)
	}
	return w.files, w.issues, nil
}

type fileWalker struct {
	client *Client
	nodeID string
	seen   map[string]bool
	files  []project.FileEntry
	issues []project.Issue
}

func (w *fileWalker) walk(ctx context.Context, href string) error {
	if w.seen[href] {
		return nil
	}
	w.seen[href] = true
	for r, err := range w.client.Items(ctx, href, Query{}) {
		if err != nil {
			return err
		}
		entry, kind, is := DecodeFile(w.nodeID, r)
		w.issues = append(w.issues, is...)
		if kind == KindFile {
			w.files = append(w.files, entry)
			continue
		}
		sub := r.Related("files")
		if sub == "" {
			w.issues = append(w.issues, validation(w.nodeID, project.ResourceFiles, "folder %s has no contents link", entry.Path))
			continue
		}
		if err := w.walk(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

// Wikis lists a node's wiki pages in API order, without content.
func (s *Service) Wikis(ctx context.Context, n *project.Node) ([]project.WikiPage, []project.Issue, error) {
	var (
		out    []project.WikiPage
		issues []project.Issue
	)
	for r, err := range s.client.Items(ctx, s.relation(n, "wikis", "wikis"), Query{}) {
		if err != nil {
			return nil, nil, IgnoreNotFound(err)
		}
		p, is := DecodeWiki(n.ID, r)
		out = append(out, p)
		issues = append(issues, is...)
	}
	return out, issues, nil
}

// WikiContent downloads the markdown body of a page.
func (s *Service) WikiContent(ctx context.Context, page project.WikiPage) (string, error) {
	if page.DownloadURL == "" {
		return "", errors.New(errors.ErrCodeNotFound, "wiki %q has no download link", page.Name)
	}
	data, _, err := s.client.Raw(ctx, page.DownloadURL)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Image downloads an image referenced from wiki markdown.
func (s *Service) Image(ctx context.Context, src string) ([]byte, string, error) {
	if err := errors.ValidateURL(src); err != nil {
		return nil, "", err
	}
	data, ct, err := s.client.Raw(ctx, src)
	if err != nil {
		return nil, "", err
	}
	if ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, "", errors.New(errors.ErrCodeRetrieval, "%s is not an image (%s)", src, ct)
	}
	return data, ct, nil
}

// Metadata gathers license, DOI, subjects, institutions and the custom
// item metadata record. Relationship links recorded on the node are
// preferred; a relationship the node does not link is empty. A failing part
// is reported as an issue and the rest are still returned; only an
// AUTHORIZATION failure is returned as an error.
func (s *Service) Metadata(ctx context.Context, n *project.Node) (project.Metadata, []project.Issue, error) {
	var (
		m      project.Metadata
		issues []project.Issue
	)
	fail := func(part string, err error) error {
		if err = IgnoreNotFound(err); err == nil {
			return nil
		}
		if errors.Fatal(err) {
			return err
		}
		issues = append(issues, project.Issue{
			NodeID:   n.ID,
			Resource: project.ResourceMetadata,
			Code:     errors.ErrCodeRetrieval,
			Message:  part + ": " + errors.UserMessage(err),
		})
		return nil
	}

	if r, err := s.client.Get(ctx, s.client.URL("custom_item_metadata_records", n.ID), Query{}); err != nil {
		if err := fail("custom metadata", err); err != nil {
			return m, nil, err
		}
	} else {
		custom, is := DecodeCustomMetadata(n.ID, *r)
		m.ResourceType, m.ResourceLanguage, m.Funders = custom.ResourceType, custom.ResourceLanguage, custom.Funders
		issues = append(issues, is...)
	}

	if href := s.relation(n, "license", ""); href != "" {
		r, err := s.client.Get(ctx, href, Query{})
		if err != nil {
			if err := fail("license", err); err != nil {
				return m, nil, err
			}
		} else {
			m.License = attributeString(*r, "name")
		}
	}

	lists := []struct {
		rel   string
		path  string
		query Query
		attr  string
		dst   *[]string
	}{
		{"subjects", "subjects", Query{}, "text", &m.Subjects},
		{"affiliated_institutions", "institutions", Query{}, "name", &m.Institutions},
		{"identifiers", "identifiers", Query{Filters: map[string]string{"category": "doi"}}, "value", nil},
	}
	for _, l := range lists {
		href := s.relation(n, l.rel, l.path)
		values, err := s.strings(ctx, href, l.query, l.attr)
		if err != nil {
			if err := fail(l.rel, err); err != nil {
				return m, nil, err
			}
			continue
		}
		if l.dst != nil {
			*l.dst = values
		} else {
			m.DOI = strings.Join(values, ", ")
		}
	}
	return m, issues, nil
}

// relation returns the node's link for rel, or the conventional
// /nodes/{id}/{path}/ endpoint when the node carries no link and path is
// set.
func (s *Service) relation(n *project.Node, rel, path string) string {
	if href := n.Relations[rel]; href != "" {
		return href
	}
	if path == "" {
		return ""
	}
	return s.client.URL("nodes", n.ID, path)
}

func (s *Service) strings(ctx context.Context, href string, q Query, attr string) ([]string, error) {
	var out []string
	for r, err := range s.client.Items(ctx, href, q) {
		if err != nil {
			return nil, err
		}
		if v := attributeString(r, attr); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}
