// Package osftest runs an in-process fake of the OSF v2 JSON:API for tests.
//
// Nodes are registered as [NodeSpec] values; the server derives the node
// document, its children, contributors, files, wikis and metadata
// endpoints from them. Collections are paginated with links.next, and
// failures can be injected per path.
package osftest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// NodeSpec describes one project or component.
type NodeSpec struct {
	ID           string
	Title        string
	Description  string
	Category     string
	Parent       string
	Children     []string
	Tags         []string
	Public       bool
	Contributors []ContributorSpec
	Files        []FileSpec
	Wikis        []WikiSpec
	License      string
	DOI          string
	Subjects     []string
	Institutions []string

	// Hidden keeps the node out of /users/me/nodes/ while its own
	// endpoints stay reachable.
	Hidden bool
}

// ContributorSpec describes a contributor. A nil Bibliographic omits the
// attribute.
type ContributorSpec struct {
	Name          string
	Bibliographic *bool
}

// FileSpec describes a storage entry. Entries with Children are folders.
type FileSpec struct {
	Name     string
	Size     int64
	Children []FileSpec
	Folder   bool
}

// WikiSpec describes a wiki page.
type WikiSpec struct {
	Name    string
	Content string
}

type failure struct {
	status    int
	remaining int // < 0 means forever
	header    http.Header
}

type raw struct {
	contentType string
	body        []byte
}

// Request is a recorded incoming request.
type Request struct {
	Path   string
	Query  string
	Header http.Header
}

// Server is a fake OSF API.
type Server struct {
	*httptest.Server

	// Token, when set, is the only bearer credential accepted.
	Token string
	// PageSize, when > 0, overrides the client's page[size].
	PageSize int

	mu          sync.Mutex
	order       []string
	nodes       map[string]NodeSpec
	docs        map[string]func() any
	collections map[string]func() []any
	raws        map[string]raw
	failures    map[string]*failure
	requests    []Request
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		nodes:       make(map[string]NodeSpec),
		docs:        make(map[string]func() any),
		collections: make(map[string]func() []any),
		raws:        make(map[string]raw),
		failures:    make(map[string]*failure),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	s.collections["/v2/users/me/nodes/"] = s.accessible
	return s
}

// BaseURL is the API root to hand to the client.
func (s *Server) BaseURL() string { return s.URL + "/v2" }

// AddNode registers a node and all of its sub-resource endpoints.
func (s *Server) AddNode(spec NodeSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[spec.ID]; !ok {
		s.order = append(s.order, spec.ID)
	}
	s.nodes[spec.ID] = spec
	id := spec.ID
	base := "/v2/nodes/" + id + "/"

	s.docs[base] = func() any { return s.nodeResource(s.nodes[id]) }
	s.collections[base+"children/"] = func() []any {
		var out []any
		for _, child := range s.nodes[id].Children {
			if c, ok := s.nodes[child]; ok {
				out = append(out, s.nodeResource(c))
			}
		}
		return out
	}
	s.collections[base+"contributors/"] = func() []any { return s.contributors(s.nodes[id]) }
	s.collections[base+"wikis/"] = func() []any { return s.wikis(s.nodes[id]) }
	s.registerFiles(base+"files/osfstorage/", id, "/", spec.Files)
	s.docs["/v2/custom_item_metadata_records/"+id+"/"] = func() any {
		return map[string]any{
			"id":   id,
			"type": "custom-item-metadata-records",
			"attributes": map[string]any{
				"resource_type_general": "Dataset",
				"language":              "eng",
				"funders": []any{map[string]any{
					"funder_name":  "Funder of " + id,
					"award_number": "A-1",
				}},
			},
		}
	}
	if spec.License != "" {
		s.docs[base+"license/"] = func() any {
			return map[string]any{"id": "lic", "type": "licenses", "attributes": map[string]any{"name": s.nodes[id].License}}
		}
	}
	s.collections[base+"subjects/"] = func() []any {
		return attrItems("subjects", "text", s.nodes[id].Subjects)
	}
	s.collections[base+"institutions/"] = func() []any {
		return attrItems("institutions", "name", s.nodes[id].Institutions)
	}
	s.collections[base+"identifiers/"] = func() []any {
		if d := s.nodes[id].DOI; d != "" {
			return attrItems("identifiers", "value", []string{d})
		}
		return nil
	}
}

func (s *Server) registerFiles(path, nodeID, prefix string, entries []FileSpec) {
	var items []any
	for i, f := range entries {
		fileID := fmt.Sprintf("%s-%s%d", nodeID, strings.ReplaceAll(strings.Trim(prefix, "/"), "/", "-"), i)
		materialized := prefix + f.Name
		item := map[string]any{"id": fileID, "type": "files"}
		if f.Folder || len(f.Children) > 0 {
			sub := "/v2/files/" + fileID + "/"
			item["attributes"] = map[string]any{
				"name": f.Name, "kind": "folder", "materialized_path": materialized + "/", "size": nil,
			}
			item["relationships"] = map[string]any{"files": related(s.URL + sub)}
			s.registerFiles(sub, nodeID, materialized+"/", f.Children)
		} else {
			item["attributes"] = map[string]any{
				"name": f.Name, "kind": "file", "materialized_path": materialized, "size": f.Size,
			}
			item["links"] = map[string]any{"download": s.URL + "/download/" + fileID}
		}
		items = append(items, item)
	}
	s.collections[path] = func() []any { return items }
}

// SetRaw serves a non-JSON body at path.
func (s *Server) SetRaw(path, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raws[path] = raw{contentType: contentType, body: body}
}

// SetCollection serves items as a paginated collection at path.
func (s *Server) SetCollection(path string, items []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[path] = func() []any { return items }
}

// Fail makes the next times requests to path answer with status. A
// negative times fails forever. header is added to each failed response.
func (s *Server) Fail(path string, status, times int, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = &failure{status: status, remaining: times, header: header}
}

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

// Requests returns every recorded request.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// NodePath is the path of a node document.
func NodePath(id string) string { return "/v2/nodes/" + id + "/" }

// ChildrenPath is the path of a node's children listing.
func ChildrenPath(id string) string { return "/v2/nodes/" + id + "/children/" }

// WikiContentPath is the download path of a node's i-th wiki page.
func WikiContentPath(id string, i int) string {
	return fmt.Sprintf("/v2/wikis/%s-w%d/content/", id, i)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone()})
	token := s.Token
	f := s.failures[r.URL.Path]
	if f != nil && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
	} else {
		f = nil
	}
	rw, isRaw := s.raws[r.URL.Path]
	doc, isDoc := s.docs[r.URL.Path]
	coll, isColl := s.collections[r.URL.Path]
	s.mu.Unlock()

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}
	if f != nil {
		for k, vs := range f.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		writeError(w, f.status, http.StatusText(f.status))
		return
	}

	switch {
	case isRaw:
		w.Header().Set("Content-Type", rw.contentType)
		_, _ = w.Write(rw.body)
	case strings.HasPrefix(r.URL.Path, "/v2/wikis/"):
		s.serveWikiContent(w, r.URL.Path)
	case strings.HasPrefix(r.URL.Path, "/download/"):
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("file body"))
	case isDoc:
		s.mu.Lock()
		data := doc()
		s.mu.Unlock()
		writeJSON(w, map[string]any{"data": data})
	case isColl:
		s.mu.Lock()
		items := coll()
		s.mu.Unlock()
		s.writePage(w, r, items)
	default:
		writeError(w, http.StatusNotFound, "Not found.")
	}
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, items []any) {
	size := s.PageSize
	if size <= 0 {
		size, _ = strconv.Atoi(r.URL.Query().Get("page[size]"))
	}
	if size <= 0 {
		size = 10
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	start := min((page-1)*size, len(items))
	end := min(start+size, len(items))

	var next any
	if end < len(items) {
		next = fmt.Sprintf("%s%s?page=%d&page[size]=%d", s.URL, r.URL.Path, page+1, size)
	}
	data := items[start:end]
	if data == nil {
		data = []any{}
	}
	writeJSON(w, map[string]any{
		"data":  data,
		"links": map[string]any{"next": next, "meta": map[string]any{"total": len(items), "per_page": size}},
	})
}

func (s *Server) serveWikiContent(w http.ResponseWriter, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		for i, page := range s.nodes[id].Wikis {
			if WikiContentPath(id, i) == path {
				w.Header().Set("Content-Type", "text/markdown")
				_, _ = w.Write([]byte(page.Content))
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "Not found.")
}

func (s *Server) accessible() []any {
	var out []any
	for _, id := range s.order {
		if n := s.nodes[id]; !n.Hidden {
			out = append(out, s.nodeResource(n))
		}
	}
	return out
}

func (s *Server) nodeResource(n NodeSpec) map[string]any {
	api := s.URL + "/v2/nodes/" + n.ID + "/"
	rels := map[string]any{
		"children":                related(api + "children/"),
		"contributors":            related(api + "contributors/"),
		"files":                   related(api + "files/"),
		"wikis":                   related(api + "wikis/"),
		"identifiers":             related(api + "identifiers/"),
		"subjects":                related(api + "subjects/"),
		"affiliated_institutions": related(api + "institutions/"),
	}
	if n.License != "" {
		rels["license"] = related(api + "license/")
	}
	if n.Parent != "" {
		rels["parent"] = related(s.URL + "/v2/nodes/" + n.Parent + "/")
	}
	tags := n.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":   n.ID,
		"type": "nodes",
		"attributes": map[string]any{
			"title":         n.Title,
			"description":   n.Description,
			"category":      n.Category,
			"date_created":  "2024-03-01T10:00:00.000000",
			"date_modified": "2024-04-02T11:30:00.000000",
			"tags":          tags,
			"public":        n.Public,
		},
		"relationships": rels,
		"links": map[string]any{
			"html": "https://osf.io/" + n.ID + "/",
			"self": api,
		},
	}
}

func (s *Server) contributors(n NodeSpec) []any {
	var out []any
	for i, c := range n.Contributors {
		attrs := map[string]any{"index": i}
		if c.Bibliographic != nil {
			attrs["bibliographic"] = *c.Bibliographic
		}
		userID := fmt.Sprintf("u%s%d", n.ID, i)
		out = append(out, map[string]any{
			"id":         n.ID + "-" + userID,
			"type":       "contributors",
			"attributes": attrs,
			"embeds": map[string]any{
				"users": map[string]any{
					"data": map[string]any{
						"id":         userID,
						"type":       "users",
						"attributes": map[string]any{"full_name": c.Name},
						"links":      map[string]any{"html": "https://osf.io/" + userID + "/"},
					},
				},
			},
		})
	}
	return out
}

func (s *Server) wikis(n NodeSpec) []any {
	var out []any
	for i, page := range n.Wikis {
		out = append(out, map[string]any{
			"id":         fmt.Sprintf("%s-w%d", n.ID, i),
			"type":       "wikis",
			"attributes": map[string]any{"name": page.Name, "kind": "file"},
			"links":      map[string]any{"download": s.URL + WikiContentPath(n.ID, i)},
		})
	}
	return out
}

func attrItems(typ, attr string, values []string) []any {
	var out []any
	for i, v := range values {
		out = append(out, map[string]any{
			"id":         fmt.Sprintf("%s%d", typ, i),
			"type":       typ,
			"attributes": map[string]any{attr: v},
		})
	}
	return out
}

func related(href string) map[string]any {
	return map[string]any{"links": map[string]any{"related": map[string]any{"href": href, "meta": map[string]any{}}}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errors": []any{map[string]any{"detail": detail}},
	})
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// PNG returns a small valid PNG image.
func PNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := range 4 {
		for y := range 4 {
			img.Set(x, y, color.RGBA{R: 40, G: 90, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
