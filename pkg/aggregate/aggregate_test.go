package aggregate

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/matzehuels/osfexport/internal/osftest"
	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/httputil"
	"github.com/matzehuels/osfexport/pkg/osf"
	"github.com/matzehuels/osfexport/pkg/project"
)

type fakeSource struct {
	mu       sync.Mutex
	failures map[string]error // keyed by "resource:nodeID" or "image:src"
	wikis    map[string][]project.WikiPage
	content  map[string]string
	calls    int
	fetched  []string // image URLs in request order
}

func newSource() *fakeSource {
	return &fakeSource{
		failures: make(map[string]error),
		wikis:    make(map[string][]project.WikiPage),
		content:  make(map[string]string),
	}
}

func (f *fakeSource) fail(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.failures[key]
}

func (f *fakeSource) Contributors(_ context.Context, n *project.Node) ([]project.Contributor, []project.Issue, error) {
	if err := f.fail("contributors:" + n.ID); err != nil {
		return nil, nil, err
	}
	return []project.Contributor{{Name: "Ada", Bibliographic: true}}, nil, nil
}

func (f *fakeSource) Files(_ context.Context, n *project.Node) ([]project.FileEntry, []project.Issue, error) {
	if err := f.fail("files:" + n.ID); err != nil {
		return nil, nil, err
	}
	return []project.FileEntry{{Name: "data.csv", Path: "/data.csv", Size: 10}}, nil, nil
}

func (f *fakeSource) Wikis(_ context.Context, n *project.Node) ([]project.WikiPage, []project.Issue, error) {
	if err := f.fail("wikis:" + n.ID); err != nil {
		return nil, nil, err
	}
	return slices.Clone(f.wikis[n.ID]), nil, nil
}

func (f *fakeSource) WikiContent(_ context.Context, page project.WikiPage) (string, error) {
	if err := f.fail("wiki:" + page.DownloadURL); err != nil {
		return "", err
	}
	return f.content[page.DownloadURL], nil
}

func (f *fakeSource) Image(_ context.Context, src string) ([]byte, string, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, src)
	f.mu.Unlock()
	if err := f.fail("image:" + src); err != nil {
		return nil, "", err
	}
	return []byte("png"), "image/png", nil
}

func (f *fakeSource) Metadata(_ context.Context, n *project.Node) (project.Metadata, []project.Issue, error) {
	if err := f.fail("metadata:" + n.ID); err != nil {
		return project.Metadata{}, nil, err
	}
	return project.Metadata{License: "CC0 1.0 Universal"}, nil, nil
}

func newRegistry(t *testing.T, ids ...string) *project.Registry {
	t.Helper()
	reg := project.NewRegistry()
	for _, id := range ids {
		if err := reg.Add(&project.Node{ID: id, Title: "  " + id + "  "}); err != nil {
			t.Fatal(err)
		}
	}
	reg.Roots = ids
	return reg
}

func TestAggregateFillsNodes(t *testing.T) {
	src := newSource()
	src.wikis["p1"] = []project.WikiPage{
		{Name: "methods", DownloadURL: "w/methods"},
		{Name: "home", DownloadURL: "w/home"},
	}
	src.content["w/home"] = "Welcome ![fig](https://osf.io/fig.png)"
	src.content["w/methods"] = "Methods"

	reg := newRegistry(t, "p1")
	if err := New(src, Options{Images: true}).Aggregate(context.Background(), reg); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	n := reg.Node("p1")
	if n.Title != "p1" {
		t.Errorf("title not sanitized: %q", n.Title)
	}
	if len(n.Contributors) != 1 || len(n.Files) != 1 || n.License != "CC0 1.0 Universal" {
		t.Errorf("node = %+v", n)
	}
	if len(n.Wikis) != 2 || n.Wikis[0].Name != "home" || n.Wikis[1].Name != "methods" {
		t.Fatalf("wikis = %+v", n.Wikis)
	}
	if imgs := n.Wikis[0].Images; len(imgs) != 1 || string(imgs[0].Data) != "png" || imgs[0].Err != "" {
		t.Errorf("images = %+v", imgs)
	}
	if len(n.Missing) != 0 || len(reg.Issues()) != 0 {
		t.Errorf("missing %v issues %v", n.Missing, reg.Issues())
	}
}

func TestAggregateContainsFailures(t *testing.T) {
	src := newSource()
	src.wikis["p1"] = []project.WikiPage{{Name: "home", DownloadURL: "w/home"}, {Name: "broken", DownloadURL: "w/broken"}}
	src.content["w/home"] = "![a](https://x/a.png) ![b](https://x/b.png)"
	src.failures["files:p1"] = errors.New(errors.ErrCodeRetrieval, "storage unavailable")
	src.failures["wiki:w/broken"] = errors.New(errors.ErrCodeRetrieval, "timeout")
	src.failures["image:https://x/b.png"] = errors.New(errors.ErrCodeNotFound, "gone")
	src.failures["contributors:p2"] = errors.New(errors.ErrCodeRetrieval, "boom")

	reg := newRegistry(t, "p1", "p2")
	if err := New(src, Options{Images: true, Workers: 2}).Aggregate(context.Background(), reg); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	p1 := reg.Node("p1")
	if _, ok := p1.Missing[project.ResourceFiles]; !ok {
		t.Error("files should be marked missing")
	}
	if len(p1.Contributors) != 1 {
		t.Error("contributors should survive a files failure")
	}
	if p1.Wikis[1].Err == "" || p1.Wikis[0].Err != "" {
		t.Errorf("wiki errors = %q, %q", p1.Wikis[0].Err, p1.Wikis[1].Err)
	}
	imgs := p1.Wikis[0].Images
	if len(imgs) != 2 || imgs[0].Err != "" || imgs[1].Err == "" {
		t.Errorf("images = %+v", imgs)
	}

	p2 := reg.Node("p2")
	if _, ok := p2.Missing[project.ResourceContributors]; !ok || len(p2.Files) != 1 {
		t.Errorf("p2 missing %v files %v", p2.Missing, p2.Files)
	}

	var resources []string
	for _, is := range reg.Issues() {
		resources = append(resources, is.NodeID+" "+string(is.Resource))
	}
	want := []string{"p1 files", "p1 image", "p1 wiki page", "p2 contributors"}
	if !slices.Equal(resources, want) {
		t.Errorf("issues = %v, want %v", resources, want)
	}
}

// Site-relative image references are fetched from the node's host; the
// stored source stays as written so rendering can match it.
func TestAggregateResolvesRelativeImages(t *testing.T) {
	src := newSource()
	src.wikis["p1"] = []project.WikiPage{{Name: "home", DownloadURL: "w/home"}}
	src.wikis["p2"] = []project.WikiPage{{Name: "home", DownloadURL: "w/home2"}}
	src.content["w/home"] = "![a](/p1abc/files/plot.png) ![b](plot2.png) ![c](https://cdn.example/c.png)"
	src.content["w/home2"] = "![d](/x/d.png)"

	reg := newRegistry(t, "p1", "p2")
	reg.Node("p1").URL = "https://osf.io/p1abc/"
	if err := New(src, Options{Images: true}).Aggregate(context.Background(), reg); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"https://osf.io/p1abc/files/plot.png",
		"https://osf.io/p1abc/plot2.png",
		"https://cdn.example/c.png",
		"/x/d.png",
	}
	if !slices.Equal(src.fetched, want) {
		t.Errorf("fetched = %v, want %v", src.fetched, want)
	}
	imgs := reg.Node("p1").Wikis[0].Images
	if len(imgs) != 3 || imgs[0].Source != "/p1abc/files/plot.png" || imgs[0].Err != "" {
		t.Errorf("images = %+v", imgs)
	}
}

func TestAggregateSkipsImagesWhenDisabled(t *testing.T) {
	src := newSource()
	src.wikis["p1"] = []project.WikiPage{{Name: "home", DownloadURL: "w/home"}}
	src.content["w/home"] = "![a](https://x/a.png)"

	reg := newRegistry(t, "p1")
	if err := New(src, Options{}).Aggregate(context.Background(), reg); err != nil {
		t.Fatal(err)
	}
	if imgs := reg.Node("p1").Wikis[0].Images; len(imgs) != 0 {
		t.Errorf("images fetched: %+v", imgs)
	}
}

func TestAggregateAuthorizationAborts(t *testing.T) {
	for _, workers := range []int{1, 4} {
		src := newSource()
		src.failures["metadata:p2"] = errors.New(errors.ErrCodeAuthorization, "token revoked")
		reg := newRegistry(t, "p1", "p2", "p3")
		err := New(src, Options{Workers: workers}).Aggregate(context.Background(), reg)
		if !errors.Fatal(err) {
			t.Errorf("workers=%d: err = %v, want AUTHORIZATION", workers, err)
		}
	}
}

func TestAggregateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(newSource(), Options{}).Aggregate(ctx, newRegistry(t, "p1"))
	if !errors.Is(err, errors.ErrCodeRetrieval) {
		t.Errorf("err = %v", err)
	}
}

func TestHomeFirst(t *testing.T) {
	pages := []project.WikiPage{{Name: "b"}, {Name: "Home"}, {Name: "a"}}
	var names []string
	for _, p := range HomeFirst(pages) {
		names = append(names, p.Name)
	}
	if want := []string{"Home", "b", "a"}; !slices.Equal(names, want) {
		t.Errorf("order = %v, want %v", names, want)
	}
}

// A full node against the fake OSF API, with one wiki page that keeps
// failing.
func TestAggregateAgainstAPI(t *testing.T) {
	srv := osftest.New(t)
	srv.AddNode(osftest.NodeSpec{
		ID:           "p1abc",
		Title:        "Root",
		Contributors: []osftest.ContributorSpec{{Name: "Ada"}, {Name: "Bob", Bibliographic: osftest.Bool(false)}},
		Files:        []osftest.FileSpec{{Name: "a.txt", Size: 1}},
		Wikis:        []osftest.WikiSpec{{Name: "notes", Content: "Notes"}, {Name: "home", Content: "# Home"}},
		License:      "MIT License",
	})
	srv.Fail(osftest.WikiContentPath("p1abc", 0), http.StatusServiceUnavailable, -1, nil)

	client := osf.NewClient(nil, osf.WithBaseURL(srv.BaseURL()), osf.WithRetry(httputil.Policy{Attempts: 2}))
	svc := osf.NewService(client)
	root, _, err := svc.Node(context.Background(), "p1abc")
	if err != nil {
		t.Fatal(err)
	}
	reg := project.NewRegistry()
	_ = reg.Add(root)
	reg.Roots = []string{root.ID}

	if err := New(svc, Options{Workers: 2}).Aggregate(context.Background(), reg); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(root.Contributors) != 2 || len(root.Files) != 1 || root.License != "MIT License" {
		t.Errorf("node = %+v", root)
	}
	if root.Wikis[0].Name != "home" || root.Wikis[0].Content != "# Home" {
		t.Errorf("home page = %+v", root.Wikis[0])
	}
	if root.Wikis[1].Err == "" || !strings.Contains(reg.Issues()[0].Message, "notes") {
		t.Errorf("notes page err %q issues %v", root.Wikis[1].Err, reg.Issues())
	}
}
