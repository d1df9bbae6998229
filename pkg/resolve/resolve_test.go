package resolve

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matzehuels/osfexport/internal/osftest"
	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/httputil"
	"github.com/matzehuels/osfexport/pkg/osf"
	"github.com/matzehuels/osfexport/pkg/project"
)

type fakeFetcher struct {
	mu         sync.Mutex
	parents    map[string]string
	children   map[string][]string
	accessible []string
	failures   map[string]error
	rootErr    error
	calls      map[string]int
}

func newFake() *fakeFetcher {
	return &fakeFetcher{
		parents:  make(map[string]string),
		children: make(map[string][]string),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeFetcher) link(parent string, kids ...string) *fakeFetcher {
	f.children[parent] = append(f.children[parent], kids...)
	for _, k := range kids {
		if _, ok := f.parents[k]; !ok {
			f.parents[k] = parent
		}
	}
	return f
}

func (f *fakeFetcher) node(id string) *project.Node {
	kind := project.KindProject
	if f.parents[id] != "" {
		kind = project.KindComponent
	}
	return &project.Node{ID: id, Title: "Node " + id, Kind: kind, Parent: f.parents[id]}
}

func (f *fakeFetcher) Node(_ context.Context, id string) (*project.Node, []project.Issue, error) {
	if f.rootErr != nil {
		return nil, nil, f.rootErr
	}
	return f.node(id), nil, nil
}

func (f *fakeFetcher) Children(ctx context.Context, n *project.Node) ([]*project.Node, []project.Issue, error) {
	f.mu.Lock()
	f.calls[n.ID]++
	err := f.failures[n.ID]
	f.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	var out []*project.Node
	for _, id := range f.children[n.ID] {
		out = append(out, f.node(id))
	}
	return out, nil, nil
}

func (f *fakeFetcher) Accessible(context.Context) ([]*project.Node, []project.Issue, error) {
	if f.rootErr != nil {
		return nil, nil, f.rootErr
	}
	var out []*project.Node
	for _, id := range f.accessible {
		out = append(out, f.node(id))
	}
	return out, nil, nil
}

func walkOrder(t *testing.T, reg *project.Registry) ([]string, map[string]int) {
	t.Helper()
	var order []string
	depths := map[string]int{}
	_ = reg.Walk(func(n *project.Node, depth int) error {
		order = append(order, n.ID)
		depths[n.ID] = depth
		return nil
	})
	return order, depths
}

func TestResolveScenarioA(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			f := newFake().link("p1", "c1", "c2").link("c2", "c3")
			reg, err := New(f, Options{Workers: workers}).Resolve(context.Background(), Selection{RootID: "p1"})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			order, depths := walkOrder(t, reg)
			if want := []string{"p1", "c1", "c2", "c3"}; !slices.Equal(order, want) {
				t.Errorf("order = %v, want %v", order, want)
			}
			if depths["c3"] != 2 {
				t.Errorf("c3 depth = %d, want 2", depths["c3"])
			}
			if !slices.Equal(reg.Roots, []string{"p1"}) {
				t.Errorf("roots = %v", reg.Roots)
			}
		})
	}
}

func TestResolveFetchesEachIDOnce(t *testing.T) {
	f := newFake().
		link("p1", "a", "b").
		link("a", "b", "shared").
		link("b", "shared", "p1") // back edge to the root
	reg, err := New(f, Options{Workers: 3}).Resolve(context.Background(), Selection{RootID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	for id, n := range f.calls {
		if n != 1 {
			t.Errorf("children of %s listed %d times", id, n)
		}
	}
	if err := reg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	order, _ := walkOrder(t, reg)
	if want := []string{"p1", "a", "shared", "b"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if got := reg.Node("b").Children; len(got) != 0 {
		t.Errorf("b should attach nothing, got %v", got)
	}
}

func TestResolveChildFailureIsContained(t *testing.T) {
	f := newFake().link("p1", "c1", "c2", "c4").link("c2", "c3").link("c4", "c5")
	f.failures["c2"] = errors.New(errors.ErrCodeRetrieval, "rate limit retry budget exhausted")

	reg, err := New(f, Options{}).Resolve(context.Background(), Selection{RootID: "p1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	c2 := reg.Node("c2")
	if !c2.Incomplete || len(c2.Children) != 0 {
		t.Errorf("c2 incomplete %v children %v", c2.Incomplete, c2.Children)
	}
	if reg.Has("c3") {
		t.Error("c3 should not be resolved")
	}
	if got := reg.Node("c4").Children; !slices.Equal(got, []string{"c5"}) {
		t.Errorf("sibling subtree children = %v", got)
	}
	issues := reg.Issues()
	if len(issues) != 1 || issues[0].NodeID != "c2" || issues[0].Resource != project.ResourceChildren {
		t.Errorf("issues = %v", issues)
	}
}

func TestResolveAuthorizationAborts(t *testing.T) {
	for _, workers := range []int{1, 8} {
		f := newFake().link("p1", "c1", "c2", "c3")
		f.failures["c2"] = errors.New(errors.ErrCodeAuthorization, "credential rejected")
		_, err := New(f, Options{Workers: workers}).Resolve(context.Background(), Selection{RootID: "p1"})
		if !errors.Fatal(err) {
			t.Errorf("workers=%d: err = %v, want AUTHORIZATION", workers, err)
		}
	}
}

func TestResolveRootFailureIsFatal(t *testing.T) {
	f := newFake()
	f.rootErr = errors.New(errors.ErrCodeNotFound, "gone")
	_, err := New(f, Options{}).Resolve(context.Background(), Selection{RootID: "p1"})
	if errors.GetCode(err) != errors.ErrCodeRetrieval {
		t.Errorf("err = %v, want RETRIEVAL", err)
	}

	_, err = New(f, Options{}).Resolve(context.Background(), Selection{All: true})
	if errors.GetCode(err) != errors.ErrCodeRetrieval {
		t.Errorf("all mode err = %v, want RETRIEVAL", err)
	}
}

func TestResolveAllAccessible(t *testing.T) {
	f := newFake().link("p1", "c1").link("hidden", "orphan").link("orphan", "leaf")
	f.accessible = []string{"c1", "p1", "orphan", "p2", "leaf"}

	reg, err := New(f, Options{Workers: 2}).Resolve(context.Background(), Selection{All: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := []string{"p1", "orphan", "p2"}; !slices.Equal(reg.Roots, want) {
		t.Errorf("roots = %v, want %v", reg.Roots, want)
	}
	if got := reg.Node("p1").Children; !slices.Equal(got, []string{"c1"}) {
		t.Errorf("p1 children = %v", got)
	}
	if got := reg.Node("orphan").Children; !slices.Equal(got, []string{"leaf"}) {
		t.Errorf("orphan children = %v", got)
	}
	if err := reg.Validate(); err != nil {
		t.Error(err)
	}
}

func TestResolveAllKeepsChildrenOfFailedListing(t *testing.T) {
	f := newFake().link("p1", "c1")
	f.accessible = []string{"p1", "c1"}
	f.failures["p1"] = errors.New(errors.ErrCodeRetrieval, "boom")

	reg, err := New(f, Options{}).Resolve(context.Background(), Selection{All: true})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"p1", "c1"}; !slices.Equal(reg.Roots, want) {
		t.Errorf("roots = %v, want %v", reg.Roots, want)
	}
	if !reg.Node("p1").Incomplete {
		t.Error("p1 should be incomplete")
	}
}

func TestResolveParallelIsDeterministic(t *testing.T) {
	f := newFake()
	for i := range 6 {
		parent := fmt.Sprintf("n%d", i)
		f.link("root", parent)
		for j := range 5 {
			f.link(parent, fmt.Sprintf("n%d_%d", i, j))
		}
	}
	baseline, err := New(f, Options{}).Resolve(context.Background(), Selection{RootID: "root"})
	if err != nil {
		t.Fatal(err)
	}
	want, _ := walkOrder(t, baseline)

	for range 10 {
		reg, err := New(f, Options{Workers: 8}).Resolve(context.Background(), Selection{RootID: "root"})
		if err != nil {
			t.Fatal(err)
		}
		if got, _ := walkOrder(t, reg); !slices.Equal(got, want) {
			t.Fatalf("parallel order %v differs from sequential %v", got, want)
		}
	}
}

// Scenario D against the fake OSF API: one component's children listing is
// throttled past the retry budget.
func TestResolveThrottledSubtree(t *testing.T) {
	srv := osftest.New(t)
	srv.AddNode(osftest.NodeSpec{ID: "p1abc", Title: "Root", Children: []string{"c1abc", "c2abc"}})
	srv.AddNode(osftest.NodeSpec{ID: "c1abc", Title: "Throttled", Parent: "p1abc", Children: []string{"c3abc"}})
	srv.AddNode(osftest.NodeSpec{ID: "c2abc", Title: "Fine", Parent: "p1abc", Children: []string{"c4abc"}})
	srv.AddNode(osftest.NodeSpec{ID: "c3abc", Parent: "c1abc"})
	srv.AddNode(osftest.NodeSpec{ID: "c4abc", Parent: "c2abc"})
	srv.Fail(osftest.ChildrenPath("c1abc"), http.StatusTooManyRequests, -1, nil)

	client := osf.NewClient(nil,
		osf.WithBaseURL(srv.BaseURL()),
		osf.WithRetry(httputil.Policy{Attempts: 3, BaseDelay: time.Millisecond}),
	)
	reg, err := New(osf.NewService(client), Options{Workers: 2}).Resolve(context.Background(), Selection{RootID: "p1abc"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	order, _ := walkOrder(t, reg)
	if want := []string{"p1abc", "c1abc", "c2abc", "c4abc"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if !reg.Node("c1abc").Incomplete {
		t.Error("throttled node should be incomplete")
	}
	if hits := srv.Hits(osftest.ChildrenPath("c1abc")); hits != 3 {
		t.Errorf("children of c1abc requested %d times, want 3", hits)
	}
	issues := reg.Issues()
	if len(issues) != 1 || issues[0].Code != errors.ErrCodeRetrieval {
		t.Errorf("issues = %v", issues)
	}
}

func TestResolveSkipsChildWithoutID(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			srv := osftest.New(t)
			srv.AddNode(osftest.NodeSpec{ID: "root1", Title: "Root", Children: []string{"c1abc"}})
			srv.AddNode(osftest.NodeSpec{ID: "c1abc", Title: "Kept", Parent: "root1"})
			srv.SetCollection(osftest.ChildrenPath("root1"), []any{
				map[string]any{"type": "nodes", "attributes": map[string]any{"title": "no id"}},
			})

			client := osf.NewClient(nil, osf.WithBaseURL(srv.BaseURL()))
			reg, err := New(osf.NewService(client), Options{Workers: workers}).Resolve(context.Background(), Selection{RootID: "root1"})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if reg.Len() != 1 {
				t.Errorf("Len() = %d, want 1", reg.Len())
			}
			if reg.Node("root1").Incomplete {
				t.Error("a malformed item should not mark the listing incomplete")
			}
			issues := reg.Issues()
			if len(issues) != 1 || issues[0].Code != errors.ErrCodeValidation {
				t.Errorf("issues = %v, want one VALIDATION issue", issues)
			}
		})
	}
}

func TestResolveDropsChildrenWithEmptyID(t *testing.T) {
	f := newFake().link("p1abc", "c1abc", "", "c2abc")
	for _, workers := range []int{1, 4} {
		reg, err := New(f, Options{Workers: workers}).Resolve(context.Background(), Selection{RootID: "p1abc"})
		if err != nil {
			t.Fatalf("workers=%d: Resolve: %v", workers, err)
		}
		order, _ := walkOrder(t, reg)
		if want := []string{"p1abc", "c1abc", "c2abc"}; !slices.Equal(order, want) {
			t.Errorf("workers=%d: order = %v, want %v", workers, order, want)
		}
		if f.calls[""] != 0 {
			t.Errorf("workers=%d: children listed for an empty id", workers)
		}
	}
}
