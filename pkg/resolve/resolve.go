// Package resolve builds the project forest for one export run.
//
// The [Resolver] starts from a single requested node or from every node the
// credential's owner can access, lists children breadth-first with a
// visited-set so that each ID is listed at most once, and then attaches
// children to parents in a separate deterministic pass. Fetch completion
// order therefore never affects the tree.
//
// Failure policy:
//   - AUTHORIZATION anywhere cancels all pending work and is returned.
//   - Failing to fetch the requested root, or the accessible listing, is
//     fatal (RETRIEVAL).
//   - Failing to list one node's children marks that node Incomplete,
//     records an issue, and lets the rest of the tree resolve.
package resolve

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/observability"
	"github.com/matzehuels/osfexport/pkg/project"
)

// Fetcher retrieves nodes from the remote API.
type Fetcher interface {
	// Node fetches a single node by ID.
	Node(ctx context.Context, id string) (*project.Node, []project.Issue, error)
	// Children lists the direct children of n in API order.
	Children(ctx context.Context, n *project.Node) ([]*project.Node, []project.Issue, error)
	// Accessible lists every node visible to the credential, in listing order.
	Accessible(ctx context.Context) ([]*project.Node, []project.Issue, error)
}

// Options configures a Resolver.
type Options struct {
	// Workers bounds concurrent child listings. Values <= 1 resolve
	// sequentially.
	Workers int
	Logger  *log.Logger
}

// Selection chooses the export roots.
type Selection struct {
	RootID string // a single project or component
	All    bool   // every accessible top-level project; RootID is ignored
}

// Resolver resolves project forests.
type Resolver struct {
	fetcher Fetcher
	workers int
	logger  *log.Logger
}

// New creates a Resolver.
func New(f Fetcher, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Resolver{fetcher: f, workers: max(opts.Workers, 1), logger: logger}
}

// run is the state of one Resolve call.
type run struct {
	*Resolver
	reg     *project.Registry
	listed  map[string][]string // child IDs per node, API order
	visited map[string]bool     // IDs whose children were queued for listing
	order   []string            // node IDs in discovery order
}

// Resolve fetches the nodes selected by sel and returns a validated
// registry whose roots are exactly the selected top-level entries.
func (r *Resolver) Resolve(ctx context.Context, sel Selection) (*project.Registry, error) {
	start := time.Now()
	st := &run{
		Resolver: r,
		reg:      project.NewRegistry(),
		listed:   make(map[string][]string),
		visited:  make(map[string]bool),
	}

	seeds, err := st.seed(ctx, sel)
	if err != nil {
		return nil, err
	}
	if err := st.crawl(ctx, seeds); err != nil {
		return nil, err
	}

	if sel.All {
		st.attachAll()
	} else {
		st.attach([]string{seeds[0].ID})
	}
	if err := st.reg.Validate(); err != nil {
		return nil, err
	}

	r.logger.Info("resolved project tree",
		"nodes", st.reg.Len(), "roots", len(st.reg.Roots), "duration", time.Since(start).Round(time.Millisecond))
	return st.reg, nil
}

func (st *run) seed(ctx context.Context, sel Selection) ([]*project.Node, error) {
	if sel.All {
		nodes, issues, err := st.fetcher.Accessible(ctx)
		if err != nil {
			return nil, rootError(err, "list accessible projects")
		}
		st.report(issues)
		var seeds []*project.Node
		for _, n := range nodes {
			if st.add(n) {
				seeds = append(seeds, n)
			}
		}
		return seeds, nil
	}

	n, issues, err := st.fetcher.Node(ctx, sel.RootID)
	if err != nil {
		return nil, rootError(err, "fetch project %s", sel.RootID)
	}
	st.report(issues)
	if !st.add(n) {
		return nil, errors.New(errors.ErrCodeRetrieval, "project %s: response has no usable id", sel.RootID)
	}
	return []*project.Node{n}, nil
}

func rootError(err error, format string, args ...any) error {
	if errors.Fatal(err) || errors.Is(err, errors.ErrCodeInvalidInput) {
		return err
	}
	return errors.Wrap(errors.ErrCodeRetrieval, err, format, args...)
}

func (st *run) add(n *project.Node) bool {
	if err := st.reg.Add(n); err != nil {
		return false
	}
	st.order = append(st.order, n.ID)
	return true
}

func (st *run) report(issues []project.Issue) {
	for _, is := range issues {
		st.reg.Report(is)
	}
}

// listing is the outcome of one child listing.
type listing struct {
	children []*project.Node
	issues   []project.Issue
	err      error
}

// crawl lists children level by level. Each level is fetched with up to
// workers concurrent requests; results are merged in level order by this
// goroutine only, so the registry sees a deterministic sequence of adds.
func (st *run) crawl(ctx context.Context, frontier []*project.Node) error {
	for _, n := range frontier {
		st.visited[n.ID] = true
	}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeRetrieval, err, "resolution cancelled")
		}
		results, err := st.listLevel(ctx, frontier)
		if err != nil {
			return err
		}

		var next []*project.Node
		for i, n := range frontier {
			res := results[i]
			st.report(res.issues)
			if res.err != nil {
				n.Incomplete = true
				st.listed[n.ID] = nil
				st.reg.ReportError(n.ID, project.ResourceChildren, res.err)
				observability.Export().OnDegraded(ctx, string(project.ResourceChildren))
				st.logger.Warn("could not list components", "node", n.ID, "error", errors.UserMessage(res.err))
				continue
			}
			ids := make([]string, 0, len(res.children))
			for _, child := range res.children {
				if child == nil || child.ID == "" {
					st.reg.Report(project.Issue{
						NodeID:   n.ID,
						Resource: project.ResourceChildren,
						Code:     errors.ErrCodeValidation,
						Message:  "component without id skipped",
					})
					continue
				}
				if !st.reg.Has(child.ID) && !st.add(child) {
					continue
				}
				ids = append(ids, child.ID)
				if !st.visited[child.ID] {
					st.visited[child.ID] = true
					next = append(next, st.reg.Node(child.ID))
				}
			}
			st.listed[n.ID] = ids
			st.logger.Debug("listed components", "node", n.ID, "children", len(ids))
		}
		frontier = next
	}
	return nil
}

func (st *run) listLevel(ctx context.Context, frontier []*project.Node) ([]listing, error) {
	results := make([]listing, len(frontier))
	if st.workers <= 1 {
		for i, n := range frontier {
			children, issues, err := st.fetcher.Children(ctx, n)
			if errors.Fatal(err) {
				return nil, err
			}
			results[i] = listing{children, issues, err}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(st.workers)
	for i, n := range frontier {
		g.Go(func() error {
			children, issues, err := st.fetcher.Children(gctx, n)
			if errors.Fatal(err) {
				return err
			}
			results[i] = listing{children, issues, err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// attach sets Children on every node reachable from roots by a pre-order
// walk over the listed child IDs. A child is attached to the first parent
// that reaches it; later references (duplicates, cycles) are dropped.
func (st *run) attach(roots []string) {
	claimed := make(map[string]bool)
	for _, id := range roots {
		claimed[id] = true
	}
	st.attachFrom(roots, claimed)
	st.reg.Roots = roots
}

func (st *run) attachFrom(roots []string, claimed map[string]bool) {
	for _, root := range roots {
		stack := []string{root}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			n := st.reg.Node(id)

			var kids []string
			for _, child := range st.listed[id] {
				if claimed[child] || !st.reg.Has(child) {
					continue
				}
				claimed[child] = true
				kids = append(kids, child)
				st.reg.Node(child).Parent = id
			}
			n.Children = kids
			for i := len(kids) - 1; i >= 0; i-- {
				stack = append(stack, kids[i])
			}
		}
	}
}

// attachAll picks roots for the all-accessible selection. Listed nodes
// without a parent, or whose parent is not accessible, are roots in listing
// order. Nodes still unattached afterwards (their parent's listing failed)
// become roots too, so nothing accessible is dropped.
func (st *run) attachAll() {
	claimed := make(map[string]bool)
	var roots []string
	for _, id := range st.order {
		n := st.reg.Node(id)
		if n.IsRoot() || !st.reg.Has(n.Parent) {
			roots = append(roots, id)
			claimed[id] = true
		}
	}
	st.attachFrom(roots, claimed)

	for _, id := range st.order {
		if claimed[id] {
			continue
		}
		claimed[id] = true
		roots = append(roots, id)
		st.attachFrom([]string{id}, claimed)
	}
	st.reg.Roots = roots
}
