package project

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/matzehuels/osfexport/pkg/errors"
)

// Issue records one contained failure: a subtree, sub-resource, image or
// page that was skipped or degraded.
type Issue struct {
	NodeID   string
	Resource Resource
	Code     errors.Code
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.NodeID, i.Resource, i.Message)
}

// Registry is the set of resolved nodes for one export run.
//
// Add and Report are safe for concurrent use. Per-node fields are written
// only by the goroutine that owns the node.
type Registry struct {
	mu     sync.Mutex
	nodes  map[string]*Node
	Roots  []string
	issues []Issue
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// Add inserts n. Adding an ID twice is an error.
func (r *Registry) Add(n *Node) error {
	if n == nil || n.ID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "node without id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[n.ID]; ok {
		return errors.New(errors.ErrCodeInvalidInput, "duplicate node %s", n.ID)
	}
	r.nodes[n.ID] = n
	return nil
}

// Node returns the node with the given ID, or nil.
func (r *Registry) Node(id string) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[id]
}

// Has reports whether id is present.
func (r *Registry) Has(id string) bool {
	return r.Node(id) != nil
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Report appends an issue to the degradation summary.
func (r *Registry) Report(issue Issue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issues = append(r.issues, issue)
}

// ReportError records err against nodeID and res.
func (r *Registry) ReportError(nodeID string, res Resource, err error) {
	code := errors.GetCode(err)
	if code == "" {
		code = errors.ErrCodeRetrieval
	}
	r.Report(Issue{NodeID: nodeID, Resource: res, Code: code, Message: errors.UserMessage(err)})
}

// Issues returns the degradation summary ordered by node, resource and
// message, so output does not depend on worker scheduling.
func (r *Registry) Issues() []Issue {
	r.mu.Lock()
	out := slices.Clone(r.issues)
	r.mu.Unlock()
	slices.SortStableFunc(out, func(a, b Issue) int {
		if c := strings.Compare(a.NodeID, b.NodeID); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.Resource), string(b.Resource)); c != 0 {
			return c
		}
		return strings.Compare(a.Message, b.Message)
	})
	return out
}

// Walk visits every node reachable from the roots in pre-order: roots in
// order, children in stored order. depth is relative to the root (0). Each
// node is visited at most once. A non-nil error from fn stops the walk.
func (r *Registry) Walk(fn func(n *Node, depth int) error) error {
	return r.walkFrom(r.Roots, fn)
}

func (r *Registry) walkFrom(roots []string, fn func(n *Node, depth int) error) error {
	type frame struct {
		id    string
		depth int
	}
	visited := make(map[string]bool)
	for _, root := range roots {
		stack := []frame{{root, 0}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[f.id] {
				continue
			}
			n := r.Node(f.id)
			if n == nil {
				continue
			}
			visited[f.id] = true
			if err := fn(n, f.depth); err != nil {
				return err
			}
			for i := len(n.Children) - 1; i >= 0; i-- {
				if !visited[n.Children[i]] {
					stack = append(stack, frame{n.Children[i], f.depth + 1})
				}
			}
		}
	}
	return nil
}

// Subtree returns the IDs under root (root included) in Walk order.
func (r *Registry) Subtree(root string) []string {
	var ids []string
	_ = r.walkFrom([]string{root}, func(n *Node, _ int) error {
		ids = append(ids, n.ID)
		return nil
	})
	return ids
}

// Validate checks the forest invariants: every child ID resolves, no node
// is attached under two parents, and no root is a descendant.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	roots := make(map[string]bool, len(r.Roots))
	for _, id := range r.Roots {
		if _, ok := r.nodes[id]; !ok {
			return errors.New(errors.ErrCodeInternal, "root %s not in registry", id)
		}
		if roots[id] {
			return errors.New(errors.ErrCodeInternal, "root %s listed twice", id)
		}
		roots[id] = true
	}

	attached := make(map[string]string)
	for _, id := range sortedKeys(r.nodes) {
		for _, child := range r.nodes[id].Children {
			if _, ok := r.nodes[child]; !ok {
				return errors.New(errors.ErrCodeInternal, "node %s references missing child %s", id, child)
			}
			if prev, ok := attached[child]; ok {
				return errors.New(errors.ErrCodeInternal, "node %s attached under %s and %s", child, prev, id)
			}
			if roots[child] {
				return errors.New(errors.ErrCodeInternal, "root %s is also a child of %s", child, id)
			}
			attached[child] = id
		}
	}
	return nil
}

func sortedKeys(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
