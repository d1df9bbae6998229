package render

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/project"
)

// MaxDiagramNodes bounds the tree diagram; larger forests get a note.
const MaxDiagramNodes = 150

const maxLabel = 32

// Diagram is the rendered project tree for the cover.
type Diagram struct {
	DOT string
	PNG []byte
}

// TreeDOT converts the registry forest to Graphviz DOT, one box per node
// in traversal order. Incomplete nodes get a dashed outline.
func TreeDOT(reg *project.Registry) string {
	var buf bytes.Buffer
	buf.WriteString("digraph G {\n")
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, fontname=\"Helvetica\", fontsize=12, margin=\"0.15,0.08\"];\n")
	buf.WriteString("  ranksep=0.4;\n")
	buf.WriteString("  nodesep=0.25;\n")
	buf.WriteString("\n")

	var edges []string
	_ = reg.Walk(func(n *project.Node, _ int) error {
		fmt.Fprintf(&buf, "  %q [%s];\n", n.ID, strings.Join(nodeAttrs(n), ", "))
		for _, child := range n.Children {
			edges = append(edges, fmt.Sprintf("  %q -> %q;\n", n.ID, child))
		}
		return nil
	})

	buf.WriteString("\n")
	for _, e := range edges {
		buf.WriteString(e)
	}
	buf.WriteString("}\n")
	return buf.String()
}

func nodeAttrs(n *project.Node) []string {
	label := n.Title
	if r := []rune(label); len(r) > maxLabel {
		label = string(r[:maxLabel-1]) + "…"
	}
	attrs := []string{fmt.Sprintf("label=%q", label)}
	if n.Kind == project.KindProject {
		attrs = append(attrs, "fillcolor=\"#e8f0fe\"")
	}
	if n.Incomplete {
		attrs = append(attrs, "style=\"rounded,filled,dashed\"", "fontcolor=\"#666666\"")
	}
	return attrs
}

// TreeDiagram draws the forest as a PNG. Callers treat an error as a
// cover note rather than a failed export.
func TreeDiagram(ctx context.Context, reg *project.Registry) (*Diagram, error) {
	if n := reg.Len(); n > MaxDiagramNodes {
		return nil, errors.New(errors.ErrCodeRender, "project tree has %d nodes, diagram limited to %d", n, MaxDiagramNodes)
	}
	dot := TreeDOT(reg)

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeRender, err, "init graphviz")
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeRender, err, "parse DOT")
	}
	defer g.Close()

	var png bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.PNG, &png); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRender, err, "render diagram")
	}
	return &Diagram{DOT: dot, PNG: png.Bytes()}, nil
}
