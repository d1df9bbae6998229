// Package markdown converts wiki markdown into layout-neutral blocks.
//
// [Parse] walks a goldmark AST (CommonMark plus GitHub tables and
// strikethrough) and flattens it into [Block] values that any document sink
// can lay out: headings, paragraphs with styled spans, list items, quotes,
// code, rules, tables and images. [ImageSources] lists image references so
// the aggregator can prefetch them.
//
// Input that is not valid UTF-8, or that makes the parser fail, yields a
// RENDER error; callers render a placeholder for that page only.
package markdown

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/matzehuels/osfexport/pkg/errors"
)

// Kind identifies a block type.
type Kind int

const (
	Heading Kind = iota
	Paragraph
	ListItem
	Code
	Rule
	Table
	Image
)

func (k Kind) String() string {
	switch k {
	case Heading:
		return "heading"
	case Paragraph:
		return "paragraph"
	case ListItem:
		return "list item"
	case Code:
		return "code"
	case Rule:
		return "rule"
	case Table:
		return "table"
	case Image:
		return "image"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Span is a run of inline text sharing one style.
type Span struct {
	Text   string
	Bold   bool
	Italic bool
	Code   bool
	Link   string // destination when the span is a link
}

func (s Span) sameStyle(o Span) bool {
	return s.Bold == o.Bold && s.Italic == o.Italic && s.Code == o.Code && s.Link == o.Link
}

// Block is one laid-out unit of a page.
type Block struct {
	Kind Kind

	// Level is the heading level (1-6).
	Level int
	// Depth is the list and quote nesting of the block, 0 at top level.
	Depth int
	// Quote is set for blocks inside a blockquote.
	Quote bool
	// Marker is the bullet or number of a list item ("•", "3.").
	Marker string

	Spans []Span     // Heading, Paragraph, ListItem
	Text  string     // Code
	Rows  [][]string // Table; the first row is the header
	Src   string     // Image
	Alt   string     // Image
}

// PlainText joins the block's spans without styling.
func (b Block) PlainText() string {
	var sb strings.Builder
	for _, s := range b.Spans {
		sb.WriteString(s.Text)
	}
	return sb.String()
}

var md = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify))

// Parse converts markdown to blocks.
func Parse(src string) (blocks []Block, err error) {
	doc, source, err := parse(src)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			blocks, err = nil, errors.New(errors.ErrCodeRender, "convert markdown: %v", r)
		}
	}()
	c := &converter{src: source}
	c.children(doc, scope{})
	return c.blocks, nil
}

// ImageSources returns the destinations of all images referenced by src in
// document order, without duplicates. Unparseable input has none.
func ImageSources(src string) []string {
	doc, _, err := parse(src)
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if img, ok := n.(*ast.Image); ok && entering {
			dest := strings.TrimSpace(string(img.Destination))
			if dest != "" && !seen[dest] {
				seen[dest] = true
				out = append(out, dest)
			}
		}
		return ast.WalkContinue, nil
	})
	return out
}

func parse(src string) (doc ast.Node, source []byte, err error) {
	if !utf8.ValidString(src) {
		return nil, nil, errors.New(errors.ErrCodeRender, "wiki content is not valid UTF-8")
	}
	source = []byte(src)
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, errors.New(errors.ErrCodeRender, "parse markdown: %v", r)
		}
	}()
	return md.Parser().Parse(text.NewReader(source)), source, nil
}

// scope is the block context inherited by nested blocks.
type scope struct {
	depth  int
	quote  bool
	marker string // pending list marker for the item's first text block
}

type converter struct {
	src    []byte
	blocks []Block
}

func (c *converter) children(n ast.Node, sc scope) {
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		c.block(child, sc)
		sc.marker = ""
	}
}

func (c *converter) block(n ast.Node, sc scope) {
	switch n := n.(type) {
	case *ast.Heading:
		c.text(n, Block{Kind: Heading, Level: n.Level, Depth: sc.depth, Quote: sc.quote})
	case *ast.Paragraph, *ast.TextBlock:
		b := Block{Kind: Paragraph, Depth: sc.depth, Quote: sc.quote}
		if sc.marker != "" {
			b.Kind, b.Marker = ListItem, sc.marker
		}
		c.text(n, b)
	case *ast.List:
		index := n.Start
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			marker := "•"
			if n.IsOrdered() {
				marker = strconv.Itoa(index) + "."
				index++
			}
			inner := scope{depth: sc.depth + 1, quote: sc.quote, marker: marker}
			if item.FirstChild() == nil {
				c.blocks = append(c.blocks, Block{Kind: ListItem, Depth: inner.depth, Quote: sc.quote, Marker: marker})
				continue
			}
			c.children(item, inner)
		}
	case *ast.Blockquote:
		c.children(n, scope{depth: sc.depth, quote: true})
	case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
		c.blocks = append(c.blocks, Block{Kind: Code, Depth: sc.depth, Quote: sc.quote, Text: c.lines(n)})
	case *ast.ThematicBreak:
		c.blocks = append(c.blocks, Block{Kind: Rule, Depth: sc.depth})
	case *east.Table:
		c.table(n, sc)
	default:
		c.children(n, sc)
	}
}

func (c *converter) lines(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(c.src))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// text appends b with the inline content of n. Images inside the
// paragraph follow it as their own blocks.
func (c *converter) text(n ast.Node, b Block) {
	in := &inline{src: c.src}
	in.walk(n, Span{})
	b.Spans = in.spans
	if len(b.Spans) > 0 || b.Kind != Paragraph {
		c.blocks = append(c.blocks, b)
	}
	for _, img := range in.images {
		img.Depth, img.Quote = b.Depth, b.Quote
		c.blocks = append(c.blocks, img)
	}
}

func (c *converter) table(n *east.Table, sc scope) {
	var rows [][]string
	for row := n.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			in := &inline{src: c.src}
			in.walk(cell, Span{})
			cells = append(cells, strings.TrimSpace(Block{Spans: in.spans}.PlainText()))
		}
		rows = append(rows, cells)
	}
	c.blocks = append(c.blocks, Block{Kind: Table, Depth: sc.depth, Quote: sc.quote, Rows: rows})
}

type inline struct {
	src    []byte
	spans  []Span
	images []Block
}

func (in *inline) add(s Span) {
	if s.Text == "" {
		return
	}
	if last := len(in.spans) - 1; last >= 0 && in.spans[last].sameStyle(s) {
		in.spans[last].Text += s.Text
		return
	}
	in.spans = append(in.spans, s)
}

func (in *inline) walk(n ast.Node, style Span) {
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		in.node(child, style)
	}
}

func (in *inline) node(n ast.Node, style Span) {
	switch n := n.(type) {
	case *ast.Text:
		s := style
		s.Text = string(n.Segment.Value(in.src))
		switch {
		case n.HardLineBreak():
			s.Text += "\n"
		case n.SoftLineBreak():
			s.Text += " "
		}
		in.add(s)
	case *ast.String:
		s := style
		s.Text = string(n.Value)
		in.add(s)
	case *ast.Emphasis:
		s := style
		if n.Level >= 2 {
			s.Bold = true
		} else {
			s.Italic = true
		}
		in.walk(n, s)
	case *ast.CodeSpan:
		s := style
		s.Code = true
		in.walk(n, s)
	case *ast.Link:
		s := style
		s.Link = string(n.Destination)
		in.walk(n, s)
	case *ast.AutoLink:
		url := string(n.URL(in.src))
		s := style
		s.Text, s.Link = url, url
		in.add(s)
	case *ast.Image:
		alt := &inline{src: in.src}
		alt.walk(n, Span{})
		in.images = append(in.images, Block{
			Kind: Image,
			Src:  strings.TrimSpace(string(n.Destination)),
			Alt:  Block{Spans: alt.spans}.PlainText(),
		})
	case *ast.RawHTML:
		// Inline tags carry no text worth keeping.
	case *east.Strikethrough:
		in.walk(n, style)
	default:
		in.walk(n, style)
	}
}

// String renders blocks as indented plain text, for logs and tests.
func String(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(strings.Repeat("  ", b.Depth))
		switch b.Kind {
		case Heading:
			fmt.Fprintf(&sb, "%s %s", strings.Repeat("#", b.Level), b.PlainText())
		case ListItem:
			fmt.Fprintf(&sb, "%s %s", b.Marker, b.PlainText())
		case Code:
			sb.WriteString(b.Text)
		case Rule:
			sb.WriteString("---")
		case Table:
			for i, row := range b.Rows {
				if i > 0 {
					sb.WriteString(" / ")
				}
				sb.WriteString(strings.Join(row, " | "))
			}
		case Image:
			fmt.Fprintf(&sb, "[image %s]", b.Src)
		default:
			sb.WriteString(b.PlainText())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
