package render

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register decoders for DecodeConfig
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/gomonobolditalic"
	"golang.org/x/image/font/gofont/gomonoitalic"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/project"
	"github.com/matzehuels/osfexport/pkg/render/markdown"
)

// Page geometry in millimetres.
const (
	marginLeft   = 15.0
	marginTop    = 15.0
	marginRight  = 15.0
	marginBottom = 20.0
	indentStep   = 6.0
	maxIndent    = 5
	qrSize       = 24.0
	lineHeight   = 5.0
	font         = "go"
	mono         = "gomono"
)

// PDFOptions tunes the native PDF engine.
type PDFOptions struct {
	// FontFile is a TrueType font used for body text in place of the
	// bundled Go fonts, which cover Latin, Greek and Cyrillic only. A CJK
	// face goes here. The one face serves every style.
	FontFile string
}

type fontFace struct {
	family, style string
	ttf           []byte
}

var goFaces = []fontFace{
	{font, "", goregular.TTF},
	{font, "B", gobold.TTF},
	{font, "I", goitalic.TTF},
	{font, "BI", gobolditalic.TTF},
	{mono, "", gomono.TTF},
	{mono, "B", gomonobold.TTF},
	{mono, "I", gomonoitalic.TTF},
	{mono, "BI", gomonobolditalic.TTF},
}

func (o PDFOptions) faces() ([]fontFace, error) {
	if o.FontFile == "" {
		return goFaces, nil
	}
	ttf, err := os.ReadFile(o.FontFile)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeRender, err, "read pdf font")
	}
	faces := slices.Clone(goFaces)
	for i := range faces {
		if faces[i].family == font {
			faces[i].ttf = ttf
		}
	}
	return faces, nil
}

// WritePDF lays doc out as a PDF: a cover with the contents list, then one
// page run per section. Sections are indented one step per depth and the
// outline mirrors the tree. Output for the same document is byte-identical.
func WritePDF(w io.Writer, doc *Document) error {
	return WritePDFWith(w, doc, PDFOptions{})
}

// WritePDFWith is [WritePDF] with engine options.
func WritePDFWith(w io.Writer, doc *Document, opts PDFOptions) error {
	faces, err := opts.faces()
	if err != nil {
		return err
	}
	p := newPDFWriter(doc, faces)
	p.layout()
	if err := p.pdf.Error(); err != nil {
		return errors.Wrap(errors.ErrCodeRender, err, "lay out pdf")
	}
	if err := p.pdf.Output(w); err != nil {
		return errors.Wrap(errors.ErrCodeRender, err, "write pdf")
	}
	return nil
}

func (p *pdfWriter) layout() {
	p.cover()
	for i := range p.doc.Sections {
		p.section(i)
	}
}

type pdfWriter struct {
	doc    *Document
	pdf    *fpdf.Fpdf
	links  []int // internal link per section
	pageW  float64
	pageH  float64
	left   float64 // current left edge
	right  float64 // current right margin
	images int
}

func newPDFWriter(doc *Document, faces []fontFace) *pdfWriter {
	pdf := fpdf.New("P", "mm", "A4", "")
	for _, f := range faces {
		pdf.AddUTF8FontFromBytes(f.family, f.style, f.ttf)
	}
	pdf.SetMargins(marginLeft, marginTop, marginRight)
	pdf.SetAutoPageBreak(true, marginBottom)
	pdf.SetCreationDate(doc.ExportedAt)
	pdf.SetModificationDate(doc.ExportedAt)
	pdf.SetCatalogSort(true)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("osfexport", true)

	p := &pdfWriter{doc: doc, pdf: pdf, left: marginLeft, right: marginRight}
	p.pageW, p.pageH = pdf.GetPageSize()
	for range doc.Sections {
		p.links = append(p.links, pdf.AddLink())
	}
	exported := doc.ExportedAt.Format(TimeLayout)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetX(marginLeft)
		pdf.SetFont(font, "", 8)
		pdf.SetTextColor(110, 110, 110)
		width := p.pageW - marginLeft - marginRight
		pdf.CellFormat(width, 10, "Exported: "+exported, "", 0, "L", false, 0, "")
		pdf.SetX(marginLeft)
		pdf.CellFormat(width, 10, fmt.Sprintf("Page: %d", pdf.PageNo()), "", 0, "C", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
	})
	return p
}

func (p *pdfWriter) width() float64 { return p.pageW - p.left - p.right }

func (p *pdfWriter) setRight(m float64) {
	p.right = m
	p.pdf.SetRightMargin(m)
}

func (p *pdfWriter) indent(depth int) {
	p.left = marginLeft + float64(min(depth, maxIndent))*indentStep
	p.pdf.SetLeftMargin(p.left)
	p.pdf.SetX(p.left)
}

func (p *pdfWriter) text(style string, size float64, s string) {
	p.pdf.SetFont(font, style, size)
	p.pdf.MultiCell(p.width(), size*0.45, s, "", "L", false)
}

func (p *pdfWriter) heading(size float64, s string) {
	p.pdf.Ln(2)
	p.text("B", size, s)
	p.pdf.Ln(1)
}

func (p *pdfWriter) note(s string) {
	p.pdf.SetFillColor(255, 246, 229)
	p.pdf.SetTextColor(138, 75, 0)
	p.pdf.SetFont(font, "I", 9)
	p.pdf.MultiCell(p.width(), lineHeight, s, "L", "L", true)
	p.pdf.SetTextColor(0, 0, 0)
	p.pdf.Ln(1)
}

func (p *pdfWriter) cover() {
	d := p.doc
	p.pdf.AddPage()
	p.pdf.Bookmark("Cover", 0, -1)
	p.indent(0)
	p.text("B", 22, d.Title)
	p.pdf.Ln(2)
	p.text("", 10, "Exported: "+d.ExportedAt.Format(TimeLayout))
	p.text("", 10, fmt.Sprintf("Projects and components: %d", d.NodeCount))

	p.heading(14, "Projects")
	for _, r := range d.Roots {
		line := "• " + r.Title
		if r.URL != "" {
			line += " (" + r.URL + ")"
		}
		p.text("", 10, line)
	}

	if d.Diagram != nil && len(d.Diagram.PNG) > 0 {
		p.pdf.Ln(3)
		if !p.image("diagram", d.Diagram.PNG, p.width()) {
			p.note("The project tree diagram could not be embedded.")
		}
	} else if d.DiagramNote != "" {
		p.pdf.Ln(2)
		p.note(d.DiagramNote)
	}

	if len(d.Issues) > 0 {
		p.heading(14, "Incomplete data")
		p.text("", 9, "The following data could not be retrieved or rendered. Affected sections carry a note.")
		p.pdf.Ln(1)
		rows := make([][]string, 0, len(d.Issues))
		for _, is := range d.Issues {
			rows = append(rows, []string{is.NodeID, string(is.Resource), string(is.Code), is.Message})
		}
		p.table([]string{"Node", "Resource", "Kind", "Detail"}, []float64{0.15, 0.15, 0.17, 0.53}, rows, nil)
	}

	p.heading(14, "Contents")
	p.pdf.SetFont(font, "", 10)
	for i, s := range d.Sections {
		p.pdf.SetX(marginLeft + float64(min(s.Depth, maxIndent))*indentStep)
		p.pdf.CellFormat(0, lineHeight+0.5, s.Heading(), "", 1, "L", false, p.links[i], "")
	}
}

func (p *pdfWriter) section(i int) {
	s := p.doc.Sections[i]
	p.indent(0)
	p.pdf.AddPage()
	p.pdf.SetLink(p.links[i], 0, -1)
	p.pdf.Bookmark(s.Heading(), s.Depth, -1)

	if s.URL != "" {
		if png, err := QRCode(s.URL); err == nil {
			p.placeImage("qr-"+s.NodeID, png, p.pageW-marginRight-qrSize, marginTop-5, qrSize)
		}
	}

	p.indent(s.Depth)
	// Keep the heading clear of the QR code.
	p.setRight(marginRight + qrSize + 2)
	if s.Parent != "" {
		p.pdf.SetTextColor(90, 90, 90)
		p.text("", 9, "Part of "+s.Parent)
		p.pdf.SetTextColor(0, 0, 0)
	}
	p.text("B", 18, s.Heading())
	if s.URL != "" {
		p.pdf.SetFont(font, "", 9)
		p.pdf.Write(lineHeight, titleCase(string(s.Kind))+" URL: ")
		p.pdf.WriteLinkString(lineHeight, s.URL, s.URL)
		p.pdf.Ln(lineHeight)
	}
	if y := marginTop + qrSize; p.pdf.GetY() < y {
		p.pdf.SetY(y)
	}
	p.setRight(marginRight)
	p.pdf.SetX(p.left)
	p.pdf.Ln(2)
	for _, n := range s.Notes {
		p.note(n)
	}

	kind := titleCase(string(s.Kind))
	p.heading(14, "1. "+kind+" Metadata")
	for _, f := range s.Fields {
		p.field(f)
	}

	p.heading(14, "2. Contributors")
	rows := make([][]string, 0, len(s.Contributors))
	links := make([]string, 0, len(s.Contributors))
	for _, c := range s.Contributors {
		rows = append(rows, []string{c.Name, c.Bibliographic, c.ProfileURL})
		links = append(links, c.ProfileURL)
	}
	p.table([]string{"Name", "Bibliographic?", "Profile Link"}, []float64{0.4, 0.2, 0.4}, rows, links)

	p.heading(14, "3. Files in "+kind)
	p.text("B", 11, "OSF Storage")
	if len(s.Files) == 0 {
		p.text("", 10, s.FilesNote)
	} else {
		rows = rows[:0]
		links = links[:0]
		for _, f := range s.Files {
			download := f.DownloadURL
			if download == "" {
				download = "N/A"
			}
			rows = append(rows, []string{f.Name, f.Path, f.Size, download})
			links = append(links, f.DownloadURL)
		}
		p.table([]string{"File Name", "Path", "Size (MB)", "Download Link"}, []float64{0.25, 0.3, 0.12, 0.33}, rows, links)
	}

	p.heading(14, "4. Wiki")
	if len(s.Wikis) == 0 {
		p.text("", 10, "No wiki pages.")
	}
	for j, w := range s.Wikis {
		p.heading(12, w.Name)
		if w.Note != "" {
			p.note(w.Note)
			continue
		}
		p.wiki(fmt.Sprintf("%s-w%d", s.NodeID, j), w)
	}
}

func (p *pdfWriter) field(f Field) {
	p.pdf.SetFont(font, "B", 10)
	p.pdf.Write(lineHeight, f.Label+": ")
	p.pdf.SetFont(font, "", 10)
	p.pdf.Write(lineHeight, f.Value)
	p.pdf.Ln(lineHeight + 0.5)
	for _, group := range f.Groups {
		saved := p.left
		p.left += indentStep
		p.pdf.SetLeftMargin(p.left)
		p.pdf.SetX(p.left)
		for _, sub := range group {
			p.field(sub)
		}
		p.left = saved
		p.pdf.SetLeftMargin(p.left)
		p.pdf.Ln(1)
	}
}

// table draws a bordered table with wrapped cells, repeating the header
// after page breaks. widths are fractions of the available width. links,
// when set, holds a target for the last column of each row.
func (p *pdfWriter) table(header []string, widths []float64, rows [][]string, links []string) {
	total := p.width()
	cols := make([]float64, len(widths))
	for i, f := range widths {
		cols[i] = f * total
	}
	drawRow := func(cells []string, link string) {
		p.pdf.SetFont(font, "", 9)
		lines := 1
		split := make([][]string, len(cells))
		for i, c := range cells {
			split[i] = p.pdf.SplitText(c, cols[i]-2)
			lines = max(lines, len(split[i]))
		}
		h := float64(lines)*4.2 + 1.5
		if p.pdf.GetY()+h > p.pageH-marginBottom {
			p.pdf.AddPage()
			p.pdf.SetX(p.left)
			p.tableHeader(header, cols)
			p.pdf.SetFont(font, "", 9)
		}
		x, y := p.left, p.pdf.GetY()
		for i := range cells {
			p.pdf.Rect(x, y, cols[i], h, "D")
			p.pdf.SetXY(x+1, y+0.75)
			text := strings.Join(split[i], "\n")
			if i == len(cells)-1 && link != "" {
				p.pdf.SetTextColor(30, 80, 170)
				p.pdf.MultiCell(cols[i]-2, 4.2, text, "", "L", false)
				p.pdf.LinkString(x, y, cols[i], h, link)
				p.pdf.SetTextColor(0, 0, 0)
			} else {
				p.pdf.MultiCell(cols[i]-2, 4.2, text, "", "L", false)
			}
			x += cols[i]
		}
		p.pdf.SetXY(p.left, y+h)
	}
	p.tableHeader(header, cols)
	for i, r := range rows {
		link := ""
		if i < len(links) {
			link = links[i]
		}
		drawRow(r, link)
	}
	p.pdf.Ln(2)
}

func (p *pdfWriter) tableHeader(header []string, cols []float64) {
	p.pdf.SetFont(font, "B", 9)
	p.pdf.SetFillColor(238, 241, 245)
	x, y := p.left, p.pdf.GetY()
	for i, h := range header {
		p.pdf.SetXY(x, y)
		p.pdf.CellFormat(cols[i], 6, h, "1", 0, "L", true, 0, "")
		x += cols[i]
	}
	p.pdf.SetXY(p.left, y+6)
}

func (p *pdfWriter) wiki(prefix string, w WikiSection) {
	base := p.left
	for i, b := range w.Blocks {
		left := base + float64(min(b.Depth, maxIndent))*indentStep
		if b.Quote {
			left += indentStep / 2
		}
		p.pdf.SetLeftMargin(left)
		p.pdf.SetX(left)
		p.left = left

		switch b.Kind {
		case markdown.Heading:
			size := max(14-float64(b.Level), 10)
			p.pdf.Ln(1)
			p.spans(b.Spans, "B", size)
			p.pdf.Ln(1)
		case markdown.ListItem:
			p.pdf.SetFont(font, "", 10)
			p.pdf.Write(lineHeight, b.Marker+" ")
			p.spans(b.Spans, "", 10)
		case markdown.Code:
			p.pdf.SetFont(mono, "", 8.5)
			p.pdf.SetFillColor(244, 244, 244)
			p.pdf.MultiCell(p.width(), 4, b.Text, "", "L", true)
			p.pdf.Ln(1)
		case markdown.Rule:
			y := p.pdf.GetY() + 1.5
			p.pdf.Line(left, y, p.pageW-marginRight, y)
			p.pdf.Ln(3)
		case markdown.Table:
			if len(b.Rows) > 0 {
				widths := make([]float64, len(b.Rows[0]))
				for k := range widths {
					widths[k] = 1 / float64(len(widths))
				}
				p.table(b.Rows[0], widths, padRows(b.Rows[1:], len(widths)), nil)
			}
		case markdown.Image:
			p.wikiImage(fmt.Sprintf("%s-i%d", prefix, i), b, w.Images)
		default:
			if b.Quote {
				p.spans(b.Spans, "I", 10)
			} else {
				p.spans(b.Spans, "", 10)
			}
			p.pdf.Ln(1.5)
		}
	}
	p.left = base
	p.pdf.SetLeftMargin(base)
	p.pdf.SetX(base)
}

func padRows(rows [][]string, n int) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		row := make([]string, n)
		copy(row, r)
		out[i] = row
	}
	return out
}

// spans writes styled inline text and ends the line.
func (p *pdfWriter) spans(spans []markdown.Span, base string, size float64) {
	h := size * 0.5
	for _, s := range spans {
		style := base
		if s.Bold && !strings.Contains(style, "B") {
			style += "B"
		}
		if s.Italic && !strings.Contains(style, "I") {
			style += "I"
		}
		family := font
		if s.Code {
			family = mono
		}
		p.pdf.SetFont(family, style, size)
		text := s.Text
		if s.Link != "" && safeLink(s.Link) {
			p.pdf.SetTextColor(30, 80, 170)
			p.pdf.WriteLinkString(h, text, s.Link)
			p.pdf.SetTextColor(0, 0, 0)
			continue
		}
		p.pdf.Write(h, text)
	}
	p.pdf.Ln(h)
}

func (p *pdfWriter) wikiImage(name string, b markdown.Block, images map[string]project.Image) {
	img, ok := images[b.Src]
	switch {
	case !ok:
		p.note("Image not embedded: " + b.Src)
	case img.Err != "":
		p.note("Image unavailable: " + b.Src + " (" + img.Err + ")")
	case !p.image(name, img.Data, p.width()):
		p.note("Image could not be embedded: " + b.Src)
	}
}

// image registers data and places it at the current position, scaled to
// at most maxW. It reports false, leaving the document untouched, when the
// image format cannot be embedded.
func (p *pdfWriter) image(name string, data []byte, maxW float64) bool {
	kind, w, h, ok := imageKind(data)
	if !ok {
		return false
	}
	p.images++
	name = fmt.Sprintf("%s-%d", name, p.images)
	p.pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: kind}, bytes.NewReader(data))
	if p.pdf.Err() {
		p.pdf.ClearError()
		return false
	}
	wmm := min(float64(w)*25.4/96, maxW)
	hmm := wmm * float64(h) / float64(w)
	if maxH := p.pageH - marginTop - marginBottom - 10; hmm > maxH {
		hmm = maxH
		wmm = hmm * float64(w) / float64(h)
	}
	p.pdf.ImageOptions(name, p.left, -1, wmm, hmm, true, fpdf.ImageOptions{ImageType: kind}, 0, "")
	p.pdf.Ln(2)
	return true
}

func (p *pdfWriter) placeImage(name string, data []byte, x, y, size float64) {
	kind, _, _, ok := imageKind(data)
	if !ok {
		return
	}
	p.pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: kind}, bytes.NewReader(data))
	p.pdf.ImageOptions(name, x, y, size, size, false, fpdf.ImageOptions{ImageType: kind}, 0, "")
}

// imageKind sniffs the formats fpdf can embed. Interlaced PNGs are
// rejected up front because fpdf fails the whole document on them.
func imageKind(data []byte) (kind string, w, h int, ok bool) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		return "", 0, 0, false
	}
	switch format {
	case "png":
		if len(data) > 28 && data[28] != 0 {
			return "", 0, 0, false
		}
		return "PNG", cfg.Width, cfg.Height, true
	case "jpeg":
		return "JPG", cfg.Width, cfg.Height, true
	case "gif":
		return "GIF", cfg.Width, cfg.Height, true
	}
	return "", 0, 0, false
}
