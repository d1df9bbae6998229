package render

import (
	"embed"
	"encoding/base64"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/project"
	"github.com/matzehuels/osfexport/pkg/render/markdown"
)

//go:embed templates/document.html
var templateFS embed.FS

var documentTemplate = template.Must(template.New("document.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string { return t.Format(TimeLayout) },
	"png":        func(b []byte) template.URL { return dataURL("image/png", b) },
	"title":      func(k project.Kind) string { return titleCase(string(k)) },
	"indent":     func(depth int) int { return depth * 2 },
	"qr":         qrDataURL,
	"blocks":     wikiHTML,
}).ParseFS(templateFS, "templates/document.html"))

// WriteHTML writes doc as a standalone HTML page. Images, QR codes and the
// tree diagram are inlined, so the page renders offline and is the input
// for [ChromePDF].
func WriteHTML(w io.Writer, doc *Document) error {
	if err := documentTemplate.Execute(w, doc); err != nil {
		return errors.Wrap(errors.ErrCodeRender, err, "write html")
	}
	return nil
}

// QRCode encodes url as a PNG QR code.
func QRCode(url string) ([]byte, error) {
	png, err := qrcode.Encode(url, qrcode.Medium, 256)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeRender, err, "encode qr code")
	}
	return png, nil
}

func qrDataURL(url string) template.URL {
	png, err := QRCode(url)
	if err != nil {
		return ""
	}
	return dataURL("image/png", png)
}

func dataURL(contentType string, data []byte) template.URL {
	return template.URL("data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data))
}

// wikiHTML renders converted markdown blocks. Text is escaped here; only
// tags produced by this function reach the page unescaped.
func wikiHTML(w WikiSection) template.HTML {
	var sb strings.Builder
	var list []string // open list tags, one per depth
	closeLists := func(depth int) {
		for len(list) > depth {
			sb.WriteString("</" + list[len(list)-1] + ">")
			list = list[:len(list)-1]
		}
	}
	quoted := false
	for _, b := range w.Blocks {
		if b.Kind != markdown.ListItem {
			closeLists(0)
		}
		if b.Quote != quoted {
			closeLists(0)
			if b.Quote {
				sb.WriteString("<blockquote>")
			} else {
				sb.WriteString("</blockquote>")
			}
			quoted = b.Quote
		}
		switch b.Kind {
		case markdown.Heading:
			level := min(b.Level+3, 6)
			sb.WriteString("<h" + string(rune('0'+level)) + ">" + spansHTML(b.Spans) + "</h" + string(rune('0'+level)) + ">")
		case markdown.ListItem:
			tag := "ul"
			if strings.HasSuffix(b.Marker, ".") {
				tag = "ol"
			}
			closeLists(b.Depth)
			for len(list) < b.Depth {
				sb.WriteString("<" + tag + ">")
				list = append(list, tag)
			}
			sb.WriteString("<li>" + spansHTML(b.Spans) + "</li>")
		case markdown.Code:
			sb.WriteString("<pre>" + template.HTMLEscapeString(b.Text) + "</pre>")
		case markdown.Rule:
			sb.WriteString("<hr>")
		case markdown.Table:
			sb.WriteString("<table>")
			for i, row := range b.Rows {
				cell := "td"
				if i == 0 {
					cell = "th"
				}
				sb.WriteString("<tr>")
				for _, c := range row {
					sb.WriteString("<" + cell + ">" + template.HTMLEscapeString(c) + "</" + cell + ">")
				}
				sb.WriteString("</tr>")
			}
			sb.WriteString("</table>")
		case markdown.Image:
			img, ok := w.Images[b.Src]
			switch {
			case ok && img.Err == "" && len(img.Data) > 0:
				sb.WriteString(`<img src="` + template.HTMLEscapeString(string(dataURL(img.ContentType, img.Data))) + `" alt="` + template.HTMLEscapeString(b.Alt) + `">`)
			case ok && img.Err != "":
				sb.WriteString(`<p class="note">Image unavailable: ` + template.HTMLEscapeString(b.Src) + ` (` + template.HTMLEscapeString(img.Err) + `)</p>`)
			default:
				sb.WriteString(`<p class="note">Image not embedded: ` + template.HTMLEscapeString(b.Src) + `</p>`)
			}
		default:
			sb.WriteString("<p>" + spansHTML(b.Spans) + "</p>")
		}
	}
	closeLists(0)
	if quoted {
		sb.WriteString("</blockquote>")
	}
	return template.HTML(sb.String())
}

func spansHTML(spans []markdown.Span) string {
	var sb strings.Builder
	for _, s := range spans {
		text := strings.ReplaceAll(template.HTMLEscapeString(s.Text), "\n", "<br>")
		if s.Code {
			text = "<code>" + text + "</code>"
		}
		if s.Italic {
			text = "<em>" + text + "</em>"
		}
		if s.Bold {
			text = "<strong>" + text + "</strong>"
		}
		if s.Link != "" && safeLink(s.Link) {
			text = `<a href="` + template.HTMLEscapeString(s.Link) + `">` + text + "</a>"
		}
		sb.WriteString(text)
	}
	return sb.String()
}

func safeLink(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "#") || strings.HasPrefix(lower, "/")
}
