// Package render turns a resolved and aggregated project registry into an
// export document.
//
// # Overview
//
// Rendering is split in two. [Build] walks the registry once and produces a
// layout-neutral [Document]: a cover (title, export time, node count, root
// list, degradation summary, optional tree diagram) followed by one
// [Section] per node in traversal order. Sinks then lay the document out:
//
//   - [WritePDF]: native PDF via fpdf, with a nested outline, per-depth
//     indentation, a QR code of each node's URL and a page/time footer
//   - [WriteHTML]: a self-contained HTML page
//   - [ChromePDF]: the HTML page printed by headless Chrome
//
// Sinks never consult the registry, so the same document always lays out
// the same way.
//
//	doc, err := render.Build(reg, render.Options{ExportedAt: now})
//	if err != nil {
//	    return err
//	}
//	err = render.WritePDF(f, doc)
//
// # Wiki Content
//
// Wiki markdown is converted by the [markdown] subpackage. A page that
// cannot be converted is replaced by a note in its section and reported as
// a RENDER issue; the rest of the document is unaffected.
//
// # Tree Diagram
//
// [TreeDOT] describes the forest in Graphviz DOT and [TreeDiagram] draws
// it with go-graphviz for the cover. A failure there only adds a note.
package render
