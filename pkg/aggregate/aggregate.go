// Package aggregate fills resolved nodes with their sub-resources:
// contributors, OSF Storage files, wiki pages with their images, and
// descriptive metadata.
//
// Failures are contained to the smallest scope that owns them. A failing
// contributor, file, wiki or metadata listing sets [project.Node.Missing]
// for that resource and records an issue; a failing wiki page sets the
// page's Err; a failing image sets the image's Err. Only AUTHORIZATION
// aborts the whole aggregation.
package aggregate

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/observability"
	"github.com/matzehuels/osfexport/pkg/project"
	"github.com/matzehuels/osfexport/pkg/render/markdown"
)

// Source retrieves node sub-resources from the remote API.
type Source interface {
	Contributors(ctx context.Context, n *project.Node) ([]project.Contributor, []project.Issue, error)
	Files(ctx context.Context, n *project.Node) ([]project.FileEntry, []project.Issue, error)
	Wikis(ctx context.Context, n *project.Node) ([]project.WikiPage, []project.Issue, error)
	WikiContent(ctx context.Context, page project.WikiPage) (string, error)
	Image(ctx context.Context, src string) ([]byte, string, error)
	Metadata(ctx context.Context, n *project.Node) (project.Metadata, []project.Issue, error)
}

// HomePage is the wiki page rendered first.
const HomePage = "home"

// Options configures an Aggregator.
type Options struct {
	// Workers bounds how many nodes are aggregated at once. Values <= 1
	// aggregate sequentially.
	Workers int
	Logger  *log.Logger
	// Images downloads images referenced from wiki markdown.
	Images bool
}

// Aggregator fetches node contents.
type Aggregator struct {
	source  Source
	workers int
	images  bool
	logger  *log.Logger
}

// New creates an Aggregator.
func New(src Source, opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Aggregator{source: src, workers: max(opts.Workers, 1), images: opts.Images, logger: logger}
}

// Aggregate fills every node in reg. Each node is written only by the
// worker that owns it; issues go through the registry's locked Report.
func (a *Aggregator) Aggregate(ctx context.Context, reg *project.Registry) error {
	start := time.Now()
	var nodes []*project.Node
	_ = reg.Walk(func(n *project.Node, _ int) error {
		nodes = append(nodes, n)
		return nil
	})

	if a.workers <= 1 {
		for _, n := range nodes {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(errors.ErrCodeRetrieval, err, "aggregation cancelled")
			}
			if err := a.node(ctx, reg, n); err != nil {
				return err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.workers)
		for _, n := range nodes {
			g.Go(func() error { return a.node(gctx, reg, n) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeRetrieval, err, "aggregation cancelled")
		}
	}

	a.logger.Info("aggregated project contents",
		"nodes", len(nodes), "issues", len(reg.Issues()), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// node fetches every sub-resource of n. The returned error is always fatal.
func (a *Aggregator) node(ctx context.Context, reg *project.Registry, n *project.Node) error {
	project.Sanitize(n)
	d := degrader{ctx: ctx, reg: reg, node: n, logger: a.logger}

	contributors, issues, err := a.source.Contributors(ctx, n)
	if d.fail(project.ResourceContributors, issues, err) {
		return err
	}
	if err == nil {
		n.Contributors = contributors
	}

	files, issues, err := a.source.Files(ctx, n)
	if d.fail(project.ResourceFiles, issues, err) {
		return err
	}
	if err == nil {
		n.Files = files
	}

	meta, issues, err := a.source.Metadata(ctx, n)
	if d.fail(project.ResourceMetadata, issues, err) {
		return err
	}
	if err == nil {
		n.ApplyMetadata(meta)
		for _, is := range issues {
			if is.Code != errors.ErrCodeValidation {
				n.MarkMissing(project.ResourceMetadata, "some metadata fields could not be retrieved")
				break
			}
		}
	}

	pages, issues, err := a.source.Wikis(ctx, n)
	if d.fail(project.ResourceWikis, issues, err) {
		return err
	}
	if err == nil {
		if err := a.wikis(ctx, d, HomeFirst(pages)); err != nil {
			return err
		}
	}

	a.logger.Debug("aggregated node", "node", n.ID,
		"contributors", len(n.Contributors), "files", len(n.Files), "wikis", len(n.Wikis), "missing", len(n.Missing))
	return nil
}

func (a *Aggregator) wikis(ctx context.Context, d degrader, pages []project.WikiPage) error {
	for i := range pages {
		page := &pages[i]
		body, err := a.source.WikiContent(ctx, *page)
		if err != nil {
			if errors.Fatal(err) {
				return err
			}
			page.Err = errors.UserMessage(err)
			d.report(project.ResourceWikiPage, err, "wiki "+page.Name)
			continue
		}
		page.Content = body
		if !a.images {
			continue
		}
		for _, src := range markdown.ImageSources(body) {
			img := project.Image{Source: src}
			data, ct, err := a.source.Image(ctx, imageURL(d.node, src))
			if err != nil {
				if errors.Fatal(err) {
					return err
				}
				img.Err = errors.UserMessage(err)
				d.report(project.ResourceImage, err, src)
			} else {
				img.Data, img.ContentType = data, ct
			}
			page.Images = append(page.Images, img)
		}
	}
	d.node.Wikis = pages
	return nil
}

// imageURL resolves a relative wiki image reference, such as
// /abc12/files/plot.png, against the node's web URL. Absolute references
// and nodes without a usable URL pass through unchanged.
func imageURL(n *project.Node, src string) string {
	ref, err := url.Parse(src)
	if err != nil || ref.IsAbs() {
		return src
	}
	base, err := url.Parse(n.URL)
	if err != nil || !base.IsAbs() {
		return src
	}
	return base.ResolveReference(ref).String()
}

// HomeFirst moves the home page to the front. Other pages keep their API
// order.
func HomeFirst(pages []project.WikiPage) []project.WikiPage {
	out := make([]project.WikiPage, 0, len(pages))
	for _, p := range pages {
		if strings.EqualFold(p.Name, HomePage) {
			out = append(out, p)
		}
	}
	for _, p := range pages {
		if !strings.EqualFold(p.Name, HomePage) {
			out = append(out, p)
		}
	}
	return out
}

// degrader records contained failures for one node.
type degrader struct {
	ctx    context.Context
	reg    *project.Registry
	node   *project.Node
	logger *log.Logger
}

// fail reports issues and, for a non-nil err, either signals a fatal error
// (returns true) or marks res missing on the node.
func (d degrader) fail(res project.Resource, issues []project.Issue, err error) bool {
	for _, is := range issues {
		d.reg.Report(is)
	}
	if err == nil {
		return false
	}
	if errors.Fatal(err) {
		return true
	}
	d.node.MarkMissing(res, errors.UserMessage(err))
	d.report(res, err, "")
	return false
}

func (d degrader) report(res project.Resource, err error, subject string) {
	if subject == "" {
		d.reg.ReportError(d.node.ID, res, err)
	} else {
		code := errors.GetCode(err)
		if code == "" {
			code = errors.ErrCodeRetrieval
		}
		d.reg.Report(project.Issue{NodeID: d.node.ID, Resource: res, Code: code, Message: subject + ": " + errors.UserMessage(err)})
	}
	observability.Export().OnDegraded(d.ctx, string(res))
	d.logger.Warn("data unavailable", "node", d.node.ID, "resource", res, "item", subject, "error", errors.UserMessage(err))
}
