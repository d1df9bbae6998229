package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/osfexport/pkg/aggregate"
	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/observability"
	"github.com/matzehuels/osfexport/pkg/project"
	"github.com/matzehuels/osfexport/pkg/render"
	"github.com/matzehuels/osfexport/pkg/resolve"
)

// Source is the remote API as seen by the runner. *osf.Service implements
// it.
type Source interface {
	resolve.Fetcher
	aggregate.Source
}

// Options configures a Runner.
type Options struct {
	// Workers bounds concurrent API work in resolution and aggregation.
	// Values <= 1 run sequentially.
	Workers int
	Logger  *log.Logger
	// SkipImages leaves wiki images as placeholders instead of downloading
	// them.
	SkipImages bool
	// Diagram draws the project tree on the cover.
	Diagram bool
	// Chrome configures the chrome engine.
	Chrome render.ChromeOptions
	// PDF configures the native engine.
	PDF render.PDFOptions
	// Now returns the export timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Runner encapsulates export execution. It holds no per-run state, so
// multiple goroutines can share one Runner.
type Runner struct {
	Source Source
	Logger *log.Logger
	opts   Options
}

// NewRunner creates a runner over src. If opts.Logger is nil, log.Default
// is used.
func NewRunner(src Source, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{Source: src, Logger: opts.Logger, opts: opts}
}

// Execute runs the complete pipeline and writes the documents to
// req.Dest.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := req.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if req.Dest == "" {
		req.Dest = "."
	}
	result, err := r.Prepare(ctx, req)
	if err != nil {
		return result, err
	}
	logger := r.Logger.With("run", result.RunID)

	start := time.Now()
	hooks := observability.Export()
	hooks.OnStageStart(ctx, observability.StageWrite)
	paths, size, err := r.write(ctx, req, result.Outputs)
	result.Stats.WriteTime = time.Since(start)
	hooks.OnStageComplete(ctx, observability.StageWrite, len(paths), result.Stats.WriteTime, err)
	if err != nil {
		return result, fmt.Errorf("write: %w", err)
	}
	result.Paths = paths
	result.Stats.Bytes = size

	logger.Info("wrote documents",
		"files", len(paths),
		"bytes", size,
		"duration", result.Stats.WriteTime)
	return result, nil
}

// Prepare runs resolution, aggregation and document building without
// writing anything. Use [Runner.Encode] to lay out the returned outputs.
func (r *Runner) Prepare(ctx context.Context, req Request) (*Result, error) {
	if err := req.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	result := &Result{RunID: uuid.NewString()}
	logger := r.Logger.With("run", result.RunID)
	hooks := observability.Export()

	// Stage 1: Resolve
	start := time.Now()
	hooks.OnStageStart(ctx, observability.StageResolve)
	reg, err := resolve.New(r.Source, resolve.Options{Workers: r.opts.Workers, Logger: logger}).
		Resolve(ctx, resolve.Selection{RootID: req.RootID, All: req.All})
	result.Stats.ResolveTime = time.Since(start)
	hooks.OnStageComplete(ctx, observability.StageResolve, registryLen(reg), result.Stats.ResolveTime, err)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	result.Registry = reg
	result.Stats.NodeCount = reg.Len()

	logger.Info("resolved project tree",
		"roots", len(reg.Roots),
		"nodes", reg.Len(),
		"duration", result.Stats.ResolveTime)

	// Stage 2: Aggregate
	start = time.Now()
	hooks.OnStageStart(ctx, observability.StageAggregate)
	err = aggregate.New(r.Source, aggregate.Options{
		Workers: r.opts.Workers,
		Logger:  logger,
		Images:  !r.opts.SkipImages,
	}).Aggregate(ctx, reg)
	result.Stats.AggregateTime = time.Since(start)
	hooks.OnStageComplete(ctx, observability.StageAggregate, reg.Len(), result.Stats.AggregateTime, err)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	logger.Info("aggregated contents",
		"nodes", reg.Len(),
		"duration", result.Stats.AggregateTime)

	// Stage 3: Build
	start = time.Now()
	hooks.OnStageStart(ctx, observability.StageRender)
	outputs, err := r.build(ctx, logger, reg, req)
	result.Stats.RenderTime = time.Since(start)
	hooks.OnStageComplete(ctx, observability.StageRender, len(outputs), result.Stats.RenderTime, err)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	result.Outputs = outputs
	result.Issues = reg.Issues()
	result.Stats.IssueCount = len(result.Issues)

	logger.Info("built documents",
		"documents", len(outputs),
		"issues", len(result.Issues),
		"duration", result.Stats.RenderTime)
	return result, nil
}

// build creates one document for the whole forest, or one per root.
func (r *Runner) build(ctx context.Context, logger *log.Logger, reg *project.Registry, req Request) ([]Output, error) {
	now := r.opts.Now()
	if !req.PerRoot || len(reg.Roots) < 2 {
		out, err := r.document(ctx, logger, reg, req, now)
		if err != nil {
			return nil, err
		}
		return []Output{out}, nil
	}

	var outputs []Output
	used := make(map[string]int)
	for _, root := range reg.Roots {
		sub, err := subRegistry(reg, root)
		if err != nil {
			return nil, err
		}
		out, err := r.document(ctx, logger, sub, req, now)
		if err != nil {
			return nil, err
		}
		// Conversion issues land in the per-root registry; keep the
		// run-wide summary complete.
		for _, issue := range sub.Issues() {
			if issue.Code == errors.ErrCodeRender {
				reg.Report(issue)
			}
		}
		out.Name = uniqueName(used, out.Name)
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (r *Runner) document(ctx context.Context, logger *log.Logger, reg *project.Registry, req Request, now time.Time) (Output, error) {
	opts := render.Options{ExportedAt: now}
	if r.opts.Diagram {
		d, err := render.TreeDiagram(ctx, reg)
		if err != nil {
			logger.Warn("tree diagram skipped", "error", err)
			opts.DiagramNote = "Project tree diagram unavailable: " + errors.UserMessage(err)
		} else {
			opts.Diagram = d
		}
	}
	doc, err := render.Build(reg, opts)
	if err != nil {
		return Output{}, err
	}
	return Output{Name: render.Filename(doc.Title, req.Ext(), now), Document: doc}, nil
}

// Encode lays out doc in the request's format and engine. req must have
// been defaulted by [Request.ValidateAndSetDefaults].
func (r *Runner) Encode(ctx context.Context, w io.Writer, doc *render.Document, req Request) error {
	switch {
	case req.Format == FormatHTML:
		return render.WriteHTML(w, doc)
	case req.Engine == EngineChrome:
		var page bytes.Buffer
		if err := render.WriteHTML(&page, doc); err != nil {
			return err
		}
		pdf, err := render.ChromePDF(ctx, page.Bytes(), r.opts.Chrome)
		if err != nil {
			return err
		}
		if _, err := w.Write(pdf); err != nil {
			return errors.Wrap(errors.ErrCodeRender, err, "write pdf")
		}
		return nil
	default:
		return render.WritePDFWith(w, doc, r.opts.PDF)
	}
}

// subRegistry copies the subtree under root, and the issues of its nodes,
// into a registry of its own.
func subRegistry(reg *project.Registry, root string) (*project.Registry, error) {
	sub := project.NewRegistry()
	ids := reg.Subtree(root)
	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		if err := sub.Add(reg.Node(id)); err != nil {
			return nil, err
		}
		members[id] = true
	}
	sub.Roots = []string{root}
	for _, issue := range reg.Issues() {
		if members[issue.NodeID] {
			sub.Report(issue)
		}
	}
	return sub, nil
}

// uniqueName disambiguates roots that share a title.
func uniqueName(used map[string]int, name string) string {
	used[name]++
	n := used[name]
	if n == 1 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}

func registryLen(reg *project.Registry) int {
	if reg == nil {
		return 0
	}
	return reg.Len()
}
