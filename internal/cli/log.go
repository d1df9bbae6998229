package cli

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/osfexport/pkg/observability"
)

// newLogger creates a logger with "HH:MM:SS.ms" timestamps.
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

var stageLabels = map[observability.Stage]string{
	observability.StageResolve:   "Resolving project tree...",
	observability.StageAggregate: "Fetching metadata, files and wikis...",
	observability.StageRender:    "Rendering document...",
	observability.StageWrite:     "Writing output...",
}

// stageProgress reports export stages on a spinner and logs each stage's
// duration at debug level. It implements observability.ExportHooks.
type stageProgress struct {
	logger  *log.Logger
	spinner *Spinner

	mu       sync.Mutex
	start    map[observability.Stage]time.Time
	degraded int
}

func newStageProgress(l *log.Logger, s *Spinner) *stageProgress {
	return &stageProgress{logger: l, spinner: s, start: make(map[observability.Stage]time.Time)}
}

func (p *stageProgress) OnStageStart(_ context.Context, stage observability.Stage) {
	p.mu.Lock()
	p.start[stage] = time.Now()
	p.mu.Unlock()
	if label, ok := stageLabels[stage]; ok && p.spinner != nil {
		p.spinner.SetMessage(label)
	}
}

func (p *stageProgress) OnStageComplete(_ context.Context, stage observability.Stage, items int, _ time.Duration, err error) {
	p.mu.Lock()
	elapsed := time.Since(p.start[stage]).Round(time.Millisecond)
	p.mu.Unlock()
	if err != nil {
		p.logger.Debug("stage failed", "stage", stage, "elapsed", elapsed, "err", err)
		return
	}
	p.logger.Debug("stage done", "stage", stage, "items", items, "elapsed", elapsed)
}

func (p *stageProgress) OnDegraded(context.Context, string) {
	p.mu.Lock()
	p.degraded++
	p.mu.Unlock()
}

// Degraded returns how many parts were replaced by placeholders so far.
func (p *stageProgress) Degraded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// ctxKey is the type for context keys used in this package.
type ctxKey int

const loggerKey ctxKey = 0

// withLogger returns a new context with the given logger attached.
func withLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// loggerFromContext retrieves the logger from ctx, or log.Default() when
// none is attached.
func loggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}
