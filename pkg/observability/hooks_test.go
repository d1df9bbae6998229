package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNoopHooksDoNotPanic(t *testing.T) {
	ctx := context.Background()

	e := NoopExportHooks{}
	e.OnStageStart(ctx, StageResolve)
	e.OnStageComplete(ctx, StageResolve, 4, time.Second, nil)
	e.OnDegraded(ctx, "files")

	c := NoopCacheHooks{}
	c.OnCacheHit(ctx, "osf")
	c.OnCacheMiss(ctx, "osf")
	c.OnCacheSet(ctx, "osf", 1024)

	h := NoopHTTPHooks{}
	h.OnRequest(ctx, "GET", "api.osf.io", "/v2/nodes/p1abc/")
	h.OnResponse(ctx, "GET", "api.osf.io", "/v2/nodes/p1abc/", 200, time.Second)
	h.OnError(ctx, "GET", "api.osf.io", "/v2/nodes/p1abc/", nil)
	h.OnRetry(ctx, "api.osf.io", "throttled")
}

func TestGlobalHooksRegistry(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	if _, ok := Export().(NoopExportHooks); !ok {
		t.Error("Export() should return NoopExportHooks by default")
	}
	if _, ok := Cache().(NoopCacheHooks); !ok {
		t.Error("Cache() should return NoopCacheHooks by default")
	}
	if _, ok := HTTP().(NoopHTTPHooks); !ok {
		t.Error("HTTP() should return NoopHTTPHooks by default")
	}

	p := NewPrometheus("test")
	SetExportHooks(p)
	SetCacheHooks(p)
	SetHTTPHooks(p)
	if Export() != p || Cache() != p || HTTP() != p {
		t.Error("setters should register the prometheus hooks")
	}

	SetExportHooks(nil)
	if Export() != p {
		t.Error("SetExportHooks(nil) should be ignored")
	}

	Reset()
	if _, ok := Export().(NoopExportHooks); !ok {
		t.Error("Reset() should restore NoopExportHooks")
	}
}

func TestPrometheusCollects(t *testing.T) {
	ctx := context.Background()
	p := NewPrometheus("osfexport")

	p.OnStageComplete(ctx, StageResolve, 12, 2*time.Second, nil)
	p.OnStageComplete(ctx, StageRender, 0, time.Second, errors.New("boom"))
	p.OnDegraded(ctx, "wiki page")
	p.OnDegraded(ctx, "wiki page")
	p.OnCacheHit(ctx, "osf")
	p.OnCacheSet(ctx, "osf", 300)
	p.OnResponse(ctx, "GET", "api.osf.io", "/v2/", 429, time.Millisecond)
	p.OnRetry(ctx, "api.osf.io", "throttled")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"resolve ok", testutil.ToFloat64(p.stageRuns.WithLabelValues("resolve", "ok")), 1},
		{"render error", testutil.ToFloat64(p.stageRuns.WithLabelValues("render", "error")), 1},
		{"resolve items", testutil.ToFloat64(p.stageItems.WithLabelValues("resolve")), 12},
		{"degraded", testutil.ToFloat64(p.degraded.WithLabelValues("wiki page")), 2},
		{"cache hit", testutil.ToFloat64(p.cacheEvents.WithLabelValues("osf", "hit")), 1},
		{"cache bytes", testutil.ToFloat64(p.cacheBytes), 300},
		{"429 responses", testutil.ToFloat64(p.apiRequests.WithLabelValues("api.osf.io", "429")), 1},
		{"retries", testutil.ToFloat64(p.apiRetries.WithLabelValues("api.osf.io", "throttled")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if n, err := testutil.GatherAndCount(p.Registry()); err != nil || n == 0 {
		t.Errorf("gathered %d metrics, err %v", n, err)
	}
}
