package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matzehuels/osfexport/internal/osftest"
	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/httputil"
	"github.com/matzehuels/osfexport/pkg/observability"
)

func newAPI(t *testing.T) *osftest.Server {
	t.Helper()
	api := osftest.New(t)
	api.Token = "good-token"
	api.AddNode(osftest.NodeSpec{ID: "p1abc", Title: "Sleep Study", Children: []string{"c1abc"}})
	api.AddNode(osftest.NodeSpec{ID: "c1abc", Title: "Protocol", Parent: "p1abc"})
	return api
}

func newServer(t *testing.T, api *osftest.Server, cfg Config) *httptest.Server {
	t.Helper()
	cfg.BaseURL = api.BaseURL()
	cfg.Retry = httputil.Policy{Attempts: 1, BaseDelay: time.Millisecond}
	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/exports", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func errorCode(t *testing.T, resp *http.Response) errors.Code {
	t.Helper()
	var body map[string]errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"].Code
}

func TestHealthz(t *testing.T) {
	srv := newServer(t, newAPI(t), Config{})
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestExportReturnsPDF(t *testing.T) {
	api := newAPI(t)
	srv := newServer(t, api, Config{Workers: 2})

	resp := post(t, srv, `{"project_id": "p1abc"}`, "Bearer good-token")
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, b)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content type = %s", ct)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "Sleep-Study-") {
		t.Errorf("disposition = %s", resp.Header.Get("Content-Disposition"))
	}
	if resp.Header.Get(HeaderRunID) == "" || resp.Header.Get(HeaderIssues) != "0" {
		t.Errorf("headers = %v", resp.Header)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(body, []byte("%PDF-")) {
		t.Errorf("body is not a pdf: %.16q", body)
	}
	for _, r := range api.Requests() {
		if got := r.Header.Get("Authorization"); got != "Bearer good-token" {
			t.Fatalf("%s sent with Authorization %q", r.Path, got)
		}
	}
}

func TestExportHTML(t *testing.T) {
	srv := newServer(t, newAPI(t), Config{})
	resp := post(t, srv, `{"project_id": "c1abc", "format": "html"}`, "Bearer good-token")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("status %d type %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestExportErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		token  string
		status int
		code   errors.Code
	}{
		{"rejected token", `{"project_id": "p1abc"}`, "Bearer wrong", http.StatusUnauthorized, errors.ErrCodeAuthorization},
		{"anonymous private", `{"project_id": "p1abc"}`, "", http.StatusUnauthorized, errors.ErrCodeAuthorization},
		{"malformed header", `{"project_id": "p1abc"}`, "Basic abc", http.StatusUnauthorized, errors.ErrCodeAuthorization},
		{"all without token", `{"all": true}`, "", http.StatusUnauthorized, errors.ErrCodeAuthorization},
		{"unknown project", `{"project_id": "zzzzz"}`, "Bearer good-token", http.StatusNotFound, errors.ErrCodeNotFound},
		{"bad json", `{"project_id":`, "Bearer good-token", http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"unknown field", `{"project": "p1abc"}`, "Bearer good-token", http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"bad format", `{"project_id": "p1abc", "format": "docx"}`, "Bearer good-token", http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"missing project", `{}`, "Bearer good-token", http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"per root", `{"all": true, "per_root": true}`, "Bearer good-token", http.StatusBadRequest, errors.ErrCodeInvalidInput},
	}
	srv := newServer(t, newAPI(t), Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, tt.body, tt.token)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if code := errorCode(t, resp); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestExportBusy(t *testing.T) {
	s := New(Config{MaxConcurrent: 1})
	s.slots <- struct{}{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(`{"project_id": "p1abc"}`))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Errorf("status = %d headers %v", rec.Code, rec.Header())
	}
}

func TestMetrics(t *testing.T) {
	prom := observability.NewPrometheus("osfexport")
	observability.SetExportHooks(prom)
	observability.SetHTTPHooks(prom)
	t.Cleanup(observability.Reset)

	srv := newServer(t, newAPI(t), Config{Gatherer: prom.Registry()})
	if resp := post(t, srv, `{"project_id": "p1abc"}`, "Bearer good-token"); resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`osfexport_stage_runs_total{stage="resolve",status="ok"} 1`,
		`osfexport_api_requests_total`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestCORS(t *testing.T) {
	srv := newServer(t, newAPI(t), Config{AllowedOrigins: []string{"https://example.org"}})
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/exports", nil)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://example.org" {
		t.Errorf("allow origin = %q", got)
	}
}
