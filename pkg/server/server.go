// Package server exposes exports over HTTP.
//
// Routes:
//
//	POST /v1/exports   run an export and respond with the document
//	GET  /healthz      liveness
//	GET  /metrics      Prometheus metrics
//
// The export body is JSON ({"project_id": "abc12", "format": "pdf"}). The
// caller's bearer credential is forwarded to the API, so each request sees
// exactly the projects its token can see. Degradation is reported in the
// X-Osfexport-Issues response header.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matzehuels/osfexport/pkg/cache"
	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/export"
	"github.com/matzehuels/osfexport/pkg/httputil"
	"github.com/matzehuels/osfexport/pkg/osf"
	"github.com/matzehuels/osfexport/pkg/render"
)

const maxBodyBytes = 1 << 16

// Response headers.
const (
	HeaderRunID  = "X-Osfexport-Run"
	HeaderIssues = "X-Osfexport-Issues"
)

// Config configures a Server.
type Config struct {
	BaseURL string
	Cache   cache.Cache
	// CacheTTL is how long cached API pages stay valid.
	CacheTTL time.Duration
	Retry    httputil.Policy
	// Workers bounds API concurrency within one export.
	Workers int
	// MaxConcurrent bounds exports running at once. Excess requests get 503.
	MaxConcurrent int
	// Timeout bounds one export.
	Timeout        time.Duration
	AllowedOrigins []string
	Diagram        bool
	SkipImages     bool
	Chrome         render.ChromeOptions
	PDF            render.PDFOptions
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer   prometheus.Gatherer
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Server runs exports on request.
type Server struct {
	cfg    Config
	logger *log.Logger
	slots  chan struct{}
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = osf.DefaultBaseURL
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		slots:  make(chan struct{}, max(cfg.MaxConcurrent, 1)),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{HeaderRunID, HeaderIssues, "Content-Disposition"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/exports", s.createExport)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createExport(w http.ResponseWriter, r *http.Request) {
	var req export.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.ValidateAndSetDefaults(); err != nil {
		respondError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, errors.UserMessage(err))
		return
	}
	if req.PerRoot {
		respondError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "per_root is not supported over HTTP")
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, errors.ErrCodeAuthorization, "malformed Authorization header")
		return
	}
	if req.All && token == "" {
		respondError(w, http.StatusUnauthorized, errors.ErrCodeAuthorization, "exporting all projects requires a bearer credential")
		return
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		w.Header().Set("Retry-After", "30")
		respondError(w, http.StatusServiceUnavailable, errors.ErrCodeThrottled, "too many exports in progress")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	runner := export.NewRunner(osf.NewService(s.client(token)), export.Options{
		Workers:    s.cfg.Workers,
		Logger:     s.logger.With("request", chimiddleware.GetReqID(r.Context())),
		SkipImages: s.cfg.SkipImages,
		Diagram:    s.cfg.Diagram,
		Chrome:     s.cfg.Chrome,
		PDF:        s.cfg.PDF,
	})
	result, err := runner.Prepare(ctx, req)
	if err != nil {
		s.fail(w, err)
		return
	}

	// Encode fully before writing headers so a late failure still yields a
	// proper error response.
	var body bytes.Buffer
	out := result.Outputs[0]
	if err := runner.Encode(ctx, &body, out.Document, req); err != nil {
		s.fail(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", req.ContentType())
	h.Set("Content-Disposition", `attachment; filename="`+out.Name+`"`)
	h.Set(HeaderRunID, result.RunID)
	h.Set(HeaderIssues, strconv.Itoa(len(result.Issues)))
	h.Set("Content-Length", strconv.Itoa(body.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
}

func (s *Server) client(token string) *osf.Client {
	opts := []osf.Option{
		osf.WithBaseURL(s.cfg.BaseURL),
		osf.WithToken(token),
		osf.WithLogger(s.logger),
	}
	if s.cfg.Retry.Attempts > 0 {
		opts = append(opts, osf.WithRetry(s.cfg.Retry))
	}
	if s.cfg.CacheTTL > 0 {
		opts = append(opts, osf.WithTTL(s.cfg.CacheTTL))
	}
	if s.cfg.HTTPClient != nil {
		opts = append(opts, osf.WithHTTPClient(s.cfg.HTTPClient))
	}
	return osf.NewClient(s.cfg.Cache, opts...)
}

// fail maps a run error to an HTTP status. The most specific code in the
// chain decides, so a RETRIEVAL caused by NOT_FOUND is a 404.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, errors.ErrCodeInternal
	for _, m := range statusMap {
		if errors.Is(err, m.code) {
			status, code = m.status, m.code
			break
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	s.logger.Warn("export failed", "status", status, "error", err)
	respondError(w, status, code, errors.UserMessage(err))
}

var statusMap = []struct {
	code   errors.Code
	status int
}{
	{errors.ErrCodeAuthorization, http.StatusUnauthorized},
	{errors.ErrCodeInvalidInput, http.StatusBadRequest},
	{errors.ErrCodeNotFound, http.StatusNotFound},
	{errors.ErrCodeThrottled, http.StatusTooManyRequests},
	{errors.ErrCodeRetrieval, http.StatusBadGateway},
	{errors.ErrCodeRender, http.StatusInternalServerError},
}

// bearerToken extracts the credential. A missing header is anonymous
// access; anything other than a Bearer scheme is rejected.
func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", true
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request", chimiddleware.GetReqID(r.Context()))
	})
}

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code errors.Code, msg string) {
	respondJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}
