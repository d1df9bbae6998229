package osf

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"

	"github.com/matzehuels/osfexport/pkg/buildinfo"
	"github.com/matzehuels/osfexport/pkg/cache"
	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/httputil"
	"github.com/matzehuels/osfexport/pkg/observability"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://api.osf.io/v2"
	// TestBaseURL is the OSF test server API root.
	TestBaseURL = "https://api.test.osf.io/v2"

	// APIVersion pins the JSON shape of API responses.
	APIVersion = "2.20"

	// DefaultPageSize is the largest page the API serves.
	DefaultPageSize = 100

	httpTimeout      = 30 * time.Second
	maxBodySize      = 64 << 20
	defaultThreshold = 20
	cacheNamespace   = "osf"
)

const jsonAccept = "application/vnd.api+json;version=" + APIVersion

// Client fetches resources from the OSF v2 JSON:API. It attaches the
// credential, classifies failures, retries transient ones, and optionally
// caches JSON pages.
type Client struct {
	http     *http.Client
	cache    cache.Cache
	keyer    cache.Keyer
	ttl      time.Duration
	token    string
	baseURL  string
	pageSize int
	policy   httputil.Policy
	breaker  *gobreaker.CircuitBreaker
	logger   *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the personal access token sent as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p httputil.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithTTL sets how long cached pages stay valid.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

// WithBreaker sets how many consecutive transient failures open the
// circuit breaker. Zero or less disables it.
func WithBreaker(threshold int) Option {
	return func(c *Client) { c.breaker = newBreaker(threshold, c) }
}

// WithPageSize sets page[size] for collection requests.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger sets the logger for request-level debug output.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client. A nil cache disables caching.
func NewClient(store cache.Cache, opts ...Option) *Client {
	if store == nil {
		store = cache.NewNullCache()
	}
	c := &Client{
		http:     &http.Client{Timeout: httpTimeout},
		cache:    store,
		ttl:      time.Hour,
		baseURL:  DefaultBaseURL,
		pageSize: DefaultPageSize,
		policy:   httputil.DefaultPolicy(),
		logger:   log.New(io.Discard),
	}
	c.breaker = newBreaker(defaultThreshold, c)
	for _, opt := range opts {
		opt(c)
	}
	c.keyer = cache.NewScopedKeyer(cache.NewDefaultKeyer(), cache.CredentialScope(c.token))
	return c
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// URL joins path segments onto the API root, with a trailing slash as the
// API expects.
func (c *Client) URL(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/") + "/"
}

// Query narrows a collection request.
type Query struct {
	Filters map[string]string // sent as filter[key]=value
	Params  url.Values        // sent as-is
}

// Items returns a lazy sequence over every item of the collection at href.
// It follows links.next until the server reports no further page. The
// sequence is finite and not restartable: ranging over it again re-issues
// the requests from page one. An error ends the sequence.
func (c *Client) Items(ctx context.Context, href string, q Query) iter.Seq2[Resource, error] {
	return func(yield func(Resource, error) bool) {
		next, err := c.withQuery(href, q, true)
		if err != nil {
			yield(Resource{}, err)
			return
		}
		seen := make(map[string]bool)
		for next != "" {
			if seen[next] {
				yield(Resource{}, errors.New(errors.ErrCodeRetrieval, "pagination loop at %s", next))
				return
			}
			seen[next] = true

			doc, err := c.document(ctx, next)
			if err != nil {
				yield(Resource{}, err)
				return
			}
			var items []Resource
			if !isNull(doc.Data) {
				if err := json.Unmarshal(doc.Data, &items); err != nil {
					yield(Resource{}, errors.Wrap(errors.ErrCodeRetrieval, err, "decode page %s", next))
					return
				}
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
			next = ""
			if doc.Links.Next != nil {
				next = *doc.Links.Next
			}
		}
	}
}

// Get fetches a single-resource document. A null data member is reported
// as NOT_FOUND.
func (c *Client) Get(ctx context.Context, href string, q Query) (*Resource, error) {
	u, err := c.withQuery(href, q, false)
	if err != nil {
		return nil, err
	}
	doc, err := c.document(ctx, u)
	if err != nil {
		return nil, err
	}
	if isNull(doc.Data) {
		return nil, errors.New(errors.ErrCodeNotFound, "no data at %s", u)
	}
	var r Resource
	if err := json.Unmarshal(doc.Data, &r); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRetrieval, err, "decode %s", u)
	}
	return &r, nil
}

// Raw downloads a non-JSON body such as wiki markdown or an image. It
// returns the bytes and the response content type. Responses are not
// cached.
func (c *Client) Raw(ctx context.Context, href string) ([]byte, string, error) {
	var (
		body []byte
		ct   string
	)
	err := c.execute(ctx, href, "", func(b []byte, contentType string) {
		body, ct = b, contentType
	})
	return body, ct, err
}

func (c *Client) document(ctx context.Context, u string) (*document, error) {
	key := c.keyer.HTTPKey(cacheNamespace, u)
	if data, hit, _ := c.cache.Get(ctx, key); hit {
		var doc document
		if json.Unmarshal(data, &doc) == nil {
			observability.Cache().OnCacheHit(ctx, cacheNamespace)
			return &doc, nil
		}
	}
	observability.Cache().OnCacheMiss(ctx, cacheNamespace)

	var body []byte
	if err := c.execute(ctx, u, jsonAccept, func(b []byte, _ string) { body = b }); err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRetrieval, err, "decode response from %s", u)
	}
	if err := c.cache.Set(ctx, key, body, c.ttl); err != nil {
		c.logger.Debug("cache write failed", "url", u, "error", err)
	} else {
		observability.Cache().OnCacheSet(ctx, cacheNamespace, len(body))
	}
	return &doc, nil
}

// execute runs one logical request under the retry policy and circuit
// breaker, handing the body of the successful attempt to onBody.
func (c *Client) execute(ctx context.Context, rawURL, accept string, onBody func([]byte, string)) error {
	attempt := 0
	err := httputil.Retry(ctx, c.policy, func() error {
		attempt++
		if attempt > 1 {
			observability.HTTP().OnRetry(ctx, hostOf(rawURL), "transient failure")
			c.logger.Debug("retrying request", "url", rawURL, "attempt", attempt)
		}
		if c.breaker == nil {
			return c.do(ctx, rawURL, accept, onBody)
		}
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.do(ctx, rawURL, accept, onBody)
		})
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return errors.Wrap(errors.ErrCodeRetrieval, err, "OSF API unavailable")
		}
		return err
	})
	if err == nil {
		return nil
	}
	var re *httputil.RetryableError
	if stderrors.As(err, &re) {
		if errors.Is(re.Err, errors.ErrCodeThrottled) {
			return errors.Wrap(errors.ErrCodeRetrieval, re.Err, "rate limit retry budget exhausted for %s", rawURL)
		}
		return re.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, errors.ErrCodeAuthorization) {
		return errors.Wrap(errors.ErrCodeRetrieval, ctxErr, "request %s cancelled", rawURL)
	}
	return err
}

func (c *Client) do(ctx context.Context, rawURL, accept string, onBody func([]byte, string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "build request for %s", rawURL)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if c.token != "" && c.authorizes(req.URL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	host, path := req.URL.Host, req.URL.Path
	observability.HTTP().OnRequest(ctx, http.MethodGet, host, path)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		observability.HTTP().OnError(ctx, http.MethodGet, host, path, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &httputil.RetryableError{Err: errors.Wrap(errors.ErrCodeRetrieval, err, "request %s", rawURL)}
	}
	defer resp.Body.Close()
	observability.HTTP().OnResponse(ctx, http.MethodGet, host, path, resp.StatusCode, time.Since(start))

	if err := checkStatus(resp, rawURL); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &httputil.RetryableError{Err: errors.Wrap(errors.ErrCodeRetrieval, err, "read body of %s", rawURL)}
	}
	onBody(body, resp.Header.Get("Content-Type"))
	return nil
}

func checkStatus(resp *http.Response, rawURL string) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.New(errors.ErrCodeAuthorization, "credential rejected (status %d) for %s", code, rawURL)
	case code == http.StatusNotFound || code == http.StatusGone:
		return errors.New(errors.ErrCodeNotFound, "%s not found", rawURL)
	case code == http.StatusTooManyRequests:
		after := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &httputil.RetryableError{
			Err:   errors.Throttled(after, "rate limited on %s", rawURL),
			After: time.Duration(after) * time.Second,
		}
	case code >= 500:
		return &httputil.RetryableError{Err: errors.New(errors.ErrCodeRetrieval, "server error (status %d) for %s", code, rawURL)}
	default:
		return errors.New(errors.ErrCodeRetrieval, "unexpected status %d for %s", code, rawURL)
	}
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		return n
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return int(d.Seconds()) + 1
		}
	}
	return 0
}

// authorizes reports whether the credential may be sent to u. Wiki images
// can live on third-party hosts that must never see the token.
func (c *Client) authorizes(u *url.URL) bool {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	if u.Host == base.Host {
		return true
	}
	host := u.Hostname()
	return host == "osf.io" || strings.HasSuffix(host, ".osf.io")
}

func (c *Client) withQuery(href string, q Query, paged bool) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid url %q", href)
	}
	if !u.IsAbs() {
		return "", errors.New(errors.ErrCodeInvalidInput, "url %q is not absolute", href)
	}
	values := u.Query()
	for k, v := range q.Filters {
		values.Set(fmt.Sprintf("filter[%s]", k), v)
	}
	for k, vs := range q.Params {
		for _, v := range vs {
			values.Add(k, v)
		}
	}
	if paged && values.Get("page[size]") == "" {
		values.Set("page[size]", strconv.Itoa(c.pageSize))
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Host
	}
	return ""
}

func newBreaker(threshold int, c *Client) *gobreaker.CircuitBreaker {
	if threshold <= 0 {
		return nil
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "osf-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			// Only server and network failures count against the API.
			if err == nil {
				return true
			}
			return !httputil.IsRetryable(err) || errors.Is(err, errors.ErrCodeThrottled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// IgnoreNotFound turns a NOT_FOUND error into nil. Sub-resources that do
// not exist (a node without a wiki, a license relationship without data)
// are empty results.
func IgnoreNotFound(err error) error {
	if errors.Is(err, errors.ErrCodeNotFound) {
		return nil
	}
	return err
}
