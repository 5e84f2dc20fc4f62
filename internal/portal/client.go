package portal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
)

// HeaderSetVersion identifies the browser header set below. The portal's
// bot filter keys on these values; a change on its side shows up as
// ErrTokenNotFound and means this set needs revisiting.
const HeaderSetVersion = "v1"

var browserHeaders = map[string]string{
	"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:84.0) Gecko/20100101 Firefox/84.0",
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language":           "de,en-US;q=0.7,en;q=0.3",
	"Connection":                "keep-alive",
	"Upgrade-Insecure-Requests": "1",
}

// Cookie banner consent, seeded into the jar so every page renders without
// the welcome layer.
var consentCookies = []*http.Cookie{
	{Name: "welcome-layer-seen", Value: "1"},
	{Name: "CookieSettingsGroupId", Value: "5565384.2"},
}

const maxBodySize = 4 << 20

// Client sends browser-like requests to the portal and owns the cookie jar
// that carries the session. It is safe for sequential use only: one cycle
// at a time.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	log     logr.Logger
}

// response is a fully read portal response.
type response struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (r *response) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NewClient creates a portal client from the portal settings.
func NewClient(log logr.Logger, cfg config.PortalConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("portal: missing base url")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("portal: invalid base url %q", cfg.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("portal: create cookie jar: %w", err)
	}
	jar.SetCookies(base, consentCookies)

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Jar: jar, Timeout: cfg.Timeout()},
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}, nil
}

// BaseURL returns the portal origin.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// waitError maps a rate limiter refusal to the context error it anticipates.
// The limiter fails early, with a plain error, when the next token is due
// after the context deadline.
func waitError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func (c *Client) get(ctx context.Context, path string) (*response, error) {
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

// do builds and executes a request with the browser header set, reading the
// whole body so the connection can be reused.
func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (*response, error) {
	op := method + " " + path
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Op: op, Err: waitError(ctx, err)}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("portal: build request: %w", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	c.log.V(1).Info("portal request", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(data))

	return &response{StatusCode: resp.StatusCode, Status: resp.Status, Body: data}, nil
}

func providerError(op string, resp *response) *ProviderError {
	body := strings.TrimSpace(string(resp.Body))
	if len(body) > 256 {
		body = body[:256]
	}
	return &ProviderError{Op: op, StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
}
