// Package client provides the upstream HTTP client used to probe and fetch
// remote resources.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ziply-proxy-go/internal/config"
	"ziply-proxy-go/internal/metrics"
	"ziply-proxy-go/internal/model"
	"ziply-proxy-go/internal/policy"
)

var (
	// ErrTooManyRedirects is returned when the redirect chain exceeds the configured cap.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrRedirectRejected wraps a policy error raised for a redirect hop.
	ErrRedirectRejected = errors.New("redirect rejected by policy")
)

// RedirectChecker validates a redirect target before it is followed.
type RedirectChecker interface {
	Check(u *url.URL) error
}

// UpstreamClient sends HEAD and GET requests to arbitrary upstream hosts.
// Redirects are followed up to a cap, each hop optionally re-checked against
// the URL policy. Request lifetime is bound to the caller's context.
type UpstreamClient struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	redirects    RedirectChecker
	slots        *semaphore.Weighted
	maxRedirects int
	userAgent    string
}

// NewUpstreamClient creates an UpstreamClient with connection pooling. The
// policy is applied to every redirect hop unless revalidation is disabled.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, pol *policy.Policy, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	var checker RedirectChecker
	if pol != nil && cfg.Upstream.ShouldRevalidateRedirects() {
		checker = pol
	}
	return NewUpstreamClientWithTransport(cfg, checker, logger, m, newTransport(cfg))
}

// NewUpstreamClientWithTransport is NewUpstreamClient with an explicit
// RoundTripper, e.g. one trusting an httptest TLS certificate.
func NewUpstreamClientWithTransport(cfg *config.Config, redirects RedirectChecker, logger *slog.Logger, m *metrics.Metrics, rt http.RoundTripper) *UpstreamClient {
	c := &UpstreamClient{
		logger:       logger.With("component", "upstream_client"),
		metrics:      m,
		redirects:    redirects,
		maxRedirects: cfg.Upstream.RedirectLimit(),
		userAgent:    cfg.Upstream.UserAgent,
	}
	if cfg.Upstream.MaxConcurrent > 0 {
		c.slots = semaphore.NewWeighted(int64(cfg.Upstream.MaxConcurrent))
	}

	// No overall client timeout: it would cut off long downloads. Headers can
	// be bounded with the transport's ResponseHeaderTimeout instead.
	c.httpClient = &http.Client{
		Transport:     rt,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

func newTransport(cfg *config.Config) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.HeaderTimeoutSeconds) * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// Head issues a header-only request. The returned body is empty but must
// still be closed to release the connection slot.
func (c *UpstreamClient) Head(ctx context.Context, rawURL string) (*model.ProxyResponse, error) {
	return c.do(ctx, http.MethodHead, rawURL)
}

// Get issues a GET and returns the response body as a stream. The caller is
// responsible for closing it; cancelling ctx aborts the transfer.
func (c *UpstreamClient) Get(ctx context.Context, rawURL string) (*model.ProxyResponse, error) {
	return c.do(ctx, http.MethodGet, rawURL)
}

func (c *UpstreamClient) do(ctx context.Context, method, rawURL string) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("upstream request",
		"method", method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	label := metrics.NormalizeMethod(method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(label).Observe(duration)
	}

	if err != nil {
		release()
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		Probe: probe(resp),
		Body:  &slotBody{ReadCloser: resp.Body, release: release},
	}, nil
}

// acquire takes a connection slot when a concurrency cap is configured. The
// returned func is idempotent.
func (c *UpstreamClient) acquire(ctx context.Context) (func(), error) {
	if c.slots != nil {
		if err := c.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("wait for upstream slot: %w", err)
		}
	}
	if c.metrics != nil {
		c.metrics.UpstreamInFlight.Inc()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.metrics != nil {
				c.metrics.UpstreamInFlight.Dec()
			}
			if c.slots != nil {
				c.slots.Release(1)
			}
		})
	}, nil
}

func (c *UpstreamClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.maxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, c.maxRedirects)
	}
	if c.redirects != nil {
		if err := c.redirects.Check(req.URL); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrRedirectRejected, req.URL.Redacted(), err)
		}
	}
	c.logger.Debug("following redirect",
		"hop", len(via),
		"host", req.URL.Host,
	)
	return nil
}

func probe(resp *http.Response) model.UpstreamProbe {
	var length *int64
	if resp.ContentLength >= 0 {
		n := resp.ContentLength
		length = &n
	}
	return model.UpstreamProbe{
		FinalURL:           resp.Request.URL,
		StatusCode:         resp.StatusCode,
		MIMEType:           resp.Header.Get("Content-Type"),
		ByteLength:         length,
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		Header:             resp.Header,
	}
}

// slotBody releases the connection slot once the body is closed.
type slotBody struct {
	io.ReadCloser
	release func()
}

func (b *slotBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
