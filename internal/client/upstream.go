// Package client provides the HTTP client used to reach proxy upstreams.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"devgate/internal/config"
	"devgate/internal/metrics"
	"devgate/internal/model"
)

// UpstreamClient sends requests to proxy upstreams. It keeps one connection
// pool that verifies TLS certificates and one that does not; each rule picks
// the pool matching its VerifyUpstreamCert setting.
type UpstreamClient struct {
	verified   *http.Client
	unverified *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return &UpstreamClient{
		verified:   newHTTPClient(cfg.Upstream, false),
		unverified: newHTTPClient(cfg.Upstream, true),
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

func newHTTPClient(cfg config.UpstreamConfig, insecure bool) *http.Client {
	connectTimeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	transport := &http.Transport{
		Proxy:                 nil, // never route dev traffic through HTTP_PROXY
		MaxIdleConns:          cfg.IdleConnections,
		MaxIdleConnsPerHost:   cfg.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeoutSeconds) * time.Second,
		// Bodies are relayed byte for byte; never negotiate or decode gzip here.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per proxy rule
	}

	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		// Redirects belong to the browser, not the proxy.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Do executes an HTTP request for rule and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(rule *model.ProxyRule, req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.String(),
		"host", req.Host,
	)

	hc := c.verified
	if !rule.VerifyUpstreamCert {
		hc = c.unverified
	}

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method, rule.Prefix).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamResponses.WithLabelValues(method, rule.Prefix, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream builds a request and executes it for rule. A non-empty host
// replaces the Host header derived from url. contentLength is -1 when unknown.
// The provided context controls the lifetime of the upstream request: when
// the context is canceled (e.g. client disconnects), the upstream request is
// also canceled.
func (c *UpstreamClient) DoStream(
	ctx context.Context,
	rule *model.ProxyRule,
	method, url, host string,
	header http.Header,
	body io.Reader,
	contentLength int64,
) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if host != "" {
		req.Host = host
	}
	if body != nil && body != http.NoBody {
		req.ContentLength = contentLength
	}

	return c.Do(rule, req)
}
