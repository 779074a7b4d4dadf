// Package service implements route selection and request forwarding.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"devgate/internal/client"
	"devgate/internal/config"
	"devgate/internal/metrics"
	"devgate/internal/model"
)

// hopByHopHeaders are headers that apply to a single connection and are not
// forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// GatewayService selects proxy rules and forwards matching requests.
type GatewayService struct {
	client  *client.UpstreamClient
	rules   []model.ProxyRule
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGatewayService creates a GatewayService from the configured proxy rules.
// The metrics parameter is optional.
func NewGatewayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*GatewayService, error) {
	rules, err := cfg.Rules()
	if err != nil {
		return nil, fmt.Errorf("build proxy rules: %w", err)
	}
	return NewGatewayServiceWithRules(c, rules, logger, m), nil
}

// NewGatewayServiceWithRules creates a GatewayService from already parsed rules.
func NewGatewayServiceWithRules(c *client.UpstreamClient, rules []model.ProxyRule, logger *slog.Logger, m *metrics.Metrics) *GatewayService {
	return &GatewayService{
		client:  c,
		rules:   rules,
		logger:  logger.With("component", "gateway_service"),
		metrics: m,
	}
}

// Rules returns the rules in declaration order.
func (s *GatewayService) Rules() []model.ProxyRule {
	return s.rules
}

// Match returns the rule with the longest prefix of path, or nil when no rule
// applies. On equal prefix lengths the rule declared first wins.
func (s *GatewayService) Match(path string) *model.ProxyRule {
	var best *model.ProxyRule
	for i := range s.rules {
		r := &s.rules[i]
		if !strings.HasPrefix(path, r.Prefix) {
			continue
		}
		if best == nil || len(r.Prefix) > len(best.Prefix) {
			best = r
		}
	}
	return best
}

// Forward sends pr to the upstream of rule and returns the response.
// The caller is responsible for closing the response body.
//
// Failures are wrapped with model.ErrUpstreamTimeout or
// model.ErrUpstreamUnavailable. A canceled request context is returned as is.
func (s *GatewayService) Forward(rule *model.ProxyRule, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(rule, pr.Path, pr.RawPath, pr.RawQuery)
	host := outboundHost(rule, pr.Host)
	header := filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"rule", rule.Prefix,
		"upstream", upstreamURL,
		"remote_addr", pr.RemoteAddr,
	)

	resp, err := s.client.DoStream(pr.Ctx, rule, pr.Method, upstreamURL, host, header, pr.Body, pr.ContentLength)
	if err != nil {
		err = classify(err)
		s.recordError(rule, err)
		return nil, fmt.Errorf("forward to %s: %w", rule.Target.Host, err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

func (s *GatewayService) recordError(rule *model.ProxyRule, err error) {
	if s.metrics == nil {
		return
	}
	kind := "unavailable"
	switch {
	case errors.Is(err, model.ErrUpstreamTimeout):
		kind = "timeout"
	case errors.Is(err, context.Canceled):
		kind = "canceled"
	}
	s.metrics.UpstreamErrors.WithLabelValues(rule.Prefix, kind).Inc()
}

// classify maps a transport error onto the gateway error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrUpstreamTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", model.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, err)
}

// buildUpstreamURL joins the target origin with the (possibly rewritten)
// request path. The raw query is forwarded untouched.
func (s *GatewayService) buildUpstreamURL(rule *model.ProxyRule, path, rawPath, rawQuery string) string {
	u := *rule.Target
	u.RawQuery = rawQuery
	u.Fragment = ""

	if rule.Rewrite != nil {
		path = rule.Rewrite.Apply(path)
		rawPath = ""
		if path == "" {
			path = "/"
		}
	}

	base := strings.TrimSuffix(rule.Target.Path, "/")
	if base == "" {
		u.Path = path
		u.RawPath = rawPath
		return u.String()
	}
	u.Path = joinPath(base, path)
	if rawPath != "" {
		u.RawPath = joinPath(strings.TrimSuffix(rule.Target.EscapedPath(), "/"), rawPath)
	} else {
		u.RawPath = ""
	}
	return u.String()
}

func joinPath(base, path string) string {
	if path == "" || path == "/" {
		return base + "/"
	}
	if !strings.HasPrefix(path, "/") {
		return base + "/" + path
	}
	return base + path
}

// outboundHost returns the Host header for the upstream request.
func outboundHost(rule *model.ProxyRule, original string) string {
	if rule.ChangeOrigin || original == "" {
		return rule.Target.Host
	}
	return original
}

// filterRequestHeaders copies every end-to-end header of src.
func filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	// An empty value stops net/http from adding its own User-Agent.
	if _, ok := dst["User-Agent"]; !ok {
		dst["User-Agent"] = []string{""}
	}
	return dst
}

// filterResponseHeaders copies every end-to-end header of src.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// removeHopByHop deletes hop-by-hop headers, including any named in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
