// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
)

// ProxyRule forwards every request whose path starts with Prefix to Target.
type ProxyRule struct {
	Prefix string
	Target *url.URL

	// ChangeOrigin rewrites the outbound Host header to the target's host:port.
	ChangeOrigin bool

	// VerifyUpstreamCert is false only when the rule opted into skipping
	// TLS certificate validation.
	VerifyUpstreamCert bool

	// Rewrite, when set, is applied to the request path before forwarding.
	// A nil Rewrite keeps the path verbatim, prefix included.
	Rewrite *PathRewrite
}

// PathRewrite replaces matches of Pattern in the request path with Replacement.
type PathRewrite struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Apply returns the rewritten path.
func (r *PathRewrite) Apply(path string) string {
	if r == nil {
		return path
	}
	return r.Pattern.ReplaceAllString(path, r.Replacement)
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string
	RawQuery      string
	Host          string
	RemoteAddr    string
	Header        http.Header
	ContentLength int64 // -1 when unknown
	Body          io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
