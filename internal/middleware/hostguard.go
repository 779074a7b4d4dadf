package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"devgate/internal/metrics"
	"devgate/internal/model"
)

// HostAllowlist decides which Host headers the gateway answers. It guards
// against DNS rebinding: a hostile page whose name resolves to a local
// address still sends its own name in the Host header.
type HostAllowlist struct {
	exact    map[string]bool
	suffixes []string // entries written with a leading dot, dot included
	bindHost string
	disabled bool
}

// NewHostAllowlist builds an allowlist from the configured entries. An empty
// list disables the check. bindHost is trusted unless it is a wildcard.
//
// An entry with a leading dot (".example.com") allows that domain and all of
// its subdomains; any other entry must match exactly.
func NewHostAllowlist(allowed []string, bindHost string) *HostAllowlist {
	a := &HostAllowlist{
		exact:    make(map[string]bool, len(allowed)),
		disabled: len(allowed) == 0,
	}
	for _, entry := range allowed {
		entry = normalizeHostname(entry)
		if strings.HasPrefix(entry, ".") {
			a.suffixes = append(a.suffixes, entry)
			continue
		}
		a.exact[entry] = true
	}
	switch bindHost {
	case "", "0.0.0.0", "::", "*":
	default:
		a.bindHost = normalizeHostname(strings.Trim(bindHost, "[]"))
	}
	return a
}

// Disabled reports whether every host is accepted.
func (a *HostAllowlist) Disabled() bool {
	return a.disabled
}

// Check validates a raw Host header value. It returns model.ErrMalformedRequest
// when the value is empty or not a hostname, and model.ErrHostNotAllowed when
// the hostname is not permitted.
func (a *HostAllowlist) Check(hostHeader string) error {
	name, err := hostnameOf(hostHeader)
	if err != nil {
		return err
	}
	if a.disabled || a.trusted(name) {
		return nil
	}
	if a.exact[name] {
		return nil
	}
	for _, suffix := range a.suffixes {
		if name == suffix[1:] || strings.HasSuffix(name, suffix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", model.ErrHostNotAllowed, name)
}

// trusted reports whether name is always reachable: localhost names,
// loopback addresses and the configured bind host.
func (a *HostAllowlist) trusted(name string) bool {
	if name == "localhost" || strings.HasSuffix(name, ".localhost") {
		return true
	}
	if ip := net.ParseIP(name); ip != nil && ip.IsLoopback() {
		return true
	}
	return a.bindHost != "" && name == a.bindHost
}

// hostnameOf strips the port from a Host header and normalizes the name.
func hostnameOf(hostHeader string) (string, error) {
	h := strings.TrimSpace(hostHeader)
	if h == "" {
		return "", fmt.Errorf("%w: missing Host header", model.ErrMalformedRequest)
	}

	switch {
	case strings.HasPrefix(h, "["):
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		} else if strings.HasSuffix(h, "]") {
			h = h[1 : len(h)-1]
		} else {
			return "", fmt.Errorf("%w: invalid Host header %q", model.ErrMalformedRequest, hostHeader)
		}
		if net.ParseIP(h) == nil {
			return "", fmt.Errorf("%w: invalid Host header %q", model.ErrMalformedRequest, hostHeader)
		}
		return strings.ToLower(h), nil
	case strings.Count(h, ":") == 1:
		host, _, err := net.SplitHostPort(h)
		if err != nil {
			return "", fmt.Errorf("%w: invalid Host header %q", model.ErrMalformedRequest, hostHeader)
		}
		h = host
	case strings.Count(h, ":") > 1:
		// Bare IPv6 literal without brackets.
		if net.ParseIP(h) == nil {
			return "", fmt.Errorf("%w: invalid Host header %q", model.ErrMalformedRequest, hostHeader)
		}
		return strings.ToLower(h), nil
	}

	h = normalizeHostname(h)
	if h == "" || !validHostname(h) {
		return "", fmt.Errorf("%w: invalid Host header %q", model.ErrMalformedRequest, hostHeader)
	}
	return h, nil
}

func normalizeHostname(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

func validHostname(h string) bool {
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
		default:
			return false
		}
	}
	return true
}

// HostGuard returns an Echo middleware that rejects requests whose Host
// header fails the allowlist with 403, and unparseable ones with 400.
// It must run before any handler that proxies or serves assets.
// The metrics parameter is optional.
func HostGuard(allow *HostAllowlist, m *metrics.Metrics, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "host_guard")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			err := allow.Check(req.Host)
			if err == nil {
				return next(c)
			}

			if m != nil {
				m.HostRejections.Inc()
			}
			logger.Warn("request rejected",
				"err", err,
				"host", req.Host,
				"path", req.URL.Path,
				"remote_ip", c.RealIP(),
			)

			if errors.Is(err, model.ErrMalformedRequest) {
				return c.JSON(http.StatusBadRequest, map[string]string{
					"error": "malformed Host header",
				})
			}
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "host not allowed; add it to server.allowed_hosts",
			})
		}
	}
}
