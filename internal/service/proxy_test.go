package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"devgate/internal/client"
	"devgate/internal/config"
	"devgate/internal/model"
)

func mustRule(t *testing.T, prefix, target string) model.ProxyRule {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatal(err)
	}
	return model.ProxyRule{Prefix: prefix, Target: u, VerifyUpstreamCert: true}
}

func newTestService(t *testing.T, timeoutSeconds int, rules ...model.ProxyRule) *GatewayService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:               timeoutSeconds,
			ConnectTimeoutSeconds:        2,
			ResponseHeaderTimeoutSeconds: timeoutSeconds,
			IdleConnections:              10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	return NewGatewayServiceWithRules(uc, rules, logger, nil)
}

func TestNewGatewayService_FromConfig(t *testing.T) {
	cfg := &config.Config{
		Proxy: []config.ProxyConfig{
			{Prefix: "/api", Target: "http://localhost:5000", ChangeOrigin: true, InsecureSkipVerify: true},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewGatewayService(nil, cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewGatewayService() error = %v", err)
	}
	rules := svc.Rules()
	if len(rules) != 1 || rules[0].Target.String() != "http://localhost:5000" {
		t.Fatalf("Rules() = %+v", rules)
	}
	if rules[0].VerifyUpstreamCert {
		t.Error("VerifyUpstreamCert = true, want false")
	}
}

func TestNewGatewayService_BadTarget(t *testing.T) {
	cfg := &config.Config{
		Proxy: []config.ProxyConfig{{Prefix: "/api", Target: "localhost:5000"}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewGatewayService(nil, cfg, logger, nil); err == nil {
		t.Fatal("NewGatewayService() expected error for target without scheme, got nil")
	}
}

func TestMatch(t *testing.T) {
	s := newTestService(t, 5,
		mustRule(t, "/api", "http://localhost:5000"),
		mustRule(t, "/api/admin", "http://localhost:5001"),
		mustRule(t, "/auth", "http://localhost:5002"),
	)

	tests := []struct {
		name string
		path string
		want string
	}{
		{"exact prefix", "/api", "/api"},
		{"nested path", "/api/users", "/api"},
		{"longest prefix wins", "/api/admin/keys", "/api/admin"},
		{"plain string prefix", "/apix", "/api"},
		{"other rule", "/auth/login", "/auth"},
		{"root", "/", ""},
		{"asset path", "/src/main.tsx", ""},
		{"prefix in the middle", "/v1/api", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Match(tt.path)
			if tt.want == "" {
				if got != nil {
					t.Errorf("Match(%q) = %q, want nil", tt.path, got.Prefix)
				}
				return
			}
			if got == nil {
				t.Fatalf("Match(%q) = nil, want %q", tt.path, tt.want)
			}
			if got.Prefix != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.path, got.Prefix, tt.want)
			}
		})
	}
}

func TestMatch_TieBreakDeclarationOrder(t *testing.T) {
	s := newTestService(t, 5,
		mustRule(t, "/api", "http://first:1"),
		mustRule(t, "/api", "http://second:2"),
	)

	got := s.Match("/api/x")
	if got == nil || got.Target.Host != "first:1" {
		t.Errorf("Match() = %+v, want first declared rule", got)
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	plain := mustRule(t, "/api", "http://localhost:5000")
	based := mustRule(t, "/api", "http://localhost:5000/backend/")
	rewritten := mustRule(t, "/api", "http://localhost:5000")
	rewritten.Rewrite = &model.PathRewrite{Pattern: regexp.MustCompile(`^/api`), Replacement: ""}

	tests := []struct {
		name     string
		rule     model.ProxyRule
		path     string
		rawPath  string
		rawQuery string
		want     string
	}{
		{"prefix kept verbatim", plain, "/api/users", "", "", "http://localhost:5000/api/users"},
		{"exact prefix", plain, "/api", "", "", "http://localhost:5000/api"},
		{"query untouched", plain, "/api/search", "", "q=a+b&x=%2F", "http://localhost:5000/api/search?q=a+b&x=%2F"},
		{"escaped path preserved", plain, "/api/a/b", "/api/a%2Fb", "", "http://localhost:5000/api/a%2Fb"},
		{"target base path joined", based, "/api/users", "", "", "http://localhost:5000/backend/api/users"},
		{"rewrite strips prefix", rewritten, "/api/users", "", "", "http://localhost:5000/users"},
		{"rewrite to empty becomes root", rewritten, "/api", "", "", "http://localhost:5000/"},
	}

	s := newTestService(t, 5)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.buildUpstreamURL(&tt.rule, tt.path, tt.rawPath, tt.rawQuery)
			if got != tt.want {
				t.Errorf("buildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOutboundHost(t *testing.T) {
	rule := mustRule(t, "/api", "http://localhost:5000")

	if got := outboundHost(&rule, "localhost:5173"); got != "localhost:5173" {
		t.Errorf("without change_origin: host = %q, want original", got)
	}
	rule.ChangeOrigin = true
	if got := outboundHost(&rule, "localhost:5173"); got != "localhost:5000" {
		t.Errorf("with change_origin: host = %q, want %q", got, "localhost:5000")
	}
}

func TestFilterRequestHeaders(t *testing.T) {
	src := http.Header{
		"Accept":              {"application/json"},
		"Authorization":       {"Bearer token"},
		"Cookie":              {"sid=1"},
		"Connection":          {"keep-alive, X-Hop"},
		"X-Hop":               {"dropped"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic abc"},
		"Upgrade":             {"h2c"},
		"Te":                  {"trailers"},
		"X-Custom-Header":     {"kept"},
	}

	dst := filterRequestHeaders(src)

	tests := []struct {
		key     string
		wantLen int
	}{
		{"Accept", 1},
		{"Authorization", 1},
		{"Cookie", 1},
		{"X-Custom-Header", 1},
		{"Connection", 0},
		{"X-Hop", 0},
		{"Keep-Alive", 0},
		{"Proxy-Authorization", 0},
		{"Upgrade", 0},
		{"Te", 0},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if src.Get("Connection") == "" {
		t.Error("source headers must not be modified")
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Set-Cookie":        {"session=abc"},
		"Transfer-Encoding": {"chunked"},
		"Keep-Alive":        {"timeout=5"},
		"X-Upstream":        {"flask"},
	}

	dst := filterResponseHeaders(src)

	for _, key := range []string{"Content-Type", "Set-Cookie", "X-Upstream"} {
		if dst.Get(key) == "" {
			t.Errorf("header %q should be relayed", key)
		}
	}
	for _, key := range []string{"Transfer-Encoding", "Keep-Alive"} {
		if dst.Get(key) != "" {
			t.Errorf("header %q should be stripped", key)
		}
	}
}

func TestForward_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/api/users" {
			t.Errorf("path = %q, want /api/users", r.URL.Path)
		}
		if r.URL.RawQuery != "page=2" {
			t.Errorf("query = %q, want page=2", r.URL.RawQuery)
		}
		if !strings.HasPrefix(r.Host, "127.0.0.1:") {
			t.Errorf("Host = %q, want upstream host (change_origin)", r.Host)
		}
		if r.Header.Get("X-Custom") != "1" {
			t.Errorf("X-Custom = %q, want 1", r.Header.Get("X-Custom"))
		}
		if ua := r.Header.Get("User-Agent"); ua != "" {
			t.Errorf("User-Agent = %q, want none", ua)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"received":"` + string(body) + `"}`))
	}))
	defer upstream.Close()

	rule := mustRule(t, "/api", upstream.URL)
	rule.ChangeOrigin = true
	s := newTestService(t, 10, rule)

	pr := &model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPost,
		Path:          "/api/users",
		RawQuery:      "page=2",
		Host:          "localhost:5173",
		Header:        http.Header{"X-Custom": {"1"}},
		ContentLength: 5,
		Body:          io.NopCloser(strings.NewReader("alice")),
	}

	resp, err := s.Forward(s.Match(pr.Path), pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Errorf("X-Upstream = %q, want yes", resp.Header.Get("X-Upstream"))
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"received":"alice"}` {
		t.Errorf("body = %q", body)
	}
}

func TestForward_PreservesHostWithoutChangeOrigin(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "localhost:5173" {
			t.Errorf("Host = %q, want %q", r.Host, "localhost:5173")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	rule := mustRule(t, "/api", upstream.URL)
	s := newTestService(t, 10, rule)

	resp, err := s.Forward(&rule, &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/api/ping",
		Host:   "localhost:5173",
		Header: http.Header{},
		Body:   http.NoBody,
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	rule := mustRule(t, "/api", upstream.URL)
	s := newTestService(t, 1, rule)

	start := time.Now()
	_, err := s.Forward(&rule, &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/api/slow",
		Header: http.Header{},
		Body:   http.NoBody,
	})
	if !errors.Is(err, model.ErrUpstreamTimeout) {
		t.Fatalf("Forward() error = %v, want ErrUpstreamTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestForward_Unavailable(t *testing.T) {
	rule := mustRule(t, "/api", "http://127.0.0.1:1")
	s := newTestService(t, 2, rule)

	_, err := s.Forward(&rule, &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/api/users",
		Header: http.Header{},
		Body:   http.NoBody,
	})
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Fatalf("Forward() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), model.ErrUpstreamTimeout},
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), context.Canceled},
		{
			"url timeout",
			&url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}},
			model.ErrUpstreamTimeout,
		},
		{"refused", errors.New("connection refused"), model.ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
