// Package assets provides the handler for requests that match no proxy rule.
package assets

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"

	"devgate/internal/config"
)

// New returns the asset handler selected by cfg.Mode.
func New(cfg config.AssetsConfig, logger *slog.Logger) (http.Handler, error) {
	logger = logger.With("component", "assets")

	switch cfg.Mode {
	case config.AssetsStatic, "":
		if info, err := os.Stat(cfg.Root); err != nil || !info.IsDir() {
			logger.Warn("asset root is not a directory; requests will 404 until it exists", "root", cfg.Root)
		}
		logger.Info("serving static assets", "root", cfg.Root, "spa_fallback", !cfg.DisableSPAFallback)
		return NewSPAHandler(os.DirFS(cfg.Root), !cfg.DisableSPAFallback), nil
	case config.AssetsProxy:
		h, err := NewDevProxyHandler(cfg.Target, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("proxying assets", "target", cfg.Target)
		return h, nil
	case config.AssetsNone:
		return http.NotFoundHandler(), nil
	default:
		return nil, fmt.Errorf("unknown assets mode %q", cfg.Mode)
	}
}

// SPAHandler serves static files and falls back to index.html for any
// extensionless path that doesn't match a file, so client-side routes load
// the app. Missing files with an extension stay 404.
type SPAHandler struct {
	fileServer http.Handler
	filesystem fs.FS
	fallback   bool
}

// NewSPAHandler creates a handler serving files from fsys.
func NewSPAHandler(fsys fs.FS, fallback bool) *SPAHandler {
	return &SPAHandler{
		fileServer: http.FileServer(http.FS(fsys)),
		filesystem: fsys,
		fallback:   fallback,
	}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := path.Clean("/" + r.URL.Path)
	if urlPath == "/" {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	if _, err := fs.Stat(h.filesystem, urlPath[1:]); err == nil {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	// r.URL.Path is already decoded, so "%2Ecss" counts as an extension.
	if !h.fallback || path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	r2.URL.RawPath = ""
	h.fileServer.ServeHTTP(w, r2)
}

// NewDevProxyHandler creates a reverse proxy to an asset dev server such as
// the build tool's own server. WebSocket upgrades (hot reload) pass through.
func NewDevProxyHandler(target string, logger *slog.Logger) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse assets target: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("assets target must be an http(s) URL with a host; got %q", target)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Host = pr.In.Host
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("asset server error", "err", err, "target", target, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "asset server unavailable"})
		},
	}, nil
}
