// Package handler contains the Echo handlers of the gateway.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"devgate/internal/metrics"
	"devgate/internal/middleware"
	"devgate/internal/model"
	"devgate/internal/service"
)

// relayBufferSize is the chunk size used when streaming upstream bodies.
const relayBufferSize = 32 * 1024

// GatewayHandler routes every non-internal request either to the proxy rule
// with the longest matching prefix or to the asset handler.
type GatewayHandler struct {
	service *service.GatewayService
	assets  http.Handler
	logger  *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(svc *service.GatewayService, assets http.Handler, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		service: svc,
		assets:  assets,
		logger:  logger.With("component", "gateway_handler"),
	}
}

// Handle proxies the request when a rule matches and streams the upstream
// response back; otherwise it delegates to the asset handler.
func (h *GatewayHandler) Handle(c echo.Context) error {
	req := c.Request()

	rule := h.service.Match(req.URL.Path)
	if rule == nil {
		c.Set(middleware.ContextKeyRoute, metrics.RouteAssets)
		h.assets.ServeHTTP(c.Response(), req)
		return nil
	}
	c.Set(middleware.ContextKeyRoute, rule.Prefix)

	body := req.Body
	if req.ContentLength == 0 || body == nil {
		body = http.NoBody
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Host:          req.Host,
		RemoteAddr:    req.RemoteAddr,
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          body,
	}

	resp, err := h.service.Forward(rule, pr)
	if err != nil {
		return h.mapError(c, rule, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status line is out, a failure can only truncate the body.
	if err := relay(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"rule", rule.Prefix,
			"target", rule.Target.String(),
			"path", req.URL.Path,
		)
	}

	return nil
}

// relay copies src to w, flushing after every chunk so that event streams
// and long polls reach the client as they are produced.
func relay(w *echo.Response, src io.Reader) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (h *GatewayHandler) mapError(c echo.Context, rule *model.ProxyRule, err error) error {
	attrs := []any{
		"err", err,
		"rule", rule.Prefix,
		"target", rule.Target.String(),
		"path", c.Request().URL.Path,
	}

	switch {
	case errors.Is(err, context.Canceled):
		h.logger.Info("client disconnected", attrs...)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	case errors.Is(err, model.ErrUpstreamTimeout):
		h.logger.Error("proxy error", attrs...)
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	default:
		h.logger.Error("proxy error", attrs...)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream unavailable",
		})
	}
}
