package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"embed-proxy-go/internal/metrics"
	"embed-proxy-go/internal/model"
	"embed-proxy-go/internal/service"
)

// ProxyHandler forwards every non-administrative request to the target origin.
type ProxyHandler struct {
	service   *service.ProxyService
	websocket *WebSocketProxy
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, ws *WebSocketProxy, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:   svc,
		websocket: ws,
		logger:    logger.With("component", "proxy_handler"),
		metrics:   m,
	}
}

// Handle proxies the request and writes exactly one response: the buffered
// and rewritten upstream response, or an error page.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if h.websocket != nil && websocket.IsWebSocketUpgrade(req) {
		return h.websocket.Handle(c)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	rs := newResponder(c.Response())

	res, err := h.service.Forward(pr)
	if err != nil {
		h.fail(c, rs, err)
		return nil
	}

	// Once headers are out a write failure cannot be turned into an error
	// page; the client sees a truncated body.
	if _, err := rs.send(res.StatusCode, res.Header, res.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// fail classifies err and sends the matching error page if nothing has been
// sent yet; otherwise the failure is only logged.
func (h *ProxyHandler) fail(c echo.Context, rs *responder, err error) {
	req := c.Request()
	outcome := classify(err)

	if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
		h.logger.Info("client went away before the upstream answered",
			"path", req.URL.Path,
		)
		return
	}

	h.logger.Error("proxy error",
		"outcome", outcome.Kind.String(),
		"err", err,
		"path", req.URL.Path,
	)
	if h.metrics != nil {
		h.metrics.ErrorOutcomes.WithLabelValues(outcome.Kind.String()).Inc()
	}

	sent, werr := rs.sendHTML(outcome.Kind.StatusCode(), renderErrorPage(outcome))
	if !sent {
		h.logger.Error("response already started; error page dropped",
			"outcome", outcome.Kind.String(),
			"path", req.URL.Path,
		)
		return
	}
	if werr != nil {
		h.logger.Error("writing error page", "err", werr, "path", req.URL.Path)
	}
}
