package handler

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"embed-proxy-go/internal/client"
	"embed-proxy-go/internal/config"
	"embed-proxy-go/internal/metrics"
)

// maxRejectBody caps the relayed body of a refused handshake.
const maxRejectBody = 64 << 10

// wsUpgrader upgrades inbound connections. Origin checks are left to the
// target origin, which sees the browser's Origin header unchanged.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocketProxy relays WebSocket sessions to the target origin message by
// message. Sessions are long-lived and not subject to the response timeout.
type WebSocketProxy struct {
	origin string
	dialer websocket.Dialer
	logger *slog.Logger

	metrics *metrics.Metrics
}

// NewWebSocketProxy creates a WebSocketProxy that dials the target origin with
// the same TLS settings as the upstream client. The metrics parameter is optional.
func NewWebSocketProxy(cfg *config.Config, uc *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) (*WebSocketProxy, error) {
	u, err := cfg.Upstream.Target()
	if err != nil {
		return nil, err
	}

	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}

	var tlsCfg *tls.Config
	if uc != nil {
		tlsCfg = uc.TLSConfig()
	}

	return &WebSocketProxy{
		origin: scheme + "://" + u.Host + strings.TrimSuffix(u.EscapedPath(), "/"),
		dialer: websocket.Dialer{
			TLSClientConfig:  tlsCfg,
			HandshakeTimeout: cfg.Upstream.ProxyTimeout(),
		},
		logger:  logger.With("component", "websocket_proxy"),
		metrics: m,
	}, nil
}

// Handle dials the target, upgrades the client connection and relays
// messages until either side closes.
func (p *WebSocketProxy) Handle(c echo.Context) error {
	r := c.Request()
	rs := newResponder(c.Response())

	dialer := p.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	backend, resp, err := dialer.DialContext(r.Context(), p.backendURL(r.URL), forwardedWSHeader(r.Header))
	if err != nil {
		p.record("dial_failed")
		p.dialFailed(c, rs, resp, err)
		return nil
	}
	defer backend.Close()

	clientConn, err := wsUpgrader.Upgrade(c.Response(), r, upgradeResponseHeader(resp))
	if err != nil {
		// Upgrade has already answered the client with an HTTP error.
		p.record("upgrade_failed")
		p.logger.Warn("websocket upgrade failed", "err", err, "path", r.URL.Path)
		return nil
	}
	defer clientConn.Close()

	p.record("relayed")
	sent, received := relay(clientConn, backend)
	p.logger.Debug("websocket session closed",
		"path", r.URL.Path,
		"messages_to_client", sent,
		"messages_from_client", received,
	)
	return nil
}

// dialFailed relays the target's handshake refusal, or an error page when no
// response was received at all.
func (p *WebSocketProxy) dialFailed(c echo.Context, rs *responder, resp *http.Response, err error) {
	path := c.Request().URL.Path
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRejectBody))
		header := resp.Header.Clone()
		header.Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
		p.logger.Warn("websocket handshake rejected by target", "status", resp.StatusCode, "path", path)
		_, _ = rs.send(resp.StatusCode, header, body)
		return
	}

	outcome := classify(fmt.Errorf("websocket dial: %w", err))
	p.logger.Error("websocket dial failed", "outcome", outcome.Kind.String(), "err", err, "path", path)
	if p.metrics != nil {
		p.metrics.ErrorOutcomes.WithLabelValues(outcome.Kind.String()).Inc()
	}
	_, _ = rs.sendHTML(outcome.Kind.StatusCode(), renderErrorPage(outcome))
}

func (p *WebSocketProxy) record(result string) {
	if p.metrics != nil {
		p.metrics.WebSocketSessions.WithLabelValues(result).Inc()
	}
}

func (p *WebSocketProxy) backendURL(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	backendURL := p.origin + path
	if u.RawQuery != "" {
		backendURL += "?" + u.RawQuery
	}
	return backendURL
}

// forwardedWSHeader copies request headers except those the dialer generates.
func forwardedWSHeader(src http.Header) http.Header {
	dst := http.Header{}
	for k, vv := range src {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "host", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol":
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
	return dst
}

// upgradeResponseHeader keeps the target's handshake headers (cookies, the
// chosen subprotocol) minus those the upgrader writes itself.
func upgradeResponseHeader(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	dst := http.Header{}
	for k, vv := range resp.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-accept", "sec-websocket-extensions":
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
	return dst
}

// relay copies messages in both directions until one side fails or closes,
// and returns the message counts towards and from the client.
func relay(clientConn, backend *websocket.Conn) (sent, received int64) {
	type result struct {
		toClient bool
		count    int64
	}
	done := make(chan result, 2)

	pipe := func(dst, src *websocket.Conn, toClient bool) {
		var n int64
		for {
			msgType, msg, err := src.ReadMessage()
			if err != nil {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if ce, ok := err.(*websocket.CloseError); ok && sendableCloseCode(ce.Code) {
					closeMsg = websocket.FormatCloseMessage(ce.Code, ce.Text)
				}
				_ = dst.WriteMessage(websocket.CloseMessage, closeMsg)
				done <- result{toClient, n}
				return
			}
			if err := dst.WriteMessage(msgType, msg); err != nil {
				done <- result{toClient, n}
				return
			}
			n++
		}
	}

	go pipe(clientConn, backend, true)
	go pipe(backend, clientConn, false)

	first := <-done
	// Closing both ends unblocks the other direction.
	_ = clientConn.Close()
	_ = backend.Close()
	second := <-done

	for _, r := range []result{first, second} {
		if r.toClient {
			sent = r.count
		} else {
			received = r.count
		}
	}
	return sent, received
}

// sendableCloseCode reports whether code may appear in a close frame. 1005,
// 1006 and 1015 are reserved for local reporting only.
func sendableCloseCode(code int) bool {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return false
	}
	return true
}
