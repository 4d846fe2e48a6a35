// Package service implements the core proxy forwarding logic: the upstream
// call, body buffering under a timeout guard, and the rewrite step.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"embed-proxy-go/internal/client"
	"embed-proxy-go/internal/config"
	"embed-proxy-go/internal/metrics"
	"embed-proxy-go/internal/model"
	"embed-proxy-go/internal/rewrite"
)

// ErrUpstreamTimeout is returned when the upstream does not deliver the full
// response within the round-trip ceiling.
var ErrUpstreamTimeout = errors.New("upstream response timed out")

// ProcessingError wraps a failure that happened after the upstream response
// was fully received.
type ProcessingError struct {
	Err error
}

func (e *ProcessingError) Error() string {
	return "process upstream response: " + e.Err.Error()
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// rewriteFunc turns a buffered upstream response into the client response.
type rewriteFunc func(status int, header http.Header, body []byte) (*rewrite.Result, error)

// ProxyService forwards requests to the fixed target origin.
type ProxyService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	metrics *metrics.Metrics
	origin  string
	host    string
	timeout time.Duration
	rewrite rewriteFunc
}

// NewProxyService creates a ProxyService for cfg.Upstream.TargetURL.
// The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := cfg.Upstream.Target()
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream target %q has no host", cfg.Upstream.TargetURL)
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		origin:  originOf(u),
		host:    u.Host,
		timeout: cfg.Upstream.Timeout(),
		rewrite: rewrite.Apply,
	}, nil
}

// originOf returns scheme://host plus any base path, without a trailing slash.
func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host + strings.TrimSuffix(u.EscapedPath(), "/")
}

// TargetHost returns the host every forwarded request is addressed to.
func (s *ProxyService) TargetHost() string {
	return s.host
}

// Forward sends a ProxyRequest to the target origin, buffers the whole
// response and rewrites it. The round-trip ceiling starts when Forward is
// called; if it expires first the upstream connection is aborted and
// ErrUpstreamTimeout is returned. Upstream connection failures are returned
// wrapped, and failures after the body was received as *ProcessingError.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResult, error) {
	ctx, cancel := context.WithCancel(pr.Ctx)
	defer cancel()

	buf := NewResponseBuffer()
	guard := NewTimeoutGuard(s.timeout, func() {
		buf.Seal()
		cancel()
	})
	defer guard.Stop()

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(ctx, pr.Method, s.buildUpstreamURL(pr.Path, pr.RawQuery), s.upstreamHeader(pr.Header), pr.Body, pr.ContentLength)
	if err != nil {
		if !guard.Settle() {
			return nil, ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, err = io.Copy(buf, resp.Body)
	if !guard.Settle() {
		return nil, ErrUpstreamTimeout
	}
	buf.Seal()
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return s.process(resp.StatusCode, resp.Header, buf.Bytes())
}

// process runs the rewrite step, converting errors and panics into
// *ProcessingError.
func (s *ProxyService) process(status int, header http.Header, body []byte) (result *model.ProxyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &ProcessingError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	res, err := s.rewrite(status, header, body)
	if err != nil {
		return nil, &ProcessingError{Err: err}
	}

	if s.metrics != nil {
		s.metrics.Rewrites.WithLabelValues(res.Decision.String()).Inc()
		s.metrics.StrippedMetaTags.Add(float64(res.StrippedTags))
	}

	return &model.ProxyResult{
		StatusCode:   res.StatusCode,
		Header:       res.Header,
		Body:         res.Body,
		Rewritten:    res.Decision == rewrite.HTMLRewrite,
		StrippedTags: res.StrippedTags,
	}, nil
}

// buildUpstreamURL appends the escaped inbound path and raw query to the origin.
func (s *ProxyService) buildUpstreamURL(escapedPath, rawQuery string) string {
	if escapedPath == "" {
		escapedPath = "/"
	}
	u := s.origin + escapedPath
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// upstreamHeader copies the inbound headers for the outbound request. The
// outbound Host comes from the target URL. Accept-Encoding is dropped so the
// transport negotiates gzip itself and the body arrives decoded.
func (s *ProxyService) upstreamHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del("Accept-Encoding")
	dst.Del("Host")
	return dst
}
