package handler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"embed-proxy-go/internal/client"
	"embed-proxy-go/internal/config"
	"embed-proxy-go/internal/metrics"
	"embed-proxy-go/internal/service"
)

func testConfig(targetURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TargetURL:           targetURL,
			TimeoutSeconds:      10,
			ProxyTimeoutSeconds: 10,
			IdleConnections:     10,
		},
		Debug:   config.DebugConfig{IPLookupURL: config.DefaultIPLookupURL},
		Metrics: config.MetricsConfig{Path: "/metrics"},
	}
}

// newTestEcho builds the full route table against cfg, the way main wires it.
func newTestEcho(t *testing.T, cfg *config.Config, m *metrics.Metrics) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	uc := client.NewUpstreamClient(cfg, logger, m)
	svc, err := service.NewProxyService(uc, cfg, logger, m)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	ws, err := NewWebSocketProxy(cfg, uc, logger, m)
	if err != nil {
		t.Fatalf("NewWebSocketProxy: %v", err)
	}

	e := echo.New()
	RegisterRoutes(e, cfg, m,
		NewProxyHandler(svc, ws, logger, m),
		NewHealthHandler(client.NewIPLookupClient(cfg, logger), logger),
	)
	return e
}

func TestProxyHandler_HTMLRewritten(t *testing.T) {
	var gotHost, gotPath, gotQuery, gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotCookie = r.Header.Get("Cookie")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'self'")
		w.Header().Set("Set-Cookie", "sid=1; Path=/")
		_, _ = w.Write([]byte(`<html><head><meta http-equiv="Content-Security-Policy" content="default-src 'self'"><title>Lobby</title></head><body>hi</body></html>`))
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL), nil)

	req := httptest.NewRequest(http.MethodGet, "/games/live?tab=1", http.NoBody)
	req.Header.Set("Cookie", "sid=1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := `<html><head><title>Lobby</title></head><body>hi</body></html>`
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if v, ok := rec.Header()["X-Frame-Options"]; !ok || len(v) != 1 || v[0] != "" {
		t.Errorf("X-Frame-Options = %v, want one empty value", v)
	}
	if v, ok := rec.Header()["Content-Security-Policy"]; !ok || len(v) != 1 || v[0] != "" {
		t.Errorf("Content-Security-Policy = %v, want one empty value", v)
	}
	if v := rec.Header().Get("Set-Cookie"); v != "sid=1; Path=/" {
		t.Errorf("Set-Cookie = %q, want relayed", v)
	}
	if v := rec.Header().Get("Content-Length"); v != "61" {
		t.Errorf("Content-Length = %q, want %q", v, "61")
	}

	if gotHost != strings.TrimPrefix(upstream.URL, "http://") {
		t.Errorf("upstream Host = %q, want target host", gotHost)
	}
	if gotPath != "/games/live" || gotQuery != "tab=1" {
		t.Errorf("upstream path = %q?%q, want /games/live?tab=1", gotPath, gotQuery)
	}
	if gotCookie != "sid=1" {
		t.Errorf("upstream Cookie = %q, want %q", gotCookie, "sid=1")
	}
}

func TestProxyHandler_PassthroughUnchanged(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL), nil)

	req := httptest.NewRequest(http.MethodGet, "/logo.png", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Errorf("body = %v, want %v", rec.Body.Bytes(), payload)
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("X-Frame-Options = %q, want non-HTML headers untouched", v)
	}
}

func TestProxyHandler_PostBodyAndStatusRelayed(t *testing.T) {
	var gotBody, gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotMethod = r.Method
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/bets", strings.NewReader(`{"stake":5}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if gotMethod != http.MethodPost || gotBody != `{"stake":5}` {
		t.Errorf("upstream got %s %q, want POST {\"stake\":5}", gotMethod, gotBody)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyHandler_RedirectRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL), nil)

	req := httptest.NewRequest(http.MethodGet, "/account", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Errorf("Location = %q, want %q", loc, "/login")
	}
}

func TestProxyHandler_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	cfg := testConfig(upstream.URL)
	cfg.Upstream.TimeoutSeconds = 1
	m := metrics.New()
	e := newTestEcho(t, cfg, m)

	req := httptest.NewRequest(http.MethodGet, "/slow", http.NoBody)
	rec := httptest.NewRecorder()
	start := time.Now()
	e.ServeHTTP(rec, req)

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("request took %v, want the 1s ceiling to end it", elapsed)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Content blocked or unavailable") || !strings.Contains(body, "application logs") {
		t.Errorf("unexpected timeout page: %s", body)
	}
	if strings.Contains(body, "<html>") {
		t.Error("partial upstream body leaked into the error response")
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if got := counterValue(t, m, "embed_proxy_error_outcomes_total", "upstream_timeout"); got != 1 {
		t.Errorf("upstream_timeout outcomes = %v, want 1", got)
	}
}

func TestProxyHandler_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	e := newTestEcho(t, testConfig("http://"+addr), nil)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Proxy server error") || !strings.Contains(body, "refused") {
		t.Errorf("unexpected error page: %s", body)
	}
}

func TestProxyHandler_ClientGoneNoPage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL), nil)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req.WithContext(ctx))

	if strings.Contains(rec.Body.String(), "Proxy server error") {
		t.Errorf("error page sent to a client that already went away: %s", rec.Body.String())
	}
}

// counterValue returns the value of the series of name whose single label
// equals label, or 0.
func counterValue(t *testing.T, m *metrics.Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
