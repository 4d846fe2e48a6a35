package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"embed-proxy-go/internal/config"
)

// ErrInvalidResponse is returned when the lookup service answers with
// something other than a JSON object carrying an address.
var ErrInvalidResponse = errors.New("ip lookup: invalid response")

// maxLookupBody caps how much of the lookup response is read.
const maxLookupBody = 4 << 10

// IPLookupClient asks a public service which address outbound traffic leaves from.
type IPLookupClient struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger
}

// NewIPLookupClient creates an IPLookupClient for cfg.Debug.IPLookupURL.
func NewIPLookupClient(cfg *config.Config, logger *slog.Logger) *IPLookupClient {
	return &IPLookupClient{
		httpClient: &http.Client{Timeout: cfg.Upstream.Timeout()},
		url:        cfg.Debug.IPLookupURL,
		logger:     logger.With("component", "ip_lookup_client"),
	}
}

// Lookup returns the outbound IP address reported by the lookup service, which
// must answer with a JSON object carrying an "ip" field.
func (c *IPLookupClient) Lookup(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("build ip lookup request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ip lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("ip lookup response",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLookupBody))
	if err != nil {
		return "", fmt.Errorf("ip lookup: read body: %w", err)
	}

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if payload.IP == "" {
		return "", fmt.Errorf("%w: no address", ErrInvalidResponse)
	}
	return payload.IP, nil
}
