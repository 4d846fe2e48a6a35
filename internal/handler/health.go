package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"embed-proxy-go/internal/client"
)

// HealthHandler serves the administrative routes. Neither touches the target origin.
type HealthHandler struct {
	lookup *client.IPLookupClient
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(lookup *client.IPLookupClient, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		lookup: lookup,
		logger: logger.With("component", "health_handler"),
	}
}

// Health returns a plain OK for liveness probes.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// MyIP reports the address outbound traffic leaves from, which is what the
// target origin sees when it allowlists the proxy.
func (h *HealthHandler) MyIP(c echo.Context) error {
	ip, err := h.lookup.Lookup(c.Request().Context())
	if err != nil {
		h.logger.Error("outbound ip lookup failed", "err", err)
		if errors.Is(err, client.ErrInvalidResponse) {
			return c.String(http.StatusInternalServerError, "Could not determine the outbound IP address.")
		}
		return c.String(http.StatusInternalServerError, "Error while fetching the IP: "+err.Error())
	}
	return c.String(http.StatusOK, "Outbound IP address: "+ip)
}
