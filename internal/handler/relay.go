package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"safe-relay-go/internal/model"
	"safe-relay-go/internal/service"
)

// Missing-parameter bodies, kept verbatim for existing callers.
const (
	missingURLMessage    = "Missing URL param"
	missingTargetMessage = "Missing target URL"
)

// RelayHandler serves the fetch and probe relay endpoints.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Fetch relays the JSON body of the destination in the url query parameter.
func (h *RelayHandler) Fetch(c echo.Context) error {
	return h.relay(c, "url", missingURLMessage, model.ModeFullFetch)
}

// Probe reports the status line of the destination in the target query parameter.
func (h *RelayHandler) Probe(c echo.Context) error {
	return h.relay(c, "target", missingTargetMessage, model.ModeHeadProbe)
}

func (h *RelayHandler) relay(c echo.Context, param, missing string, mode model.Mode) error {
	raw := c.QueryParam(param)
	if raw == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": missing})
	}

	resp := h.service.Relay(&model.RelayRequest{
		Ctx:       c.Request().Context(),
		RawTarget: raw,
		Mode:      mode,
	})
	return h.write(c, resp)
}

// write emits resp. Raw upstream JSON is written byte-for-byte.
func (h *RelayHandler) write(c echo.Context, resp model.RelayResponse) error {
	if raw, ok := resp.Body.(json.RawMessage); ok {
		return c.JSONBlob(resp.Status, raw)
	}
	if err := c.JSON(resp.Status, resp.Body); err != nil {
		h.logger.Error("writing relay response", "err", err, "path", c.Request().URL.Path)
		return err
	}
	return nil
}
