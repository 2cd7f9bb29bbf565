package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/bridge"
	"github.com/septivank/iot-telemetry-bridge/internal/db"
	"github.com/septivank/iot-telemetry-bridge/internal/exceedance"
	"github.com/septivank/iot-telemetry-bridge/internal/fanout"
	"github.com/septivank/iot-telemetry-bridge/internal/service"
	"github.com/septivank/iot-telemetry-bridge/tools/timeparser"
)

const (
	defaultLimit = 100
	maxLimit     = 10000
)

// Service is the part of the telemetry service the handlers call
type Service interface {
	Connect(ctx context.Context, deviceID string) error
	Disconnect(deviceID string)
	ConnectAll(ctx context.Context) (int, error)
	Status() map[string]bridge.ConnectionStatus
	Latest(ctx context.Context, deviceID string) (*service.Latest, error)
	History(ctx context.Context, deviceID string, opts service.HistoryOptions) ([]db.TelemetryRecord, error)
	Exceedances(ctx context.Context, deviceID string, spec exceedance.ThresholdSpec, opts service.ExceedanceOptions) ([]exceedance.Result, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	Service Service
	Hub     *fanout.Hub
	Logger  *zap.Logger
	Timeout time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type recordResponse struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	Topic      string    `json:"topic"`
	Payload    any       `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type exceedanceResponse struct {
	recordResponse
	Alerts []exceedance.Alert `json:"alerts"`
}

type latestResponse struct {
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterRoutes mounts the handlers on r. The live route hijacks the
// connection and is left out of the request timeout.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/mqtt/{id}/live", h.handleLive)

	r.Group(func(r chi.Router) {
		if h.Timeout > 0 {
			r.Use(middleware.Timeout(h.Timeout))
		}
		r.Get("/health", h.handleHealth)
		r.Get("/mqtt/status", h.handleStatus)
		r.Post("/mqtt/connect-all", h.handleConnectAll)
		r.Post("/mqtt/{id}/connect", h.handleConnect)
		r.Post("/mqtt/{id}/disconnect", h.handleDisconnect)
		r.Get("/mqtt/{id}/data", h.handleData)
		r.Get("/mqtt/{id}/latest", h.handleLatest)
		r.Get("/mqtt/{id}/exceedances", h.handleExceedances)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Ping(r.Context()); err != nil {
		h.Logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "status": "degraded", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "connections": h.Service.Status()})
}

func (h *Handler) handleConnectAll(w http.ResponseWriter, r *http.Request) {
	count, err := h.Service.ConnectAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("%d device(s) connecting", count),
		"count":   count,
	})
}

// handleConnect answers as soon as the attempt is started. Broker failures
// show up in /status.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.Connect(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("connecting to device %s", id)})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.Service.Disconnect(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("device %s disconnected", id)})
}

func (h *Handler) handleData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	query := r.URL.Query()

	since, err := parseSince(query.Get("since"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
		return
	}

	records, err := h.Service.History(r.Context(), id, service.HistoryOptions{
		Limit:  parseLimit(query.Get("limit")),
		Since:  since,
		Period: query.Get("period"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	data := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		data = append(data, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(data), "data": data})
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := h.Service.Latest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if latest == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil, "message": "no data available"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    latestResponse{Payload: decodePayload(latest.Payload), Timestamp: latest.Timestamp},
	})
}

func (h *Handler) handleExceedances(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	query := r.URL.Query()

	since, err := parseSince(query.Get("since"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
		return
	}

	spec := exceedance.ParseThresholdQuery(query)
	results, err := h.Service.Exceedances(r.Context(), id, spec, service.ExceedanceOptions{
		Limit: parseLimit(query.Get("limit")),
		Since: since,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	data := make([]exceedanceResponse, 0, len(results))
	for _, res := range results {
		data = append(data, exceedanceResponse{recordResponse: toRecordResponse(res.Record), Alerts: res.Alerts})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"data":       data,
		"count":      len(data),
		"thresholds": spec,
	})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.Logger.Debug("websocket upgrade failed", zap.String("device_id", id), zap.Error(err))
		return
	}
	h.Hub.Attach(conn, id)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrDeviceNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": err.Error()})
	case errors.Is(err, service.ErrInvalidDevice):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
	case errors.Is(err, service.ErrStoreNotConfigured):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "message": err.Error()})
	default:
		h.Logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "internal server error"})
	}
}

// parseLimit falls back to the default for anything that is not an integer
// and clamps the rest into [1, maxLimit].
func parseLimit(raw string) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return defaultLimit
	}
	if limit < 1 {
		return 1
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func parseSince(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := timeparser.ParseTimestamp(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid since: %w", err)
	}
	return &t, nil
}

// decodePayload returns stored payloads that are JSON as JSON and anything
// else as the raw string.
func decodePayload(payload string) any {
	if json.Valid([]byte(payload)) {
		return json.RawMessage(payload)
	}
	return payload
}

func toRecordResponse(rec db.TelemetryRecord) recordResponse {
	return recordResponse{
		ID:         rec.ID.String(),
		DeviceID:   rec.DeviceID,
		Topic:      rec.Topic,
		Payload:    decodePayload(rec.Payload),
		ReceivedAt: rec.ReceivedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
