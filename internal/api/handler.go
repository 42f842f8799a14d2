// Package api serves the bridge's local HTTP surface and its MCP server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Nightline-AI/iphone-bridge/internal/bridge"
	"github.com/Nightline-AI/iphone-bridge/internal/sink"
	"github.com/Nightline-AI/iphone-bridge/internal/stats"
	"github.com/Nightline-AI/iphone-bridge/internal/storage"
	"github.com/Nightline-AI/iphone-bridge/internal/watcher"
)

const maxRequestBodySize = 1 << 20 // 1MB

// defaultTestText is sent by /test/send when no text is given.
const defaultTestText = "Test message from iPhone Bridge"

// Bridge is the pipeline surface the HTTP layer drives.
type Bridge interface {
	Send(ctx context.Context, handle, text string) sink.Result
	Inject(ctx context.Context, handle, text string, isIMessage bool) watcher.Event
	Status(ctx context.Context) bridge.StatusReport
	Stats() *stats.Stats
}

// History lists the audit tables kept in the state store.
type History interface {
	ListFailedForwards(limit int) ([]storage.FailedForward, error)
	GetRecentSends(limit int) ([]storage.SentMessage, error)
}

// Deps holds what the handler needs. History is optional.
type Deps struct {
	Bridge  Bridge
	History History
	Secret  string
	// Mock enables POST /test/inject.
	Mock bool
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	Phone   string `json:"phone"`
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// SendResponse is returned by POST /send.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string  `json:"status"`
	WatcherRunning bool    `json:"watcher_running"`
	MockMode       bool    `json:"mock_mode"`
	Version        string  `json:"version"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// InjectRequest is the body of POST /test/inject.
type InjectRequest struct {
	Phone      string `json:"phone"`
	Text       string `json:"text"`
	IsIMessage *bool  `json:"is_imessage,omitempty"`
}

// InjectResponse describes the synthetic event pushed through the pipeline.
type InjectResponse struct {
	MessageID  string    `json:"message_id"`
	Phone      string    `json:"phone"`
	Text       string    `json:"text"`
	IsIMessage bool      `json:"is_imessage"`
	ReceivedAt time.Time `json:"received_at"`
}

// TestSendResponse is the raw sender outcome returned by POST /test/send.
type TestSendResponse struct {
	Result    string `json:"result"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewHandler returns the bridge's HTTP routes. Everything except /health
// requires the shared secret.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(SecretAuth(deps.Secret))

		r.Get("/status", handleStatus(deps))
		r.Post("/send", handleSend(deps))
		r.Get("/failures", handleListFailures(deps))
		r.Get("/sends", handleListSends(deps))
		r.Post("/test/send", handleTestSend(deps))
		if deps.Mock {
			r.Post("/test/inject", handleInject(deps))
		}
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := deps.Bridge.Stats().Snapshot()
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:         "healthy",
			WatcherRunning: snap.WatcherRunning,
			MockMode:       deps.Mock,
			Version:        bridge.Version,
			UptimeSeconds:  snap.UptimeSeconds,
		})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Bridge.Status(r.Context()))
	}
}

func handleSend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, SendResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
			return
		}

		slog.Info("send request", "phone", req.Phone, "text", sink.Truncate(req.Text, 50))

		res := deps.Bridge.Send(r.Context(), req.Phone, req.Text)
		switch {
		case res.Success:
			writeJSON(w, http.StatusOK, SendResponse{Success: true, MessageID: res.MessageID})
		case res.Kind == sink.KindValidation:
			writeJSON(w, http.StatusBadRequest, SendResponse{Error: res.Error})
		default:
			writeJSON(w, http.StatusBadGateway, SendResponse{Error: res.Error})
		}
	}
}

func handleTestSend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		phone := q.Get("phone")
		text := q.Get("text")
		if text == "" {
			text = defaultTestText
		}

		res := deps.Bridge.Send(r.Context(), phone, text)
		out := TestSendResponse{MessageID: res.MessageID, Error: res.Error}
		if res.Success {
			out.Result = "success"
		} else {
			out.Result = string(res.Kind)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleInject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req InjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := sink.Validate(req.Phone, req.Text); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		isIMessage := true
		if req.IsIMessage != nil {
			isIMessage = *req.IsIMessage
		}

		ev := deps.Bridge.Inject(r.Context(), req.Phone, req.Text, isIMessage)
		writeJSON(w, http.StatusOK, InjectResponse{
			MessageID:  ev.ID,
			Phone:      ev.Handle,
			Text:       ev.Text,
			IsIMessage: ev.IsIMessage,
			ReceivedAt: ev.Timestamp,
		})
	}
}

func handleListFailures(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			writeJSON(w, http.StatusOK, []storage.FailedForward{})
			return
		}
		limit := parseIntParam(r, "limit", 20, 500)
		rows, err := deps.History.ListFailedForwards(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list failed forwards: %v", err)
			return
		}
		if rows == nil {
			rows = []storage.FailedForward{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func handleListSends(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			writeJSON(w, http.StatusOK, []storage.SentMessage{})
			return
		}
		limit := parseIntParam(r, "limit", 20, 500)
		rows, err := deps.History.GetRecentSends(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sends: %v", err)
			return
		}
		if rows == nil {
			rows = []storage.SentMessage{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"success":    false,
		"error":      fmt.Sprintf(format, args...),
		"error_type": errType,
	})
}
