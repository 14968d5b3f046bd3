package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/onnwee/chat-mirror/db"
	"github.com/onnwee/chat-mirror/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	deps Deps
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

// HandleHealthz is the liveness probe; it pings the journal when configured.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unreachable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports whether the service can usefully serve: the sink must
// be configured, the export directory writable, and the journal (when
// configured) reachable.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	problems := map[string]string{}
	if !h.deps.Sink.Configured() {
		problems["sink"] = "webhook url not configured"
	}
	if h.deps.Exporter != nil {
		if err := checkWritable(h.deps.Exporter.Dir); err != nil {
			problems["export_dir"] = err.Error()
		}
	}
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.PingContext(ctx); err != nil {
			problems["db"] = err.Error()
		}
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "problems": problems})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// HandleStatus reports live relay and export state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"queue_depth":     h.deps.Queue.Len(),
		"sink_configured": h.deps.Sink.Configured(),
		"journal_enabled": h.deps.DB != nil,
		"relay": map[string]float64{
			"enqueued":     telemetry.CounterValue(telemetry.RelayEnqueued),
			"delivered":    telemetry.CounterValue(telemetry.RelayDelivered),
			"dropped":      telemetry.CounterValue(telemetry.RelayDropped),
			"rate_limited": telemetry.CounterValue(telemetry.RelayRateLimited),
		},
	}
	if h.deps.DB != nil {
		recent, err := db.RecentExports(r.Context(), h.deps.DB, 5)
		if err != nil {
			slog.Warn("failed to read recent exports", slog.Any("err", err))
		} else {
			out["recent_exports"] = recent
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleExports lists journal rows, newest first.
func (h *Handlers) HandleExports(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "export journal not configured"})
		return
	}
	runs, err := db.RecentExports(r.Context(), h.deps.DB, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": runs})
}

type exportRequest struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
}

// HandleAdminExport triggers an export run. The run executes detached: a
// collection pass over a large channel can take minutes, far beyond any
// sensible request deadline.
func (h *Handlers) HandleAdminExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	if h.deps.Exporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "exporter not available"})
		return
	}
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if (req.ChannelID == "") == (req.GuildID == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exactly one of channel_id or guild_id required"})
		return
	}

	corr := telemetry.GetCorrelation(r.Context())
	go func() {
		ctx := telemetry.WithCorrelation(context.WithoutCancel(r.Context()), corr)
		var err error
		if req.ChannelID != "" {
			_, err = h.deps.Exporter.ExportChannel(ctx, req.ChannelID)
		} else {
			_, err = h.deps.Exporter.ExportGuild(ctx, req.GuildID)
		}
		if err != nil {
			slog.Warn("admin-triggered export failed", slog.Any("err", err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".writecheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
