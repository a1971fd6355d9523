package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/automation/internal/app"
	"github.com/gyaneshwarpardhi/automation/internal/config"
	"github.com/gyaneshwarpardhi/automation/internal/engine"
	"github.com/gyaneshwarpardhi/automation/internal/event"
	"github.com/gyaneshwarpardhi/automation/internal/metrics"
	"github.com/gyaneshwarpardhi/automation/internal/remotedata"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
	"github.com/gyaneshwarpardhi/automation/internal/store"
)

const maxBatchSize = 100

// Handler holds all HTTP handler dependencies.
type Handler struct {
	app    *app.App
	loader *config.Loader
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. loader may be nil,
// which disables POST /v1/config/reload.
func New(a *app.App, loader *config.Loader) http.Handler {
	h := &Handler{app: a, loader: loader, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/remote-data/{type}", h.putPayload)
	h.mux.HandleFunc("GET /v1/remote-data/status", h.refreshStatus)
	h.mux.HandleFunc("GET /v1/remote-data/{type}", h.getPayload)

	h.mux.HandleFunc("POST /v1/lifecycle/foreground", h.foreground)
	h.mux.HandleFunc("POST /v1/lifecycle/background", h.background)
	h.mux.HandleFunc("POST /v1/lifecycle/pause", h.pause)
	h.mux.HandleFunc("POST /v1/lifecycle/resume", h.resume)

	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.ingestBatch)

	h.mux.HandleFunc("GET /v1/schedules", h.listSchedules)
	h.mux.HandleFunc("GET /v1/schedules/{id}", h.getSchedule)
	h.mux.HandleFunc("POST /v1/schedules", h.createSchedule)
	h.mux.HandleFunc("DELETE /v1/schedules/{id}", h.cancelSchedule)
	h.mux.HandleFunc("DELETE /v1/groups/{group}", h.cancelGroup)
	h.mux.HandleFunc("GET /v1/triggers", h.listTriggers)
	h.mux.HandleFunc("GET /v1/messages", h.listMessages)

	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// POST /v1/remote-data/{type}: deliver a payload to the cache.
func (h *Handler) putPayload(w http.ResponseWriter, r *http.Request) {
	var p remotedata.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	typ := r.PathValue("type")
	if p.Type != "" && p.Type != typ {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("payload type %q does not match path %q", p.Type, typ))
		return
	}
	p.Type = typ

	err := h.app.OnNewRemotePayload(r.Context(), p)
	switch {
	case errors.Is(err, remotedata.ErrStalePayload):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"type":      p.Type,
		"timestamp": p.Timestamp,
		"stored":    true,
	})
}

// GET /v1/remote-data/{type}: the cached payload.
func (h *Handler) getPayload(w http.ResponseWriter, r *http.Request) {
	p := h.app.Cache().Get(r.PathValue("type"))
	if p.IsEmpty() {
		writeError(w, http.StatusNotFound, "no payload cached for "+p.Type)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GET /v1/remote-data/status: refresh policy decision.
func (h *Handler) refreshStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.app.RefreshPolicy().Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"refresh": st,
		"urls":    h.app.URLs().URLs(),
		"types":   h.app.Cache().Types(),
	})
}

func (h *Handler) foreground(w http.ResponseWriter, r *http.Request) {
	writeLifecycle(w, h.app.Foreground(), h.app)
}

func (h *Handler) background(w http.ResponseWriter, r *http.Request) {
	writeLifecycle(w, h.app.Background(), h.app)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.app.Pause()
	writeLifecycle(w, true, h.app)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.app.Resume()
	writeLifecycle(w, true, h.app)
}

func writeLifecycle(w http.ResponseWriter, changed bool, a *app.App) {
	writeJSON(w, http.StatusOK, map[string]any{
		"changed":    changed,
		"foreground": a.Device().IsForeground(),
		"paused":     a.IsPaused(),
	})
}

// POST /v1/events: single custom event.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.CustomEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	ev.Source = "http"
	if err := h.app.OnCustomEvent(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": ev.ID})
}

// POST /v1/events/batch: up to maxBatchSize custom events.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*event.CustomEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	accepted := 0
	for _, ev := range events {
		if ev == nil {
			continue
		}
		ev.Source = "http"
		if h.app.OnCustomEvent(ev) == nil {
			accepted++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"total":    len(events),
		"accepted": accepted,
		"rejected": len(events) - accepted,
	})
}

// GET /v1/schedules
func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := h.app.Engine().GetSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if scheds == nil {
		scheds = []*schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

// GET /v1/schedules/{id}
func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := h.app.Engine().GetSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"schedule": s}
	if st, ok := h.app.Engine().TriggerStatus(id); ok {
		resp["trigger"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /v1/schedules: create a schedule outside remote data.
func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var s schedule.Schedule
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err := h.app.Engine().Schedule(r.Context(), &s)
	switch {
	case errors.Is(err, engine.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule": &s})
}

// DELETE /v1/schedules/{id}
func (h *Handler) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.app.Engine().CancelSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "schedule not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
}

// DELETE /v1/groups/{group}
func (h *Handler) cancelGroup(w http.ResponseWriter, r *http.Request) {
	ids, err := h.app.Engine().CancelScheduleGroup(r.Context(), r.PathValue("group"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": ids})
}

// GET /v1/triggers: trigger state of every attached schedule.
func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"triggers": h.app.Engine().TriggerStatuses()})
}

// GET /v1/messages: recently displayed in-app messages.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": h.app.Displayed()})
}

// POST /v1/config/reload: re-read the config file now.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusNotFound, "config reload not available")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":                    true,
		"log_level":                   cfg.Log.Level,
		"foreground_refresh_interval": cfg.RemoteData.ForegroundRefreshInterval.String(),
		"new_user_cutoff_ms":          cfg.RemoteData.CutoffMs(),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the execution queue is >80% full or the store is
// unreachable.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "store unavailable",
			"error":  err.Error(),
		})
		return
	}
	util := h.app.Engine().QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"queue_utilization": util,
	})
}
