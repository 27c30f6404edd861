package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"terrarium-server/internal/broadcast"
	"terrarium-server/internal/utils"
)

// Pinger is satisfied by every repository implementation.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HubStats reports live-update fan-out counters.
type HubStats interface {
	Stats() broadcast.Stats
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	db  Pinger
	hub HubStats
}

func NewHealthchecker(db Pinger, hub HubStats) healthchecker {
	return &healthcheckerImpl{db: db, hub: hub}
}

type healthResponse struct {
	Status string           `json:"status"`
	Hub    *broadcast.Stats `json:"hub,omitempty"`
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}
	resp := healthResponse{Status: "ok"}
	if h.hub != nil {
		stats := h.hub.Stats()
		resp.Hub = &stats
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func registerHealthcheck(mux *http.ServeMux, db Pinger, hub HubStats) {
	healthchecker := NewHealthchecker(db, hub)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
