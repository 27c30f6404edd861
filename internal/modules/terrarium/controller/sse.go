package controller

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"terrarium-server/internal/modules/terrarium/types"
	"terrarium-server/internal/modules/terrarium/views"
)

// handleSSESummary streams the summary fragment: once on connect, then after
// every published event. Idle connections get a comment line each heartbeat.
func (c *terrariumControllerImpl) handleSSESummary(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	sub := c.hub.Subscribe()
	defer c.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := c.logger.With("subscription", sub.ID())
	log.Debug("sse client connected")
	defer log.Debug("sse client disconnected")

	items, err := c.service.Aggregator().ByKind(r.Context())
	if err != nil {
		log.Error("failed to build initial summary", "error", err)
		return
	}
	if err := c.sendSummary(w, rc, items); err != nil {
		log.Debug("sse write failed", "error", err)
		return
	}

	heartbeat := time.NewTimer(c.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				// hub closed during shutdown
				return
			}
			if ev.Type != types.EventSummary {
				continue
			}
			if err := c.sendSummary(w, rc, ev.Summary); err != nil {
				log.Debug("sse write failed", "error", err)
				return
			}
			heartbeat.Reset(c.heartbeat)
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			heartbeat.Reset(c.heartbeat)
		}
	}
}

func (c *terrariumControllerImpl) sendSummary(w io.Writer, rc *http.ResponseController, items []types.KindSummary) error {
	var buf bytes.Buffer
	if err := views.RenderSummaryTable(&buf, items); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}
	if err := writeSSE(w, types.EventSummary, buf.Bytes()); err != nil {
		return err
	}
	return rc.Flush()
}
