package controller

import (
	"log/slog"
	"net/http"
	"time"

	"terrarium-server/internal/broadcast"
	"terrarium-server/internal/httpapi"
	"terrarium-server/internal/modules/terrarium/service"
	"terrarium-server/internal/modules/terrarium/types"
)

const defaultHeartbeat = 25 * time.Second

// EventHub is the subscriber side of the broadcast hub.
type EventHub interface {
	Subscribe() *broadcast.Subscription[types.Event]
	Unsubscribe(sub *broadcast.Subscription[types.Event])
}

type TerrariumController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type Options struct {
	// APIKey guards ingest and role writes over the JSON API.
	APIKey string
	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

type terrariumControllerImpl struct {
	service   *service.Service
	hub       EventHub
	apiKey    string
	heartbeat time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewTerrariumController(svc *service.Service, hub EventHub, opts Options) TerrariumController {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &terrariumControllerImpl{
		service:   svc,
		hub:       hub,
		apiKey:    opts.APIKey,
		heartbeat: opts.Heartbeat,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

func (c *terrariumControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/ingest", httpapi.RequireAPIKey(c.apiKey, c.handleIngest))
	mux.HandleFunc("GET /api/v1/summary", c.handleSummary)
	mux.HandleFunc("GET /api/v1/readings", c.handleReadings)
	mux.HandleFunc("GET /api/v1/terrariums", c.handleListTerrariums)
	mux.HandleFunc("GET /api/v1/terrariums/{slug}/snapshot", c.handleSnapshot)
	mux.HandleFunc("GET /api/v1/terrariums/{slug}/roles", c.handleGetRoles)
	mux.HandleFunc("PUT /api/v1/terrariums/{slug}/roles/{role}", httpapi.RequireAPIKey(c.apiKey, c.handleSetRole))

	mux.HandleFunc("GET /sse/summary", c.handleSSESummary)

	mux.HandleFunc("GET /", c.handleIndexPage)
	mux.HandleFunc("GET /ui/summary", c.handleSummaryFragment)
	mux.HandleFunc("GET /terrarium/{slug}", c.handleTerrariumPage)
	mux.HandleFunc("GET /admin/terrarium/{slug}", c.handleAdminMapPage)
	mux.HandleFunc("POST /admin/terrarium/{slug}/map", c.handleAdminMapSubmit)
}
