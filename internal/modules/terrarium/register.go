package terrarium

import (
	"log/slog"
	"net/http"
	"time"

	"terrarium-server/internal/broadcast"
	"terrarium-server/internal/modules/terrarium/aggregate"
	"terrarium-server/internal/modules/terrarium/controller"
	"terrarium-server/internal/modules/terrarium/repository"
	"terrarium-server/internal/modules/terrarium/service"
	"terrarium-server/internal/modules/terrarium/types"
)

type Deps struct {
	Repository repository.TerrariumRepository
	Hub        *broadcast.Hub[types.Event]
	// Subscriber is optional; nil leaves MQTT ingestion off.
	Subscriber service.MQTTSubscriber
	APIKey     string
	Heartbeat  time.Duration
	Logger     *slog.Logger
}

func RegisterFeature(mux *http.ServeMux, deps Deps) *service.Service {
	terrariumService := service.NewService(deps.Repository, aggregate.New(deps.Repository), deps.Hub, deps.Logger)
	if deps.Subscriber != nil {
		terrariumService.Register(deps.Subscriber)
	}
	terrariumController := controller.NewTerrariumController(terrariumService, deps.Hub, controller.Options{
		APIKey:    deps.APIKey,
		Heartbeat: deps.Heartbeat,
		Logger:    deps.Logger,
	})
	terrariumController.RegisterRoutes(mux)
	return terrariumService
}
