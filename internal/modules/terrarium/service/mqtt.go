package service

import (
	"context"

	"terrarium-server/internal/modules/terrarium/types"
)

// MQTTSubscriber is implemented by *mqtt.Subscriber.
type MQTTSubscriber interface {
	SetMessageHandler(handler func(ctx context.Context, payload types.IngestPayload) error)
}

// Register routes MQTT readings through the same ingest path as HTTP.
func (s *Service) Register(subscriber MQTTSubscriber) {
	subscriber.SetMessageHandler(func(ctx context.Context, payload types.IngestPayload) error {
		s.logger.Debug("processing mqtt reading",
			"terrarium", payload.SiteSlug,
			"sensor_type", payload.Kind,
			"ts", payload.Time,
		)
		if _, err := s.Ingest(ctx, payload); err != nil {
			s.logger.Error("failed to ingest mqtt reading",
				"terrarium", payload.SiteSlug,
				"error", err,
			)
			return err
		}
		return nil
	})
}
