package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"terrarium-server/internal/modules/terrarium/types"
)

var errPublisherStopped = errors.New("publisher stopped")

// Publisher sends readings to the broker. The simulator and the e2e tests use
// it to feed the server the same way a device would.
type Publisher struct {
	client    mqtt.Client
	opts      Options
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPublisher(opts Options, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	p.client = mqtt.NewClient(newClientOptions(opts, logger,
		func() { p.setConnected(true) },
		func() { p.setConnected(false) },
	))
	return p
}

// Connect waits for the initial connection, respecting ctx and Disconnect.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return errPublisherStopped
	default:
	}
	if p.IsConnected() {
		return nil
	}
	err := waitToken(ctx, p.stopCh, p.client.Connect())
	if errors.Is(err, errStopped) {
		return errPublisherStopped
	}
	return err
}

// PublishReading publishes reading to its terrarium's readings topic.
func (p *Publisher) PublishReading(reading types.IngestPayload) error {
	if !p.IsConnected() {
		return errors.New("mqtt client not connected")
	}
	if reading.SiteSlug == "" {
		return errors.New("terrarium_slug is required")
	}
	if reading.Time.IsZero() {
		reading.Time = time.Now().UTC()
	}

	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	topic := ReadingsTopic(reading.SiteSlug)
	token := p.client.Publish(topic, qos, false, data)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		p.logger.Error("failed to publish reading", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish reading: %w", token.Error())
	}

	p.logger.Debug("published reading", "topic", topic, "sensor_type", reading.Kind)
	return nil
}

func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect is idempotent. After it, Connect returns an error.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.logger.Info("mqtt publisher disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
