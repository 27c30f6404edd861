package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"terrarium-server/internal/modules/terrarium/types"
)

var errStopped = errors.New("subscriber stopped")

const handlerTimeout = 10 * time.Second

type Subscriber struct {
	client    mqtt.Client
	opts      Options
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	// subscribed is set after the first successful subscribe so reconnects
	// restore the subscription that a clean session drops.
	subscribed atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once

	handlerMu sync.RWMutex
	handler   func(ctx context.Context, payload types.IngestPayload) error
}

// SetMessageHandler sets the callback invoked for each decoded reading.
func (s *Subscriber) SetMessageHandler(handler func(ctx context.Context, payload types.IngestPayload) error) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

func NewSubscriber(opts Options, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	clientOpts := newClientOptions(opts, logger,
		func() {
			s.setConnected(true)
			if s.subscribed.Load() {
				go func() {
					if err := s.subscribe(); err != nil {
						s.logger.Error("mqtt resubscribe failed", "topic", s.opts.Topic, "error", err)
					}
				}()
			}
		},
		func() { s.setConnected(false) },
	)
	s.client = mqtt.NewClient(clientOpts)
	return s
}

// Connect waits for the broker connection, then subscribes to the configured
// topic. It gives up when ctx is done or Disconnect is called.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return errStopped
	default:
	}

	if s.IsConnected() && s.subscribed.Load() {
		return nil
	}

	if err := waitToken(ctx, s.stopCh, s.client.Connect()); err != nil {
		s.client.Disconnect(0)
		return err
	}

	if err := s.subscribe(); err != nil {
		s.client.Disconnect(0)
		return fmt.Errorf("subscribe: %w", err)
	}
	s.subscribed.Store(true)
	return nil
}

func waitToken(ctx context.Context, stopCh <-chan struct{}, token mqtt.Token) error {
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return errStopped
		default:
		}
	}
}

func (s *Subscriber) subscribe() error {
	topic := s.opts.Topic
	token := s.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}

	s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	var reading types.IngestPayload
	if err := json.Unmarshal(payload, &reading); err != nil {
		s.logger.Warn("failed to parse reading message",
			"topic", topic,
			"error", err,
			"payload", string(payload),
		)
		return
	}
	if reading.SiteSlug == "" {
		reading.SiteSlug = topicSlug(topic)
	}

	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()
	if handler == nil {
		s.logger.Warn("no mqtt message handler set", "topic", topic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := handler(ctx, reading); err != nil {
		s.logger.Error("message handler failed",
			"topic", topic,
			"terrarium", reading.SiteSlug,
			"error", err,
		)
		return
	}
	s.logger.Debug("processed reading message",
		"terrarium", reading.SiteSlug,
		"sensor_type", reading.Kind,
		"ts", reading.Time,
	)
}

func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the MQTT connection.
// Idempotent and safe to call multiple times.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.subscribed.Store(false)

	if s.client != nil && s.IsConnected() {
		token := s.client.Unsubscribe(s.opts.Topic)
		token.WaitTimeout(2 * time.Second)
	}
	if s.client != nil {
		s.client.Disconnect(250)
	}

	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
