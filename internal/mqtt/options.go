package mqtt

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"terrarium-server/internal/config"
)

const (
	qos              = byte(1) // at least once
	operationTimeout = 5 * time.Second
)

// Options are the broker settings shared by Subscriber and Publisher.
type Options struct {
	Broker   string
	Port     int
	ClientID string
	// Topic is the subscription filter, e.g. "terrarium/+/readings".
	Topic string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Broker:   cfg.MQTTBroker,
		Port:     cfg.MQTTPort,
		ClientID: cfg.MQTTClientID,
		Topic:    cfg.MQTTTopic,
	}
}

func (o Options) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", o.Broker, o.Port)
}

// ReadingsTopic is where readings for slug are published.
func ReadingsTopic(slug string) string {
	return "terrarium/" + slug + "/readings"
}

// topicSlug returns the second segment of topic ("terrarium/<slug>/readings").
func topicSlug(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func newClientOptions(o Options, logger *slog.Logger, onConnect func(), onLost func()) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.brokerURL())
	opts.SetClientID(o.ClientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", o.Broker, "port", o.Port, "client_id", o.ClientID)
		onConnect()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
		onLost()
	})
	return opts
}
