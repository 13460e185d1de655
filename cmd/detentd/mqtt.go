package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// mqttPublisher is the part of mqtt.Client the sender needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

const (
	mqttPublishTimeout = 5 * time.Second
	mqttStatusOnline   = "online"
	mqttStatusOffline  = "offline"
)

type mqttPeriodPayload struct {
	PeriodTicks uint32  `json:"period_ticks"`
	PeriodMS    float64 `json:"period_ms"`
	Source      string  `json:"source,omitempty"`
}

type mqttDetentPayload struct {
	Direction   string `json:"direction"`
	PeriodTicks uint32 `json:"period_ticks"`
	Changed     bool   `json:"changed"`
	Source      string `json:"source,omitempty"`
}

func mqttTopic(prefix, leaf string) string {
	return strings.TrimRight(prefix, "/") + "/" + leaf
}

// mqttMessagesFor maps one reducer broadcast to the messages it publishes.
func mqttMessagesFor(b StateBroadcast, cfg MQTTConfig) ([]MQTTMessage, error) {
	switch ev := b.(type) {
	case BroadcastPeriodChanged:
		payload, err := json.Marshal(mqttPeriodPayload{PeriodTicks: ev.PeriodTicks, PeriodMS: ev.PeriodMS, Source: ev.Source})
		if err != nil {
			return nil, err
		}
		return []MQTTMessage{{Topic: mqttTopic(cfg.TopicPrefix, "period"), Payload: payload, QoS: 1, Retain: true}}, nil

	case BroadcastDetent:
		payload, err := json.Marshal(mqttDetentPayload{
			Direction:   ev.Direction.String(),
			PeriodTicks: ev.PeriodTicks,
			Changed:     ev.Changed,
			Source:      ev.Source,
		})
		if err != nil {
			return nil, err
		}
		return []MQTTMessage{{Topic: mqttTopic(cfg.TopicPrefix, "detent"), Payload: payload}}, nil

	case BroadcastBlink:
		if !cfg.PublishBlink {
			return nil, nil
		}
		state := "OFF"
		if ev.On {
			state = "ON"
		}
		return []MQTTMessage{{Topic: mqttTopic(cfg.TopicPrefix, "blink"), Payload: []byte(state), Retain: true}}, nil

	default:
		return nil, nil
	}
}

// homeAssistantDiscovery returns the retained discovery configs for the
// period sensor and, if enabled, the blink binary sensor.
func homeAssistantDiscovery(cfg MQTTConfig) ([]MQTTMessage, error) {
	type device struct {
		Identifiers  []string `json:"identifiers"`
		Name         string   `json:"name"`
		Manufacturer string   `json:"manufacturer,omitempty"`
		Model        string   `json:"model,omitempty"`
		SWVersion    string   `json:"sw_version,omitempty"`
	}
	type entity struct {
		Name              string `json:"name"`
		UniqueID          string `json:"unique_id"`
		StateTopic        string `json:"state_topic"`
		AvailabilityTopic string `json:"availability_topic"`
		ValueTemplate     string `json:"value_template,omitempty"`
		UnitOfMeasure     string `json:"unit_of_measurement,omitempty"`
		DeviceClass       string `json:"device_class,omitempty"`
		StateClass        string `json:"state_class,omitempty"`
		PayloadOn         string `json:"payload_on,omitempty"`
		PayloadOff        string `json:"payload_off,omitempty"`
		Device            device `json:"device"`
	}

	deviceID := strings.ReplaceAll(strings.ToLower(cfg.ClientID), " ", "_")
	dev := device{
		Identifiers:  []string{deviceID},
		Name:         cfg.ClientID,
		Manufacturer: "detentd",
		Model:        "rotary encoder blinker",
		SWVersion:    version,
	}
	availability := mqttTopic(cfg.TopicPrefix, "status")

	configs := []struct {
		component string
		key       string
		e         entity
	}{
		{"sensor", "period", entity{
			Name:              "Blink period",
			UniqueID:          deviceID + "_period",
			StateTopic:        mqttTopic(cfg.TopicPrefix, "period"),
			AvailabilityTopic: availability,
			ValueTemplate:     "{{ value_json.period_ms }}",
			UnitOfMeasure:     "ms",
			DeviceClass:       "duration",
			StateClass:        "measurement",
			Device:            dev,
		}},
	}
	if cfg.PublishBlink {
		configs = append(configs, struct {
			component string
			key       string
			e         entity
		}{"binary_sensor", "blink", entity{
			Name:              "LED",
			UniqueID:          deviceID + "_blink",
			StateTopic:        mqttTopic(cfg.TopicPrefix, "blink"),
			AvailabilityTopic: availability,
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			DeviceClass:       "light",
			Device:            dev,
		}})
	}

	out := make([]MQTTMessage, 0, len(configs))
	for _, c := range configs {
		payload, err := json.Marshal(c.e)
		if err != nil {
			return nil, fmt.Errorf("marshal %s discovery: %w", c.key, err)
		}
		out = append(out, MQTTMessage{
			Topic:   fmt.Sprintf("homeassistant/%s/%s_%s/config", c.component, deviceID, c.key),
			Payload: payload,
			QoS:     1,
			Retain:  true,
		})
	}
	return out, nil
}

// mqttSenderWorker publishes outgoing messages through the most recently
// connected client. Messages that arrive while disconnected are dropped.
func mqttSenderWorker(ctx context.Context, outgoing <-chan MQTTMessage, clients <-chan mqttPublisher, logger *slog.Logger) {
	logger.Info("mqtt sender worker started")
	var client mqttPublisher

	for {
		select {
		case <-ctx.Done():
			logger.Info("mqtt sender worker stopped")
			return

		case c := <-clients:
			client = c

		case msg := <-outgoing:
			if client == nil {
				logger.Debug("mqtt not connected; dropping message", "topic", msg.Topic)
				continue
			}
			token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
			if !token.WaitTimeout(mqttPublishTimeout) {
				logger.Warn("mqtt publish timed out", "topic", msg.Topic)
				continue
			}
			if err := token.Error(); err != nil {
				logger.Warn("mqtt publish failed", "topic", msg.Topic, "error", err)
			}
		}
	}
}

// enqueueMQTT queues msgs without blocking.
func enqueueMQTT(outgoing chan<- MQTTMessage, msgs []MQTTMessage, logger *slog.Logger) {
	for _, m := range msgs {
		select {
		case outgoing <- m:
		default:
			logger.Warn("mqtt outgoing queue full, dropping message", "topic", m.Topic)
		}
	}
}

// runMQTTPublisher connects to the broker and publishes reducer broadcasts
// from src until ctx is canceled.
func runMQTTPublisher(ctx context.Context, cfg MQTTConfig, src <-chan StateBroadcast, logger *slog.Logger) error {
	outgoing := make(chan MQTTMessage, mqttQueueSize)
	clients := make(chan mqttPublisher, 1)

	discovery, err := homeAssistantDiscovery(cfg)
	if err != nil {
		return err
	}
	statusTopic := mqttTopic(cfg.TopicPrefix, "status")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(statusTopic, mqttStatusOffline, 1, true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)

		// Replace any stale client the worker has not picked up yet.
		select {
		case <-clients:
		default:
		}
		clients <- c

		enqueueMQTT(outgoing, []MQTTMessage{{Topic: statusTopic, Payload: []byte(mqttStatusOnline), QoS: 1, Retain: true}}, logger)
		if cfg.HomeAssistantDiscovery {
			enqueueMQTT(outgoing, discovery, logger)
		}
	})

	client := mqtt.NewClient(opts)
	logger.Info("mqtt connecting", "broker", cfg.Broker, "client_id", cfg.ClientID)
	// With ConnectRetry the token completes only once connected, so it is not
	// waited on here.
	client.Connect()

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		mqttSenderWorker(workerCtx, outgoing, clients, logger)
	}()

	defer func() {
		stopWorker()
		<-workerDone
		if client.IsConnected() {
			client.Publish(statusTopic, 1, true, mqttStatusOffline).WaitTimeout(time.Second)
		}
		client.Disconnect(mqttDisconnectQuiet)
		logger.Info("mqtt disconnected")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case b, ok := <-src:
			if !ok {
				return nil
			}
			msgs, err := mqttMessagesFor(b, cfg)
			if err != nil {
				logger.Warn("mqtt marshal failed", "error", err)
				continue
			}
			enqueueMQTT(outgoing, msgs, logger)
		}
	}
}
