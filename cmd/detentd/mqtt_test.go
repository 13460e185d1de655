package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"detentd/internal/quadrature"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakePublisher struct {
	mu   sync.Mutex
	sent []MQTTMessage
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, _ := payload.([]byte)
	p.sent = append(p.sent, MQTTMessage{Topic: topic, Payload: b, QoS: qos, Retain: retained})
	return fakeToken{err: p.err}
}

func (p *fakePublisher) messages() []MQTTMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MQTTMessage(nil), p.sent...)
}

func testMQTTConfig() MQTTConfig {
	cfg := DefaultConfig().MQTT
	cfg.Enabled = true
	cfg.TopicPrefix = "detentd/"
	cfg.ClientID = "Desk Knob"
	return cfg
}

func TestMQTTMessagesFor_Period(t *testing.T) {
	msgs, err := mqttMessagesFor(BroadcastPeriodChanged{PeriodTicks: 891, PeriodMS: 8910, Source: sourceEncoder}, testMQTTConfig())
	if err != nil {
		t.Fatalf("mqttMessagesFor: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Topic != "detentd/period" || !m.Retain || m.QoS != 1 {
		t.Fatalf("unexpected message %+v", m)
	}
	var p mqttPeriodPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.PeriodTicks != 891 || p.PeriodMS != 8910 || p.Source != "encoder" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestMQTTMessagesFor_DetentAndBlink(t *testing.T) {
	cfg := testMQTTConfig()

	msgs, err := mqttMessagesFor(BroadcastDetent{Direction: quadrature.CounterclockwiseDetent, PeriodTicks: 1000, Changed: false}, cfg)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("detent: %v %v", msgs, err)
	}
	if msgs[0].Topic != "detentd/detent" || msgs[0].Retain {
		t.Fatalf("detent message must be transient: %+v", msgs[0])
	}
	if !strings.Contains(string(msgs[0].Payload), `"direction":"ccw"`) {
		t.Fatalf("unexpected detent payload %s", msgs[0].Payload)
	}

	msgs, _ = mqttMessagesFor(BroadcastBlink{On: true}, cfg)
	if len(msgs) != 1 || string(msgs[0].Payload) != "ON" || !msgs[0].Retain {
		t.Fatalf("unexpected blink messages %+v", msgs)
	}

	cfg.PublishBlink = false
	msgs, _ = mqttMessagesFor(BroadcastBlink{On: false}, cfg)
	if len(msgs) != 0 {
		t.Fatalf("blink publishing disabled, got %+v", msgs)
	}
}

func TestHomeAssistantDiscovery(t *testing.T) {
	cfg := testMQTTConfig()
	msgs, err := homeAssistantDiscovery(cfg)
	if err != nil {
		t.Fatalf("homeAssistantDiscovery: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected sensor and binary_sensor, got %d", len(msgs))
	}
	if msgs[0].Topic != "homeassistant/sensor/desk_knob_period/config" {
		t.Fatalf("unexpected sensor topic %q", msgs[0].Topic)
	}
	if msgs[1].Topic != "homeassistant/binary_sensor/desk_knob_blink/config" {
		t.Fatalf("unexpected binary_sensor topic %q", msgs[1].Topic)
	}

	var sensor map[string]any
	if err := json.Unmarshal(msgs[0].Payload, &sensor); err != nil {
		t.Fatalf("sensor payload: %v", err)
	}
	if sensor["state_topic"] != "detentd/period" || sensor["availability_topic"] != "detentd/status" {
		t.Fatalf("unexpected sensor config %v", sensor)
	}
	for _, m := range msgs {
		if !m.Retain {
			t.Fatalf("discovery must be retained: %s", m.Topic)
		}
	}

	cfg.PublishBlink = false
	msgs, _ = homeAssistantDiscovery(cfg)
	if len(msgs) != 1 {
		t.Fatalf("expected only the period sensor, got %d", len(msgs))
	}
}

func TestMQTTSenderWorker_DropsUntilConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	outgoing := make(chan MQTTMessage, 4)
	clients := make(chan mqttPublisher, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		mqttSenderWorker(ctx, outgoing, clients, quietLogger())
	}()
	defer func() {
		cancel()
		<-done
	}()

	outgoing <- MQTTMessage{Topic: "lost"}
	waitUntil(t, time.Second, func() bool { return len(outgoing) == 0 }, "message not consumed")

	pub := &fakePublisher{err: errors.New("broker said no")}
	clients <- pub
	waitUntil(t, time.Second, func() bool { return len(clients) == 0 }, "client not picked up")

	outgoing <- MQTTMessage{Topic: "detentd/period", Payload: []byte("{}"), QoS: 1, Retain: true}
	waitUntil(t, time.Second, func() bool { return len(pub.messages()) == 1 }, "message not published")

	got := pub.messages()[0]
	if got.Topic != "detentd/period" || !got.Retain || got.QoS != 1 {
		t.Fatalf("unexpected publish %+v", got)
	}
}

func TestEnqueueMQTT_DropsWhenFull(t *testing.T) {
	outgoing := make(chan MQTTMessage, 1)
	enqueueMQTT(outgoing, []MQTTMessage{{Topic: "a"}, {Topic: "b"}}, quietLogger())
	if len(outgoing) != 1 {
		t.Fatalf("expected one queued message, got %d", len(outgoing))
	}
	if m := <-outgoing; m.Topic != "a" {
		t.Fatalf("expected first message kept, got %q", m.Topic)
	}
}
