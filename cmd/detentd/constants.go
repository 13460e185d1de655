package main

import "time"

const version = "0.3.0"

// Encoder defaults
const (
	defaultBackend   = "gpiocdev"
	defaultChip      = "gpiochip0"
	defaultPinA      = 17
	defaultPinB      = 27
	defaultLEDPin    = 22
	defaultThreshold = 4
)

// Daemon defaults
const (
	defaultTickHz          = 100
	defaultStatsIntervalMS = 1000
	defaultSocketPath      = "/tmp/detentd.sock"
	defaultListenAddr      = "127.0.0.1:3001"

	// Event queue between the encoder/tick contexts and the daemon loop.
	// Observations are dropped, never waited on, when it is full.
	eventQueueSize = 256

	// Per-sink broadcast queue (websocket broadcaster, MQTT publisher).
	broadcastQueueSize = 128

	// IPC status requests wait this long for the daemon loop to reply.
	ipcSnapshotTimeout = time.Second
)

// MQTT defaults
const (
	defaultMQTTBroker   = "tcp://127.0.0.1:1883"
	defaultMQTTClientID = "detentd"
	defaultMQTTPrefix   = "detentd"
	mqttQueueSize       = 64
	mqttDisconnectQuiet = 250 // ms
)

// Environment variables read after .env is loaded.
const (
	envConfigPath   = "DETENTD_CONFIG"
	envMQTTUsername = "DETENTD_MQTT_USERNAME"
	envMQTTPassword = "DETENTD_MQTT_PASSWORD"
)
