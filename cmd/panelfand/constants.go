package main

import (
	"time"

	"panelfan/internal/fan"
	"panelfan/internal/gpio"
)

// Daemon defaults. Pulse timings mirror the fan package defaults.
const (
	defaultTickHz = 100 // Controller loop frequency (Hz)

	defaultPressMS         = int(fan.DefaultPressDuration / time.Millisecond)
	defaultReleaseMS       = int(fan.DefaultReleaseDuration / time.Millisecond)
	defaultChangeTimeoutMS = int(fan.DefaultChangeTimeout / time.Millisecond)
	defaultMaxAttempts     = fan.DefaultMaxAttempts
	defaultSettleMS        = 0

	defaultMaxPending = 16 // Pending operations before intents are refused

	defaultSocketPath = "/tmp/panelfan.sock"
	defaultHTTPPort   = 3002

	defaultMQTTBroker      = "tcp://127.0.0.1:1883"
	defaultMQTTClientID    = "panelfand"
	defaultMQTTTopicPrefix = "panelfan"
	defaultMQTTQoS         = 1

	defaultGPIOChip = gpio.DefaultChip

	// unboundPin marks a GPIO binding as not wired.
	unboundPin = -1
)

// Event bus sizing.
const (
	eventBufferSize     = 64
	broadcastBufferSize = 64
)
