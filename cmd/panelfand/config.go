package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"panelfan/internal/fan"
)

// Config is the top-level YAML configuration for the panelfan daemon.
//
// Defaults and validation live here so the rest of the daemon can assume a
// well-formed config. The file is the primary surface; flags override it.
type Config struct {
	GPIO      GPIOConfig      `yaml:"gpio"`
	Timing    TimingConfig    `yaml:"timing"`
	Queue     QueueConfig     `yaml:"queue"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	IPC       IPCConfig       `yaml:"ipc"`
	HTTP      HTTPConfig      `yaml:"http"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GPIOConfig binds the panel to lines of one GPIO chip. Pins are line
// offsets on that chip. A pin of -1 leaves the binding out; the controller
// then drops operations (buttons) or skips feedback (LEDs) for it.
type GPIOConfig struct {
	Chip        string    `yaml:"chip"`
	PowerButton PinConfig `yaml:"power_button"`
	SpeedButton PinConfig `yaml:"speed_button"`
	LowLED      PinConfig `yaml:"low_led"`
	HighLED     PinConfig `yaml:"high_led"`
	// WatchEdges caches LED values from line edge events instead of reading
	// the lines on every poll.
	WatchEdges bool `yaml:"watch_edges"`
}

type PinConfig struct {
	Pin       int  `yaml:"pin"`
	ActiveLow bool `yaml:"active_low,omitempty"`
}

func (p PinConfig) Bound() bool { return p.Pin >= 0 }

type TimingConfig struct {
	PressMS         int `yaml:"press_ms"`
	ReleaseMS       int `yaml:"release_ms"`
	ChangeTimeoutMS int `yaml:"change_timeout_ms"`
	MaxAttempts     int `yaml:"max_attempts"`
	SettleMS        int `yaml:"settle_ms"`
}

type QueueConfig struct {
	MaxPending int `yaml:"max_pending"` // 0 = unbounded
}

type DaemonConfig struct {
	TickHz int `yaml:"tick_hz"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	Port int `yaml:"port"` // 0 disables the HTTP server
}

type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username,omitempty"`
	PasswordFile string `yaml:"password_file,omitempty"`
	TopicPrefix  string `yaml:"topic_prefix"`
	QoS          int    `yaml:"qos"`
}

// SimulatorConfig replaces the GPIO bindings with an in-memory panel.
type SimulatorConfig struct {
	Enabled   bool `yaml:"enabled"`
	Powered   bool `yaml:"powered"`
	Speed     int  `yaml:"speed"`
	MissEvery int  `yaml:"miss_every"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	unbound := PinConfig{Pin: unboundPin}
	return Config{
		GPIO: GPIOConfig{
			Chip:        defaultGPIOChip,
			PowerButton: unbound,
			SpeedButton: unbound,
			LowLED:      unbound,
			HighLED:     unbound,
			WatchEdges:  true,
		},
		Timing: TimingConfig{
			PressMS:         defaultPressMS,
			ReleaseMS:       defaultReleaseMS,
			ChangeTimeoutMS: defaultChangeTimeoutMS,
			MaxAttempts:     defaultMaxAttempts,
			SettleMS:        defaultSettleMS,
		},
		Queue: QueueConfig{
			MaxPending: defaultMaxPending,
		},
		Daemon: DaemonConfig{
			TickHz: defaultTickHz,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		HTTP: HTTPConfig{
			Port: defaultHTTPPort,
		},
		MQTT: MQTTConfig{
			Broker:      defaultMQTTBroker,
			ClientID:    defaultMQTTClientID,
			TopicPrefix: defaultMQTTTopicPrefix,
			QoS:         defaultMQTTQoS,
		},
		Simulator: SimulatorConfig{
			Speed: int(fan.SpeedLow),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads a YAML config file on top of DefaultConfig.
// Unknown fields and trailing documents are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil // empty file
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}
	return cfg, nil
}

// FlagOverrides holds values from command-line flags. A nil pointer means the
// flag was not given; a non-nil pointer is applied even if it is a zero value.
type FlagOverrides struct {
	GPIOChip *string
	PowerPin *int
	SpeedPin *int
	LowPin   *int
	HighPin  *int

	TickHz     *int
	MaxPending *int

	IPCSocketPath *string
	HTTPPort      *int

	MQTTEnabled *bool
	MQTTBroker  *string

	Simulate *bool

	LogLevel *string
}

func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.GPIOChip != nil {
		cfg.GPIO.Chip = *o.GPIOChip
	}
	if o.PowerPin != nil {
		cfg.GPIO.PowerButton.Pin = *o.PowerPin
	}
	if o.SpeedPin != nil {
		cfg.GPIO.SpeedButton.Pin = *o.SpeedPin
	}
	if o.LowPin != nil {
		cfg.GPIO.LowLED.Pin = *o.LowPin
	}
	if o.HighPin != nil {
		cfg.GPIO.HighLED.Pin = *o.HighPin
	}

	if o.TickHz != nil {
		cfg.Daemon.TickHz = *o.TickHz
	}
	if o.MaxPending != nil {
		cfg.Queue.MaxPending = *o.MaxPending
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}

	if o.MQTTEnabled != nil {
		cfg.MQTT.Enabled = *o.MQTTEnabled
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
	}

	if o.Simulate != nil {
		cfg.Simulator.Enabled = *o.Simulate
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants. Call it after defaults, file and
// overrides have been applied.
func (c *Config) Validate() error {
	// GPIO
	if c.GPIO.Chip == "" {
		return errors.New("gpio.chip must not be empty")
	}
	pins := map[int]string{}
	for name, p := range map[string]PinConfig{
		"gpio.power_button": c.GPIO.PowerButton,
		"gpio.speed_button": c.GPIO.SpeedButton,
		"gpio.low_led":      c.GPIO.LowLED,
		"gpio.high_led":     c.GPIO.HighLED,
	} {
		if p.Pin < unboundPin {
			return fmt.Errorf("%s.pin must be >= 0 (or -1 to leave unbound)", name)
		}
		if !p.Bound() {
			continue
		}
		if other, dup := pins[p.Pin]; dup {
			return fmt.Errorf("%s.pin %d is already used by %s", name, p.Pin, other)
		}
		pins[p.Pin] = name
	}

	// Timing
	if c.Timing.PressMS <= 0 {
		return errors.New("timing.press_ms must be > 0")
	}
	if c.Timing.ReleaseMS <= 0 {
		return errors.New("timing.release_ms must be > 0")
	}
	if c.Timing.ChangeTimeoutMS <= 0 {
		return errors.New("timing.change_timeout_ms must be > 0")
	}
	if c.Timing.MaxAttempts < 0 {
		return errors.New("timing.max_attempts must be >= 0")
	}
	if c.Timing.SettleMS < 0 {
		return errors.New("timing.settle_ms must be >= 0")
	}
	if c.Timing.SettleMS >= c.Timing.ChangeTimeoutMS {
		return errors.New("timing.settle_ms must be < timing.change_timeout_ms")
	}

	if c.Queue.MaxPending < 0 {
		return errors.New("queue.max_pending must be >= 0")
	}
	if c.Daemon.TickHz <= 0 || c.Daemon.TickHz > 1000 {
		return errors.New("daemon.tick_hz must be between 1 and 1000")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if c.MQTT.ClientID == "" {
			return errors.New("mqtt.enabled is true but mqtt.client_id is empty")
		}
		prefix := strings.Trim(c.MQTT.TopicPrefix, "/")
		if prefix == "" || strings.ContainsAny(prefix, "#+") {
			return errors.New("mqtt.topic_prefix must be a non-empty topic without wildcards")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return errors.New("mqtt.qos must be 0, 1 or 2")
		}
	}

	// Simulator
	if c.Simulator.Enabled {
		if c.Simulator.Speed < 1 || c.Simulator.Speed > int(fan.MaxSpeed) {
			return fmt.Errorf("simulator.speed must be between 1 and %d", fan.MaxSpeed)
		}
		if c.Simulator.MissEvery < 0 {
			return errors.New("simulator.miss_every must be >= 0")
		}
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// FanTiming converts the millisecond settings into controller timing.
func (c *Config) FanTiming() fan.Timing {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return fan.Timing{
		Press:         ms(c.Timing.PressMS),
		Release:       ms(c.Timing.ReleaseMS),
		ChangeTimeout: ms(c.Timing.ChangeTimeoutMS),
		SettleDelay:   ms(c.Timing.SettleMS),
		MaxAttempts:   c.Timing.MaxAttempts,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
