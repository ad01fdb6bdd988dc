package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"panelfan/internal/fan"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("panelfand v%s\n", version)
	fmt.Println("Fan controller that drives a panel's buttons and reads its speed LEDs")
}

func printUsage(fs *pflag.FlagSet) {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  panelfand [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that turns fan intents (IPC, MQTT, WebSocket) into timed button")
	fmt.Println("  presses on a fan control panel and confirms speed changes from the")
	fmt.Println("  panel's two LEDs, retrying a press the panel missed.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Print(fs.FlagUsages())
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run against a simulated panel")
	fmt.Println("  panelfand --simulate --log-level debug")
	fmt.Println()
	fmt.Println("  # Bind pins directly (BCM numbering as exported in /sys/class/gpio)")
	fmt.Println("  panelfand --power-pin 17 --speed-pin 27 --low-led-pin 22 --high-led-pin 23")
	fmt.Println()
	fmt.Println("  # Everything from a config file, MQTT enabled from the command line")
	fmt.Println("  panelfand --config /etc/panelfan/config.yaml --mqtt --mqtt-broker tcp://hass.local:1883")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Flags override values from --config.")
	fmt.Println("  - The speed button is assumed to cycle low -> medium -> high -> low.")
	fmt.Println()
}

func main() {
	fs := pflag.NewFlagSet("panelfand", pflag.ContinueOnError)
	fs.SortFlags = false

	var (
		configPath = fs.StringP("config", "c", "", "YAML config file")
		simulate   = fs.Bool("simulate", false, "Use an in-memory simulated panel instead of GPIO")

		gpioChip = fs.String("gpio-chip", defaultGPIOChip, "GPIO character device holding the panel lines")
		powerPin = fs.Int("power-pin", unboundPin, "Line offset of the power button (-1 = unbound)")
		speedPin = fs.Int("speed-pin", unboundPin, "Line offset of the speed button (-1 = unbound)")
		lowPin   = fs.Int("low-led-pin", unboundPin, "Line offset of the low speed LED (-1 = unbound)")
		highPin  = fs.Int("high-led-pin", unboundPin, "Line offset of the high speed LED (-1 = unbound)")

		tickHz     = fs.Int("tick-hz", defaultTickHz, "Controller loop frequency in Hz")
		maxPending = fs.Int("max-pending", defaultMaxPending, "Pending operations before intents are refused (0 = unbounded)")

		ipcSocket = fs.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		httpPort  = fs.Int("http-port", defaultHTTPPort, "HTTP port for /ws/state, /metrics and /healthz (0 = disabled)")

		mqttEnabled = fs.Bool("mqtt", false, "Enable the MQTT bridge")
		mqttBroker  = fs.String("mqtt-broker", defaultMQTTBroker, "MQTT broker URL")

		logLevel    = fs.String("log-level", "info", "Log level: error, warn, info, debug")
		showVersion = fs.BoolP("version", "v", false, "Print version and exit")
		showHelp    = fs.BoolP("help", "h", false, "Print this help message")
	)
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if *showHelp {
		printUsage(fs)
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Only flags given on the command line override the file.
	var ov FlagOverrides
	set := func(name string) bool { return fs.Changed(name) }
	if set("gpio-chip") {
		ov.GPIOChip = gpioChip
	}
	if set("power-pin") {
		ov.PowerPin = powerPin
	}
	if set("speed-pin") {
		ov.SpeedPin = speedPin
	}
	if set("low-led-pin") {
		ov.LowPin = lowPin
	}
	if set("high-led-pin") {
		ov.HighPin = highPin
	}
	if set("tick-hz") {
		ov.TickHz = tickHz
	}
	if set("max-pending") {
		ov.MaxPending = maxPending
	}
	if set("ipc-socket") {
		ov.IPCSocketPath = ipcSocket
	}
	if set("http-port") {
		ov.HTTPPort = httpPort
	}
	if set("mqtt") {
		ov.MQTTEnabled = mqttEnabled
	}
	if set("mqtt-broker") {
		ov.MQTTBroker = mqttBroker
	}
	if set("simulate") {
		ov.Simulate = simulate
	}
	if set("log-level") {
		ov.LogLevel = logLevel
	}

	cfg, err := loadConfig(*configPath, ov)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	level, _ := parseLogLevel(cfg.Logging.Level) // validated above
	logger := setupLogger(os.Stderr, level)

	hw, err := openHardware(&cfg, logger)
	if err != nil {
		logger.Error("failed to open panel hardware", "error", err, "tip", "check the chip name, line offsets and permissions on /dev/gpiochip*")
		os.Exit(1)
	}
	defer func() {
		if err := hw.close(); err != nil {
			logger.Warn("closing panel hardware", "error", err)
		}
	}()

	ctrl := fan.New(hw.controllerConfig(&cfg, logger))
	metrics := NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Central event bus: every intent source writes here, only the daemon reads.
	events := make(chan Event, eventBufferSize)
	broadcasts := make(chan StateBroadcast, broadcastBufferSize)

	var bridge *MQTTBridge
	if cfg.MQTT.Enabled {
		bridge, err = NewMQTTBridge(cfg.MQTT, events, logger)
		if err != nil {
			logger.Error("failed to start MQTT bridge", "error", err)
			os.Exit(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runDaemon(gctx, events, ctrl, fan.NewMonotonicClock(), cfg.Daemon.TickHz, broadcasts, metrics, logger)
		return nil
	})

	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, events, logger)
	})

	var subscribers []chan StateBroadcast

	if cfg.HTTP.Port > 0 {
		ws := NewServer(logger, events, ServerConfig{})
		wsOut := make(chan StateBroadcast, broadcastBufferSize)
		subscribers = append(subscribers, wsOut)

		g.Go(func() error {
			ws.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, ws.Hub(), wsOut, logger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTP.Port, newHTTPMux(ws, metrics), logger)
		})
	}

	if bridge != nil {
		mqttOut := make(chan StateBroadcast, broadcastBufferSize)
		subscribers = append(subscribers, mqttOut)
		g.Go(func() error {
			bridge.Run(gctx, mqttOut)
			return nil
		})
	}

	g.Go(func() error {
		fanOut(gctx, broadcasts, logger, subscribers...)
		return nil
	})

	logger.Debug("configuration",
		"simulate", cfg.Simulator.Enabled,
		"tick_hz", cfg.Daemon.TickHz,
		"press_ms", cfg.Timing.PressMS,
		"release_ms", cfg.Timing.ReleaseMS,
		"change_timeout_ms", cfg.Timing.ChangeTimeoutMS,
		"max_attempts", cfg.Timing.MaxAttempts,
		"settle_ms", cfg.Timing.SettleMS,
		"max_pending", cfg.Queue.MaxPending,
	)
	listenInfo := []any{"version", version, "ipc", cfg.IPC.SocketPath, "tick_hz", cfg.Daemon.TickHz}
	if cfg.HTTP.Port > 0 {
		listenInfo = append(listenInfo, "http_port", cfg.HTTP.Port)
	}
	if bridge != nil {
		listenInfo = append(listenInfo, "mqtt_broker", cfg.MQTT.Broker)
	}
	logger.Info("panelfand running", listenInfo...)

	if err := g.Wait(); err != nil {
		logger.Error("panelfand stopped with error", "error", err)
		stop()
		_ = hw.close()
		os.Exit(1)
	}
	logger.Info("shutting down")
}

// loadConfig applies defaults, the optional file and flag overrides, then
// validates the result.
func loadConfig(path string, ov FlagOverrides) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	ov.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
