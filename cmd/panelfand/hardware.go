package main

import (
	"errors"
	"fmt"
	"log/slog"

	"panelfan/internal/fan"
	"panelfan/internal/gpio"
	"panelfan/internal/panelsim"
)

// hardware is the set of bindings handed to the controller plus a closer for
// whatever backs them.
type hardware struct {
	power fan.BinaryOutput
	speed fan.BinaryOutput
	low   fan.BinarySensor
	high  fan.BinarySensor

	close func() error
}

// controllerConfig builds the controller config for these bindings.
// Interfaces stay nil for unbound pins so the controller can tell.
func (h *hardware) controllerConfig(cfg *Config, logger *slog.Logger) fan.Config {
	return fan.Config{
		PowerOutput: h.power,
		SpeedOutput: h.speed,
		LowLED:      h.low,
		HighLED:     h.high,
		Timing:      cfg.FanTiming(),
		MaxPending:  cfg.Queue.MaxPending,
		Logger:      logger,
	}
}

// openHardware binds the panel to the simulator or to GPIO lines.
func openHardware(cfg *Config, logger *slog.Logger) (*hardware, error) {
	if cfg.Simulator.Enabled {
		p := panelsim.New(panelsim.Options{
			Powered:   cfg.Simulator.Powered,
			Speed:     fan.Speed(cfg.Simulator.Speed),
			MissEvery: cfg.Simulator.MissEvery,
		})
		logger.Info("using simulated panel",
			"powered", cfg.Simulator.Powered,
			"speed", cfg.Simulator.Speed,
			"miss_every", cfg.Simulator.MissEvery,
		)
		return &hardware{
			power: p.PowerButton(),
			speed: p.SpeedButton(),
			low:   p.LowLED(),
			high:  p.HighLED(),
			close: func() error { return nil },
		}, nil
	}
	return openGPIO(gpio.NewChip(cfg.GPIO.Chip), cfg.GPIO, logger)
}

// gpioChip is the part of *gpio.Chip openGPIO needs.
type gpioChip interface {
	OpenOutput(pin int, activeLow bool) (*gpio.Output, error)
	OpenInput(pin int, activeLow, watch bool) (*gpio.Input, error)
	Close() error
}

func openGPIO(chip gpioChip, cfg GPIOConfig, logger *slog.Logger) (*hardware, error) {
	h := &hardware{close: chip.Close}

	fail := func(name string, err error) (*hardware, error) {
		return nil, errors.Join(fmt.Errorf("open %s: %w", name, err), chip.Close())
	}

	if p := cfg.PowerButton; p.Bound() {
		out, err := chip.OpenOutput(p.Pin, p.ActiveLow)
		if err != nil {
			return fail("power button", err)
		}
		h.power = out
	}
	if p := cfg.SpeedButton; p.Bound() {
		out, err := chip.OpenOutput(p.Pin, p.ActiveLow)
		if err != nil {
			return fail("speed button", err)
		}
		h.speed = out
	}
	if p := cfg.LowLED; p.Bound() {
		in, err := openLED(chip, p, cfg.WatchEdges, logger)
		if err != nil {
			return fail("low led", err)
		}
		h.low = in
	}
	if p := cfg.HighLED; p.Bound() {
		in, err := openLED(chip, p, cfg.WatchEdges, logger)
		if err != nil {
			return fail("high led", err)
		}
		h.high = in
	}

	if h.power == nil {
		logger.Warn("power button not configured, power operations will be dropped")
	}
	if h.speed == nil {
		logger.Warn("speed button not configured, speed operations will be dropped")
	}

	logger.Info("gpio bound",
		"chip", cfg.Chip,
		"power_button", cfg.PowerButton.Pin,
		"speed_button", cfg.SpeedButton.Pin,
		"low_led", cfg.LowLED.Pin,
		"high_led", cfg.HighLED.Pin,
		"watch_edges", cfg.WatchEdges,
	)
	return h, nil
}

// openLED requests an LED line, falling back to reading it on every poll when
// the chip refuses edge detection.
func openLED(chip gpioChip, p PinConfig, watch bool, logger *slog.Logger) (*gpio.Input, error) {
	if !watch {
		return chip.OpenInput(p.Pin, p.ActiveLow, false)
	}
	in, err := chip.OpenInput(p.Pin, p.ActiveLow, true)
	if err == nil || errors.Is(err, gpio.ErrPinInUse) || errors.Is(err, gpio.ErrNoChip) {
		return in, err
	}
	logger.Warn("led edge events unavailable, reading line on every poll", "pin", p.Pin, "error", err)
	return chip.OpenInput(p.Pin, p.ActiveLow, false)
}
