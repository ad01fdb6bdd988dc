package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"panelfan/internal/fan"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// The daemon goroutine exclusively owns the fan controller:
//   - intents from IPC/MQTT/WS arrive as Events and are applied between ticks
//   - a fixed-rate ticker drives the controller's sequencer
//   - controller events become metrics and StateBroadcasts
//
// Nothing else may call into the controller.
//
// ============================================================================

// runDaemon runs the controller until ctx is canceled or events is closed.
// On exit both buttons are released.
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	ctrl *fan.Controller,
	clock fan.Clock,
	tickHz int,
	out chan<- StateBroadcast,
	metrics *Metrics,
	logger *slog.Logger,
) {
	if ctrl == nil {
		logger.Error("fan controller is nil")
		return
	}
	if tickHz <= 0 {
		tickHz = defaultTickHz
	}

	emit := func(b StateBroadcast) {
		if out == nil {
			return
		}
		select {
		case out <- b:
		default:
			logger.Warn("broadcast queue full, dropping", "type", typeName(b))
		}
	}

	// Control publishes on every accepted intent; only changes are broadcast.
	var last *fan.State
	ctrl.Subscribe(func(s fan.State) {
		metrics.SetState(s)
		if last != nil && *last == s {
			return
		}
		cp := s
		last = &cp
		emit(BroadcastStateChanged{Powered: s.Powered, Speed: int(s.Speed), At: time.Now().UTC()})
	})
	ctrl.Setup()

	ticker := time.NewTicker(time.Second / time.Duration(tickHz))
	defer ticker.Stop()
	defer ctrl.Shutdown()

	d := &daemon{ctrl: ctrl, emit: emit, metrics: metrics, logger: logger}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			d.apply(ev)

		case <-ticker.C:
			d.tick(clock.Now())
		}
	}
}

// daemon holds what the loop needs to apply events and ticks.
type daemon struct {
	ctrl    *fan.Controller
	emit    func(StateBroadcast)
	metrics *Metrics
	logger  *slog.Logger
}

func (d *daemon) tick(now fan.Millis) {
	for _, ev := range d.ctrl.Loop(now) {
		d.metrics.Observe(ev)
		d.observe(ev)
	}
	d.metrics.SetQueueDepth(d.ctrl.QueueLen())
}

func (d *daemon) observe(ev fan.Event) {
	switch e := ev.(type) {
	case fan.OperationStarted:
		d.emit(BroadcastOperationStarted{Op: operationInfo(e.Op), At: time.Now().UTC()})

	case fan.OperationCompleted:
		attrs := []any{
			"op_id", e.Op.ID,
			"kind", e.Op.Kind,
			"result", e.Result,
			"attempts", e.Attempts,
			"pulses", e.Pulses,
			"duration", e.Duration,
		}
		if e.Result == fan.ResultSucceeded {
			d.logger.Info("operation completed", attrs...)
		} else {
			d.logger.Warn("operation did not complete", attrs...)
		}
		d.emit(BroadcastOperationCompleted{
			Op:       operationInfo(e.Op),
			Result:   e.Result.String(),
			Attempts: e.Attempts,
			Duration: e.Duration,
			At:       time.Now().UTC(),
		})
	}
}

// apply handles one event and reports its outcome on Intent.Done.
func (d *daemon) apply(ev Event) {
	source := "internal"
	var done chan error
	if in, ok := ev.(Intent); ok {
		ev, source, done = in.Event, in.Source, in.Done
	}

	err := d.handle(ev, source)
	if err != nil {
		d.logger.Warn("intent rejected", "source", source, "event", typeName(ev), "error", err)
	}
	if done != nil {
		select {
		case done <- err:
		default:
		}
	}
	d.metrics.SetQueueDepth(d.ctrl.QueueLen())
}

func (d *daemon) handle(ev Event, source string) error {
	switch e := ev.(type) {
	case RequestStateSnapshot:
		if e.Reply == nil {
			return errors.New("state request without reply channel")
		}
		select {
		case e.Reply <- snapshotOf(d.ctrl, time.Now().UTC()):
		default:
		}
		return nil

	case Resync:
		d.metrics.Intent(source)
		return d.ctrl.Resync()

	case nil:
		return errors.New("nil event")

	default:
		d.metrics.Intent(source)
		call, err := callFor(ev, d.ctrl.State())
		if err != nil {
			return err
		}
		return d.ctrl.Control(call)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case SetFan:
		return "set_fan"
	case SetSpeed:
		return "set_speed"
	case TurnOn:
		return "turn_on"
	case TurnOff:
		return "turn_off"
	case TogglePower:
		return "toggle_power"
	case Resync:
		return "resync"
	case RequestStateSnapshot:
		return "get_state"
	case BroadcastStateChanged:
		return "state_changed"
	case BroadcastOperationStarted:
		return "operation_started"
	case BroadcastOperationCompleted:
		return "operation_completed"
	default:
		return "unknown"
	}
}
