package fan

import (
	"fmt"
	"io"
	"log/slog"
)

// State is the externally visible fan state. It is updated optimistically
// when an intent is accepted, so it can run ahead of the panel.
type State struct {
	Powered bool  `json:"powered"`
	Speed   Speed `json:"speed"`
}

// Traits describes what the fan supports.
type Traits struct {
	SupportsSpeed bool `json:"supports_speed"`
	SpeedCount    int  `json:"speed_count"`
}

// Call is a requested change. Nil fields are left as they are.
type Call struct {
	State *bool
	Speed *Speed
}

func (c Call) WithState(on bool) Call {
	c.State = &on
	return c
}

func (c Call) WithSpeed(s Speed) Call {
	c.Speed = &s
	return c
}

// Config wires a Controller to its hardware. Every binding is optional; a
// missing output drops operations of its kind, missing LEDs disable feedback.
type Config struct {
	PowerOutput BinaryOutput
	SpeedOutput BinaryOutput
	LowLED      BinarySensor
	HighLED     BinarySensor

	Timing     Timing
	MaxPending int
	Logger     *slog.Logger
}

// Controller turns fan intents into button pulses on a control panel.
//
// It is not safe for concurrent use: Setup, Loop, Control and Resync must all
// be called from the goroutine that owns it.
type Controller struct {
	queue     *Queue
	seq       *Sequencer
	feedback  *FeedbackReader
	mirror    State
	observers []func(State)
	lastTick  Millis
	logger    *slog.Logger
}

// New builds a controller from cfg. Call Setup before the first Loop.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	q := NewQueue(cfg.MaxPending)
	fb := NewFeedbackReader(cfg.LowLED, cfg.HighLED)
	outputs := Outputs{Power: cfg.PowerOutput, Speed: cfg.SpeedOutput}
	return &Controller{
		queue:    q,
		seq:      NewSequencer(q, outputs, fb, cfg.Timing, logger),
		feedback: fb,
		logger:   logger,
	}
}

// Setup derives the initial state from the LEDs when both are bound.
func (c *Controller) Setup() {
	if !c.feedback.Bound() {
		c.logger.Warn("led sensors not configured, assuming fan is off")
		c.mirror = State{}
		c.PublishState()
		return
	}
	speed, err := c.feedback.Read()
	if err != nil {
		c.logger.Warn("initial led read failed, assuming fan is off", "error", err)
	}
	c.mirror = State{Powered: speed > 0, Speed: speed}
	c.logger.Info("fan state from leds", "powered", c.mirror.Powered, "speed", c.mirror.Speed)
	c.PublishState()
}

// Loop runs one sequencer tick.
func (c *Controller) Loop(now Millis) []Event {
	c.lastTick = now
	return c.seq.Loop(now)
}

// Control accepts an intent, queues the operations needed to reach it and
// publishes the optimistic state. The queue is left untouched on error.
func (c *Controller) Control(call Call) error {
	if call.Speed != nil && !call.Speed.Valid() {
		return fmt.Errorf("speed %d: %w", *call.Speed, ErrInvalidSpeed)
	}
	if call.Speed != nil && *call.Speed == SpeedOff {
		// Speed 0 is not a panel step; it means off.
		if call.State == nil || !*call.State {
			call = Call{}.WithState(false)
		} else {
			call.Speed = nil
		}
	}

	next := c.mirror
	var ops []Operation
	if call.State != nil && *call.State != next.Powered {
		ops = append(ops, newOperation(OpPower, SpeedOff, c.lastTick))
		next.Powered = *call.State
	}
	if call.Speed != nil && *call.Speed != next.Speed {
		if next.Powered {
			ops = append(ops, newOperation(OpSpeed, *call.Speed, c.lastTick))
		}
		next.Speed = *call.Speed
	}

	if !c.queue.fits(len(ops)) {
		return fmt.Errorf("control: %d operations pending: %w", c.queue.Len(), ErrQueueFull)
	}
	for _, op := range ops {
		if err := c.queue.Enqueue(op); err != nil {
			return err
		}
		c.logger.Debug("operation queued", "op_id", op.ID, "kind", op.Kind, "target", op.Target)
	}

	c.mirror = next
	c.PublishState()
	return nil
}

// Resync re-reads the LEDs and overwrites the mirrored state. It refuses to
// run while operations are pending because the LEDs are still changing.
func (c *Controller) Resync() error {
	if c.seq.Busy() || !c.queue.IsEmpty() {
		return fmt.Errorf("resync: %w", ErrNotIdle)
	}
	speed, err := c.feedback.Read()
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	c.mirror = State{Powered: speed > 0, Speed: speed}
	c.PublishState()
	return nil
}

// State returns the published, possibly optimistic, fan state.
func (c *Controller) State() State { return c.mirror }

// Traits reports speed support with MaxSpeed levels.
func (c *Controller) Traits() Traits {
	return Traits{SupportsSpeed: true, SpeedCount: int(MaxSpeed)}
}

// Subscribe registers fn to be called with the state on every publish.
func (c *Controller) Subscribe(fn func(State)) {
	if fn != nil {
		c.observers = append(c.observers, fn)
	}
}

// PublishState hands the current state to every subscriber.
func (c *Controller) PublishState() {
	for _, fn := range c.observers {
		fn(c.mirror)
	}
}

// QueueLen is the number of operations waiting behind the current one.
func (c *Controller) QueueLen() int { return c.queue.Len() }

// Pending returns a copy of the waiting operations, oldest first.
func (c *Controller) Pending() []Operation { return c.queue.Pending() }

// SequencerState returns a copy of the sequencer's state.
func (c *Controller) SequencerState() SequencerState { return c.seq.State() }

// Shutdown releases both buttons.
func (c *Controller) Shutdown() {
	c.seq.Release()
}
