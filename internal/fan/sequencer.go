package fan

import (
	"io"
	"log/slog"
	"time"
)

// Phase is the sequencer's position in the pulse protocol.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseButtonPress
	PhaseButtonRelease
	PhaseAwaitChange
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseButtonPress:
		return "button_press"
	case PhaseButtonRelease:
		return "button_release"
	case PhaseAwaitChange:
		return "await_change"
	default:
		return "unknown"
	}
}

// Timing holds the pulse protocol constants.
type Timing struct {
	Press         time.Duration
	Release       time.Duration
	ChangeTimeout time.Duration
	// SettleDelay keeps AwaitChange from trusting the LEDs until this long
	// after the first release of a Speed operation. Zero disables it.
	SettleDelay time.Duration
	// MaxAttempts caps the retry pulses of one Speed operation. The first
	// pulse is not counted.
	MaxAttempts int
}

const (
	DefaultPressDuration   = 100 * time.Millisecond
	DefaultReleaseDuration = 100 * time.Millisecond
	DefaultChangeTimeout   = 3000 * time.Millisecond
	DefaultMaxAttempts     = 4
)

func DefaultTiming() Timing {
	return Timing{
		Press:         DefaultPressDuration,
		Release:       DefaultReleaseDuration,
		ChangeTimeout: DefaultChangeTimeout,
		MaxAttempts:   DefaultMaxAttempts,
	}
}

// Outputs binds the two panel buttons. Either may be nil.
type Outputs struct {
	Power BinaryOutput
	Speed BinaryOutput
}

func (o Outputs) forKind(k OperationKind) BinaryOutput {
	if k == OpPower {
		return o.Power
	}
	return o.Speed
}

// SequencerState is the whole mutable state of the sequencer.
// Current is nil exactly when Phase is PhaseIdle.
type SequencerState struct {
	Phase          Phase
	Current        *Operation
	ActionStart    Millis
	OperationStart Millis
	Attempts       int

	// windowOpen is set by the first release of a Speed operation; retry
	// pulses run inside the same change window.
	windowOpen bool
	startedAt  Millis
	pulses     int
	lastRead   Speed
	warned     bool
}

// Sequencer runs at most one operation at a time, pulling the next one from
// the queue once the previous has completed.
type Sequencer struct {
	state    SequencerState
	queue    *Queue
	outputs  Outputs
	feedback *FeedbackReader
	timing   Timing
	logger   *slog.Logger
}

func NewSequencer(q *Queue, outputs Outputs, feedback *FeedbackReader, timing Timing, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sequencer{
		queue:    q,
		outputs:  outputs,
		feedback: feedback,
		timing:   timing,
		logger:   logger,
	}
}

// State returns a copy of the sequencer state.
func (s *Sequencer) State() SequencerState {
	st := s.state
	if st.Current != nil {
		op := *st.Current
		st.Current = &op
	}
	return st
}

// Busy reports whether an operation is in flight.
func (s *Sequencer) Busy() bool {
	return s.state.Phase != PhaseIdle || s.state.Current != nil
}

// Loop advances the state machine by one tick and returns what happened.
func (s *Sequencer) Loop(now Millis) []Event {
	switch s.state.Phase {
	case PhaseIdle:
		return s.tryAdvance(now)

	case PhaseButtonPress:
		if now.Sub(s.state.ActionStart) < s.timing.Press {
			return nil
		}
		s.drive(s.outputs.forKind(s.state.Current.Kind), false)
		s.state.ActionStart = now
		s.state.Phase = PhaseButtonRelease
		return nil

	case PhaseButtonRelease:
		if now.Sub(s.state.ActionStart) < s.timing.Release {
			return nil
		}
		if s.state.Current.Kind == OpPower {
			return []Event{s.complete(now, ResultSucceeded)}
		}
		if !s.state.windowOpen {
			s.state.OperationStart = now
			s.state.windowOpen = true
		}
		s.state.Phase = PhaseAwaitChange
		return nil

	case PhaseAwaitChange:
		return s.awaitChange(now)
	}
	return nil
}

// tryAdvance starts the next queued operation. It is a no-op unless the
// sequencer is idle with no current operation.
func (s *Sequencer) tryAdvance(now Millis) []Event {
	if s.Busy() {
		return nil
	}
	op, ok := s.queue.pop()
	if !ok {
		return nil
	}

	out := s.outputs.forKind(op.Kind)
	if out == nil {
		s.logger.Warn("no output bound for operation, dropping it",
			"op_id", op.ID, "kind", op.Kind, "target", op.Target)
		return []Event{OperationCompleted{Op: op, Result: ResultAbandoned, At: now}}
	}

	s.state = SequencerState{
		Phase:       PhaseButtonPress,
		Current:     &op,
		ActionStart: now,
		startedAt:   now,
		pulses:      1,
	}
	s.drive(out, true)

	s.logger.Debug("operation started", "op_id", op.ID, "kind", op.Kind, "target", op.Target)
	return []Event{
		OperationStarted{Op: op, At: now},
		PulseIssued{Op: op, Output: op.Kind.output(), Attempt: 0, At: now},
	}
}

func (s *Sequencer) awaitChange(now Millis) []Event {
	op := *s.state.Current
	window := now.Sub(s.state.OperationStart)
	if window < s.timing.SettleDelay {
		return nil
	}

	got, err := s.feedback.Read()
	s.state.lastRead = got
	if err != nil && !s.state.warned {
		s.state.warned = true
		s.logger.Warn("cannot verify speed change", "op_id", op.ID, "error", err)
	}

	switch {
	case err == nil && got == op.Target:
		return []Event{s.complete(now, ResultSucceeded)}

	case window >= s.timing.ChangeTimeout:
		s.logger.Warn("speed change timed out",
			"op_id", op.ID, "target", op.Target, "observed", got, "attempts", s.state.Attempts)
		return []Event{s.complete(now, ResultTimedOut)}

	case s.state.Attempts < s.timing.MaxAttempts:
		s.state.Attempts++
		s.state.pulses++
		s.state.ActionStart = now
		s.state.Phase = PhaseButtonPress
		s.drive(s.outputs.Speed, true)
		s.logger.Debug("speed mismatch, pressing again",
			"op_id", op.ID, "target", op.Target, "observed", got, "attempt", s.state.Attempts)
		return []Event{PulseIssued{Op: op, Output: OutputSpeed, Attempt: s.state.Attempts, At: now}}

	default:
		s.logger.Warn("speed change failed after max attempts",
			"op_id", op.ID, "target", op.Target, "observed", got, "attempts", s.state.Attempts)
		return []Event{s.complete(now, ResultAttemptsExhausted)}
	}
}

func (s *Sequencer) complete(now Millis, result Result) Event {
	st := s.state
	ev := OperationCompleted{
		Op:       *st.Current,
		Result:   result,
		Attempts: st.Attempts,
		Pulses:   st.pulses,
		Duration: now.Sub(st.startedAt),
		At:       now,
	}
	if st.Current.Kind == OpSpeed {
		ev.Feedback = st.lastRead
	}
	s.state = SequencerState{}

	s.logger.Debug("operation completed",
		"op_id", ev.Op.ID, "kind", ev.Op.Kind, "result", ev.Result, "attempts", ev.Attempts, "duration", ev.Duration)
	return ev
}

func (s *Sequencer) drive(out BinaryOutput, on bool) {
	if out == nil {
		return
	}
	var err error
	if on {
		err = out.TurnOn()
	} else {
		err = out.TurnOff()
	}
	if err != nil {
		s.logger.Error("output write failed", "on", on, "error", err)
	}
}

// Release drives both outputs off. Used on shutdown so an interrupted pulse
// does not leave a button held.
func (s *Sequencer) Release() {
	s.drive(s.outputs.Power, false)
	s.drive(s.outputs.Speed, false)
}
