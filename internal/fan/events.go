package fan

import "time"

// Event is an observation emitted by Controller.Loop. Events describe what the
// sequencer did during a tick; they never feed back into it.
type Event interface {
	isEvent()
}

// Result is the outcome of a finished operation.
type Result uint8

const (
	ResultSucceeded Result = iota
	ResultTimedOut
	ResultAttemptsExhausted
	// ResultAbandoned means the operation was dropped before any pulse
	// because its output is not bound.
	ResultAbandoned
)

func (r Result) String() string {
	switch r {
	case ResultSucceeded:
		return "succeeded"
	case ResultTimedOut:
		return "timed_out"
	case ResultAttemptsExhausted:
		return "attempts_exhausted"
	case ResultAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// OutputRole names a panel button.
type OutputRole string

const (
	OutputPower OutputRole = "power"
	OutputSpeed OutputRole = "speed"
)

func (k OperationKind) output() OutputRole {
	if k == OpPower {
		return OutputPower
	}
	return OutputSpeed
}

type OperationStarted struct {
	Op Operation
	At Millis
}

// PulseIssued is emitted each time a button is pressed. Attempt is 0 for the
// first pulse of an operation and counts retries after that.
type PulseIssued struct {
	Op      Operation
	Output  OutputRole
	Attempt int
	At      Millis
}

// OperationCompleted is emitted when an operation leaves the sequencer.
// Attempts counts retry pulses and Pulses counts every press.
type OperationCompleted struct {
	Op       Operation
	Result   Result
	Attempts int
	Pulses   int
	// Feedback is the last speed read from the LEDs (Speed operations only).
	Feedback Speed
	Duration time.Duration
	At       Millis
}

func (OperationStarted) isEvent()   {}
func (PulseIssued) isEvent()        {}
func (OperationCompleted) isEvent() {}
