package fan

import "fmt"

// Speed is a fan speed level. 0 means off, 1..MaxSpeed are the panel steps.
type Speed uint8

const (
	SpeedOff    Speed = 0
	SpeedLow    Speed = 1
	SpeedMedium Speed = 2
	SpeedHigh   Speed = 3

	MaxSpeed = SpeedHigh
)

// Valid reports whether s is off or one of the panel steps.
func (s Speed) Valid() bool { return s <= MaxSpeed }

func (s Speed) String() string {
	switch s {
	case SpeedOff:
		return "off"
	case SpeedLow:
		return "low"
	case SpeedMedium:
		return "medium"
	case SpeedHigh:
		return "high"
	default:
		return fmt.Sprintf("speed(%d)", uint8(s))
	}
}

// BinaryOutput drives one panel button. TurnOn holds it, TurnOff lets go.
type BinaryOutput interface {
	TurnOn() error
	TurnOff() error
}

// BinarySensor reads one panel LED. An error means the value is unknown.
type BinarySensor interface {
	State() (bool, error)
}

// SpeedFromLEDs decodes the LED pair: low alone is 1, high alone is 2, both is 3.
func SpeedFromLEDs(low, high bool) Speed {
	var s Speed
	if low {
		s |= 1
	}
	if high {
		s |= 2
	}
	return s
}

// FeedbackReader derives the current speed from the two indicator LEDs.
type FeedbackReader struct {
	low  BinarySensor
	high BinarySensor
}

func NewFeedbackReader(low, high BinarySensor) *FeedbackReader {
	return &FeedbackReader{low: low, high: high}
}

// Bound reports whether both LED sensors are configured.
func (r *FeedbackReader) Bound() bool {
	return r != nil && r.low != nil && r.high != nil
}

// Read returns the speed shown by the LEDs. On error the speed is 0 and the
// error wraps ErrSensorUnavailable.
func (r *FeedbackReader) Read() (Speed, error) {
	if !r.Bound() {
		return SpeedOff, fmt.Errorf("%w: not configured", ErrSensorUnavailable)
	}
	low, err := r.low.State()
	if err != nil {
		return SpeedOff, fmt.Errorf("%w: low led: %v", ErrSensorUnavailable, err)
	}
	high, err := r.high.State()
	if err != nil {
		return SpeedOff, fmt.Errorf("%w: high led: %v", ErrSensorUnavailable, err)
	}
	return SpeedFromLEDs(low, high), nil
}
