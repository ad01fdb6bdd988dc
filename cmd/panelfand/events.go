package main

import (
	"encoding/json"
	"fmt"
	"time"

	"panelfan/internal/fan"
)

// ============================================================================
// Events - intents from IPC, MQTT and the WS server
// ============================================================================
// Every source turns its input into one of these and sends it to the daemon
// loop, which is the only goroutine touching the fan controller.
// ============================================================================

// Event is a marker interface for everything the daemon loop consumes.
type Event interface {
	eventMarker()
}

// SetFan requests a power state and/or speed. Nil fields are left alone.
type SetFan struct {
	State *bool `json:"state,omitempty"`
	Speed *int  `json:"speed,omitempty"`
}

type TurnOn struct{}
type TurnOff struct{}
type TogglePower struct{}

type SetSpeed struct {
	Speed int `json:"speed"`
}

// Resync re-reads the LEDs and overwrites the published state.
type Resync struct{}

// RequestStateSnapshot asks the daemon loop for a copy of its state.
// Reply must be buffered; the daemon never blocks on it.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot `json:"-"`
}

// Intent carries an event together with where it came from. Done, when set,
// receives the outcome once the daemon has applied the event.
type Intent struct {
	Event  Event
	Source string
	At     time.Time
	Done   chan error
}

func (SetFan) eventMarker()               {}
func (TurnOn) eventMarker()               {}
func (TurnOff) eventMarker()              {}
func (TogglePower) eventMarker()          {}
func (SetSpeed) eventMarker()             {}
func (Resync) eventMarker()               {}
func (RequestStateSnapshot) eventMarker() {}
func (Intent) eventMarker()               {}

// callFor translates an intent into a controller call given the current
// published state (needed for toggle).
func callFor(ev Event, cur fan.State) (fan.Call, error) {
	switch e := ev.(type) {
	case SetFan:
		var call fan.Call
		if e.State != nil {
			call = call.WithState(*e.State)
		}
		if e.Speed != nil {
			s, err := toSpeed(*e.Speed)
			if err != nil {
				return fan.Call{}, err
			}
			call = call.WithSpeed(s)
		}
		return call, nil
	case TurnOn:
		return fan.Call{}.WithState(true), nil
	case TurnOff:
		return fan.Call{}.WithState(false), nil
	case TogglePower:
		return fan.Call{}.WithState(!cur.Powered), nil
	case SetSpeed:
		s, err := toSpeed(e.Speed)
		if err != nil {
			return fan.Call{}, err
		}
		return fan.Call{}.WithSpeed(s), nil
	default:
		return fan.Call{}, fmt.Errorf("event %T is not a fan intent", ev)
	}
}

func toSpeed(v int) (fan.Speed, error) {
	if v < 0 || v > int(fan.MaxSpeed) {
		return 0, fmt.Errorf("speed %d: %w", v, fan.ErrInvalidSpeed)
	}
	return fan.Speed(v), nil
}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON.
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent decodes a JSON envelope into a concrete Event.
// "get_state" decodes to a RequestStateSnapshot without a Reply channel.
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "set_fan":
		var e SetFan
		if err := unmarshalData(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal SetFan: %w", err)
		}
		if e.State == nil && e.Speed == nil {
			return nil, fmt.Errorf("set_fan: state or speed is required")
		}
		return e, nil
	case "set_speed":
		var e SetSpeed
		if err := unmarshalData(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal SetSpeed: %w", err)
		}
		return e, nil
	case "turn_on":
		return TurnOn{}, nil
	case "turn_off":
		return TurnOff{}, nil
	case "toggle_power":
		return TogglePower{}, nil
	case "resync":
		return Resync{}, nil
	case "get_state":
		return RequestStateSnapshot{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}

// MarshalEvent encodes an Event into a JSON envelope.
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case SetFan:
		env.Type = "set_fan"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal SetFan: %w", err)
		}
		env.Data = data
	case SetSpeed:
		env.Type = "set_speed"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal SetSpeed: %w", err)
		}
		env.Data = data
	case TurnOn:
		env.Type = "turn_on"
	case TurnOff:
		env.Type = "turn_off"
	case TogglePower:
		env.Type = "toggle_power"
	case Resync:
		env.Type = "resync"
	case RequestStateSnapshot:
		env.Type = "get_state"
	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}
