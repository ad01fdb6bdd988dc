package fan

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// edge is one output transition observed by a fakeOutput.
type edge struct {
	on bool
	at Millis
}

type fakeOutput struct {
	clock *Millis
	on    bool
	edges []edge
	err   error
}

func (o *fakeOutput) TurnOn() error {
	o.on = true
	o.edges = append(o.edges, edge{on: true, at: *o.clock})
	return o.err
}

func (o *fakeOutput) TurnOff() error {
	o.on = false
	o.edges = append(o.edges, edge{on: false, at: *o.clock})
	return o.err
}

func (o *fakeOutput) presses() int {
	n := 0
	for _, e := range o.edges {
		if e.on {
			n++
		}
	}
	return n
}

func (o *fakeOutput) firstPressAt() (Millis, bool) {
	for _, e := range o.edges {
		if e.on {
			return e.at, true
		}
	}
	return 0, false
}

type fakeSensor struct {
	value bool
	err   error
}

func (s *fakeSensor) State() (bool, error) { return s.value, s.err }

var errSensorBroken = errors.New("sensor broken")

// panel emulates the fan's control panel on top of the fakes: a release of
// the power button toggles power, a release of the speed button advances
// the speed cycle while powered. stuck freezes the LEDs and missSpeed
// swallows that many speed presses.
type panel struct {
	powered   bool
	speed     Speed
	stuck     bool
	missSpeed int

	low, high fakeSensor
}

func (p *panel) sync() {
	if p.stuck {
		return
	}
	var s Speed
	if p.powered {
		s = p.speed
	}
	p.low.value = s == SpeedLow || s == SpeedHigh
	p.high.value = s == SpeedMedium || s == SpeedHigh
}

type panelButton struct {
	fakeOutput
	onRelease func()
}

func (b *panelButton) TurnOff() error {
	wasOn := b.on
	err := b.fakeOutput.TurnOff()
	if wasOn && b.onRelease != nil {
		b.onRelease()
	}
	return err
}

// rig is a Controller wired to a simulated panel, driven by an explicit clock.
type rig struct {
	t     *testing.T
	now   Millis
	ctrl  *Controller
	panel *panel
	power *panelButton
	speed *panelButton

	events []Event
}

func newRig(t *testing.T, p *panel, timing Timing, start Millis) *rig {
	t.Helper()
	r := &rig{t: t, now: start, panel: p}
	r.power = &panelButton{fakeOutput: fakeOutput{clock: &r.now}, onRelease: func() {
		p.powered = !p.powered
		p.sync()
	}}
	r.speed = &panelButton{fakeOutput: fakeOutput{clock: &r.now}, onRelease: func() {
		if p.missSpeed > 0 {
			p.missSpeed--
			return
		}
		if p.powered {
			p.speed = p.speed%MaxSpeed + 1
		}
		p.sync()
	}}
	if p.speed == 0 {
		p.speed = SpeedLow
	}
	// Light the LEDs for the initial state even when they are stuck afterwards.
	stuck := p.stuck
	p.stuck = false
	p.sync()
	p.stuck = stuck

	r.ctrl = New(Config{
		PowerOutput: r.power,
		SpeedOutput: r.speed,
		LowLED:      &p.low,
		HighLED:     &p.high,
		Timing:      timing,
	})
	r.ctrl.Setup()
	return r
}

// tick advances the clock by step and runs one Loop.
func (r *rig) tick(step time.Duration) {
	r.now = r.now.Add(step)
	r.events = append(r.events, r.ctrl.Loop(r.now)...)
}

// runIdle ticks every 10ms until nothing is queued or in flight.
func (r *rig) runIdle(limit time.Duration) {
	r.t.Helper()
	// First tick at the current time so a freshly queued operation starts now.
	r.events = append(r.events, r.ctrl.Loop(r.now)...)
	for elapsed := time.Duration(0); elapsed <= limit; elapsed += 10 * time.Millisecond {
		if r.ctrl.QueueLen() == 0 && r.ctrl.SequencerState().Phase == PhaseIdle {
			return
		}
		r.tick(10 * time.Millisecond)
	}
	require.FailNow(r.t, "controller did not go idle", "limit %s", limit)
}

func (r *rig) completions() []OperationCompleted {
	var out []OperationCompleted
	for _, ev := range r.events {
		if c, ok := ev.(OperationCompleted); ok {
			out = append(out, c)
		}
	}
	return out
}
