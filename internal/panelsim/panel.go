// Package panelsim simulates a fan control panel: two push buttons and two
// speed LEDs. It is used for --simulate runs and end-to-end tests.
package panelsim

import (
	"errors"
	"sync"

	"panelfan/internal/fan"
)

var ErrDisconnected = errors.New("simulated led disconnected")

type Options struct {
	Powered bool
	// Speed is the remembered speed, shown again after power-on. 0 means low.
	Speed fan.Speed
	// MissEvery makes the panel ignore every Nth button press (0 = never).
	MissEvery int
}

// Panel acts on button release, like a real membrane panel: a power press
// toggles power, a speed press advances low→medium→high→low while powered.
type Panel struct {
	mu        sync.Mutex
	powered   bool
	speed     fan.Speed
	missEvery int
	presses   int
	missed    int
	counts    map[string]int
	connected bool
	held      map[string]bool
}

func New(opts Options) *Panel {
	speed := opts.Speed
	if speed == fan.SpeedOff || !speed.Valid() {
		speed = fan.SpeedLow
	}
	return &Panel{
		powered:   opts.Powered,
		speed:     speed,
		missEvery: opts.MissEvery,
		counts:    make(map[string]int),
		connected: true,
		held:      make(map[string]bool),
	}
}

func (p *Panel) PowerButton() fan.BinaryOutput { return button{p: p, name: "power"} }
func (p *Panel) SpeedButton() fan.BinaryOutput { return button{p: p, name: "speed"} }
func (p *Panel) LowLED() fan.BinarySensor      { return led{p: p, bit: 1} }
func (p *Panel) HighLED() fan.BinarySensor     { return led{p: p, bit: 2} }

// State returns what the LEDs would show.
func (p *Panel) State() fan.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fan.State{Powered: p.powered, Speed: p.shown()}
}

// Presses returns how many times the named button ("power" or "speed") was released.
func (p *Panel) Presses(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[name]
}

func (p *Panel) Missed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missed
}

// SetConnected makes LED reads fail while false.
func (p *Panel) SetConnected(ok bool) {
	p.mu.Lock()
	p.connected = ok
	p.mu.Unlock()
}

// PressManually acts as if someone used the physical panel.
func (p *Panel) PressManually(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apply(name)
}

func (p *Panel) shown() fan.Speed {
	if !p.powered {
		return fan.SpeedOff
	}
	return p.speed
}

func (p *Panel) press(name string) {
	p.held[name] = true
}

func (p *Panel) release(name string) {
	if !p.held[name] {
		return
	}
	p.held[name] = false
	p.counts[name]++
	p.presses++
	if p.missEvery > 0 && p.presses%p.missEvery == 0 {
		p.missed++
		return
	}
	p.apply(name)
}

func (p *Panel) apply(name string) {
	switch name {
	case "power":
		p.powered = !p.powered
	case "speed":
		if p.powered {
			p.speed = p.speed%fan.MaxSpeed + 1
		}
	}
}

type button struct {
	p    *Panel
	name string
}

func (b button) TurnOn() error {
	b.p.mu.Lock()
	b.p.press(b.name)
	b.p.mu.Unlock()
	return nil
}

func (b button) TurnOff() error {
	b.p.mu.Lock()
	b.p.release(b.name)
	b.p.mu.Unlock()
	return nil
}

type led struct {
	p   *Panel
	bit fan.Speed
}

func (l led) State() (bool, error) {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	if !l.p.connected {
		return false, ErrDisconnected
	}
	return l.p.shown()&l.bit != 0, nil
}
