// Package gpio drives panel buttons and reads panel LEDs through the Linux
// GPIO character device, one line request per pin.
//
// Active-low wiring is configured on the line request, so values seen by
// callers are always logical.
package gpio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"
)

const (
	DefaultChip = "gpiochip0"
	consumer    = "panelfand"
)

var (
	ErrPinInUse = errors.New("gpio line already in use")
	ErrNoChip   = errors.New("gpio chip not found")
)

// line is the part of *gpiocdev.Line the pins use.
type line interface {
	Value() (int, error)
	SetValue(value int) error
	Close() error
}

// lineConfig describes one line request.
type lineConfig struct {
	offset    int
	output    bool
	activeLow bool
	// onEdge, when set, requests both-edge detection on an input.
	onEdge func(gpiocdev.LineEvent)
}

type requestFunc func(chip string, cfg lineConfig) (line, error)

func requestLine(chip string, cfg lineConfig) (line, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.WithConsumer(consumer)}
	if cfg.activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	if cfg.output {
		opts = append(opts, gpiocdev.AsOutput(0))
	} else {
		opts = append(opts, gpiocdev.AsInput)
		if cfg.onEdge != nil {
			opts = append(opts, gpiocdev.WithBothEdges, gpiocdev.WithEventHandler(cfg.onEdge))
		}
	}
	l, err := gpiocdev.RequestLine(chip, cfg.offset, opts...)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Chip is the set of lines requested from one GPIO chip.
type Chip struct {
	name    string
	request requestFunc

	mu    sync.Mutex
	lines map[int]line
}

// NewChip returns a Chip for the named character device (DefaultChip when
// empty). Nothing is opened until a line is requested.
func NewChip(name string) *Chip {
	if name == "" {
		name = DefaultChip
	}
	return &Chip{name: name, request: requestLine, lines: make(map[int]line)}
}

func (c *Chip) open(cfg lineConfig) (line, error) {
	if cfg.offset < 0 {
		return nil, fmt.Errorf("%s line %d: invalid offset", c.name, cfg.offset)
	}
	if _, ok := c.lines[cfg.offset]; ok {
		return nil, fmt.Errorf("%s line %d: %w", c.name, cfg.offset, ErrPinInUse)
	}
	l, err := c.request(c.name, cfg)
	if err != nil {
		return nil, c.requestError(cfg.offset, err)
	}
	c.lines[cfg.offset] = l
	return l, nil
}

func (c *Chip) requestError(offset int, err error) error {
	switch {
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%s line %d: %w: %w", c.name, offset, ErrPinInUse, err)
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%s: %w: %w", c.name, ErrNoChip, err)
	}
	return fmt.Errorf("%s line %d: %w", c.name, offset, err)
}

// OpenOutput requests pin as an output in the released (logical off) state.
func (c *Chip) OpenOutput(pin int, activeLow bool) (*Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.open(lineConfig{offset: pin, output: true, activeLow: activeLow})
	if err != nil {
		return nil, err
	}
	return &Output{pin: pin, line: l}, nil
}

// OpenInput requests pin as an input. With watch set, the line also reports
// both edges and State serves the value cached at the last edge.
func (c *Chip) OpenInput(pin int, activeLow, watch bool) (*Input, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := &Input{pin: pin}
	cfg := lineConfig{offset: pin, activeLow: activeLow}
	if watch {
		cfg.onEdge = in.handleEdge
	}
	l, err := c.open(cfg)
	if err != nil {
		return nil, err
	}
	in.line = l
	// Edges seen before this read are superseded by it.
	in.refresh()
	in.watched.Store(watch)
	return in, nil
}

// Close releases every requested line.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for offset, l := range c.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s line %d: close: %w", c.name, offset, err))
		}
	}
	c.lines = make(map[int]line)
	return errors.Join(errs...)
}

// Output is a line driving one panel button.
type Output struct {
	pin  int
	line line
}

func (o *Output) TurnOn() error  { return o.set(1) }
func (o *Output) TurnOff() error { return o.set(0) }

func (o *Output) set(v int) error {
	if err := o.line.SetValue(v); err != nil {
		return fmt.Errorf("gpio%d: set value: %w", o.pin, err)
	}
	return nil
}

// Input is a line reading one panel LED.
type Input struct {
	pin     int
	line    line
	watched atomic.Bool

	mu    sync.Mutex
	value bool
	err   error
}

// State returns the logical LED value. Watched inputs return the value cached
// at the last edge; others read the line now.
func (in *Input) State() (bool, error) {
	if !in.watched.Load() {
		return in.refresh()
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.value, in.err
}

func (in *Input) refresh() (bool, error) {
	v, err := in.line.Value()
	if err != nil {
		err = fmt.Errorf("gpio%d: read value: %w", in.pin, err)
	}
	lit := v == 1 && err == nil
	in.store(lit, err)
	return lit, err
}

func (in *Input) handleEdge(evt gpiocdev.LineEvent) {
	in.store(evt.Type == gpiocdev.LineEventRisingEdge, nil)
}

func (in *Input) store(v bool, err error) {
	in.mu.Lock()
	in.value, in.err = v, err
	in.mu.Unlock()
}
