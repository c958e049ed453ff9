//go:build !windows

package raspberry

import (
	"fmt"

	"github.com/warthog618/gpio"
	"github.com/warthog618/gpiod"
	"github.com/womat/debug"
	"hcsgate/pkg/port"
)

// Chip represents the gpio chip of the raspberry pi.
// Inputs are requested by the gpiod character device to get kernel timestamped
// edges, outputs are written to the mapped gpio memory.
type Chip struct {
	gpiodChip *gpiod.Chip
	pins      map[int]*Pin
}

// InputLine is an input watched for edges.
type InputLine struct {
	gpiodLine *gpiod.Line
	// C receives the edges of the line
	C chan port.Event
}

// Pin is a gpio pin of the mapped gpio memory.
type Pin struct {
	gpioPin *gpio.Pin
}

// Open opens the GPIO character device and maps the gpio memory.
func Open(chip string) (*Chip, error) {
	c, err := gpiod.NewChip(chip)
	if err != nil {
		return nil, err
	}

	if err = gpio.Open(); err != nil {
		_ = c.Close()
		return nil, err
	}

	return &Chip{gpiodChip: c, pins: map[int]*Pin{}}, nil
}

// NewInputLine requests the line as input and sends every edge to channel C.
// If granted, control is maintained until the line is closed.
func (c *Chip) NewInputLine(offset int, bias string) (*InputLine, error) {
	b, err := parseBias(bias)
	if err != nil {
		return nil, err
	}

	line := &InputLine{C: make(chan port.Event, eventBuffer)}

	handler := func(evt gpiod.LineEvent) {
		e := port.Event{Timestamp: evt.Timestamp, Type: port.FallingEdge}
		if evt.Type == gpiod.LineEventRisingEdge {
			e.Type = port.RisingEdge
		}

		select {
		case line.C <- e:
		default:
			debug.ErrorLog.Printf("line %v: event buffer full, edge dropped", offset)
		}
	}

	opts := []gpiod.LineReqOption{gpiod.WithEventHandler(handler), gpiod.WithBothEdges, gpiod.AsInput}
	switch b {
	case PullUp:
		opts = append(opts, gpiod.WithPullUp)
	case PullDown:
		opts = append(opts, gpiod.WithPullDown)
	}

	if line.gpiodLine, err = c.gpiodChip.RequestLine(offset, opts...); err != nil {
		return nil, err
	}
	return line, nil
}

// NewPin creates a new pin object. The pin number is the BCM GPIO number.
func (c *Chip) NewPin(p int) (*Pin, error) {
	if _, ok := c.pins[p]; ok {
		return nil, fmt.Errorf("pin %v already used: %w", p, ErrInvalidParam)
	}

	pin := &Pin{gpioPin: gpio.NewPin(p)}
	c.pins[p] = pin
	return pin, nil
}

// Close releases the chip and unmaps the gpio memory.
//
// It does not release any lines which may be requested - they must be closed
// independently.
func (c *Chip) Close() error {
	err := c.gpiodChip.Close()
	if e := gpio.Close(); err == nil {
		err = e
	}
	return err
}

// Close releases all resources held by the requested line.
//
// Note that this includes waiting for any running event handler to return.
// As a consequence the Close must not be called from the context of the event
// handler - the Close should be called from a different goroutine.
func (l *InputLine) Close() error {
	if err := l.gpiodLine.Close(); err != nil {
		return err
	}
	close(l.C)
	return nil
}

// Output sets the pin as output.
func (p *Pin) Output() { p.gpioPin.Output() }

// Input sets the pin as input.
func (p *Pin) Input() { p.gpioPin.Input() }

// Set writes the pin level.
func (p *Pin) Set(high bool) { p.gpioPin.Write(gpio.Level(high)) }

// Get reads the pin level.
func (p *Pin) Get() bool { return bool(p.gpioPin.Read()) }

// Init sets the pin as output and low.
func (p *Pin) Init() error {
	p.gpioPin.Low()
	p.gpioPin.Output()
	return nil
}

// Deinit leaves the pin low.
func (p *Pin) Deinit() error {
	p.gpioPin.Low()
	return nil
}

// Number returns the BCM number of the pin.
func (p *Pin) Number() int { return p.gpioPin.Pin() }
