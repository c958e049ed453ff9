//go:build windows

package raspberry

import (
	"fmt"
	"sync"

	"hcsgate/pkg/port"
)

// Chip is an emulated gpio chip to run the application without hardware.
type Chip struct {
	pins map[int]*Pin
}

// InputLine is an emulated input.
type InputLine struct {
	C chan port.Event
}

// Pin is an emulated pin holding its level.
type Pin struct {
	number int
	mu     sync.Mutex
	level  bool
}

// Open returns an emulated chip.
func Open(chip string) (*Chip, error) {
	return &Chip{pins: map[int]*Pin{}}, nil
}

// NewInputLine returns an emulated input line. It never reports an edge.
func (c *Chip) NewInputLine(offset int, bias string) (*InputLine, error) {
	if _, err := parseBias(bias); err != nil {
		return nil, err
	}
	return &InputLine{C: make(chan port.Event, eventBuffer)}, nil
}

// NewPin creates a new pin object.
func (c *Chip) NewPin(p int) (*Pin, error) {
	if _, ok := c.pins[p]; ok {
		return nil, fmt.Errorf("pin %v already used: %w", p, ErrInvalidParam)
	}

	pin := &Pin{number: p}
	c.pins[p] = pin
	return pin, nil
}

// Close releases the chip.
func (c *Chip) Close() error {
	return nil
}

// Close closes the event channel.
func (l *InputLine) Close() error {
	close(l.C)
	return nil
}

func (p *Pin) Output() {}
func (p *Pin) Input()  {}

// Set writes the pin level.
func (p *Pin) Set(high bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = high
}

// Get reads the pin level.
func (p *Pin) Get() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Init sets the pin low.
func (p *Pin) Init() error {
	p.Set(false)
	return nil
}

// Deinit leaves the pin low.
func (p *Pin) Deinit() error {
	p.Set(false)
	return nil
}

// Number returns the number of the pin.
func (p *Pin) Number() int { return p.number }
