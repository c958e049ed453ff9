// Package raspberry provides the gpio lines of the raspberry pi:
// edge watched input lines, output pins and a software pwm.
package raspberry

import (
	"fmt"
	"sync"
	"time"
)

// ErrInvalidParam is returned for an unknown bias or a pin requested twice.
var ErrInvalidParam = fmt.Errorf("invalid parameters")

// eventBuffer is the capacity of the event channel of an input line.
// A HCS transmission has less than 300 edges.
const eventBuffer = 1024

// Bias is the pull resistor setting of an input line.
type Bias string

const (
	PullUp   Bias = "pullup"
	PullDown Bias = "pulldown"
	PullNone Bias = "none"
)

// Output is a digital output.
type Output interface {
	Set(high bool)
}

// SoftPWM is a pulse width modulated output timed by the go scheduler.
// The compare handler may call Stop.
type SoftPWM struct {
	out   Output
	sleep func(time.Duration)

	mu   sync.Mutex
	duty time.Duration
	stop chan struct{}
}

// NewSoftPWM returns a stopped pwm driving out.
func NewSoftPWM(out Output, sleep func(time.Duration)) *SoftPWM {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &SoftPWM{out: out, sleep: sleep}
}

// Start starts the output. compare is called immediately and after the high
// time of each period.
func (p *SoftPWM) Start(period time.Duration, compare func()) {
	p.mu.Lock()
	stop := make(chan struct{})
	p.stop = stop
	p.duty = 0
	p.mu.Unlock()

	go p.run(period, compare, stop)
}

// SetDuty sets the high time of the next period.
func (p *SoftPWM) SetDuty(high time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duty = high
}

// Stop stops the output after the current period. It doesn't wait.
func (p *SoftPWM) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *SoftPWM) run(period time.Duration, compare func(), stop chan struct{}) {
	compare()

	for {
		select {
		case <-stop:
			p.out.Set(false)
			return
		default:
		}

		p.mu.Lock()
		duty := p.duty
		p.mu.Unlock()

		p.out.Set(true)
		p.sleep(duty)
		p.out.Set(false)

		compare()
		p.sleep(period - duty)
	}
}

func parseBias(bias string) (Bias, error) {
	switch b := Bias(bias); b {
	case PullUp, PullDown, PullNone:
		return b, nil
	case "":
		return PullNone, nil
	default:
		return "", fmt.Errorf("bias %q: %w", bias, ErrInvalidParam)
	}
}
