// Package transmitter clocks HCS transmissions out of a digital output.
//
// A transmission is a preamble of 50% duty periods of 2 TE, a header pause and
// the data bits, LSB first. Each data bit is a PWM period of 3 TE, high for 1 TE
// for a 1 and high for 2 TE for a 0.
package transmitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/womat/debug"
	"hcsgate/pkg/hcs"
)

var (
	// ErrBusy is returned if a transmission is already running.
	ErrBusy = errors.New("transmitter busy")
	// ErrLength is returned for a bit count the frame buffer can't hold.
	ErrLength = errors.New("invalid frame length")
)

// PWM is a pulse width modulated output.
type PWM interface {
	// Start starts the output with the given period. compare is called once
	// immediately and then every time the high time of a period has ended.
	Start(period time.Duration, compare func())
	// SetDuty sets the high time of the following periods.
	SetDuty(high time.Duration)
	// Stop stops the output, compare is not called anymore.
	Stop()
}

// Line is the output line used for the preamble.
type Line interface {
	Init() error
	Deinit() error
	Set(high bool)
}

// State is the state of the transmitter state machine.
type State int32

const (
	Idle State = iota
	Busy
)

// Option configures a Transmitter.
type Option func(*Transmitter)

// WithSleep replaces the function used for the preamble, header and guard pauses.
func WithSleep(sleep func(time.Duration)) Option {
	return func(t *Transmitter) { t.sleep = sleep }
}

// Transmitter is the transmitter state machine.
type Transmitter struct {
	pwm   PWM
	line  Line
	sleep func(time.Duration)

	state atomic.Int32
	// busy rejects Process while it is running
	busy atomic.Bool

	mu    sync.Mutex
	buf   [hcs.BufLen]byte
	bits  int
	index int
	te    time.Duration
	done  chan struct{}
}

// New returns an idle transmitter.
func New(pwm PWM, line Line, opts ...Option) *Transmitter {
	t := &Transmitter{
		pwm:   pwm,
		line:  line,
		sleep: time.Sleep,
	}

	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current state.
func (t *Transmitter) State() State {
	return State(t.state.Load())
}

// Preamble sends n periods of 2 TE with 50% duty.
func (t *Transmitter) Preamble(te time.Duration, n int) {
	for ; n > 0; n-- {
		t.sleep(te)
		t.line.Set(true)
		t.sleep(te)
		t.line.Set(false)
	}
}

// Data starts clocking out the first bits of buf. The returned channel is
// closed when the transmitter is idle again.
func (t *Transmitter) Data(buf [hcs.BufLen]byte, bits int, te time.Duration) (<-chan struct{}, error) {
	if bits <= 0 || bits > len(buf)*8 {
		return nil, fmt.Errorf("%d bits, frame of %d bytes: %w", bits, len(buf), ErrLength)
	}

	t.mu.Lock()
	if t.State() == Busy {
		t.mu.Unlock()
		return nil, ErrBusy
	}

	t.line.Set(false)

	t.buf = buf
	t.bits = bits
	t.index = 0
	t.te = te
	t.done = make(chan struct{})
	done := t.done
	t.state.Store(int32(Busy))
	t.mu.Unlock()

	t.pwm.Start(3*te, t.Process)
	return done, nil
}

// Process is the compare handler. It programs the high time of the next bit
// and stops the output after the last one.
func (t *Transmitter) Process() {
	if !t.busy.CompareAndSwap(false, true) {
		return
	}
	defer t.busy.Store(false)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != Busy {
		return
	}

	if t.index >= t.bits {
		t.pwm.Stop()
		t.state.Store(int32(Idle))
		close(t.done)
		return
	}

	if t.buf[t.index/8]&(1<<(t.index%8)) != 0 {
		t.pwm.SetDuty(t.te)
	} else {
		t.pwm.SetDuty(2 * t.te)
	}

	t.index++
}

// abort stops a running transmission.
func (t *Transmitter) abort() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != Busy {
		return
	}

	t.pwm.Stop()
	t.state.Store(int32(Idle))
	close(t.done)
}

// Tx sends a complete transmission: preamble, header pause, data and the guard
// pause. A cancelled ctx ends it at the next phase or preamble period.
func (t *Transmitter) Tx(ctx context.Context, sig hcs.RawSignal, te time.Duration, preamble int, header, guard time.Duration) error {
	if err := t.line.Init(); err != nil {
		return err
	}
	t.line.Set(false)

	for i := 0; i < preamble; i++ {
		if ctx.Err() != nil {
			return t.cancel(ctx)
		}
		t.Preamble(te, 1)
	}

	if ctx.Err() != nil {
		return t.cancel(ctx)
	}
	t.sleep(header)
	if ctx.Err() != nil {
		return t.cancel(ctx)
	}

	done, err := t.Data(sig.Buf, sig.Bits, te)
	if err != nil {
		_ = t.line.Deinit()
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.abort()
		return t.cancel(ctx)
	}

	if err := t.line.Deinit(); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.sleep(guard)
	debug.TraceLog.Printf("transmitted %d bits, te %v", sig.Bits, te)
	return nil
}

// cancel releases the line after ctx ended the transmission.
func (t *Transmitter) cancel(ctx context.Context) error {
	_ = t.line.Deinit()
	debug.ErrorLog.Printf("transmission aborted: %v", ctx.Err())
	return ctx.Err()
}
