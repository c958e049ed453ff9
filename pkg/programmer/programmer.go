// Package programmer writes the EEPROM of HCS encoders by bit-banging the
// programming interface: S2 is the clock, the PWM pin carries the data.
package programmer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/womat/debug"
)

// ErrVerify is returned if the read back doesn't match the written stream.
var ErrVerify = errors.New("verification failed")

// timings of the programming interface
const (
	tSetup = 100 * time.Millisecond
	tPS    = 4 * time.Millisecond  // program mode setup
	tPH1   = 4 * time.Millisecond  // hold time 1
	tPH2   = 70 * time.Microsecond // hold time 2
	tPBW   = 5 * time.Millisecond  // bulk write
	tDS    = 50 * time.Microsecond // data setup
	tCLKH  = 100 * time.Microsecond
	tCLKL  = 100 * time.Microsecond
	tWC    = 60 * time.Millisecond // word write cycle
	tRD    = 60 * time.Microsecond // read data setup
	tRH    = 100 * time.Microsecond

	// wordBits is the number of bits written per write cycle.
	wordBits = 16
)

// Pin is a digital line of the programming interface.
type Pin interface {
	Output()
	Input()
	Set(high bool)
	Get() bool
}

// Pins are the lines connected to the encoder.
type Pins struct {
	// Data is connected to the PWM output of the encoder.
	Data Pin
	// Clk is connected to S2.
	Clk  Pin
	S0S1 Pin
	S3   Pin
}

// Option configures a Programmer.
type Option func(*Programmer)

// WithSleep replaces the function used for the interface timings.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Programmer) { p.sleep = sleep }
}

// Programmer writes streams into encoders.
type Programmer struct {
	pins  Pins
	sleep func(time.Duration)
}

// New returns a programmer using pins.
func New(pins Pins, opts ...Option) *Programmer {
	p := &Programmer{pins: pins, sleep: time.Sleep}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Program writes the first bits of stream, LSB first. If verify is set the
// EEPROM is read back and compared.
func (p *Programmer) Program(ctx context.Context, stream []byte, bits int, verify bool) (err error) {
	if bits > len(stream)*8 {
		return fmt.Errorf("%d bits exceed stream of %d bytes", bits, len(stream))
	}

	p.init(false)
	defer p.deinit()

	clk, data := p.pins.Clk, p.pins.Data

	clk.Set(false)
	data.Set(false)
	p.sleep(tSetup)

	// programming is initiated by forcing the PWM line high after S2 has been held high
	clk.Set(true)
	p.sleep(tPS)
	data.Set(true)
	p.sleep(tPH1)
	data.Set(false)
	p.sleep(tPH2)
	clk.Set(false)
	p.sleep(tPBW)

	for i := 0; i < bits; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		data.Set(bit(stream, i))
		p.sleep(tDS)

		clk.Set(true)
		p.sleep(tCLKH)
		clk.Set(false)
		p.sleep(tCLKL)

		// release the data line before the write cycle, the encoder drives it from now on
		if i == bits-1 {
			p.init(true)
		}

		if (i+1)%wordBits == 0 {
			p.sleep(tWC)
		}
	}

	if !verify {
		return nil
	}

	if bits%wordBits != 0 {
		p.sleep(tWC)
	}

	for i := 0; i < bits; i++ {
		p.sleep(tRD)
		clk.Set(true)
		p.sleep(tRD)

		if got, want := data.Get(), bit(stream, i); got != want {
			debug.ErrorLog.Printf("verify bit %d: read %v, expected %v", i, got, want)
			return fmt.Errorf("bit %d: %w", i, ErrVerify)
		}

		p.sleep(tRH)
		clk.Set(false)
	}

	debug.InfoLog.Printf("%d bits programmed and verified", bits)
	return nil
}

// init drives S2, S0/S1 and S3 low and sets the data line as output while
// programming or as input while verifying.
func (p *Programmer) init(verify bool) {
	for _, pin := range []Pin{p.pins.Clk, p.pins.S0S1, p.pins.S3} {
		pin.Output()
		pin.Set(false)
	}

	if verify {
		p.pins.Data.Input()
	} else {
		p.pins.Data.Output()
	}
	p.pins.Data.Set(false)
}

// deinit sets all lines high impedance.
func (p *Programmer) deinit() {
	for _, pin := range []Pin{p.pins.Clk, p.pins.Data, p.pins.S0S1, p.pins.S3} {
		pin.Set(false)
		pin.Input()
	}
}

func bit(stream []byte, i int) bool {
	return stream[i/8]&(1<<(i%8)) != 0
}
