package app

import (
	"github.com/womat/debug"
	"hcsgate/pkg/clock"
	"hcsgate/pkg/programmer"
	"hcsgate/pkg/raspberry"
	"hcsgate/pkg/receiver"
	"hcsgate/pkg/transmitter"
)

// initHardware requests the gpio lines and wires receiver, transmitter,
// outputs and programmer to them.
func (app *App) initHardware() (err error) {
	c := app.config.GPIO

	if app.chip, err = raspberry.Open(c.Chip); err != nil {
		return err
	}

	if app.rxLine, err = app.chip.NewInputLine(c.RX, c.Bias); err != nil {
		debug.ErrorLog.Printf("can't open rx line %v: %v", c.RX, err)
		return err
	}

	app.receiver = receiver.New(clock.New())
	app.receiver.Listen(app.rxLine.C)
	app.rx = app.receiver

	txPin, err := app.chip.NewPin(c.TX)
	if err != nil {
		debug.ErrorLog.Printf("can't open tx pin %v: %v", c.TX, err)
		return err
	}
	app.tx = transmitter.New(raspberry.NewSoftPWM(txPin, nil), txPin)

	for _, n := range c.Outputs {
		p, err := app.chip.NewPin(n)
		if err != nil {
			debug.ErrorLog.Printf("can't open output pin %v: %v", n, err)
			return err
		}
		if err = p.Init(); err != nil {
			return err
		}
		app.outputs = append(app.outputs, p)
	}

	var pins [4]*raspberry.Pin
	for i, n := range []int{c.Prog.Data, c.Prog.Clk, c.Prog.S0S1, c.Prog.S3} {
		if pins[i], err = app.chip.NewPin(n); err != nil {
			debug.ErrorLog.Printf("can't open programmer pin %v: %v", n, err)
			return err
		}
		pins[i].Input()
	}
	app.prog = programmer.New(programmer.Pins{Data: pins[0], Clk: pins[1], S0S1: pins[2], S3: pins[3]})

	debug.DebugLog.Printf("gpio: rx %v, tx %v, outputs %v, programmer %+v", c.RX, c.TX, c.Outputs, c.Prog)
	return nil
}

// closeHardware releases the lines requested by initHardware.
func (app *App) closeHardware() {
	if app.receiver != nil {
		_ = app.receiver.Close()
	}

	if app.rxLine != nil {
		_ = app.rxLine.Close()
	}

	app.releaseOutputs()

	if app.chip != nil {
		_ = app.chip.Close()
	}
}
