package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/womat/debug"
	"hcsgate/pkg/app/config"
	"hcsgate/pkg/eedb"
	"hcsgate/pkg/hcs"
	"hcsgate/pkg/mqtt"
	"hcsgate/pkg/receiver"
	"hcsgate/pkg/replay"
)

// rejection reasons
const (
	reasonUnknown = "unknown"
	reasonDecode  = "decode"
	reasonInvalid = "invalid"
	reasonResync  = "resync"
)

// pressed is the key press in progress. A press starts with the first frame
// and ends when the channel becomes idle.
type pressed struct {
	processed bool
	decoded   bool
	accepted  bool

	sig    hcs.RawSignal
	plain  hcs.Plain
	device Device
}

// KeyEvent is published to mqtt on key down and key up.
type KeyEvent struct {
	Event     string      `json:"event"`
	Mode      config.Mode `json:"mode"`
	Serial    uint32      `json:"serial"`
	Encoder   hcs.Encoder `json:"encoder"`
	Buttons   uint8       `json:"buttons"`
	Counter   uint16      `json:"counter"`
	VLow      bool        `json:"vlow"`
	TimeStamp time.Time   `json:"timestamp"`
}

// service polls the receiver until shutdown.
func (app *App) service() {
	defer app.wg.Done()

	ticker := time.NewTicker(app.config.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-app.shutdown:
			return
		case <-ticker.C:
			app.poll()
		}
	}
}

// poll processes the published frame. The first frame of a press is
// validated, the repetitions are processed again if it was accepted. The
// press ends when the channel is idle.
func (app *App) poll() {
	if !app.session.TryLock() {
		return
	}
	defer app.session.Unlock()

	k := &app.key

	if sig, ok := app.rx.Ready(); ok {
		switch {
		case !k.processed:
			*k = pressed{processed: true, sig: sig}
			app.metrics.frame(sig.Bits)

			p, err := hcs.Decode(sig, 0)
			if err != nil {
				debug.ErrorLog.Printf("decode %d bits: %v", sig.Bits, err)
				app.metrics.decodeErrorsTotal.Inc()
				app.metrics.reject(reasonDecode)
				break
			}

			k.decoded, k.plain = true, p
			k.accepted = app.keydown(k)

		case k.decoded && k.accepted:
			app.processKeydown(k, true)
		}
	}

	if app.rx.Activity() == receiver.Idle && k.processed {
		app.rx.Flush()
		debug.DebugLog.Printf("key released, serial %d", k.plain.Serial)

		if k.decoded {
			app.keyup(k)
		}

		*k = pressed{}
	}
}

// keydown validates the first frame of a press and processes it.
func (app *App) keydown(k *pressed) bool {
	switch app.config.Mode {
	case config.Receiver, config.MITM:
		if err := app.authenticate(k); err != nil {
			debug.InfoLog.Printf("serial %d rejected: %v", k.plain.Serial, err)
			return false
		}

	case config.Grabber:
		k.device = Device{Encoder: hcs.Unknown, Serial: k.plain.Serial}

	default:
		return false
	}

	app.metrics.keypressesTotal.WithLabelValues(string(app.config.Mode)).Inc()
	app.processKeydown(k, false)
	return true
}

var (
	errUnknownDevice = errors.New("unknown device")
	errInvalidFrame  = errors.New("discrimination, buttons or counter invalid")
	errResync        = errors.New("counter out of window, resynchronizing")
)

// authenticate checks the frame against the device table. A rolling code must
// carry the stored discrimination value, consistent buttons and a counter
// within the normal window. A counter within the resync window is recorded
// and adopted if the next frame follows it immediately.
func (app *App) authenticate(k *pressed) error {
	loc, err := app.devices.Find(k.plain.Serial, 0, eedb.Start)
	if err != nil {
		app.metrics.reject(reasonUnknown)
		return fmt.Errorf("%w: %v", errUnknownDevice, err)
	}

	d := &k.device
	if _, err = app.devices.Read(loc, d); err != nil {
		return err
	}

	if d.Encoder == hcs.HCS101 {
		return nil
	}

	p, err := hcs.Decode(k.sig, d.Key)
	if err != nil {
		app.metrics.reject(reasonDecode)
		return err
	}
	k.plain = p

	w := app.config.Window
	authentic := p.Disc == d.Disc && p.Buttons == p.ButtonsEnc

	switch {
	case authentic && replay.NextWithinWindow(p.Counter, d.Counter, w.Normal):
		d.Counter, d.CounterResync = p.Counter, p.Counter
		return app.devices.Write(loc, nil, *d)

	case authentic && replay.NextWithinWindow(p.Counter, d.Counter, w.Resync):
		if replay.NextWithinWindow(p.Counter, d.CounterResync, replay.Successive) {
			debug.InfoLog.Printf("serial %d resynchronized to counter %d", d.Serial, p.Counter)
			d.Counter = p.Counter
		}
		d.CounterResync = p.Counter
		if err = app.devices.Write(loc, nil, *d); err != nil {
			return err
		}
		app.metrics.reject(reasonResync)
		return fmt.Errorf("%w: counter %d, stored %d", errResync, p.Counter, d.Counter)

	default:
		app.metrics.reject(reasonInvalid)
		return fmt.Errorf("%w: counter %d, stored %d", errInvalidFrame, p.Counter, d.Counter)
	}
}

// processKeydown performs the action of the operating mode.
func (app *App) processKeydown(k *pressed, repeated bool) {
	switch app.config.Mode {
	case config.Receiver:
		if repeated {
			return
		}
		for i, o := range app.outputs {
			o.Set(k.plain.Buttons&(1<<i) != 0)
		}
		app.sendMQTT(app.config.MQTT.Topic, app.keyEvent("keydown", k))

	case config.MITM:
		if !repeated {
			app.sendMQTT(app.config.MQTT.Topic, app.keyEvent("keydown", k))
		}
		if err := app.retransmit(); err != nil {
			debug.ErrorLog.Printf("mitm: %v", err)
		}

	case config.Grabber:
		if repeated {
			return
		}
		if err := app.grab(k); err != nil {
			debug.ErrorLog.Printf("grabber: %v", err)
		}
		app.sendMQTT(app.config.MQTT.Topic, app.keyEvent("keydown", k))
	}
}

// keyup ends an accepted press.
func (app *App) keyup(k *pressed) {
	if !k.accepted {
		return
	}

	if app.config.Mode == config.Receiver {
		app.releaseOutputs()
	}
	app.sendMQTT(app.config.MQTT.Topic, app.keyEvent("keyup", k))
}

// releaseOutputs sets all outputs low.
func (app *App) releaseOutputs() {
	for _, o := range app.outputs {
		o.Set(false)
	}
}

// retransmit sends the stored HCS101 identity with the next counter value.
func (app *App) retransmit() error {
	var d Device

	loc, err := app.mitm.Find(eedb.Any, 0, eedb.Start)
	if err != nil {
		return fmt.Errorf("no mitm profile: %w", err)
	}
	if _, err = app.mitm.Read(loc, &d); err != nil {
		return err
	}

	d.Counter++
	sig := hcs.Encode(hcs.HCS101, hcs.Plain{
		Buttons: d.Buttons,
		Counter: d.Counter,
		Serial:  d.Serial,
		Serial3: d.Serial3,
	}, 0)

	app.rx.Stop()
	defer app.rx.Start()

	err = app.transmit(context.Background(), sig, d)

	if e := app.mitm.Write(loc, nil, d); err == nil {
		err = e
	}

	app.sleep(app.config.TX.Pause)
	return err
}

// transmit sends sig in bursts with the timing of d.
func (app *App) transmit(ctx context.Context, sig hcs.RawSignal, d Device) error {
	te, header := d.timing()
	c := app.config.TX

	for i := 0; i < c.Bursts; i++ {
		err := app.tx.Tx(ctx, sig, te, c.Preamble, header, c.Guard)
		app.metrics.transmissionsTotal.WithLabelValues(status(err)).Inc()
		if err != nil {
			return fmt.Errorf("transmit serial %d: %w", d.Serial, err)
		}
	}

	debug.InfoLog.Printf("transmitted serial %d, counter %d, %d bursts", d.Serial, d.Counter, c.Bursts)
	return nil
}

// grab records the remote in the logged devices and logs the frame.
// Unknown remotes are classified on their second press.
func (app *App) grab(k *pressed) error {
	d := &k.device
	p := k.plain

	loc, err := app.logDevices.Find(p.Serial, 0, eedb.Start)
	switch {
	case errors.Is(err, eedb.ErrNotFound):
		*d = Device{
			Encoder: hcs.Unknown,
			Counter: p.Counter,
			Disc:    p.Disc,
			Serial:  p.Serial,
			Serial3: p.Serial3,
			Buttons: p.Buttons,
			TE:      micros(app.rx.TimingElement()),
			Header:  micros(app.rx.HeaderLength()),
		}
		debug.InfoLog.Printf("logging new serial %d", p.Serial)
		if _, err = app.logDevices.Insert(p.Serial, 0, *d); err != nil {
			return err
		}

	case err != nil:
		return err

	default:
		if _, err = app.logDevices.Read(loc, d); err != nil {
			return err
		}

		if d.Encoder == hcs.Unknown {
			if d.Encoder = classify(*d, p, k.sig.Bits); d.Encoder != hcs.Unknown {
				debug.InfoLog.Printf("serial %d classified as %s", d.Serial, d.Encoder)
				if err = app.logDevices.Write(loc, nil, *d); err != nil {
					return err
				}
			}
		}
	}

	// HCS101 frames differ only in the buttons
	if d.Encoder == hcs.HCS101 {
		return nil
	}

	_, err = app.logs.Insert(0, p.Serial, LogEntry{Frame: k.sig.Buf, Bits: uint8(k.sig.Bits)})
	return err
}

// classify guesses the encoder of a logged remote from its next frame p,
// decoded without key. An HCS101 repeats serial3 and the buttons in its
// hopping portion.
func classify(d Device, p hcs.Plain, bits int) hcs.Encoder {
	if bits == 66 && p.Disc == d.Disc && p.Serial3 == d.Serial3 && p.Buttons == p.ButtonsEnc {
		return hcs.HCS101
	}

	if e := hcs.Classify(bits); e != hcs.Invalid {
		return e
	}
	return hcs.Unknown
}

func (app *App) keyEvent(event string, k *pressed) KeyEvent {
	return KeyEvent{
		Event:     event,
		Mode:      app.config.Mode,
		Serial:    k.plain.Serial,
		Encoder:   k.device.Encoder,
		Buttons:   k.plain.Buttons,
		Counter:   k.plain.Counter,
		VLow:      k.plain.VLow,
		TimeStamp: time.Now(),
	}
}

// sendMQTT send message struct to the mqtt broker.
func (app *App) sendMQTT(topic string, message interface{}) {
	debug.TraceLog.Printf("prepare mqtt message %v %v", topic, message)

	b, err := json.Marshal(message)
	if err != nil {
		debug.ErrorLog.Printf("sendMQTT marshal: %v", err)
		return
	}

	select {
	case app.mqtt.C <- mqtt.Message{Qos: 0, Retained: false, Topic: topic, Payload: b}:
	default:
		debug.ErrorLog.Printf("mqtt queue full, message to %v dropped", topic)
	}
}
