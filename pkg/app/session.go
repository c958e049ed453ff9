package app

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/womat/debug"
	"hcsgate/pkg/app/config"
	"hcsgate/pkg/eedb"
	"hcsgate/pkg/hcs"
	"hcsgate/pkg/receiver"
	"hcsgate/pkg/replay"
)

// sessionTimeout limits the wait for a remote in an RF session.
const sessionTimeout = 10 * time.Second

var (
	// ErrExists is returned if the remote is already enrolled.
	ErrExists = errors.New("device already enrolled")
	// ErrNoMatch is returned if the two enrollment transmissions don't belong together.
	ErrNoMatch = errors.New("transmissions don't match")
	// ErrUnsupported is returned for an encoder that can't be programmed.
	ErrUnsupported = errors.New("unsupported encoder")
)

// beginSession takes over the receiver from the key service.
func (app *App) beginSession() {
	app.session.Lock()

	if app.key.processed && app.config.Mode == config.Receiver {
		app.releaseOutputs()
	}
	app.key = pressed{}
}

// endSession restarts the receiver and hands it back to the key service.
func (app *App) endSession() {
	app.rx.Stop()
	app.rx.Start()
	app.session.Unlock()
}

// waitFrame restarts the receiver and waits for a complete transmission,
// i.e. a published frame and the remote released.
func (app *App) waitFrame(ctx context.Context) (hcs.RawSignal, error) {
	app.rx.Stop()
	app.rx.Start()

	ticker := time.NewTicker(app.config.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return hcs.RawSignal{}, fmt.Errorf("waiting for a remote: %w", ctx.Err())
		case <-ticker.C:
		}

		if app.rx.Activity() != receiver.Idle {
			continue
		}

		if sig, ok := app.rx.Ready(); ok {
			app.rx.Stop()
			app.metrics.frame(sig.Bits)
			debug.DebugLog.Printf("session frame: %d bits % x", sig.Bits, sig.Buf)
			return sig, nil
		}
	}
}

// Enroll learns a remote from two successive transmissions.
// In mitm mode a HCS101 becomes the identity retransmitted.
func (app *App) Enroll(ctx context.Context) (Device, error) {
	app.beginSession()
	defer app.endSession()

	first, err := app.waitFrame(ctx)
	if err != nil {
		return Device{}, err
	}
	debug.InfoLog.Print("enroll: first transmission received, press again")

	second, err := app.waitFrame(ctx)
	if err != nil {
		return Device{}, err
	}

	d, err := matchEnrollment(first, second, app.config.MasterKey, app.config.Window.Enroll)
	if err != nil {
		return Device{}, err
	}

	d.TE = micros(app.rx.TimingElement())
	d.Header = micros(app.rx.HeaderLength())

	if app.config.Mode == config.MITM && d.Encoder == hcs.HCS101 {
		if _, err = app.mitm.Insert(d.Serial, 0, d); err != nil {
			return Device{}, fmt.Errorf("store mitm profile: %w", err)
		}
		debug.InfoLog.Printf("enrolled serial %d as mitm profile", d.Serial)
		return d, nil
	}

	if _, err = app.devices.Find(d.Serial, 0, eedb.Start); err == nil {
		return Device{}, fmt.Errorf("serial %d: %w", d.Serial, ErrExists)
	} else if !errors.Is(err, eedb.ErrNotFound) {
		return Device{}, err
	}

	if _, err = app.devices.Insert(d.Serial, 0, d); err != nil {
		return Device{}, fmt.Errorf("store device: %w", err)
	}

	debug.InfoLog.Printf("enrolled serial %d as %s", d.Serial, d.Encoder)
	return d, nil
}

// matchEnrollment checks that two transmissions come from the same remote
// and returns its profile. Both are decoded with the master key first, a
// 66 bit remote failing that is taken as HCS101.
func matchEnrollment(first, second hcs.RawSignal, master uint64, window uint16) (Device, error) {
	if master != 0 {
		r1, err1 := hcs.Decode(first, master)
		r2, err2 := hcs.Decode(second, master)
		if err := errors.Join(err1, err2); err != nil {
			return Device{}, err
		}

		if r1.Serial != r2.Serial {
			return Device{}, fmt.Errorf("serial %d and %d: %w", r1.Serial, r2.Serial, ErrNoMatch)
		}

		if r1.Disc == r2.Disc && consecutive(r1, r2, window) {
			return Device{
				Encoder:       hcs.Classify(second.Bits),
				Serial:        r2.Serial,
				Key:           master,
				Counter:       r2.Counter,
				CounterResync: r2.Counter,
				Disc:          r2.Disc,
				Buttons:       r2.Buttons,
			}, nil
		}
	}

	if first.Bits != 66 || second.Bits != 66 {
		return Device{}, ErrNoMatch
	}

	f1, err1 := hcs.Decode(first, 0)
	f2, err2 := hcs.Decode(second, 0)
	if err := errors.Join(err1, err2); err != nil {
		return Device{}, err
	}

	if f1.Serial != f2.Serial || f1.Serial3 != f2.Serial3 || !consecutive(f1, f2, window) {
		return Device{}, ErrNoMatch
	}

	return Device{
		Encoder:       hcs.HCS101,
		Serial:        f2.Serial,
		Counter:       f2.Counter,
		CounterResync: f2.Counter,
		Serial3:       f2.Serial3,
		Buttons:       f2.Buttons,
	}, nil
}

// consecutive reports whether p2 is a later press of the same buttons as p1.
func consecutive(p1, p2 hcs.Plain, window uint16) bool {
	return p1.Buttons == p1.ButtonsEnc && p2.Buttons == p2.ButtonsEnc &&
		p1.Buttons == p2.Buttons &&
		replay.NextWithinWindow(p2.Counter, p1.Counter, window)
}

// Remove deletes the remote of the next transmission from the device table.
func (app *App) Remove(ctx context.Context) (uint32, error) {
	app.beginSession()
	defer app.endSession()

	sig, err := app.waitFrame(ctx)
	if err != nil {
		return 0, err
	}

	p, err := hcs.Decode(sig, 0)
	if err != nil {
		return 0, err
	}

	if err = app.devices.Delete(p.Serial, 0, eedb.Start); err != nil {
		return p.Serial, fmt.Errorf("remove serial %d: %w", p.Serial, err)
	}

	debug.InfoLog.Printf("removed serial %d", p.Serial)
	return p.Serial, nil
}

// Program personalizes an encoder chip with a random profile and enrolls it.
func (app *App) Program(ctx context.Context, enc hcs.Encoder) (d Device, err error) {
	defer func() {
		app.metrics.programmedTotal.WithLabelValues(enc.String(), status(err)).Inc()
	}()

	p, err := newProfile(enc, app.rand)
	if err != nil {
		return Device{}, err
	}

	app.beginSession()
	defer app.endSession()

	s := hcs.BuildProgStream(p)
	if err = app.prog.Program(ctx, s[:], hcs.ProgLen*8, true); err != nil {
		return Device{}, fmt.Errorf("program %s: %w", enc, err)
	}

	d = Device{
		Encoder:       enc,
		Serial:        p.Serial,
		Key:           p.Key,
		Counter:       p.Sync,
		CounterResync: p.Sync,
		Disc:          p.Disc(),
	}

	if _, err = app.devices.Upsert(d.Serial, 0, eedb.Start, d); err != nil {
		return Device{}, fmt.Errorf("store device: %w", err)
	}

	debug.InfoLog.Printf("programmed %s, serial %d", enc, d.Serial)
	return d, nil
}

// newProfile returns a random profile for enc read from r.
func newProfile(enc hcs.Encoder, r io.Reader) (hcs.ProgProfile, error) {
	var v struct {
		Key    uint64
		Serial uint32
		Seed   uint32
		Sync   uint16
		Disc   uint16
		Config uint8
	}

	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return hcs.ProgProfile{}, fmt.Errorf("random profile: %w", err)
	}

	p := hcs.ProgProfile{
		Encoder: enc,
		Key:     v.Key,
		Serial:  v.Serial & 0x0FFFFFFF,
		Seed:    v.Seed,
		Sync:    v.Sync & 0x00FF,
	}
	if p.Serial == 0 {
		p.Serial = 1
	}

	switch enc {
	case hcs.HCS200:
		p.Config = hcs.HCS200ConfigVLow | uint16(v.Config)
	case hcs.HCS201:
		p.DiscHCS201 = v.Disc
	case hcs.HCS300, hcs.HCS301, hcs.HCS320:
		p.Config = hcs.HCS300ConfigVLow | hcs.HCS300ConfigOVR0 | hcs.HCS300ConfigOVR1 | uint16(v.Config)
	case hcs.HCS360, hcs.HCS361:
	default:
		return hcs.ProgProfile{}, fmt.Errorf("%s: %w", enc, ErrUnsupported)
	}

	return p, nil
}

// Transmit sends the next frame of a stored remote. buttons replaces the
// stored buttons if not zero. Remotes without a known key are replayed from
// the grabber log.
func (app *App) Transmit(ctx context.Context, serial uint32, buttons uint8) (Device, error) {
	app.beginSession()
	defer app.endSession()

	app.rx.Stop()

	var d Device
	var sig hcs.RawSignal

	loc, err := app.devices.Find(serial, 0, eedb.Start)
	switch {
	case err == nil:
		if _, err = app.devices.Read(loc, &d); err != nil {
			return Device{}, err
		}
		if buttons != 0 {
			d.Buttons = buttons
		}
		if d.TE == 0 {
			d.TE, d.Header = defaultTE, defaultHeader
		}

		d.Counter++
		d.CounterResync = d.Counter
		sig = encodeDevice(d)

		if err = app.devices.Write(loc, nil, d); err != nil {
			return Device{}, err
		}

	case errors.Is(err, eedb.ErrNotFound):
		if loc, err = app.logDevices.Find(serial, 0, eedb.Start); err != nil {
			return Device{}, fmt.Errorf("serial %d: %w", serial, err)
		}
		if _, err = app.logDevices.Read(loc, &d); err != nil {
			return Device{}, err
		}

		if d.Encoder == hcs.HCS101 {
			if buttons != 0 {
				d.Buttons = buttons
			}
			d.Counter++
			sig = encodeDevice(d)
			if err = app.logDevices.Write(loc, nil, d); err != nil {
				return Device{}, err
			}
		} else if sig, err = app.latestLog(serial); err != nil {
			return Device{}, err
		}

	default:
		return Device{}, err
	}

	if err = app.transmit(ctx, sig, d); err != nil {
		return Device{}, err
	}

	app.sleep(app.config.TX.Pause)
	return d, nil
}

// timing of remotes programmed here, they are never received before transmission
const (
	defaultTE     = 400
	defaultHeader = 10 * defaultTE
)

// encodeDevice builds the frame of d.
func encodeDevice(d Device) hcs.RawSignal {
	p := hcs.Plain{
		Buttons: d.Buttons,
		Serial:  d.Serial,
		Serial3: d.Serial3,
		Disc:    d.Disc,
		Counter: d.Counter,
	}

	if d.Encoder == hcs.HCS101 {
		return hcs.Encode(hcs.HCS101, p, 0)
	}
	return hcs.Encode(d.Encoder, p, d.Key)
}
