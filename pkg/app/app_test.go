package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"hcsgate/pkg/app/config"
	"hcsgate/pkg/eedb"
	"hcsgate/pkg/hcs"
	"hcsgate/pkg/receiver"
)

const (
	masterKey = uint64(0x0123456789ABCDEF)
	deviceKey = uint64(0xDFD209D119A813CE)

	testSerial = uint32(0x1234567)
	testDisc   = uint16(0x155)
)

// fakeRadio publishes one queued frame on every Start, as if the remote was
// pressed and released while the receiver was running.
type fakeRadio struct {
	frames []hcs.RawSignal

	ready    hcs.RawSignal
	full     bool
	activity receiver.Activity

	starts, stops int
	te, header    time.Duration
}

func (r *fakeRadio) Start() {
	r.starts++
	r.full = false
	r.activity = receiver.Idle

	if len(r.frames) > 0 {
		r.ready, r.frames = r.frames[0], r.frames[1:]
		r.full = true
	}
}

func (r *fakeRadio) Stop() { r.stops++ }

func (r *fakeRadio) Ready() (hcs.RawSignal, bool) {
	return r.ready, r.full
}

func (r *fakeRadio) Flush()                       { r.full = false }
func (r *fakeRadio) Activity() receiver.Activity  { return r.activity }
func (r *fakeRadio) HeaderLength() time.Duration  { return r.header }
func (r *fakeRadio) TimingElement() time.Duration { return r.te }
func (r *fakeRadio) publish(sig hcs.RawSignal) {
	r.ready, r.full, r.activity = sig, true, receiver.Busy
}
func (r *fakeRadio) release()                      { r.activity = receiver.Idle }
func (r *fakeRadio) queue(frames ...hcs.RawSignal) { r.frames = append(r.frames, frames...) }

type txCall struct {
	sig      hcs.RawSignal
	te       time.Duration
	preamble int
	header   time.Duration
	guard    time.Duration
}

type fakeSender struct {
	calls []txCall
	err   error
}

func (s *fakeSender) Tx(_ context.Context, sig hcs.RawSignal, te time.Duration, preamble int, header, guard time.Duration) error {
	s.calls = append(s.calls, txCall{sig: sig, te: te, preamble: preamble, header: header, guard: guard})
	return s.err
}

type fakeProgrammer struct {
	stream []byte
	bits   int
	verify bool
	err    error
}

func (p *fakeProgrammer) Program(_ context.Context, stream []byte, bits int, verify bool) error {
	p.stream = append([]byte(nil), stream...)
	p.bits, p.verify = bits, verify
	return p.err
}

type fakeOutput struct{ high bool }

func (o *fakeOutput) Set(high bool) { o.high = high }

type testGate struct {
	app  *App
	rx   *fakeRadio
	tx   *fakeSender
	prog *fakeProgrammer
	outs []*fakeOutput
}

func newTestGate(t *testing.T, mode config.Mode) *testGate {
	t.Helper()

	cfg := config.NewConfig()
	cfg.Mode = mode
	cfg.MasterKey = masterKey
	cfg.Poll = time.Millisecond
	cfg.TX.Guard = 15 * time.Millisecond
	cfg.TX.Pause = 50 * time.Millisecond

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.initStore(t.TempDir()))
	t.Cleanup(func() { _ = a.db.Close() })

	g := &testGate{
		app:  a,
		rx:   &fakeRadio{te: 400 * time.Microsecond, header: 4 * time.Millisecond},
		tx:   &fakeSender{},
		prog: &fakeProgrammer{},
	}

	a.rx, a.tx, a.prog = g.rx, g.tx, g.prog
	for i := 0; i < 4; i++ {
		o := &fakeOutput{}
		g.outs = append(g.outs, o)
		a.outputs = append(a.outputs, o)
	}
	a.sleep = func(time.Duration) {}

	a.initDefaultRoutes()
	return g
}

// press runs the key service on a frame received while the key is held.
func (g *testGate) press(sig hcs.RawSignal) {
	g.rx.publish(sig)
	g.app.poll()
}

// release runs the key service after the remote has been released.
func (g *testGate) release() {
	g.rx.release()
	g.app.poll()
}

func (g *testGate) outputs() []bool {
	levels := make([]bool, len(g.outs))
	for i, o := range g.outs {
		levels[i] = o.high
	}
	return levels
}

func (g *testGate) store(t *testing.T, tbl *eedb.Table, d Device) {
	t.Helper()
	_, err := tbl.Insert(d.Serial, 0, d)
	require.NoError(t, err)
}

func (g *testGate) device(t *testing.T, tbl *eedb.Table, serial uint32) Device {
	t.Helper()

	loc, err := tbl.Find(serial, 0, eedb.Start)
	require.NoError(t, err)

	var d Device
	_, err = tbl.Read(loc, &d)
	require.NoError(t, err)
	return d
}

func rolling(enc hcs.Encoder, key uint64, buttons uint8, counter uint16) hcs.RawSignal {
	return hcs.Encode(enc, hcs.Plain{Serial: testSerial, Buttons: buttons, Disc: testDisc, Counter: counter}, key)
}

func fixed(serial3 uint16, buttons uint8, counter uint16) hcs.RawSignal {
	return hcs.Encode(hcs.HCS101, hcs.Plain{Serial: testSerial, Serial3: serial3, Buttons: buttons, Counter: counter}, 0)
}

func hcs300Device(counter uint16) Device {
	return Device{
		Encoder:       hcs.HCS300,
		Serial:        testSerial,
		Key:           deviceKey,
		Counter:       counter,
		CounterResync: counter,
		Disc:          testDisc,
	}
}
