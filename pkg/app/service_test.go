package app

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hcsgate/pkg/app/config"
	"hcsgate/pkg/eedb"
	"hcsgate/pkg/hcs"
)

func TestReceiverPress(t *testing.T) {
	g := newTestGate(t, config.Receiver)
	g.store(t, g.app.devices, hcs300Device(100))

	g.press(rolling(hcs.HCS300, deviceKey, 0b0101, 105))
	assert.Equal(t, []bool{true, false, true, false}, g.outputs())

	d := g.device(t, g.app.devices, testSerial)
	assert.Equal(t, uint16(105), d.Counter)
	assert.Equal(t, uint16(105), d.CounterResync)

	// repetitions while held change nothing
	g.press(rolling(hcs.HCS300, deviceKey, 0b0101, 106))
	assert.Equal(t, uint16(105), g.device(t, g.app.devices, testSerial).Counter)
	assert.Equal(t, []bool{true, false, true, false}, g.outputs())

	g.release()
	assert.Equal(t, []bool{false, false, false, false}, g.outputs())
	_, full := g.rx.Ready()
	assert.False(t, full, "frame flushed")
	assert.False(t, g.app.key.processed)

	assert.Equal(t, 1.0, testutil.ToFloat64(g.app.metrics.keypressesTotal.WithLabelValues("receiver")))
	assert.Len(t, g.app.mqtt.C, 2, "keydown and keyup published")
}

func TestReceiverRejectsReplay(t *testing.T) {
	for _, counter := range []uint16{100, 99, 117, 100 + 32768} {
		g := newTestGate(t, config.Receiver)
		g.store(t, g.app.devices, hcs300Device(100))

		g.press(rolling(hcs.HCS300, deviceKey, 1, counter))
		assert.Equal(t, []bool{false, false, false, false}, g.outputs(), "counter %d", counter)

		d := g.device(t, g.app.devices, testSerial)
		assert.Equal(t, uint16(100), d.Counter, "counter %d", counter)

		g.release()
		assert.Empty(t, g.app.mqtt.C, "nothing published for counter %d", counter)
	}
}

func TestReceiverResync(t *testing.T) {
	g := newTestGate(t, config.Receiver)
	g.store(t, g.app.devices, hcs300Device(100))

	g.press(rolling(hcs.HCS300, deviceKey, 1, 1000))
	g.release()
	d := g.device(t, g.app.devices, testSerial)
	assert.Equal(t, uint16(100), d.Counter)
	assert.Equal(t, uint16(1000), d.CounterResync)

	// the successive transmission adopts the counter, but isn't processed
	g.press(rolling(hcs.HCS300, deviceKey, 1, 1001))
	g.release()
	d = g.device(t, g.app.devices, testSerial)
	assert.Equal(t, uint16(1001), d.Counter)
	assert.Equal(t, uint16(1001), d.CounterResync)
	assert.Equal(t, 2.0, testutil.ToFloat64(g.app.metrics.rejectedTotal.WithLabelValues(reasonResync)))

	g.press(rolling(hcs.HCS300, deviceKey, 1, 1002))
	assert.Equal(t, []bool{true, false, false, false}, g.outputs())
	assert.Equal(t, uint16(1002), g.device(t, g.app.devices, testSerial).Counter)
}

func TestReceiverRejectsWrongDisc(t *testing.T) {
	g := newTestGate(t, config.Receiver)
	d := hcs300Device(100)
	d.Disc = testDisc + 1
	g.store(t, g.app.devices, d)

	g.press(rolling(hcs.HCS300, deviceKey, 1, 101))
	assert.Equal(t, []bool{false, false, false, false}, g.outputs())
	assert.Equal(t, uint16(100), g.device(t, g.app.devices, testSerial).Counter)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.app.metrics.rejectedTotal.WithLabelValues(reasonInvalid)))
}

func TestReceiverUnknownSerial(t *testing.T) {
	g := newTestGate(t, config.Receiver)

	g.press(rolling(hcs.HCS300, deviceKey, 1, 101))
	g.release()

	assert.Equal(t, []bool{false, false, false, false}, g.outputs())
	assert.Equal(t, 1.0, testutil.ToFloat64(g.app.metrics.rejectedTotal.WithLabelValues(reasonUnknown)))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.app.metrics.framesTotal.WithLabelValues("66")))
}

func TestReceiverFixedCode(t *testing.T) {
	g := newTestGate(t, config.Receiver)
	g.store(t, g.app.devices, Device{Encoder: hcs.HCS101, Serial: testSerial, Serial3: 0x2AA})

	g.press(fixed(0x2AA, 0b1000, 5))
	assert.Equal(t, []bool{false, false, false, true}, g.outputs())

	g.release()
	assert.Equal(t, []bool{false, false, false, false}, g.outputs())
}

func TestDecodeError(t *testing.T) {
	g := newTestGate(t, config.Receiver)

	g.press(hcs.RawSignal{Bits: 68})
	assert.True(t, g.app.key.processed)
	assert.False(t, g.app.key.decoded)

	g.release()
	assert.False(t, g.app.key.processed)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.app.metrics.decodeErrorsTotal))
	assert.Empty(t, g.app.mqtt.C)
}

func TestMITMRetransmits(t *testing.T) {
	g := newTestGate(t, config.MITM)
	g.store(t, g.app.devices, hcs300Device(100))
	g.store(t, g.app.mitm, Device{
		Encoder: hcs.HCS101,
		Serial:  0xABCDE,
		Serial3: 0x2AA,
		Buttons: 3,
		Counter: 7,
		TE:      350,
		Header:  3500,
	})

	g.press(rolling(hcs.HCS300, deviceKey, 1, 101))

	want := hcs.Encode(hcs.HCS101, hcs.Plain{Serial: 0xABCDE, Serial3: 0x2AA, Buttons: 3, Counter: 8}, 0)
	require.Len(t, g.tx.calls, 3)
	for _, c := range g.tx.calls {
		assert.Equal(t, txCall{
			sig:      want,
			te:       350 * time.Microsecond,
			preamble: 23,
			header:   3500 * time.Microsecond,
			guard:    15 * time.Millisecond,
		}, c)
	}

	p, err := hcs.Decode(g.tx.calls[0].sig, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(8), p.Counter)
	assert.Equal(t, uint16(0x2AA), p.Serial3)

	assert.Equal(t, uint16(8), g.device(t, g.app.mitm, 0xABCDE).Counter)
	assert.Equal(t, uint16(101), g.device(t, g.app.devices, testSerial).Counter)

	// the receiver is restarted after the retransmission
	assert.Equal(t, 1, g.rx.stops)
	assert.Equal(t, 1, g.rx.starts)
	assert.False(t, g.app.key.processed)
	assert.Equal(t, 3.0, testutil.ToFloat64(g.app.metrics.transmissionsTotal.WithLabelValues(statusSuccess)))
}

func TestMITMWithoutProfile(t *testing.T) {
	g := newTestGate(t, config.MITM)
	g.store(t, g.app.devices, hcs300Device(100))

	g.press(rolling(hcs.HCS300, deviceKey, 1, 101))
	assert.Empty(t, g.tx.calls)
	assert.Equal(t, uint16(101), g.device(t, g.app.devices, testSerial).Counter)
}

func TestGrabberFixedCode(t *testing.T) {
	g := newTestGate(t, config.Grabber)

	g.press(fixed(0x2AA, 2, 5))
	g.release()

	d := g.device(t, g.app.logDevices, testSerial)
	assert.Equal(t, Device{
		Encoder: hcs.Unknown,
		Serial:  testSerial,
		Serial3: 0x2AA,
		Buttons: 2,
		Counter: 5,
		TE:      400,
		Header:  4000,
	}, d)

	logs, err := g.app.listLogs(testSerial)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	g.press(fixed(0x2AA, 2, 6))
	g.release()

	assert.Equal(t, hcs.HCS101, g.device(t, g.app.logDevices, testSerial).Encoder)

	logs, err = g.app.listLogs(eedb.Any)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "HCS101 frames aren't logged once classified")
}

func TestGrabberRollingCode(t *testing.T) {
	g := newTestGate(t, config.Grabber)

	first := rolling(hcs.HCS360, deviceKey, 1, 20)
	second := rolling(hcs.HCS360, deviceKey, 1, 21)

	g.press(first)
	g.release()
	g.press(second)
	g.release()

	assert.Equal(t, hcs.HCS360, g.device(t, g.app.logDevices, testSerial).Encoder)

	logs, err := g.app.listLogs(testSerial)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 67, logs[0].Bits)
	assert.Equal(t, testSerial, logs[1].Serial)

	latest, err := g.app.latestLog(testSerial)
	require.NoError(t, err)
	assert.Equal(t, second, latest)
}

func TestClassify(t *testing.T) {
	d := Device{Serial3: 0x155}

	tests := []struct {
		name string
		p    hcs.Plain
		bits int
		want hcs.Encoder
	}{
		{"fixed", hcs.Plain{Serial3: 0x155, Buttons: 2, ButtonsEnc: 2}, 66, hcs.HCS101},
		{"serial3 differs", hcs.Plain{Serial3: 0x156, Buttons: 2, ButtonsEnc: 2}, 66, hcs.HCS200},
		{"buttons differ", hcs.Plain{Serial3: 0x155, Buttons: 2, ButtonsEnc: 4}, 66, hcs.HCS200},
		{"67 bits", hcs.Plain{Serial3: 0x155, Buttons: 2, ButtonsEnc: 2}, 67, hcs.HCS360},
		{"69 bits", hcs.Plain{}, 69, hcs.HCS362},
		{"invalid", hcs.Plain{}, 68, hcs.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(d, tt.p, tt.bits))
		})
	}
}

func TestServiceStopsOnShutdown(t *testing.T) {
	g := newTestGate(t, config.Receiver)

	g.app.wg.Add(1)
	go g.app.service()

	close(g.app.shutdown)

	done := make(chan struct{})
	go func() {
		g.app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("service didn't stop")
	}
}
