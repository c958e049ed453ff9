package transmitter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hcsgate/pkg/hcs"
)

const te = 400 * time.Microsecond

// fakePWM records the programmed high times. If auto is set, compare is
// called from a goroutine until Stop, like a running hardware timer.
type fakePWM struct {
	auto bool

	mu      sync.Mutex
	period  time.Duration
	duties  []time.Duration
	compare func()
	starts  int
	stopped atomic.Bool
}

func (p *fakePWM) Start(period time.Duration, compare func()) {
	p.mu.Lock()
	p.period = period
	p.compare = compare
	p.starts++
	p.mu.Unlock()
	p.stopped.Store(false)

	if p.auto {
		go func() {
			for !p.stopped.Load() {
				compare()
			}
		}()
	}
}

func (p *fakePWM) SetDuty(high time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duties = append(p.duties, high)
}

func (p *fakePWM) Stop() { p.stopped.Store(true) }

func (p *fakePWM) recorded() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.duties...)
}

type fakeLine struct {
	mu     sync.Mutex
	levels []bool
	inits  int
	deinit int
}

func (l *fakeLine) Init() error   { l.inits++; return nil }
func (l *fakeLine) Deinit() error { l.deinit++; return nil }
func (l *fakeLine) Set(high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels = append(l.levels, high)
}

// expected returns the high time of every bit of sig.
func expected(sig hcs.RawSignal) []time.Duration {
	var d []time.Duration
	for i := 0; i < sig.Bits; i++ {
		if sig.Buf[i/8]&(1<<(i%8)) != 0 {
			d = append(d, te)
		} else {
			d = append(d, 2*te)
		}
	}
	return d
}

var testSignal = hcs.RawSignal{
	Buf:  [hcs.BufLen]byte{0xA5, 0x5A, 0xFF, 0x00, 0x12, 0x34, 0x56, 0x78, 0x1F},
	Bits: 66,
}

func TestData(t *testing.T) {
	for _, bits := range []int{0, 1, 66, 67, 69, 72} {
		pwm := &fakePWM{}
		tr := New(pwm, &fakeLine{})

		sig := testSignal
		sig.Bits = bits

		done, err := tr.Data(sig.Buf, sig.Bits, te)
		require.NoError(t, err)
		assert.Equal(t, 3*te, pwm.period)
		assert.Equal(t, Busy, tr.State())

		// the hardware keeps calling compare until it is stopped
		for n := 0; !pwm.stopped.Load(); n++ {
			require.Lessf(t, n, bits+1, "%d bits: not stopped", bits)
			pwm.compare()
		}

		assert.Equal(t, Idle, tr.State())
		assert.Equal(t, expected(sig), pwm.recorded(), "%d bits", bits)

		select {
		case <-done:
		default:
			t.Fatal("done not closed")
		}

		// late compares are ignored
		pwm.compare()
		assert.Len(t, pwm.recorded(), bits)
	}
}

func TestDataBusy(t *testing.T) {
	pwm := &fakePWM{}
	tr := New(pwm, &fakeLine{})

	_, err := tr.Data(testSignal.Buf, testSignal.Bits, te)
	require.NoError(t, err)

	_, err = tr.Data(testSignal.Buf, testSignal.Bits, te)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1, pwm.starts)
}

func TestProcessNotReentrant(t *testing.T) {
	pwm := &fakePWM{}
	tr := New(pwm, &fakeLine{})

	_, err := tr.Data(testSignal.Buf, testSignal.Bits, te)
	require.NoError(t, err)

	tr.busy.Store(true)
	pwm.compare()
	assert.Empty(t, pwm.recorded())

	tr.busy.Store(false)
	pwm.compare()
	assert.Len(t, pwm.recorded(), 1)
}

func TestTx(t *testing.T) {
	pwm := &fakePWM{auto: true}
	line := &fakeLine{}

	var slept []time.Duration
	tr := New(pwm, line, WithSleep(func(d time.Duration) { slept = append(slept, d) }))

	err := tr.Tx(context.Background(), testSignal, te, 3, 10*te, 15*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 1, line.inits)
	assert.Equal(t, 1, line.deinit)
	assert.Equal(t, Idle, tr.State())
	assert.Equal(t, expected(testSignal), pwm.recorded())

	// preamble, header and guard
	assert.Equal(t, []time.Duration{te, te, te, te, te, te, 10 * te, 15 * time.Millisecond}, slept)

	// low, 3 preamble periods, low before the data
	assert.Equal(t, []bool{false, true, false, true, false, true, false, false}, line.levels)
}

// stuckPWM never calls compare
type stuckPWM struct{ fakePWM }

func (p *stuckPWM) Start(period time.Duration, compare func()) {}

func TestTxCancel(t *testing.T) {
	line := &fakeLine{}
	tr := New(&stuckPWM{}, line, WithSleep(func(time.Duration) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := tr.Tx(ctx, testSignal, te, 1, 10*te, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Idle, tr.State())
	assert.Equal(t, 1, line.deinit)
}

func TestDataLength(t *testing.T) {
	for _, bits := range []int{0, -1, 73, 100} {
		pwm := &fakePWM{}
		tr := New(pwm, &fakeLine{})

		_, err := tr.Data(testSignal.Buf, bits, te)
		assert.ErrorIs(t, err, ErrLength, "%d bits", bits)
		assert.Zero(t, pwm.starts, "%d bits", bits)
		assert.Equal(t, Idle, tr.State())
	}

	pwm := &fakePWM{}
	tr := New(pwm, &fakeLine{})
	_, err := tr.Data(testSignal.Buf, 72, te)
	assert.NoError(t, err)
}

func TestTxCancelPreamble(t *testing.T) {
	pwm := &fakePWM{auto: true}
	line := &fakeLine{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeps := 0
	tr := New(pwm, line, WithSleep(func(time.Duration) {
		sleeps++
		if sleeps == 2 {
			cancel()
		}
	}))

	err := tr.Tx(ctx, testSignal, te, 10, 10*te, 15*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, sleeps, "the preamble stops after the cancelled period")
	assert.Zero(t, pwm.starts)
	assert.Equal(t, 1, line.deinit)
	assert.Equal(t, Idle, tr.State())
}
