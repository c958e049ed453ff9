// Package receiver assembles HCS transmissions from the edges of a single
// demodulated RF input.
//
// A transmission is a preamble, a header (line low for about 10 TE) and 66, 67
// or 69 PWM coded bits. A bit starts with a rising edge, a high time of 1 TE
// codes a 1 and a high time of 2 TE codes a 0. The end of a frame is detected by
// the measurement window expiring without a further edge.
package receiver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/womat/debug"
	"hcsgate/pkg/hcs"
	"hcsgate/pkg/port"
)

const (
	// TEMin is the shortest timing element accepted.
	TEMin = 190 * time.Microsecond
	// TEMax is the longest timing element accepted. Cheap receivers stretch pulses up to 50%.
	TEMax = 620 * time.Microsecond
	// HeaderMin and HeaderMax bound the accepted header length.
	HeaderMin = 10 * TEMin
	HeaderMax = 10 * TEMax
	// GuardCount is the number of header windows without a frame before the
	// channel is declared idle.
	GuardCount = 20
	// MaxBits is the capacity of the assembly buffer.
	MaxBits = hcs.BufLen * 8

	// idleWindow is the measurement window until the first header arrives.
	idleWindow = 32767 * time.Microsecond
)

// State is the state of the receiver state machine.
type State int32

const (
	Stopped State = iota
	Syncing
	HeaderCheck
	Receiving
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Syncing:
		return "syncing"
	case HeaderCheck:
		return "headercheck"
	case Receiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Activity tells whether a remote is currently transmitting.
type Activity int32

const (
	Idle Activity = iota
	Busy
)

func (a Activity) String() string {
	if a == Busy {
		return "busy"
	}
	return "idle"
}

// Timer measures the time between edges.
type Timer interface {
	// Start starts the measurement. expired is called every time the armed
	// window passes without a Reset.
	Start(expired func())
	// Stop stops the measurement, expired is not called anymore.
	Stop()
	// Reset restarts the measurement and the window.
	Reset()
	// Elapsed returns the time since the last Reset.
	Elapsed() time.Duration
	// Arm sets the window, effective from the next Reset or expiry.
	Arm(window time.Duration)
}

// Stamper is implemented by timers that measure with the timestamps of the
// line events instead of the time of processing.
type Stamper interface {
	Stamp(ts time.Duration)
}

// Receiver is the receiver state machine.
type Receiver struct {
	timer Timer

	// mu serializes the edge and the timeout handler. A timeout arriving
	// during an edge waits for it instead of running in parallel.
	mu    sync.Mutex
	state State

	// edgeBusy and timeoutBusy reject a handler invoked while it is running.
	edgeBusy    atomic.Bool
	timeoutBusy atomic.Bool

	// assembly buffer
	buf   [hcs.BufLen]byte
	bits  int
	teMin time.Duration
	teMax time.Duration
	guard int

	headerLength  atomic.Int64
	timingElement atomic.Int64
	activity      atomic.Int32

	// ready is owned by the receiver while full is false and by the consumer
	// while it is true.
	ready hcs.RawSignal
	full  atomic.Bool

	quit chan struct{}
	done chan struct{}
}

// New returns a stopped receiver measuring with timer.
func New(timer Timer) *Receiver {
	return &Receiver{timer: timer}
}

// Start empties the ready slot and starts waiting for a header.
func (r *Receiver) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.full.Store(false)
	r.activity.Store(int32(Idle))
	r.guard = 0
	r.state = Syncing

	r.timer.Arm(idleWindow)
	r.timer.Start(r.Timeout)
	debug.DebugLog.Println("receiver started")
}

// Stop stops the receiver. Edges and timeouts are ignored until Start.
func (r *Receiver) Stop() {
	r.timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = Stopped
	r.activity.Store(int32(Idle))
	debug.DebugLog.Println("receiver stopped")
}

// State returns the current state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Edge handles a change of the input to level.
func (r *Receiver) Edge(level port.Level) {
	if !r.edgeBusy.CompareAndSwap(false, true) {
		return
	}
	defer r.edgeBusy.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Stopped {
		return
	}

	w := r.timer.Elapsed()
	// a window armed below covers the pulse starting with this edge
	defer r.timer.Reset()

	switch r.state {
	case Syncing:
		// end of the preamble, the header starts
		if level == port.Low {
			r.timer.Arm(HeaderMax)
			r.bits = 0
			r.state = HeaderCheck
		}

	case HeaderCheck:
		if w < HeaderMin || w > HeaderMax {
			r.state = Syncing
			return
		}

		r.buf = [hcs.BufLen]byte{}
		r.headerLength.Store(int64(w))

		// the header spans 7 to 14 TE in practice, TH/10 is not reliable
		r.teMin = w / 14
		r.teMax = 2 * r.teMin

		r.timer.Arm(4 * r.teMax)
		r.state = Receiving

	case Receiving:
		// a rising edge starts the next bit
		if level != port.Low {
			return
		}

		if r.bits > MaxBits-1 {
			debug.TraceLog.Printf("frame exceeds %d bits", MaxBits)
			r.state = Syncing
			return
		}

		switch {
		case w >= r.teMin && w <= r.teMax:
			r.timingElement.Store(int64(w))
			r.buf[r.bits/8] |= 1 << (r.bits % 8)
		case w >= 2*r.teMin && w <= 2*r.teMax:
			// zeros are already in the buffer
		default:
			debug.TraceLog.Printf("invalid pulse %v at bit %d (te %v..%v)", w, r.bits, r.teMin, r.teMax)
			r.state = Syncing
			return
		}

		r.bits++
	}
}

// Timeout handles the expiry of the measurement window.
func (r *Receiver) Timeout() {
	if !r.timeoutBusy.CompareAndSwap(false, true) {
		return
	}
	defer r.timeoutBusy.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case HeaderCheck:
		r.state = Syncing

	case Receiving:
		// probable end of frame
		if hcs.ValidBits(r.bits) {
			if !r.full.Load() {
				r.ready = hcs.RawSignal{Buf: r.buf, Bits: r.bits}
				r.full.Store(true)
				debug.TraceLog.Printf("frame of %d bits published", r.bits)
			}

			r.activity.Store(int32(Busy))
			r.guard = GuardCount
			r.timer.Arm(HeaderMax)
		}
		r.state = Syncing

	case Syncing:
		if r.guard > 0 {
			r.guard--
			if r.guard == 0 {
				r.activity.Store(int32(Idle))
			}
		}
	}
}

// Ready returns the published frame. ok is false if none is pending.
func (r *Receiver) Ready() (hcs.RawSignal, bool) {
	if !r.full.Load() {
		return hcs.RawSignal{}, false
	}
	return r.ready, true
}

// Flush releases the published frame so the next one can be published.
func (r *Receiver) Flush() {
	r.full.Store(false)
}

// Activity returns whether a remote is transmitting.
func (r *Receiver) Activity() Activity {
	return Activity(r.activity.Load())
}

// HeaderLength returns the length of the last accepted header.
func (r *Receiver) HeaderLength() time.Duration {
	return time.Duration(r.headerLength.Load())
}

// TimingElement returns the last measured timing element.
func (r *Receiver) TimingElement() time.Duration {
	return time.Duration(r.timingElement.Load())
}

// Listen feeds the line events to the state machine until Close is called or
// events is closed.
func (r *Receiver) Listen(events <-chan port.Event) {
	r.quit = make(chan struct{})
	r.done = make(chan struct{})

	go r.run(events)
}

// Close stops listening and stops the receiver.
func (r *Receiver) Close() error {
	if r.quit != nil {
		close(r.quit)
		<-r.done
		r.quit = nil
	}

	r.Stop()
	return nil
}

// run receives line events and hands them to the handlers.
func (r *Receiver) run(events <-chan port.Event) {
	defer close(r.done)

	for {
		select {
		case <-r.quit:
			return
		case evt, open := <-events:
			if !open {
				return
			}

			r.handle(evt)
		}
	}
}

func (r *Receiver) handle(evt port.Event) {
	if s, ok := r.timer.(Stamper); ok && evt.Type != port.Timeout {
		s.Stamp(evt.Timestamp)
	}

	switch evt.Type {
	case port.RisingEdge, port.FallingEdge:
		r.Edge(evt.Level())
	case port.Timeout:
		r.Timeout()
	}
}
