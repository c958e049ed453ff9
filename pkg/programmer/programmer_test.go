package programmer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chip emulates the EEPROM of an encoder behind the programming interface.
type chip struct {
	dataOutput bool
	dataLevel  bool
	clk        bool
	entered    bool

	written []bool
	read    int
	flip    int
	out     bool
}

type dataPin struct{ c *chip }

func (p dataPin) Output()       { p.c.dataOutput = true }
func (p dataPin) Input()        { p.c.dataOutput = false }
func (p dataPin) Set(high bool) { p.c.dataLevel = high }
func (p dataPin) Get() bool     { return p.c.out }

type clkPin struct{ c *chip }

func (p clkPin) Output()   {}
func (p clkPin) Input()    {}
func (p clkPin) Get() bool { return p.c.clk }

func (p clkPin) Set(high bool) {
	c := p.c
	switch {
	case high && !c.clk && c.entered && c.dataOutput:
		c.written = append(c.written, c.dataLevel)
	case high && !c.clk && c.entered && c.read < len(c.written):
		c.out = c.written[c.read]
		if c.read == c.flip {
			c.out = !c.out
		}
		c.read++
	case !high && c.clk && !c.entered:
		// end of the program mode entry
		c.entered = true
	}
	c.clk = high
}

type pin struct {
	output bool
	level  bool
}

func (p *pin) Output()       { p.output = true }
func (p *pin) Input()        { p.output = false }
func (p *pin) Set(high bool) { p.level = high }
func (p *pin) Get() bool     { return p.level }

func newTestProgrammer(c *chip) (*Programmer, *[]time.Duration, *pin, *pin) {
	var slept []time.Duration
	s0s1, s3 := &pin{}, &pin{}

	p := New(Pins{Data: dataPin{c}, Clk: clkPin{c}, S0S1: s0s1, S3: s3},
		WithSleep(func(d time.Duration) { slept = append(slept, d) }))
	return p, &slept, s0s1, s3
}

func stream() []byte {
	s := make([]byte, 24)
	for i := range s {
		s[i] = byte(i*37 + 11)
	}
	return s
}

func bits(s []byte, n int) []bool {
	b := make([]bool, n)
	for i := range b {
		b[i] = s[i/8]&(1<<(i%8)) != 0
	}
	return b
}

func count(d []time.Duration, v time.Duration) int {
	n := 0
	for _, x := range d {
		if x == v {
			n++
		}
	}
	return n
}

func TestProgramVerify(t *testing.T) {
	c := &chip{flip: -1}
	p, slept, s0s1, s3 := newTestProgrammer(c)

	s := stream()
	require.NoError(t, p.Program(context.Background(), s, 192, true))

	assert.Equal(t, bits(s, 192), c.written)
	assert.Equal(t, 192, c.read)
	assert.Equal(t, 12, count(*slept, tWC))
	assert.Equal(t, tSetup, (*slept)[0])

	// all lines are released
	assert.False(t, c.dataOutput)
	assert.False(t, c.clk)
	assert.False(t, s0s1.output)
	assert.False(t, s3.output)
}

func TestProgramPartialWord(t *testing.T) {
	c := &chip{flip: -1}
	p, slept, _, _ := newTestProgrammer(c)

	s := stream()
	require.NoError(t, p.Program(context.Background(), s, 66, true))

	assert.Equal(t, bits(s, 66), c.written)
	// 4 complete words and the extra cycle before the read back
	assert.Equal(t, 5, count(*slept, tWC))
}

func TestProgramVerifyFails(t *testing.T) {
	c := &chip{flip: 37}
	p, _, _, _ := newTestProgrammer(c)

	err := p.Program(context.Background(), stream(), 192, true)
	assert.ErrorIs(t, err, ErrVerify)
	assert.Equal(t, 38, c.read)
	assert.False(t, c.dataOutput)
}

func TestProgramWithoutVerify(t *testing.T) {
	c := &chip{flip: 0}
	p, _, _, _ := newTestProgrammer(c)

	require.NoError(t, p.Program(context.Background(), stream(), 192, false))
	assert.Len(t, c.written, 192)
	assert.Zero(t, c.read)
}

func TestProgramCanceled(t *testing.T) {
	c := &chip{flip: -1}
	p, _, _, _ := newTestProgrammer(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Program(ctx, stream(), 192, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.written)
	assert.False(t, c.dataOutput)
}

func TestProgramStreamTooShort(t *testing.T) {
	p, _, _, _ := newTestProgrammer(&chip{flip: -1})
	assert.Error(t, p.Program(context.Background(), make([]byte, 2), 17, false))
}
