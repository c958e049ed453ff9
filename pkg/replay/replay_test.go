package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextWithinWindow(t *testing.T) {
	tests := []struct {
		next, baseline, window uint16
		want                   bool
	}{
		{5, 3, 16, true},
		{3, 3, 16, false},
		{2, 0xFFFE, 16, true},
		{0xFFFF, 0xFFFE, 0, false},
		{0xFFFE, 0xFFFE, 0, false},
		{19, 3, 16, true},
		{20, 3, 16, false},
		{2, 3, 16, false},
		{0xFFFF, 0xFFFE, 16, true},
		{0, 0xFFFE, 16, true},
		{14, 0xFFFE, 16, true},
		{15, 0xFFFE, 16, false},
		{0xFFFD, 0xFFFE, 16, false},
		{0, 0xFFFF, 1, true},
		{1, 0xFFFF, 1, false},
		{0x8000, 1, Resync, true},
		{0x8001, 1, Resync, false},
		{0, 0, 0xFFFF, false},
		{0xFFFF, 0, 0xFFFF, true},
	}

	for _, tt := range tests {
		assert.Equalf(t, tt.want, NextWithinWindow(tt.next, tt.baseline, tt.window),
			"NextWithinWindow(%#x, %#x, %d)", tt.next, tt.baseline, tt.window)
	}
}

// the split window must agree with the modular distance next-baseline
func TestNextWithinWindowModular(t *testing.T) {
	for _, baseline := range []uint16{0, 1, 100, 0x7FFF, 0xFFF0, 0xFFFF} {
		for _, window := range []uint16{0, 1, 5, 16, 32767, 0xFFFF} {
			for next := 0; next <= 0xFFFF; next += 7 {
				d := uint16(next) - baseline
				want := d != 0 && d <= window
				if got := NextWithinWindow(uint16(next), baseline, window); got != want {
					t.Fatalf("NextWithinWindow(%#x, %#x, %d) = %v", next, baseline, window, got)
				}
			}
		}
	}
}
