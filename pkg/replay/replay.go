// Package replay checks rolling counters against a stored baseline.
package replay

// Window sizes used by the receiver.
const (
	// Normal is the window accepted for a regular key press.
	Normal uint16 = 16
	// Resync is the double operation window used to resynchronize a remote.
	Resync uint16 = 32767
	// Successive is the window of two consecutive transmissions.
	Successive uint16 = 1
	// Enroll is the window between the two transmissions of an enrollment.
	Enroll uint16 = 5
)

// NextWithinWindow reports whether next lies in (baseline, baseline+window] on
// the circular 16-bit counter. next == baseline is never accepted.
func NextWithinWindow(next, baseline, window uint16) bool {
	if window == 0 {
		return false
	}

	end := baseline + window

	// no overflow of window
	if end > baseline {
		return next > baseline && next <= end
	}

	// upper window (baseline, 0xFFFF] or lower window [0, end]
	return next > baseline || next <= end
}
