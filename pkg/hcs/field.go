package hcs

// BufLen is the size of the signal buffer, enough for 72 bits.
const BufLen = 9

// field is a bit range of the signal buffer. Bits are numbered in
// transmission order: bit n is bit n%8 of byte n/8.
type field struct {
	offset int
	width  int
}

// transmission layout, see HCS datasheets
var (
	// encrypted (hopping) portion
	fieldHop = field{offset: 0, width: 32}
	// hopping portion of the fixed code HCS101
	fieldSerial3    = field{offset: 0, width: 10}
	fieldButtonsEnc = field{offset: 12, width: 4}
	fieldCounter101 = field{offset: 16, width: 16}
	// fixed portion
	fieldSerial  = field{offset: 32, width: 28}
	fieldButtons = field{offset: 60, width: 4}
	// status bits
	fieldVLow   = field{offset: 64, width: 1}
	fieldRepeat = field{offset: 65, width: 1}
	fieldCRC    = field{offset: 65, width: 2}
	fieldQue    = field{offset: 67, width: 2}
)

// get reads the field, the first transmitted bit is the LSB.
func (f field) get(buf *[BufLen]byte) uint32 {
	var v uint32
	for i := 0; i < f.width; i++ {
		n := f.offset + i
		if buf[n/8]&(1<<(n%8)) != 0 {
			v |= 1 << i
		}
	}
	return v
}

// set writes the low width bits of v into the field.
func (f field) set(buf *[BufLen]byte, v uint32) {
	for i := 0; i < f.width; i++ {
		n := f.offset + i
		if v&(1<<i) != 0 {
			buf[n/8] |= 1 << (n % 8)
		} else {
			buf[n/8] &^= 1 << (n % 8)
		}
	}
}

// bit returns bit n of buf in transmission order.
func bit(buf *[BufLen]byte, n int) bool {
	return buf[n/8]&(1<<(n%8)) != 0
}
