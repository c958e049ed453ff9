package hcs

import "encoding/binary"

// ProgLen is the length of the programming stream (192 bits).
const ProgLen = 24

// config word bits
const (
	// HCS200
	HCS200ConfigVLow = 1 << 12 // 0=6V, 1=12V
	HCS200ConfigBSL0 = 1 << 13 // 0=400us, 1=200us

	// HCS300, HCS301, HCS320
	HCS300ConfigOVR0 = 1 << 10
	HCS300ConfigOVR1 = 1 << 11
	HCS300ConfigVLow = 1 << 12
	HCS300ConfigBSL0 = 1 << 13
	HCS300ConfigBSL1 = 1 << 14
)

// ProgProfile holds the personalization of an encoder chip.
type ProgProfile struct {
	Encoder    Encoder
	Key        uint64
	Sync       uint16 // initial counter
	Serial     uint32
	Seed       uint32
	Seed2      uint16 // HCS360/361 only
	Config     uint16
	DiscHCS201 uint16 // HCS201 only
}

// BuildProgStream serializes the profile into the EEPROM image clocked into
// the chip, little endian words, LSB first:
//
//	HCS360/361: key(8) sync(2) seed2(2) reserved(2) seed(4) serial(4) config(2)
//	others:     key(8) sync(2) reserved(2) serial(4) seed(4) disc|reserved(2) config(2)
//
// Only HCS201 carries a discrimination word, all others leave it zero.
func BuildProgStream(p ProgProfile) [ProgLen]byte {
	var s [ProgLen]byte
	le := binary.LittleEndian

	le.PutUint64(s[0:8], p.Key)
	le.PutUint16(s[8:10], p.Sync)

	switch p.Encoder {
	case HCS360, HCS361:
		le.PutUint16(s[10:12], p.Seed2)
		// s[12:14] reserved
		le.PutUint32(s[14:18], p.Seed)
		le.PutUint32(s[18:22], p.Serial)
	default:
		// s[10:12] reserved
		le.PutUint32(s[12:16], p.Serial)
		le.PutUint32(s[16:20], p.Seed)
		if p.Encoder == HCS201 {
			le.PutUint16(s[20:22], p.DiscHCS201)
		}
	}

	le.PutUint16(s[22:24], p.Config)
	return s
}

// Disc returns the discrimination value the programmed encoder puts into its
// hopping code.
func (p ProgProfile) Disc() uint16 {
	switch p.Encoder {
	case HCS201:
		return p.DiscHCS201 & 0x0FFF
	case HCS360, HCS361:
		return uint16(p.Serial) & 0x0FFF
	default:
		// DISC0..9 and the overflow bits of the config word
		return p.Config & 0x0FFF
	}
}
