// Package hcs is the payload codec of the HCS encoder family (HCS101, HCS200,
// HCS201, HCS300, HCS301, HCS320, HCS360, HCS361 and HCS362).
//
// A transmission is 66, 67 or 69 bits long and is held LSB first in a 9 byte
// buffer:
//
//	bits  0..31  hopping code (KeeLoq encrypted, plain for HCS101)
//	bits 32..59  serial number
//	bits 60..63  buttons
//	bit  64      Vlow
//	bit  65      repeat (66 bit) or CRC0 (67/69 bit)
//	bit  66      CRC1 (67/69 bit)
//	bits 67..68  queue/override (69 bit)
package hcs

import (
	"errors"

	"hcsgate/pkg/keeloq"
)

var (
	ErrChecksum = errors.New("checksum mismatch")
	ErrBitCount = errors.New("unsupported bit count")
)

// RawSignal is a received or encoded transmission.
type RawSignal struct {
	Buf  [BufLen]byte
	Bits int
}

// Plain is the decoded content of a transmission.
type Plain struct {
	// fixed portion
	Que     uint8
	CRC     uint8
	Repeat  bool
	VLow    bool
	Buttons uint8  // S2 S1 S0 S3
	Serial  uint32 // 28 bits
	Serial3 uint16 // 10 bits, HCS101 only

	// hopping portion
	ButtonsEnc uint8  // decoding only, encoding uses Buttons
	Disc       uint16 // 12 bits
	Counter    uint16
}

// ValidBits reports whether n is a transmission length of the family.
func ValidBits(n int) bool {
	return n == 66 || n == 67 || n == 69
}

// Decode decodes the transmission. A non-zero key decrypts the hopping code,
// a zero key reads it as the plain HCS101 layout.
// The encrypted buttons should be compared to the plain ones by the caller.
//
// The CRC of 67 and 69 bit frames is checked over the frame with both CRC
// bits cleared. Receivers that include the received bit 65 in the CRC run can
// judge the same frame differently.
func Decode(sig RawSignal, key uint64) (Plain, error) {
	var p Plain

	if !ValidBits(sig.Bits) {
		return p, ErrBitCount
	}

	buf := &sig.Buf

	p.Buttons = uint8(fieldButtons.get(buf))
	p.Serial = fieldSerial.get(buf)

	if key != 0 {
		hop := keeloq.Decrypt(fieldHop.get(buf), key)

		p.ButtonsEnc = uint8(hop>>28) & 0x0F
		p.Disc = uint16(hop>>16) & 0x0FFF
		p.Counter = uint16(hop)
	} else {
		p.Counter = uint16(fieldCounter101.get(buf))
		p.ButtonsEnc = uint8(fieldButtonsEnc.get(buf))
		p.Serial3 = uint16(fieldSerial3.get(buf))
	}

	p.VLow = fieldVLow.get(buf) != 0

	if sig.Bits == 66 {
		p.Repeat = fieldRepeat.get(buf) != 0
	}

	if sig.Bits >= 67 {
		p.CRC = uint8(fieldCRC.get(buf))
		if p.CRC != checksum(*buf) {
			return p, ErrChecksum
		}
	}

	if sig.Bits == 69 {
		p.Que = uint8(fieldQue.get(buf))
	}

	return p, nil
}

// Encode builds the transmission of encoder enc. A zero key writes the
// plain HCS101 hopping portion.
func Encode(enc Encoder, p Plain, key uint64) RawSignal {
	sig := RawSignal{Bits: enc.Bits()}
	buf := &sig.Buf

	if key != 0 {
		hop := uint32(p.Counter)

		if enc == HCS360 || enc == HCS361 {
			hop |= p.Serial << 16
		} else {
			hop |= uint32(p.Disc) << 16
		}

		hop &= 0x0FFFFFFF
		hop |= uint32(p.Buttons&0x0F) << 28

		fieldHop.set(buf, keeloq.Encrypt(hop, key))
	} else {
		fieldSerial3.set(buf, uint32(p.Serial3))
		fieldButtonsEnc.set(buf, uint32(p.Buttons))
		fieldCounter101.set(buf, uint32(p.Counter))
	}

	fieldSerial.set(buf, p.Serial)
	fieldButtons.set(buf, uint32(p.Buttons))

	if p.VLow {
		fieldVLow.set(buf, 1)
	}

	switch {
	case enc.HasCRC():
		fieldCRC.set(buf, uint32(checksum(*buf)))
	case enc == HCS101:
		// always 1 for HCS101
		fieldRepeat.set(buf, 1)
	case p.Repeat:
		fieldRepeat.set(buf, 1)
	}

	if enc == HCS362 {
		fieldQue.set(buf, uint32(p.Que))
	}

	return sig
}

// CalcCRC runs the 2-bit checksum over bits 0..65 of buf:
//
//	crc1' = crc0 ^ bit
//	crc0' = crc1' ^ crc1
func CalcCRC(buf [BufLen]byte) uint8 {
	var crc1, crc0 uint8

	for n := 0; n < 66; n++ {
		var b uint8
		if bit(&buf, n) {
			b = 1
		}

		tmp := crc1
		crc1 = crc0 ^ b
		crc0 = crc1 ^ tmp
	}

	return crc1<<1 | crc0
}

// checksum is the CRC of a transmission with its own CRC bits cleared,
// so that encoding and decoding agree on bit 65.
func checksum(buf [BufLen]byte) uint8 {
	fieldCRC.set(&buf, 0)
	return CalcCRC(buf)
}
