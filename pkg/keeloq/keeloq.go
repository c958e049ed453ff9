// Package keeloq implements the KeeLoq block cipher used by the HCS encoder family.
// http://www.pittnerovi.cz/jiri/hobby/electronics/keeloq/index.html
package keeloq

import "math/bits"

// Rounds is the number of NLFSR rounds of both directions.
const Rounds = 528

// nlf is the non-linear function 0x3A5C742E split into four 8-bit entries.
var nlf = [4]uint8{0x2e, 0x74, 0x5c, 0x3a}

// Encrypt encrypts the 32-bit code with the 64-bit key.
func Encrypt(code uint32, key uint64) uint32 {
	key = bits.RotateLeft64(key, 16)

	for i := 0; i < Rounds; i++ {
		var shift, ind uint8
		if code&0x2 != 0 {
			shift |= 1
		}
		if code&0x200 != 0 {
			shift |= 2
		}
		if code&0x100000 != 0 {
			shift |= 4
		}
		if code&0x4000000 != 0 {
			ind |= 1
		}
		if code&0x80000000 != 0 {
			ind |= 2
		}

		r := uint32(nlf[ind]>>shift) & 1
		if key&0x10000 != 0 {
			r ^= 1
		}
		if code&0x1 != 0 {
			r ^= 1
		}
		if code&0x10000 != 0 {
			r ^= 1
		}

		key = bits.RotateLeft64(key, -1)
		code = code>>1 | r<<31
	}

	return code
}

// Decrypt is the inverse of Encrypt for the same key.
func Decrypt(code uint32, key uint64) uint32 {
	for i := 0; i < Rounds; i++ {
		var shift, ind uint8
		if code&0x1 != 0 {
			shift |= 1
		}
		if code&0x100 != 0 {
			shift |= 2
		}
		if code&0x80000 != 0 {
			shift |= 4
		}
		if code&0x2000000 != 0 {
			ind |= 1
		}
		if code&0x40000000 != 0 {
			ind |= 2
		}

		r := uint32(nlf[ind]>>shift) & 1
		if key&0x8000 != 0 {
			r ^= 1
		}
		if code&0x80000000 != 0 {
			r ^= 1
		}
		if code&0x8000 != 0 {
			r ^= 1
		}

		key = bits.RotateLeft64(key, 1)
		code = code<<1 | r
	}

	return code
}
