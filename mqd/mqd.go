// Package mqd defines the memory queue descriptors the driver core keeps
// for compute and SDMA user queues, together with the codecs that
// translate a descriptor to and from the register window of one hardware
// generation.
package mqd

import "math/bits"

// Generation identifies the register layout a device implements.
type Generation uint32

const (
	// GFXv9 uses the 56-word compute HQD window.
	GFXv9 Generation = 9
	// GFXv10 extends the compute window with the per-SE CU mask
	// registers.
	GFXv10 Generation = 10
)

func (g Generation) String() string {
	switch g {
	case GFXv9:
		return "gfx9"
	case GFXv10:
		return "gfx10"
	default:
		return "unknown"
	}
}

// Valid reports whether a codec exists for the generation.
func (g Generation) Valid() bool {
	return g == GFXv9 || g == GFXv10
}

// Ring sizes are stored in control registers as log2(bytes)-1.
func encodeRingSize(bytes uint32) uint32 {
	if bytes < 2 {
		return 0
	}
	return uint32(bits.Len32(bytes)) - 2
}

func decodeRingSize(field uint32) uint32 {
	return 2 << field
}

func lo32(v uint64) uint32 { return uint32(v) }
func hi32(v uint64) uint32 { return uint32(v >> 32) }

func setLo32(dst *uint64, v uint32) {
	*dst = *dst&^0xFFFFFFFF | uint64(v)
}

func setHi32(dst *uint64, v uint32) {
	*dst = *dst&0xFFFFFFFF | uint64(v)<<32
}

// Ring and EOP base addresses are 256-byte aligned and stored shifted
// right by eight, with the upper word carrying bits 40 and up.
func loBase(v uint64) uint32 { return uint32(v >> 8) }
func hiBase(v uint64) uint32 { return uint32(v >> 40) }

func setLoBase(dst *uint64, v uint32) {
	*dst = *dst&^(uint64(0xFFFFFFFF)<<8) | uint64(v)<<8
}

func setHiBase(dst *uint64, v uint32) {
	*dst = *dst&(1<<40-1) | uint64(v)<<40
}
