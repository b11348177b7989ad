package convert

import "encoding/binary"

// BytesPerSample is the wire size of one complex sample: interleaved
// little-endian signed 16-bit I and Q, the AD9361 capture format.
const BytesPerSample = 4

// Scale16 normalizes the AD9361's 12-bit signed codes, delivered in an
// int16 container, to roughly -1..+1 full scale.
const Scale16 = 1.0 / 2048.0

// Int16ToComplex64 converts interleaved little-endian int16 I/Q pairs
// from src into dst and returns the number of samples written. It
// stops at whichever buffer runs out first and has no error paths;
// input is always well-formed after the copy stage.
func Int16ToComplex64(dst []complex64, src []byte) int {
	n := len(src) / BytesPerSample
	if n > len(dst) {
		n = len(dst)
	}
	for k := 0; k < n; k++ {
		off := k * BytesPerSample
		i := int16(binary.LittleEndian.Uint16(src[off : off+2]))
		q := int16(binary.LittleEndian.Uint16(src[off+2 : off+4]))
		dst[k] = complex(float32(i)*Scale16, float32(q)*Scale16)
	}
	return n
}

// ByteLUT maps unsigned 8-bit sample codes to normalized floats, for
// front ends that deliver bytes centered on the rtl-sdr convention of
// 127.4.
type ByteLUT [256]float32

// NewByteLUT precomputes the 8-bit conversion table.
func NewByteLUT() *ByteLUT {
	var lut ByteLUT
	for i := range lut {
		lut[i] = (float32(i) - 127.4) / 128.0
	}
	return &lut
}

// Uint8ToComplex64 converts interleaved unsigned 8-bit I/Q pairs from
// src into dst through the lookup table, returning the sample count.
func (l *ByteLUT) Uint8ToComplex64(dst []complex64, src []byte) int {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for k := 0; k < n; k++ {
		dst[k] = complex(l[src[2*k]], l[src[2*k+1]])
	}
	return n
}
