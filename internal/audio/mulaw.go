// Package audio converts between the 8 kHz mu-law frames carried by the
// telephony leg and the 16-bit linear PCM expected by the voice agent.
package audio

import "encoding/binary"

const (
	mulawBias    = 33
	maxMagnitude = 16350
)

// DecodeMulaw expands 8-bit mu-law samples into little-endian PCM16.
// The output is always twice the length of the input.
func DecodeMulaw(frame []byte) []byte {
	out := make([]byte, len(frame)*2)
	for i, b := range frame {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(DecodeSample(b)))
	}
	return out
}

// DecodeSample expands a single mu-law byte.
func DecodeSample(b byte) int16 {
	u := ^b
	sign := u & 0x80
	segment := uint((u & 0x70) >> 4)
	quant := int32(u & 0x0f)

	sample := (quant << (segment + 3)) + (int32(1) << (segment + 3)) - 1 - mulawBias
	if sign != 0 {
		sample = -sample
	}
	return clamp16(sample)
}

// EncodeMulaw compresses little-endian PCM16 into mu-law using the same
// segment curve as DecodeSample. A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = EncodeSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// EncodeSample picks the segment and quantization step whose decoded value
// is closest to s.
func EncodeSample(s int16) byte {
	var sign byte
	mag := int32(s)
	if mag < 0 {
		sign = 0x80
		mag = -mag
	}
	if mag > maxMagnitude {
		mag = maxMagnitude
	}

	// decoded magnitude is ((q+1) << (seg+3)) - bias - 1
	v := mag + mulawBias + 1
	var segment uint
	for segment < 7 && v > int32(16)<<(segment+3) {
		segment++
	}
	step := int32(1) << (segment + 3)
	q := (v + step/2) / step
	if q > 16 {
		q = 16
	}
	if q < 1 {
		q = 1
	}
	return ^(sign | byte(segment<<4) | byte(q-1))
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
