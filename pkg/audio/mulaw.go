// Package audio provides the audio primitives shared by the telephony bridge:
// G.711 µ-law codecs, base64 payload helpers, and the bounded frame queue
// used for pre-greeting buffering and outbound synthesis audio.
//
// All telephony media in this system is 8 kHz mono µ-law (PCMU); one 160-byte
// frame covers 20 ms of audio. Deepgram is configured for the same encoding
// on both the listen and speak sides, so the hot path never transcodes; the
// codecs here exist for diagnostics and for callers that need linear PCM.
package audio

import "encoding/base64"

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawSegments maps the top byte of a biased sample magnitude to the µ-law
// exponent segment (G.711 table).
var ulawSegments = func() [256]byte {
	var seg [256]byte
	for i := range seg {
		switch {
		case i < 2:
			seg[i] = 0
		case i < 4:
			seg[i] = 1
		case i < 8:
			seg[i] = 2
		case i < 16:
			seg[i] = 3
		case i < 32:
			seg[i] = 4
		case i < 64:
			seg[i] = 5
		case i < 128:
			seg[i] = 6
		default:
			seg[i] = 7
		}
	}
	return seg
}()

// EncodeSample compresses one 16-bit linear PCM sample to µ-law.
func EncodeSample(pcm int16) byte {
	sample := int(pcm)
	sign := byte(0)
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > ulawClip {
		sample = ulawClip
	}
	sample += ulawBias

	exponent := ulawSegments[(sample>>7)&0xFF]
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// DecodeSample expands one µ-law byte to a 16-bit linear PCM sample.
func DecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	sample := ((int(mantissa) << 3) + ulawBias) << exponent
	sample -= ulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// EncodeMulaw compresses 16-bit little-endian linear PCM to µ-law. A trailing
// odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		sample := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = EncodeSample(sample)
	}
	return out
}

// DecodeMulaw expands µ-law bytes to 16-bit little-endian linear PCM.
func DecodeMulaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		sample := DecodeSample(u)
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

// DecodeBase64 decodes a telephony media payload into raw µ-law bytes.
func DecodeBase64(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}

// EncodeBase64 encodes raw µ-law bytes into a telephony media payload.
func EncodeBase64(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}
