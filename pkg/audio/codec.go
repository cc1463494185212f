package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// pcmScale maps normalised float samples onto the int16 range.
const pcmScale = 32768

// EncodePCM16 converts normalised samples to signed 16-bit little-endian PCM.
// Each sample is scaled by 32768, clamped to the int16 range and truncated
// toward zero. NaN samples encode as silence.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts signed 16-bit little-endian PCM to normalised samples
// in [-1.0, 1.0). An odd byte count returns [ErrMalformed].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformed, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out, nil
}

// Encode converts normalised samples into the wire representation: PCM16
// wrapped in standard base64 text. Empty input yields an empty buffer.
func Encode(samples []float32) []byte {
	if len(samples) == 0 {
		return []byte{}
	}
	pcm := EncodePCM16(samples)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(pcm)))
	base64.StdEncoding.Encode(out, pcm)
	return out
}

// Decode is the inverse of [Encode]. Invalid base64 or an odd PCM byte count
// returns an error wrapping [ErrMalformed].
func Decode(wire []byte) ([]float32, error) {
	if len(wire) == 0 {
		return []float32{}, nil
	}
	pcm := make([]byte, base64.StdEncoding.DecodedLen(len(wire)))
	n, err := base64.StdEncoding.Decode(pcm, wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodePCM16(pcm[:n])
}

// PCMMIMEType returns the wire MIME type for raw PCM16 at rate Hz.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". ok is false when the type is not audio/pcm or the
// rate parameter is missing or invalid.
func ParsePCMRate(mimeType string) (rate int, ok bool) {
	parts := strings.Split(mimeType, ";")
	if strings.TrimSpace(strings.ToLower(parts[0])) != "audio/pcm" {
		return 0, false
	}
	for _, p := range parts[1:] {
		k, v, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || strings.ToLower(k) != "rate" {
			continue
		}
		r, err := strconv.Atoi(v)
		if err != nil || r <= 0 {
			return 0, false
		}
		return r, true
	}
	return 0, false
}

func floatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	v := float64(s) * pcmScale
	if v >= math.MaxInt16 {
		return math.MaxInt16
	}
	if v <= math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
