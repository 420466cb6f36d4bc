package core

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// MinPatternLength and MaxPatternLength bound the number of samples in a
// WavePattern, per spec.
const (
	MinPatternLength = 1
	MaxPatternLength = 65536
)

// waveMagic prefixes the self-describing blob produced by EncodeWaveBlob.
const waveMagic uint32 = 0x57565750

// WavePattern is an immutable complex-valued waveform: equal-length
// amplitude and phase sequences. Two WavePatterns with the same content
// hash to the same ID regardless of when or where they are constructed.
type WavePattern struct {
	Amplitude []float64
	Phase     []float64
}

// NewWavePattern validates amplitude/phase and returns a WavePattern.
func NewWavePattern(amplitude, phase []float64) (WavePattern, error) {
	w := WavePattern{Amplitude: amplitude, Phase: phase}
	if err := w.Validate(); err != nil {
		return WavePattern{}, err
	}
	return w, nil
}

// Validate reports whether w has a legal shape: equal-length sequences
// within [MinPatternLength, MaxPatternLength].
func (w WavePattern) Validate() error {
	l := len(w.Amplitude)
	if l != len(w.Phase) {
		return fmt.Errorf("%w: amplitude/phase length mismatch (%d != %d)", ErrInvalidPattern, l, len(w.Phase))
	}
	if l < MinPatternLength || l > MaxPatternLength {
		return fmt.Errorf("%w: length %d out of [%d, %d]", ErrInvalidPattern, l, MinPatternLength, MaxPatternLength)
	}
	return nil
}

// Len returns the sample count L.
func (w WavePattern) Len() int { return len(w.Amplitude) }

// MeanPhase is the pattern's routing coordinate: mean(phase[]).
func (w WavePattern) MeanPhase() float64 {
	if len(w.Phase) == 0 {
		return 0
	}
	var sum float64
	for _, p := range w.Phase {
		sum += p
	}
	return sum / float64(len(w.Phase))
}

// ContentHash returns the 16-byte MD5 digest over amplitude then phase,
// little-endian f64 throughout. The source implementation this spec was
// distilled from uses MD5 for content IDs; we keep that choice so IDs
// stay stable across a deployment rather than picking a "better" hash
// that would silently change every existing ID.
func (w WavePattern) ContentHash() [16]byte {
	h := md5.New()
	var buf [8]byte
	for _, a := range w.Amplitude {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(a))
		h.Write(buf[:])
	}
	for _, p := range w.Phase {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(p))
		h.Write(buf[:])
	}
	var out [16]byte
	h.Sum(out[:0])
	return out
}

// ID renders ContentHash as 32 lowercase hex characters.
func (w WavePattern) ID() string {
	sum := w.ContentHash()
	return hex.EncodeToString(sum[:])
}

// WaveSize returns the encoded byte size for a pattern of length l.
// withMagic adds the 4-byte self-describing prefix.
func WaveSize(l int, withMagic bool) int {
	size := 4 + 16*l
	if withMagic {
		size += 4
	}
	return size
}

// EncodeWave writes length(u32 LE), L amplitude f64 LE, L phase f64 LE.
func EncodeWave(w WavePattern) []byte {
	buf := make([]byte, WaveSize(w.Len(), false))
	encodeWaveInto(buf, w)
	return buf
}

// EncodeWaveBlob is the self-describing variant used by the standalone
// serialize/deserialize utility: a 4-byte magic precedes the payload.
func EncodeWaveBlob(w WavePattern) []byte {
	buf := make([]byte, WaveSize(w.Len(), true))
	binary.LittleEndian.PutUint32(buf, waveMagic)
	encodeWaveInto(buf[4:], w)
	return buf
}

func encodeWaveInto(buf []byte, w WavePattern) {
	l := w.Len()
	binary.LittleEndian.PutUint32(buf, uint32(l))
	sb := buf[4:]
	for i, a := range w.Amplitude {
		binary.LittleEndian.PutUint64(sb[i*8:], math.Float64bits(a))
	}
	sb = sb[8*l:]
	for i, p := range w.Phase {
		binary.LittleEndian.PutUint64(sb[i*8:], math.Float64bits(p))
	}
}

// DecodeWave is the inverse of EncodeWave.
func DecodeWave(b []byte) (WavePattern, error) {
	return decodeWave(b, false)
}

// DecodeWaveBlob is the inverse of EncodeWaveBlob; it validates the magic
// prefix before decoding the payload.
func DecodeWaveBlob(b []byte) (WavePattern, error) {
	if len(b) < 4 {
		return WavePattern{}, fmt.Errorf("%w: truncated blob header", ErrInvalidPattern)
	}
	if got := binary.LittleEndian.Uint32(b); got != waveMagic {
		return WavePattern{}, fmt.Errorf("%w: bad magic %#x", ErrInvalidPattern, got)
	}
	return decodeWave(b[4:], false)
}

func decodeWave(b []byte, _ bool) (WavePattern, error) {
	if len(b) < 4 {
		return WavePattern{}, fmt.Errorf("%w: truncated length", ErrInvalidPattern)
	}
	l := int(binary.LittleEndian.Uint32(b))
	if l < MinPatternLength || l > MaxPatternLength {
		return WavePattern{}, fmt.Errorf("%w: length %d out of [%d, %d]", ErrInvalidPattern, l, MinPatternLength, MaxPatternLength)
	}
	need := 4 + 16*l
	if len(b) < need {
		return WavePattern{}, fmt.Errorf("%w: buffer underflow, need %d have %d", ErrInvalidPattern, need, len(b))
	}

	amp := make([]float64, l)
	phase := make([]float64, l)
	sb := b[4:]
	for i := range amp {
		amp[i] = math.Float64frombits(binary.LittleEndian.Uint64(sb[i*8:]))
	}
	sb = sb[8*l:]
	for i := range phase {
		phase[i] = math.Float64frombits(binary.LittleEndian.Uint64(sb[i*8:]))
	}

	return WavePattern{Amplitude: amp, Phase: phase}, nil
}

// ConstPattern builds a length-l WavePattern with constant amplitude and
// phase; handy for tests and for composite-query synthesis helpers.
func ConstPattern(amplitude, phase float64, l int) WavePattern {
	amp := make([]float64, l)
	ph := make([]float64, l)
	for i := range amp {
		amp[i] = amplitude
		ph[i] = phase
	}
	return WavePattern{Amplitude: amp, Phase: ph}
}
