package core

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

const (
	recordFlagTombstone byte = 0x00
	recordFlagLive      byte = 0x01
)

// recordReservedValue is stored in the record's reserved field; spec
// fixes it at -1.
const recordReservedValue uint32 = 0xFFFFFFFF

// parseIDHex decodes a 32-char lowercase hex ID into its 16 raw bytes.
func parseIDHex(idHex string) ([16]byte, error) {
	var out [16]byte
	if len(idHex) != 32 {
		return out, fmt.Errorf("%w: id %q is not 32 hex chars", ErrInvalidPattern, idHex)
	}
	raw, err := hex.DecodeString(idHex)
	if err != nil {
		return out, fmt.Errorf("%w: id %q is not valid hex: %v", ErrInvalidPattern, idHex, err)
	}
	copy(out[:], raw)
	return out, nil
}

// encodeRecord renders a single live record: flag, id, length, reserved,
// amplitude, phase, padded to an 8-byte boundary.
func encodeRecord(id [16]byte, p WavePattern) []byte {
	l := p.Len()
	size := recordSize(l)
	buf := make([]byte, size)

	buf[0] = recordFlagLive
	copy(buf[1:17], id[:])
	binary.LittleEndian.PutUint32(buf[17:21], uint32(l))
	binary.LittleEndian.PutUint32(buf[21:25], recordReservedValue)

	sb := buf[recordHeaderSize:]
	for i, a := range p.Amplitude {
		binary.LittleEndian.PutUint64(sb[i*8:], math.Float64bits(a))
	}
	sb = sb[8*l:]
	for i, ph := range p.Phase {
		binary.LittleEndian.PutUint64(sb[i*8:], math.Float64bits(ph))
	}
	// remaining bytes (the alignment pad) stay zeroed.

	return buf
}

// decodedRecord is a fully parsed record at a known offset.
type decodedRecord struct {
	ID      [16]byte
	Pattern WavePattern
	Offset  uint64
	Live    bool
}

// decodeRecordAt parses a record out of data starting at off. It
// validates the declared length against the buffer bounds before
// trusting it.
func decodeRecordAt(data []byte, off uint64) (decodedRecord, int, error) {
	if off+recordHeaderSize > uint64(len(data)) {
		return decodedRecord{}, 0, fmt.Errorf("%w: record header truncated at offset %d", ErrIoFailure, off)
	}
	hdr := data[off : off+recordHeaderSize]
	flag := hdr[0]
	var id [16]byte
	copy(id[:], hdr[1:17])
	length := int(binary.LittleEndian.Uint32(hdr[17:21]))

	if length < MinPatternLength || length > MaxPatternLength {
		return decodedRecord{}, 0, fmt.Errorf("%w: record length %d out of bounds at offset %d", ErrInvalidPattern, length, off)
	}

	total := recordSize(length)
	if off+uint64(total) > uint64(len(data)) {
		return decodedRecord{}, 0, fmt.Errorf("%w: record body truncated at offset %d", ErrIoFailure, off)
	}

	rec := decodedRecord{ID: id, Offset: off, Live: flag == recordFlagLive}

	if rec.Live {
		body := data[off+recordHeaderSize : off+uint64(total)]
		amp := make([]float64, length)
		phase := make([]float64, length)
		for i := range amp {
			amp[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:]))
		}
		body = body[8*length:]
		for i := range phase {
			phase[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:]))
		}
		rec.Pattern = WavePattern{Amplitude: amp, Phase: phase}
	}

	return rec, total, nil
}
