package core

import (
	"errors"
	"math"
	"testing"
)

func TestWavePatternIDStable(t *testing.T) {
	a := WavePattern{Amplitude: []float64{1, 2, 3}, Phase: []float64{0, 0.5, 1}}
	b := WavePattern{Amplitude: []float64{1, 2, 3}, Phase: []float64{0, 0.5, 1}}

	if a.ID() != b.ID() {
		t.Fatalf("identical content produced different ids: %q vs %q", a.ID(), b.ID())
	}
	if len(a.ID()) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%q)", len(a.ID()), a.ID())
	}
}

func TestWavePatternIDSensitiveToContent(t *testing.T) {
	a := WavePattern{Amplitude: []float64{1, 2, 3}, Phase: []float64{0, 0.5, 1}}
	b := WavePattern{Amplitude: []float64{1, 2, 4}, Phase: []float64{0, 0.5, 1}}

	if a.ID() == b.ID() {
		t.Fatalf("differing amplitude produced the same id %q", a.ID())
	}
}

func TestWavePatternValidate(t *testing.T) {
	cases := []struct {
		name    string
		w       WavePattern
		wantErr bool
	}{
		{"ok", WavePattern{Amplitude: []float64{1}, Phase: []float64{0}}, false},
		{"length mismatch", WavePattern{Amplitude: []float64{1, 2}, Phase: []float64{0}}, true},
		{"empty", WavePattern{}, true},
		{"too long", ConstPattern(1, 0, MaxPatternLength+1), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.w.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr && !errors.Is(err, ErrInvalidPattern) {
				t.Fatalf("expected ErrInvalidPattern, got %v", err)
			}
		})
	}
}

func TestWavePatternMeanPhase(t *testing.T) {
	w := WavePattern{Amplitude: []float64{1, 1, 1}, Phase: []float64{0, math.Pi, 2 * math.Pi}}
	got := w.MeanPhase()
	want := math.Pi
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("MeanPhase = %v, want %v", got, want)
	}
}

func TestEncodeDecodeWaveRoundTrip(t *testing.T) {
	w := WavePattern{Amplitude: []float64{1.5, -2.25, 3}, Phase: []float64{0, 1.1, -1.1}}
	buf := EncodeWave(w)
	if len(buf) != WaveSize(w.Len(), false) {
		t.Fatalf("EncodeWave size = %d, want %d", len(buf), WaveSize(w.Len(), false))
	}

	got, err := DecodeWave(buf)
	if err != nil {
		t.Fatalf("DecodeWave: %v", err)
	}
	if got.ID() != w.ID() {
		t.Fatalf("round trip changed content: %q vs %q", got.ID(), w.ID())
	}
}

func TestEncodeDecodeWaveBlobRoundTrip(t *testing.T) {
	w := ConstPattern(2, 0.25, 4)
	blob := EncodeWaveBlob(w)

	got, err := DecodeWaveBlob(blob)
	if err != nil {
		t.Fatalf("DecodeWaveBlob: %v", err)
	}
	if got.ID() != w.ID() {
		t.Fatalf("blob round trip changed content")
	}

	blob[0] ^= 0xFF // corrupt the magic
	if _, err := DecodeWaveBlob(blob); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern on bad magic, got %v", err)
	}
}

func TestDecodeWaveRejectsTruncatedBuffer(t *testing.T) {
	w := ConstPattern(1, 0, 8)
	buf := EncodeWave(w)
	if _, err := DecodeWave(buf[:len(buf)-4]); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern on truncated buffer, got %v", err)
	}
}
