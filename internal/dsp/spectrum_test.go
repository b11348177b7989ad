package dsp

import (
	"math"
	"testing"
)

func tone(n, cycles int, amplitude float64) []complex64 {
	samples := make([]complex64, n)
	for i := 0; i < n; i++ {
		phase := 2 * math.Pi * float64(cycles) * float64(i) / float64(n)
		samples[i] = complex(float32(amplitude*math.Cos(phase)), float32(amplitude*math.Sin(phase)))
	}
	return samples
}

func TestHammingWindow(t *testing.T) {
	win := Hamming(65)
	if len(win) != 65 {
		t.Fatalf("window length %d, want 65", len(win))
	}
	if math.Abs(win[0]-0.08) > 1e-9 || math.Abs(win[64]-0.08) > 1e-9 {
		t.Fatalf("edge taps %g and %g, want 0.08", win[0], win[64])
	}
	if math.Abs(win[32]-1.0) > 1e-9 {
		t.Fatalf("center tap %g, want 1.0", win[32])
	}
	for i := 0; i < 32; i++ {
		if math.Abs(win[i]-win[64-i]) > 1e-12 {
			t.Fatalf("window not symmetric at tap %d", i)
		}
	}
	if got := Hamming(0); len(got) != 0 {
		t.Fatalf("empty window has %d taps", len(got))
	}
}

func TestPeakBinMatchesToneFrequency(t *testing.T) {
	const (
		n      = 64
		cycles = 5
	)
	level, bin := PeakDBFS(tone(n, cycles, fullScale))

	// The spectrum is DC-centered, so a tone at +cycles bins lands at
	// n/2+cycles, and a full-scale tone reads 0 dBFS.
	if want := n/2 + cycles; bin != want {
		t.Fatalf("peak at bin %d, want %d", bin, want)
	}
	if math.Abs(level) > 0.1 {
		t.Fatalf("full-scale tone measured at %.3f dBFS, want 0", level)
	}
}

func TestNegativeFrequencyTone(t *testing.T) {
	const (
		n      = 64
		cycles = 7
	)
	_, bin := PeakDBFS(tone(n, n-cycles, fullScale))
	if want := n/2 - cycles; bin != want {
		t.Fatalf("peak at bin %d, want %d", bin, want)
	}
}

func TestDCSitsAtCenter(t *testing.T) {
	samples := make([]complex64, 32)
	for i := range samples {
		samples[i] = complex(float32(fullScale/2), 0)
	}
	level, bin := PeakDBFS(samples)
	if bin != 16 {
		t.Fatalf("DC peak at bin %d, want 16", bin)
	}
	if math.Abs(level-20*math.Log10(0.5)) > 0.1 {
		t.Fatalf("half-scale DC measured at %.3f dBFS, want %.3f", level, 20*math.Log10(0.5))
	}
}

func TestSpectrumLevelScalesWithAmplitude(t *testing.T) {
	quarter, _ := PeakDBFS(tone(64, 3, fullScale/4))
	if want := 20 * math.Log10(0.25); math.Abs(quarter-want) > 0.1 {
		t.Fatalf("quarter-scale tone measured at %.3f dBFS, want %.3f", quarter, want)
	}
}

func TestSpectrumEmptyInput(t *testing.T) {
	if got := SpectrumDBFS(nil); len(got) != 0 {
		t.Fatalf("empty input produced %d bins", len(got))
	}
}
