package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

const fullScale = 2048.0 // 2^11 for the AD9361's 12-bit signed ADC

// Hamming returns a Hamming window of length n.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// SpectrumDBFS windows the samples, runs an FFT, and returns the
// DC-centered magnitude spectrum in dBFS against 12-bit full scale.
func SpectrumDBFS(samples []complex64) []float64 {
	if len(samples) == 0 {
		return []float64{}
	}
	win := Hamming(len(samples))
	windowed := make([]complex128, len(samples))
	sumWin := 0.0
	for i, v := range samples {
		windowed[i] = complex(float64(real(v))*win[i], float64(imag(v))*win[i])
		sumWin += win[i]
	}
	coeffs := fourier.NewCmplxFFT(len(windowed)).Coefficients(nil, windowed)
	shifted := fftShift(coeffs)
	dbfs := make([]float64, len(shifted))
	for i, v := range shifted {
		mag := cmplx.Abs(v) / sumWin
		if mag == 0 {
			dbfs[i] = math.Inf(-1)
			continue
		}
		dbfs[i] = 20 * math.Log10(mag/fullScale)
	}
	return dbfs
}

// PeakDBFS returns the strongest spectral bin and its level. The bin
// index is DC-centered, i.e. bin len/2 is 0 Hz.
func PeakDBFS(samples []complex64) (level float64, bin int) {
	spectrum := SpectrumDBFS(samples)
	level = math.Inf(-1)
	for i, v := range spectrum {
		if v > level {
			level = v
			bin = i
		}
	}
	return level, bin
}

// fftShift rotates the FFT output so that DC sits at the center.
func fftShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	return append(data[half:], data[:half]...)
}
