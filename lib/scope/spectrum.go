package scope

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Spectrum is the one-sided magnitude spectrum of a waveform.
type Spectrum struct {
	Freqs      []float64 // Hz, from 0 to the Nyquist frequency
	Magnitudes []float64
}

// NewSpectrum returns the unnormalized FFT magnitude of w at the
// non-negative frequency bins.
func NewSpectrum(w *Waveform) *Spectrum {
	n := w.Len()
	if n == 0 {
		return &Spectrum{}
	}
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, w.Volts)
	s := &Spectrum{
		Freqs:      make([]float64, len(coeffs)),
		Magnitudes: make([]float64, len(coeffs)),
	}
	for i, c := range coeffs {
		s.Freqs[i] = fft.Freq(i) * w.SampleRate
		s.Magnitudes[i] = cmplx.Abs(c)
	}
	return s
}

// Peaks returns the frequencies of the local maxima whose magnitude is at
// least height. A height of zero or less means 10 % of the largest
// magnitude. The first and last bins are never peaks; a flat-topped peak is
// reported at the middle of its plateau.
func (s *Spectrum) Peaks(height float64) []float64 {
	idx := PeakIndices(s.Magnitudes, height)
	fs := make([]float64, len(idx))
	for i, j := range idx {
		fs[i] = s.Freqs[j]
	}
	return fs
}

// PeakIndices returns the indices of the local maxima of xs at least height
// high, with the same conventions as Spectrum.Peaks.
func PeakIndices(xs []float64, height float64) []int {
	if len(xs) < 3 {
		return nil
	}
	if height <= 0 {
		height = 0.1 * floats.Max(xs)
	}
	var peaks []int
	for i := 1; i < len(xs)-1; {
		if xs[i] <= xs[i-1] {
			i++
			continue
		}
		// Find the end of a possible plateau.
		j := i
		for j+1 < len(xs)-1 && xs[j+1] == xs[i] {
			j++
		}
		if xs[j+1] < xs[i] && xs[i] >= height {
			peaks = append(peaks, (i+j)/2)
		}
		i = j + 1
	}
	return peaks
}

// Spectrum returns the spectrum of a waveform acquired from o.
func (o *Oscilloscope) Spectrum(w *Waveform) *Spectrum {
	s := NewSpectrum(w)
	o.log.Debug().Int("bins", len(s.Freqs)).Float64("rate", w.SampleRate).Msg("spectrum")
	return s
}
