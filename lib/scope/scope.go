// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package scope acquires waveforms from a digital oscilloscope and derives
// their spectrum. A mock scope synthesizes noisy multi-tone waveforms for
// working without hardware.
package scope

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Instrument is the part of a benchlab.Session the scope uses.
type Instrument interface {
	Command(format string, a ...any) error
	Query(cmd string) (string, error)
	QueryBinaryBlock(cmd string) ([]byte, error)
	Close() error
}

var (
	ErrChannel    = errors.New("channel must be positive")
	ErrPoints     = errors.New("point count must be positive")
	ErrSampleRate = errors.New("sample rate must be positive")
)

// Readings the mock scope reports.
const (
	MockVoltage         = 3.45
	MockAcquisitionTime = 1.23
)

// Oscilloscope is a scope on the bus, or a mock when built by NewMock.
type Oscilloscope struct {
	inst   Instrument
	log    zerolog.Logger
	idn    string
	scale  float64
	offset float64

	rng *rand.Rand
}

// Option configures an Oscilloscope.
type Option func(*Oscilloscope)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Oscilloscope) { o.log = l } }

// WithVerticalScale converts waveform codes to volts as code*scale + offset.
// Without it waveforms hold the raw codes.
func WithVerticalScale(scale, offset float64) Option {
	return func(o *Oscilloscope) {
		o.scale = scale
		o.offset = offset
	}
}

// WithSeed makes the mock scope's waveforms reproducible.
func WithSeed(seed uint64) Option {
	return func(o *Oscilloscope) { o.rng = rand.New(rand.NewPCG(seed, seed)) }
}

func newScope(inst Instrument, opts []Option) *Oscilloscope {
	o := &Oscilloscope{
		inst:  inst,
		log:   log.Logger,
		scale: 1,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New identifies the scope and logs its *IDN? response.
func New(inst Instrument, opts ...Option) (*Oscilloscope, error) {
	o := newScope(inst, opts)
	idn, err := inst.Query("*IDN?")
	if err != nil {
		return nil, errors.Wrap(err, "identify")
	}
	o.idn = strings.TrimSpace(idn)
	o.log.Info().Str("idn", o.idn).Msg("*IDN?")
	return o, nil
}

// NewMock returns a scope that synthesizes its readings.
func NewMock(opts ...Option) *Oscilloscope {
	o := newScope(nil, opts)
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	o.idn = "MOCK,Oscilloscope,0,0"
	return o
}

// Mock reports whether the scope synthesizes its readings.
func (o *Oscilloscope) Mock() bool { return o.inst == nil }

// Identity returns the *IDN? response read by New.
func (o *Oscilloscope) Identity() string { return o.idn }

// Waveform is a record of equally spaced voltage samples.
type Waveform struct {
	SampleRate float64   // samples per second
	Times      []float64 // seconds from the first sample
	Volts      []float64
}

// Len is the number of samples.
func (w *Waveform) Len() int { return len(w.Volts) }

// Waveform acquires points samples from channel. sampleRate only builds the
// time base; the scope's own time base setting is left alone.
func (o *Oscilloscope) Waveform(channel, points int, sampleRate float64) (*Waveform, error) {
	switch {
	case channel < 1:
		return nil, errors.Wrapf(ErrChannel, "channel %d", channel)
	case points < 1:
		return nil, errors.Wrapf(ErrPoints, "%d points", points)
	case sampleRate <= 0:
		return nil, errors.Wrapf(ErrSampleRate, "%g S/s", sampleRate)
	}
	w := &Waveform{
		SampleRate: sampleRate,
		Times:      timeBase(points, sampleRate),
	}
	if o.Mock() {
		w.Volts = o.synthesize(w.Times)
		return w, nil
	}

	cmds := []string{
		fmt.Sprintf(":WAV:SOUR CHAN%d", channel),
		":WAV:MODE NORM",
		fmt.Sprintf(":WAV:POIN %d", points),
	}
	for _, cmd := range cmds {
		if err := o.inst.Command(cmd); err != nil {
			return nil, errors.Wrap(err, "waveform setup")
		}
	}
	codes, err := o.inst.QueryBinaryBlock(":WAV:DATA?")
	if err != nil {
		return nil, errors.Wrap(err, "waveform data")
	}
	if len(codes) != points {
		o.log.Warn().Int("want", points).Int("got", len(codes)).Msg("waveform length")
		w.Times = timeBase(len(codes), sampleRate)
	}
	w.Volts = make([]float64, len(codes))
	for i, c := range codes {
		w.Volts[i] = float64(c)*o.scale + o.offset
	}
	o.log.Debug().Int("channel", channel).Int("points", len(codes)).Msg("waveform acquired")
	return w, nil
}

// timeBase spreads n instants evenly from 0 to n/rate inclusive.
func timeBase(n int, rate float64) []float64 {
	ts := make([]float64, n)
	if n < 2 {
		return ts
	}
	return floats.Span(ts, 0, float64(n)/rate)
}

// synthesize returns a sum of up to three sinusoids of random frequency plus
// gaussian noise of random amplitude.
func (o *Oscilloscope) synthesize(ts []float64) []float64 {
	type tone struct{ gain, omega float64 }
	tones := []tone{
		{1, o.omega(10, 100)},
		{float64(o.rng.IntN(2)), o.omega(50, 200)},
		{float64(o.rng.IntN(2)), o.omega(5, 100)},
	}
	noise := distuv.Normal{Mu: 0, Sigma: float64(o.rng.IntN(9)) / 10, Src: o.rng}

	vs := make([]float64, len(ts))
	for i, t := range ts {
		for _, tn := range tones {
			vs[i] += tn.gain * math.Sin(tn.omega*t)
		}
		if noise.Sigma > 0 {
			vs[i] += noise.Rand()
		}
	}
	return vs
}

// omega picks an angular frequency k*pi*m with k in [1, 10) and m in
// [lo, hi).
func (o *Oscilloscope) omega(lo, hi int) float64 {
	k := 1 + o.rng.IntN(9)
	m := lo + o.rng.IntN(hi-lo)
	return float64(k) * math.Pi * float64(m)
}

// MeasureVoltage returns the scope's voltage measurement.
func (o *Oscilloscope) MeasureVoltage() (float64, error) {
	if o.Mock() {
		return MockVoltage, nil
	}
	v, err := query.Float64(o.inst, "MEAS:VOLT?")
	if err != nil {
		return 0, errors.Wrap(err, "measuring voltage")
	}
	return v, nil
}

// AcquisitionTime returns the duration of the last acquisition in seconds.
func (o *Oscilloscope) AcquisitionTime() (float64, error) {
	if o.Mock() {
		return MockAcquisitionTime, nil
	}
	t, err := query.Float64(o.inst, "MEAS:TIM:ACQT?")
	if err != nil {
		return 0, errors.Wrap(err, "acquisition time")
	}
	return t, nil
}

// Close releases the instrument. Closing a mock does nothing.
func (o *Oscilloscope) Close() error {
	if o.Mock() {
		return nil
	}
	return o.inst.Close()
}
