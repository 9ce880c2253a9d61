// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package specan reads swept traces from a spectrum analyzer.
package specan

import (
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Instrument is the part of a benchlab.Session the analyzer uses.
type Instrument interface {
	Command(format string, a ...any) error
	Query(cmd string) (string, error)
	QueryASCIIValues(cmd string) ([]float64, error)
	Close() error
}

var (
	ErrSpan   = errors.New("start frequency must be below stop frequency")
	ErrRBW    = errors.New("resolution bandwidth must be positive")
	ErrPoints = errors.New("point count must be positive")
)

// Sweep defaults of the mock analyzer.
const (
	DefaultStart  = 1e3
	DefaultStop   = 1e6
	DefaultRBW    = 1e3
	DefaultPoints = 1001
)

// SpectrumAnalyzer is an analyzer on the bus, or a mock when built by
// NewMock.
type SpectrumAnalyzer struct {
	inst Instrument
	log  zerolog.Logger
	idn  string

	start, stop, rbw float64
	rng              *rand.Rand
}

// Option configures a SpectrumAnalyzer.
type Option func(*SpectrumAnalyzer)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(a *SpectrumAnalyzer) { a.log = l } }

// WithSeed makes the mock analyzer's traces reproducible.
func WithSeed(seed uint64) Option {
	return func(a *SpectrumAnalyzer) { a.rng = rand.New(rand.NewPCG(seed, seed)) }
}

func newAnalyzer(inst Instrument, opts []Option) *SpectrumAnalyzer {
	a := &SpectrumAnalyzer{
		inst:  inst,
		log:   log.Logger,
		start: DefaultStart,
		stop:  DefaultStop,
		rbw:   DefaultRBW,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// New identifies the analyzer and logs its *IDN? response.
func New(inst Instrument, opts ...Option) (*SpectrumAnalyzer, error) {
	a := newAnalyzer(inst, opts)
	idn, err := inst.Query("*IDN?")
	if err != nil {
		return nil, errors.Wrap(err, "identify")
	}
	a.idn = strings.TrimSpace(idn)
	a.log.Info().Str("idn", a.idn).Msg("*IDN?")
	return a, nil
}

// NewMock returns an analyzer whose traces are gaussian noise.
func NewMock(opts ...Option) *SpectrumAnalyzer {
	a := newAnalyzer(nil, opts)
	if a.rng == nil {
		a.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	a.idn = "MOCK,SpectrumAnalyzer,0,0"
	return a
}

// Mock reports whether the analyzer synthesizes its traces.
func (a *SpectrumAnalyzer) Mock() bool { return a.inst == nil }

// Identity returns the *IDN? response read by New.
func (a *SpectrumAnalyzer) Identity() string { return a.idn }

// Configure sets the sweep span and resolution bandwidth, all in Hz.
func (a *SpectrumAnalyzer) Configure(start, stop, rbw float64) error {
	if start >= stop {
		return errors.Wrapf(ErrSpan, "%g Hz to %g Hz", start, stop)
	}
	if rbw <= 0 {
		return errors.Wrapf(ErrRBW, "%g Hz", rbw)
	}
	if !a.Mock() {
		cmds := []string{
			"FREQ:START " + formatFloat(start),
			"FREQ:STOP " + formatFloat(stop),
			"BAND " + formatFloat(rbw),
		}
		for _, cmd := range cmds {
			if err := a.inst.Command(cmd); err != nil {
				return errors.Wrap(err, "configure")
			}
		}
	}
	a.start, a.stop, a.rbw = start, stop, rbw
	a.log.Debug().Float64("start", start).Float64("stop", stop).Float64("rbw", rbw).Msg("span configured")
	return nil
}

// Trace is one sweep: a magnitude per frequency.
type Trace struct {
	Freqs      []float64 // Hz
	Magnitudes []float64
}

// Len is the number of trace points.
func (t *Trace) Len() int { return len(t.Magnitudes) }

// Trace reads trace 1 in ASCII format. An instrument returns as many points
// as its sweep holds and points only sizes mock traces. The frequency axis
// spreads the analyzer's reported start and stop frequencies over the
// returned points.
func (a *SpectrumAnalyzer) Trace(points int) (*Trace, error) {
	if a.Mock() {
		if points < 1 {
			return nil, errors.Wrapf(ErrPoints, "%d points", points)
		}
		noise := distuv.Normal{Mu: 0, Sigma: 1, Src: a.rng}
		tr := &Trace{
			Freqs:      linspace(a.start, a.stop, points),
			Magnitudes: make([]float64, points),
		}
		for i := range tr.Magnitudes {
			tr.Magnitudes[i] = noise.Rand()
		}
		return tr, nil
	}

	for _, cmd := range []string{"FORM ASC", "TRAC:MODE WRIT"} {
		if err := a.inst.Command(cmd); err != nil {
			return nil, errors.Wrap(err, "trace setup")
		}
	}
	data, err := a.inst.QueryASCIIValues("TRAC? TRACE1")
	if err != nil {
		return nil, errors.Wrap(err, "reading trace")
	}
	start, err := query.Float64(a.inst, "FREQ:START?")
	if err != nil {
		return nil, errors.Wrap(err, "start frequency")
	}
	stop, err := query.Float64(a.inst, "FREQ:STOP?")
	if err != nil {
		return nil, errors.Wrap(err, "stop frequency")
	}
	a.log.Debug().Int("points", len(data)).Msg("trace read")
	return &Trace{Freqs: linspace(start, stop, len(data)), Magnitudes: data}, nil
}

// Close releases the instrument. Closing a mock does nothing.
func (a *SpectrumAnalyzer) Close() error {
	if a.Mock() {
		return nil
	}
	return a.inst.Close()
}

func linspace(lo, hi float64, n int) []float64 {
	switch n {
	case 0:
		return []float64{}
	case 1:
		return []float64{lo}
	}
	return floats.Span(make([]float64, n), lo, hi)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
