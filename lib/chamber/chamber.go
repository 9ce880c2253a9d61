// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package chamber controls a temperature chamber.
package chamber

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Instrument is the part of a benchlab.Session the chamber uses.
type Instrument interface {
	Command(format string, a ...any) error
	Query(cmd string) (string, error)
	Close() error
}

// MockInitial is the temperature of a mock chamber before any setpoint.
const MockInitial = 25.0

var (
	ErrTolerance = errors.New("tolerance must be positive")
	ErrPoll      = errors.New("poll interval must be positive")
)

// TemperatureChamber is a chamber on the bus, or a mock when built by
// NewMock.
type TemperatureChamber struct {
	inst    Instrument
	log     zerolog.Logger
	idn     string
	running bool

	// mock state
	temp float64
}

// Option configures a TemperatureChamber.
type Option func(*TemperatureChamber)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(c *TemperatureChamber) { c.log = l } }

// New identifies the chamber and logs its *IDN? response.
func New(inst Instrument, opts ...Option) (*TemperatureChamber, error) {
	c := &TemperatureChamber{inst: inst, log: log.Logger}
	for _, opt := range opts {
		opt(c)
	}
	idn, err := inst.Query("*IDN?")
	if err != nil {
		return nil, errors.Wrap(err, "identify")
	}
	c.idn = strings.TrimSpace(idn)
	c.log.Info().Str("idn", c.idn).Msg("*IDN?")
	return c, nil
}

// NewMock returns a chamber that reaches every setpoint immediately.
func NewMock(opts ...Option) *TemperatureChamber {
	c := &TemperatureChamber{log: log.Logger, idn: "MOCK,TemperatureChamber,0,0", temp: MockInitial}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mock reports whether the chamber is simulated.
func (c *TemperatureChamber) Mock() bool { return c.inst == nil }

// Identity returns the *IDN? response read by New.
func (c *TemperatureChamber) Identity() string { return c.idn }

// Running reports whether Start was called more recently than Stop.
func (c *TemperatureChamber) Running() bool { return c.running }

// SetTemperature sets the setpoint in °C.
func (c *TemperatureChamber) SetTemperature(celsius float64) error {
	c.log.Info().Float64("setpoint", celsius).Msg("set temperature")
	if c.Mock() {
		c.temp = celsius
		return nil
	}
	return c.inst.Command("TEMP " + strconv.FormatFloat(celsius, 'g', -1, 64))
}

// Temperature measures the chamber temperature in °C.
func (c *TemperatureChamber) Temperature() (float64, error) {
	if c.Mock() {
		return c.temp, nil
	}
	t, err := query.Float64(c.inst, "MEAS:TEMP?")
	if err != nil {
		return 0, errors.Wrap(err, "measuring temperature")
	}
	c.log.Debug().Float64("celsius", t).Msg("temperature")
	return t, nil
}

// Start starts the chamber running toward its setpoint.
func (c *TemperatureChamber) Start() error {
	if !c.Mock() {
		if err := c.inst.Command("START"); err != nil {
			return err
		}
	}
	c.running = true
	c.log.Info().Msg("chamber started")
	return nil
}

// Stop stops the chamber.
func (c *TemperatureChamber) Stop() error {
	if !c.Mock() {
		if err := c.inst.Command("STOP"); err != nil {
			return err
		}
	}
	c.running = false
	c.log.Info().Msg("chamber stopped")
	return nil
}

// WaitSettled polls the temperature every poll until it is within tolerance
// of target, and returns the last reading. It gives up when ctx is done.
func (c *TemperatureChamber) WaitSettled(ctx context.Context, target, tolerance float64, poll time.Duration) (float64, error) {
	if tolerance <= 0 {
		return 0, errors.Wrapf(ErrTolerance, "%g °C", tolerance)
	}
	if poll <= 0 {
		return 0, errors.Wrapf(ErrPoll, "%s", poll)
	}
	tick := time.NewTicker(poll)
	defer tick.Stop()
	for {
		t, err := c.Temperature()
		if err != nil {
			return t, err
		}
		if math.Abs(t-target) <= tolerance {
			c.log.Info().Float64("celsius", t).Msg("temperature settled")
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, errors.Wrapf(ctx.Err(), "settling at %g °C, last %g °C", target, t)
		case <-tick.C:
		}
	}
}

// Close stops a running chamber and releases the instrument.
func (c *TemperatureChamber) Close() error {
	if c.Mock() {
		c.running = false
		return nil
	}
	if c.running {
		if err := c.Stop(); err != nil {
			c.log.Warn().Err(err).Msg("stopping chamber on close")
		}
	}
	return c.inst.Close()
}
