// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package psu drives a programmable DC power supply that supports list mode
// and a bus-triggered datalogger, such as the Keysight N6700 family.
package psu

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotmc/benchlab"
	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/stat"
)

// Instrument is the part of a benchlab.Session the power supply uses.
type Instrument interface {
	Command(format string, a ...any) error
	Query(cmd string) (string, error)
	ReadASCIIValues() ([]float64, error)
	Close() error
}

var (
	ErrListLength      = errors.New("list voltages, currents, dwells and trigger outputs must have the same non-zero length")
	ErrNoList          = errors.New("list not configured")
	ErrNoDatalog       = errors.New("datalog not configured")
	ErrDatalogPeriod   = errors.New("datalog period must be positive and no longer than the list")
	ErrTriggerNotReady = errors.New("list and datalog never reported waiting for trigger")
	ErrDatalogLength   = errors.New("unexpected datalog length")
	ErrTurnOnTimeout   = errors.New("timeout waiting for turn-on")
)

// Bits of STAT:QUES:INST:ISUM<n>:COND? set while the list and the datalogger
// wait for their bus trigger.
const (
	CondListWaitTrig = 0x80
	CondDlogWaitTrig = 0x100
	waitTrigMask     = CondListWaitTrig | CondDlogWaitTrig
)

// PowerSupply is one output channel of a list-capable power supply.
type PowerSupply struct {
	inst         Instrument
	channel      int
	log          zerolog.Logger
	pollInterval time.Duration
	pollAttempts int
	idn          string

	list     *ListConfig
	dlogTime time.Duration
	dlogPer  time.Duration

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// Option configures a PowerSupply.
type Option func(*PowerSupply)

// WithChannel selects the output channel. Defaults to 1.
func WithChannel(ch int) Option { return func(p *PowerSupply) { p.channel = ch } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(p *PowerSupply) { p.log = l } }

// WithPoll sets how often and how many times the trigger state is polled
// before a sweep gives up. Defaults to 10 polls 100 ms apart.
func WithPoll(interval time.Duration, attempts int) Option {
	return func(p *PowerSupply) {
		p.pollInterval = interval
		p.pollAttempts = attempts
	}
}

// New resets the supply, clears its status and logs its identification.
func New(inst Instrument, opts ...Option) (*PowerSupply, error) {
	p := &PowerSupply{
		inst:         inst,
		channel:      1,
		log:          log.Logger,
		pollInterval: 100 * time.Millisecond,
		pollAttempts: 10,
		sleep:        sleepContext,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := inst.Command("*RST"); err != nil {
		return nil, errors.Wrap(err, "reset")
	}
	if err := inst.Command("*CLS"); err != nil {
		return nil, errors.Wrap(err, "clear status")
	}
	idn, err := inst.Query("*IDN?")
	if err != nil {
		return nil, errors.Wrap(err, "identify")
	}
	p.idn = strings.TrimSpace(idn)
	p.log.Info().Str("idn", p.idn).Msg("*IDN?")
	return p, nil
}

// Identity returns the *IDN? response read by New.
func (p *PowerSupply) Identity() string { return p.idn }

func (p *PowerSupply) chanList() string { return fmt.Sprintf("(@%d)", p.channel) }

// ListConfig is a list-mode sweep: one voltage, current and dwell per step,
// and whether a trigger is output at the beginning or end of each step.
type ListConfig struct {
	Voltages []float64
	Currents []float64
	Dwells   []time.Duration
	BOST     []bool // nil means no beginning-of-step triggers
	EOST     []bool // nil means no end-of-step triggers
}

// Duration is the total dwell time of the list.
func (lc ListConfig) Duration() time.Duration {
	var d time.Duration
	for _, dw := range lc.Dwells {
		d += dw
	}
	return d
}

// SetupList programs the list and puts voltage and current into list mode,
// triggered from the bus, run once, stepping on dwell expiry. Any datalog
// configuration is discarded.
func (p *PowerSupply) SetupList(lc ListConfig) error {
	n := len(lc.Voltages)
	if n == 0 || len(lc.Currents) != n || len(lc.Dwells) != n {
		return errors.Wrapf(ErrListLength, "%d voltages, %d currents, %d dwells",
			len(lc.Voltages), len(lc.Currents), len(lc.Dwells))
	}
	if lc.BOST == nil {
		lc.BOST = make([]bool, n)
	}
	if lc.EOST == nil {
		lc.EOST = make([]bool, n)
	}
	if len(lc.BOST) != n || len(lc.EOST) != n {
		return errors.Wrapf(ErrListLength, "%d BOST, %d EOST for %d steps", len(lc.BOST), len(lc.EOST), n)
	}

	ch := p.chanList()
	cmds := []string{
		fmt.Sprintf("LIST:VOLT %s,%s", joinFloats(lc.Voltages), ch),
		fmt.Sprintf("LIST:CURR %s,%s", joinFloats(lc.Currents), ch),
		fmt.Sprintf("LIST:DWEL %s,%s", joinSeconds(lc.Dwells), ch),
		fmt.Sprintf("LIST:TOUT:BOST %s,%s", joinBools(lc.BOST), ch),
		fmt.Sprintf("LIST:TOUT:EOST %s,%s", joinBools(lc.EOST), ch),
		"VOLT:MODE LIST," + ch,
		"CURR:MODE LIST," + ch,
		"TRIG:SOUR BUS," + ch,
		"LIST:COUNT 1," + ch,
		"LIST:STEP AUTO," + ch,
	}
	for _, cmd := range cmds {
		if err := p.inst.Command(cmd); err != nil {
			return errors.Wrap(err, "list setup")
		}
	}
	p.list = &lc
	p.dlogTime, p.dlogPer = 0, 0
	p.log.Info().Int("steps", n).Dur("duration", lc.Duration()).Msg("list configured")
	return nil
}

// SetupDatalog configures the datalogger to record voltage and current every
// period for the whole duration of the configured list, started by a bus
// trigger.
func (p *PowerSupply) SetupDatalog(period time.Duration) error {
	if p.list == nil {
		return ErrNoList
	}
	total := p.list.Duration()
	if period <= 0 || period > total {
		return errors.Wrapf(ErrDatalogPeriod, "period %s, list %s", period, total)
	}
	ch := p.chanList()
	cmds := []string{
		"SENS:DLOG:FUNC:VOLT 1," + ch,
		"SENS:DLOG:FUNC:CURR 1," + ch,
		"SENS:DLOG:TIME " + formatSeconds(total),
		"SENS:DLOG:PER " + formatSeconds(period),
		"TRIG:DLOG:SOUR BUS",
	}
	for _, cmd := range cmds {
		if err := p.inst.Command(cmd); err != nil {
			return errors.Wrap(err, "datalog setup")
		}
	}
	p.dlogTime, p.dlogPer = total, period
	return nil
}

// SampleCount is the number of samples per channel the configured datalog
// records.
func (p *PowerSupply) SampleCount() int {
	if p.dlogPer == 0 {
		return 0
	}
	return int(p.dlogTime / p.dlogPer)
}

// RunListAndLog runs the configured list while the datalogger records to
// logFile on the instrument, then fetches the log.
//
// Output is enabled and both list and datalog are initiated; the condition
// register is polled until both report waiting for trigger, else output is
// disabled and ErrTriggerNotReady returned. After *TRG the run waits for the
// datalog duration plus one second, disables output, fetches the interleaved
// log and drains the error queue. Errors the instrument reports are kept in
// Datalog.Errors.
func (p *PowerSupply) RunListAndLog(ctx context.Context, logFile string) (*Datalog, error) {
	if p.dlogPer == 0 {
		return nil, ErrNoDatalog
	}
	ch := p.chanList()
	arm := []string{
		"OUTPUT ON," + ch,
		"INIT " + ch,
		`INIT:DLOG "` + logFile + `"`,
	}
	for _, cmd := range arm {
		if err := p.inst.Command(cmd); err != nil {
			return nil, p.abort(errors.Wrap(err, "arming list and datalog"))
		}
	}

	if err := p.waitForTrigger(ctx); err != nil {
		return nil, p.abort(err)
	}
	if err := p.inst.Command("*TRG"); err != nil {
		return nil, p.abort(errors.Wrap(err, "trigger"))
	}
	if err := p.waitForDatalog(ctx); err != nil {
		return nil, p.abort(err)
	}
	if err := p.inst.Command("OUTPUT OFF," + ch); err != nil {
		return nil, errors.Wrap(err, "disabling output")
	}

	count := p.SampleCount()
	if err := p.inst.Command(fmt.Sprintf("FETC:DLOG? %d,%s", 2*count, ch)); err != nil {
		return nil, errors.Wrap(err, "fetching datalog")
	}
	vals, err := p.inst.ReadASCIIValues()
	if err != nil {
		return nil, errors.Wrap(err, "reading datalog")
	}

	dl := &Datalog{Period: p.dlogPer}
	entries, rest := benchlab.InstrumentErrors(benchlab.DrainErrors(ctx, p.inst))
	for _, e := range entries {
		p.log.Warn().Int("code", e.Code).Str("msg", e.Message).Msg("SYST:ERR?")
	}
	dl.Errors = entries
	if rest != nil {
		return nil, rest
	}

	if len(vals) != 2*count {
		return nil, errors.Wrapf(ErrDatalogLength, "got %d values, want %d", len(vals), 2*count)
	}
	dl.Voltages = vals[:count:count]
	dl.Currents = vals[count:]
	p.log.Info().Int("samples", count).Msg("datalog fetched")
	return dl, nil
}

// waitForTrigger polls the questionable instrument summary condition register
// until the list and datalog both wait for trigger.
func (p *PowerSupply) waitForTrigger(ctx context.Context) error {
	cmd := fmt.Sprintf("STAT:QUES:INST:ISUM%d:COND?", p.channel)
	for i := 0; i < p.pollAttempts; i++ {
		if err := p.sleep(ctx, p.pollInterval); err != nil {
			return err
		}
		reg, err := query.Int(p.inst, cmd)
		if err != nil {
			return errors.Wrap(err, "polling trigger state")
		}
		p.log.Debug().Str("cond", fmt.Sprintf("%#x", reg)).Msg(cmd)
		if reg&waitTrigMask == waitTrigMask {
			p.log.Info().Msg("list and datalog waiting for trigger")
			return nil
		}
	}
	p.log.Error().Int("polls", p.pollAttempts).Msg("could not detect waiting trigger")
	return ErrTriggerNotReady
}

// waitForDatalog waits the datalog duration plus one second, in whole
// seconds.
func (p *PowerSupply) waitForDatalog(ctx context.Context) error {
	ticks := int((p.dlogTime + time.Second) / time.Second)
	p.log.Info().Dur("dlog_time", p.dlogTime).Int("wait_s", ticks).Msg("triggered")
	for i := 1; i <= ticks; i++ {
		if err := p.sleep(ctx, time.Second); err != nil {
			return err
		}
		p.log.Debug().Int("elapsed_s", i).Int("wait_s", ticks).Msg("waiting for datalog")
	}
	return nil
}

// abort disables the output after a failed run.
func (p *PowerSupply) abort(err error) error {
	if offErr := p.inst.Command("OUTPUT OFF," + p.chanList()); offErr != nil {
		return multierr.Append(err, errors.Wrap(offErr, "disabling output"))
	}
	return err
}

// SetVoltage sets the output voltage.
func (p *PowerSupply) SetVoltage(v float64) error {
	return p.inst.Command(fmt.Sprintf("VOLT %s,%s", formatFloat(v), p.chanList()))
}

// SetCurrent sets the output current limit.
func (p *PowerSupply) SetCurrent(c float64) error {
	return p.inst.Command(fmt.Sprintf("CURR %s,%s", formatFloat(c), p.chanList()))
}

// Output enables or disables the output.
func (p *PowerSupply) Output(on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	return p.inst.Command(fmt.Sprintf("OUTP %s,%s", state, p.chanList()))
}

// MeasureCurrent measures the output current in amps.
func (p *PowerSupply) MeasureCurrent() (float64, error) {
	c, err := query.Float64(p.inst, "MEAS:CURR? "+p.chanList())
	if err != nil {
		return 0, errors.Wrap(err, "measuring current")
	}
	p.log.Debug().Float64("amps", c).Msg("measured current")
	return c, nil
}

// MeasureVoltage measures the output voltage in volts.
func (p *PowerSupply) MeasureVoltage() (float64, error) {
	v, err := query.Float64(p.inst, "MEAS:VOLT? "+p.chanList())
	if err != nil {
		return 0, errors.Wrap(err, "measuring voltage")
	}
	p.log.Debug().Float64("volts", v).Msg("measured voltage")
	return v, nil
}

// TurnOnConfig controls TurnOnTime. Zero fields take their defaults.
type TurnOnConfig struct {
	Threshold float64       // fraction of the settled current counted as on; 0.95
	Timeout   time.Duration // 5 s
	Interval  time.Duration // between current samples; 10 ms
}

// TurnOnTime enables the output and measures how long the current takes to
// settle: once more than five samples were taken, the mean of the last five
// is positive and the latest sample reaches Threshold of that mean. If
// Timeout passes first the elapsed time is returned with ErrTurnOnTimeout.
func (p *PowerSupply) TurnOnTime(ctx context.Context, cfg TurnOnConfig) (time.Duration, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.95
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Millisecond
	}

	if err := p.Output(true); err != nil {
		return 0, errors.Wrap(err, "enabling output")
	}
	start := p.now()
	var currents []float64
	for {
		c, err := p.MeasureCurrent()
		if err != nil {
			return p.now().Sub(start), err
		}
		currents = append(currents, c)
		if len(currents) > 5 {
			avg := stat.Mean(currents[len(currents)-5:], nil)
			if avg > 0 && c >= cfg.Threshold*avg {
				break
			}
		}
		if elapsed := p.now().Sub(start); elapsed > cfg.Timeout {
			p.log.Warn().Dur("elapsed", elapsed).Msg("timeout waiting for turn-on")
			return elapsed, ErrTurnOnTimeout
		}
		if err := p.sleep(ctx, cfg.Interval); err != nil {
			return p.now().Sub(start), err
		}
	}
	elapsed := p.now().Sub(start)
	p.log.Info().Dur("turn_on", elapsed).Int("samples", len(currents)).Msg("turn-on time")
	return elapsed, nil
}

// Close closes the instrument session.
func (p *PowerSupply) Close() error {
	return p.inst.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func formatSeconds(d time.Duration) string { return formatFloat(d.Seconds()) }

func joinFloats(vs []float64) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = formatFloat(v)
	}
	return strings.Join(s, ",")
}

func joinSeconds(ds []time.Duration) string {
	s := make([]string, len(ds))
	for i, d := range ds {
		s[i] = formatSeconds(d)
	}
	return strings.Join(s, ",")
}

func joinBools(bs []bool) string {
	s := make([]string, len(bs))
	for i, b := range bs {
		s[i] = "0"
		if b {
			s[i] = "1"
		}
	}
	return strings.Join(s, ",")
}
