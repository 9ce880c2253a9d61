// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package benchlab

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Controller models a Prologix (or AR488) GPIB controller-in-charge. It is the
// byte stream a Session uses to reach an instrument at one GPIB address.
type Controller struct {
	rw               io.ReadWriter
	primaryAddr      int
	hasSecondaryAddr bool
	secondaryAddr    int
	auto             bool
	eos              GpibTerm
	usbTerm          byte
	eotChar          byte
	readTimeout      time.Duration
	ar488            bool // compatibility with Arduino AR488 - see WithAR488 documentation for details.
	log              zerolog.Logger
}

// ControllerOption applies an option to the controller.
type ControllerOption func(*Controller)

// NewController creates a GPIB controller-in-charge at the given address using
// the given Prologix link, which can either be a Virtual COM Port (VCP) or
// Ethernet. Enable clear to send the Selected Device Clear (SDC) message to the
// GPIB address.
func NewController(
	rw io.ReadWriter,
	addr int,
	clear bool,
	opts ...ControllerOption,
) (*Controller, error) {
	c := Controller{
		rw:          rw,
		primaryAddr: addr,
		eos:         AppendLF,
		usbTerm:     '\n',
		eotChar:     '\n',
		readTimeout: 500 * time.Millisecond,
		log:         log.Logger,
	}

	for _, opt := range opts {
		opt(&c)
	}

	if !isPrimaryAddressValid(c.primaryAddr) {
		return nil, errors.Errorf("invalid primary address %d (must be 0-30)", c.primaryAddr)
	}

	addrCmd := fmt.Sprintf("addr %d", c.primaryAddr)
	if c.hasSecondaryAddr {
		if !isSecondaryAddressValid(c.secondaryAddr) {
			return nil, errors.Errorf("invalid secondary address %d (must be 96-126)", c.secondaryAddr)
		}
		addrCmd = fmt.Sprintf("addr %d %d", c.primaryAddr, c.secondaryAddr)
	}
	cmds := []string{}
	if !c.ar488 {
		cmds = append(cmds,
			"verbose 0", // turn off verbosity if on
			"savecfg 0", // don't wear out the EEPROM with our settings
		)
	}
	cmds = append(cmds,
		addrCmd,
		"mode 1", // controller mode
		"auto 0", // no read-after-write; reads are requested explicitly
		"eoi 1",  // assert EOI with the last character
		fmt.Sprintf("eos %d", c.eos),
		fmt.Sprintf("read_tmo_ms %d", readTimeoutMillis(c.readTimeout)),
		fmt.Sprintf("eot_char %d", c.eotChar),
		"eot_enable 1", // append eot_char when EOI is detected
	)
	if clear {
		cmds = append(cmds, "clr")
	}
	for _, cmd := range cmds {
		if err := c.CommandController(cmd); err != nil {
			return nil, errors.Wrapf(err, "configuring gpib controller (%s)", cmd)
		}
	}

	return &c, nil
}

// WithSecondaryAddress sets a secondary address, which must be in the range of
// 96 and 126, inclusive.
func WithSecondaryAddress(addr int) ControllerOption {
	return func(c *Controller) {
		c.hasSecondaryAddr = true
		c.secondaryAddr = addr
	}
}

// WithAR488 slightly alters the init commands, for compatiblity with the
// Arduino-based AR488. Specifically, we do not emit 'verbose 0', nor do
// we toggle savecfg.
func WithAR488() ControllerOption { return func(c *Controller) { c.ar488 = true } }

// WithGPIBTermination sets the terminator the controller appends to data sent
// to the instrument.
func WithGPIBTermination(term GpibTerm) ControllerOption {
	return func(c *Controller) { c.eos = term }
}

// WithReadTimeout sets the controller's GPIB inter-character read timeout. The
// Prologix accepts 1 to 3000 ms; values outside are clamped.
func WithReadTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.readTimeout = d }
}

// WithReadAfterWrite makes the controller address the instrument to talk after
// every write, so no explicit read request is sent.
func WithReadAfterWrite() ControllerOption { return func(c *Controller) { c.auto = true } }

// WithControllerLogger logs controller commands to l.
func WithControllerLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// Write writes the given data to the instrument at the currently assigned GPIB
// address.
func (c *Controller) Write(p []byte) (n int, err error) {
	return c.rw.Write(p)
}

// Read reads from the instrument at the currently assigned GPIB address into
// the given byte slice.
func (c *Controller) Read(p []byte) (n int, err error) {
	return c.rw.Read(p)
}

// Talk addresses the instrument to talk so its response can be read. With
// read-after-write enabled the controller already did so.
func (c *Controller) Talk() error {
	if c.auto {
		return nil
	}
	return c.CommandController("read eoi")
}

// CommandController sends the given command to the Prologix controller. To
// indicate this is a command for the Prologix controller, thereby not
// transmitting to the instrument over GPIB, two plus signs `++` are prepended.
// Addtionally, a new line is appended to act as the USB termination character.
func (c *Controller) CommandController(cmd string) error {
	cmd = fmt.Sprintf("++%s%c", strings.ToLower(strings.TrimSpace(cmd)), c.usbTerm)
	c.log.Debug().Str("cmd", strings.TrimSpace(cmd)).Msg("gpib controller")
	_, err := c.rw.Write([]byte(cmd))
	return err
}

// FrontPanel returns the instrument to local front panel control when local is
// true, otherwise it places the instrument under remote control.
func (c *Controller) FrontPanel(local bool) error {
	if local {
		return c.CommandController("loc")
	}
	return c.CommandController("llo")
}

// ClearDevice sends the Selected Device Clear (SDC) message to the instrument.
func (c *Controller) ClearDevice() error {
	return c.CommandController("clr")
}

// Close returns the instrument to front panel control and closes the underlying
// link if it can be closed.
func (c *Controller) Close() error {
	err := c.FrontPanel(true)
	if closer, ok := c.rw.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	return err
}

// GpibTerm provides the type for the available GPIB terminators.
type GpibTerm int

// Available GPIB terminators for the Prologix Controller.
const (
	AppendCRLF GpibTerm = iota
	AppendCR
	AppendLF
	AppendNothing
)

var gpibTermDesc = map[GpibTerm]string{
	AppendCRLF:    `Append CR+LF (\r\n) to instrument commands`,
	AppendCR:      `Append CR (\r) to instrument commands`,
	AppendLF:      `Append LF (\n) to instrument commands`,
	AppendNothing: `Do not append anything to instrument commands`,
}

func (term GpibTerm) String() string {
	return gpibTermDesc[term]
}

func readTimeoutMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	if ms > 3000 {
		return 3000
	}
	return ms
}

// isPrimaryAddressValid checks that the primary GPIB address is between 0 and
// 30, inclusive.
func isPrimaryAddressValid(addr int) bool {
	if addr < 0 || addr > 30 {
		return false
	}
	return true
}

// isSecondaryAddressValid checks that the secondary GPIB address is between 96
// and 126, inclusive.
func isSecondaryAddressValid(addr int) bool {
	if addr < 96 || addr > 126 {
		return false
	}
	return true
}
