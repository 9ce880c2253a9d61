// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package benchlab

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gotmc/benchlab/lib/block"
	"github.com/gotmc/benchlab/lib/cmdlog"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// DefaultGPIBAdapter is the serial device of the Prologix GPIB-USB adapter
// used for GPIB resources unless WithGPIBAdapter says otherwise.
const DefaultGPIBAdapter = "/dev/ttyUSB0"

// Session is an open connection to one SCPI instrument. It is not safe for
// concurrent use.
type Session struct {
	rw         io.ReadWriter
	br         *bufio.Reader
	talk       func() error
	resource   string
	timeout    time.Duration
	writeTerm  string
	readTerm   byte
	baud       int
	adapter    string
	gpibOpts   []ControllerOption
	log        zerolog.Logger
	transcribe bool
	transcript *cmdlog.Transcript
	closed     bool
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the i/o timeout of the session. Defaults to 5 seconds.
func WithTimeout(d time.Duration) Option { return func(s *Session) { s.timeout = d } }

// WithWriteTermination sets the string appended to every command.
func WithWriteTermination(term string) Option { return func(s *Session) { s.writeTerm = term } }

// WithReadTermination sets the byte that ends an instrument response.
func WithReadTermination(term byte) Option { return func(s *Session) { s.readTerm = term } }

// WithBaudRate sets the baud rate of ASRL resources. Defaults to 9600.
func WithBaudRate(baud int) Option { return func(s *Session) { s.baud = baud } }

// WithGPIBAdapter selects the Prologix adapter that GPIB resources are reached
// through: a serial device for GPIB-USB or host[:port] for GPIB-ETHERNET.
func WithGPIBAdapter(addr string) Option { return func(s *Session) { s.adapter = addr } }

// WithGPIBOptions passes options to the GPIB controller of GPIB resources.
func WithGPIBOptions(opts ...ControllerOption) Option {
	return func(s *Session) { s.gpibOpts = append(s.gpibOpts, opts...) }
}

// WithLogger sets the logger of the session.
func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }

// WithTranscript logs every command and response in a styled transcript.
func WithTranscript() Option {
	return func(s *Session) { s.transcribe = true }
}

func newSession(opts ...Option) *Session {
	s := &Session{
		timeout:   5 * time.Second,
		writeTerm: "\n",
		readTerm:  '\n',
		baud:      9600,
		adapter:   DefaultGPIBAdapter,
		log:       log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.transcribe {
		s.transcript = cmdlog.New(s.log)
	}
	return s
}

// Open opens the named instrument resource, for example GPIB0::5::INSTR,
// TCPIP0::192.168.1.20::5025::SOCKET or ASRL/dev/ttyUSB1::INSTR.
func Open(resource string, opts ...Option) (*Session, error) {
	r, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	s := newSession(opts...)
	s.resource = r.String()

	switch r.Interface {
	case TCPIP:
		link, err := dialSocket(net.JoinHostPort(r.Host, strconv.Itoa(r.Port)), s.timeout)
		if err != nil {
			return nil, err
		}
		s.attach(link)
	case ASRL:
		link, err := openSerial(r.Device, s.baud, s.timeout)
		if err != nil {
			return nil, err
		}
		s.attach(link)
	case GPIB:
		link, err := openAdapter(s.adapter, s.timeout)
		if err != nil {
			return nil, err
		}
		gopts := []ControllerOption{
			WithReadTimeout(s.timeout),
			WithControllerLogger(s.log),
		}
		if r.HasSecondaryAddr {
			gopts = append(gopts, WithSecondaryAddress(r.SecondaryAddr))
		}
		gopts = append(gopts, s.gpibOpts...)
		ctrl, err := NewController(link, r.PrimaryAddr, false, gopts...)
		if err != nil {
			return nil, multierr.Append(err, link.Close())
		}
		s.attach(ctrl)
	}

	s.log.Info().Str("resource", s.resource).Dur("timeout", s.timeout).Msg("opened instrument")
	return s, nil
}

// NewSession wraps an already open byte stream to an instrument. If rw has a
// Talk method it is called before every response is read.
func NewSession(rw io.ReadWriter, opts ...Option) *Session {
	s := newSession(opts...)
	s.resource = "stream"
	s.attach(rw)
	return s
}

func (s *Session) attach(rw io.ReadWriter) {
	s.rw = rw
	s.br = bufio.NewReader(rw)
	if t, ok := rw.(interface{ Talk() error }); ok {
		s.talk = t.Talk
	}
}

// Resource returns the canonical name of the resource the session is open to.
func (s *Session) Resource() string { return s.resource }

// Command formats according to a format specifier if provided and sends a
// SCPI command to the instrument. Leading and trailing whitespace is removed
// before the write termination is appended.
func (s *Session) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	return s.write(cmd)
}

func (s *Session) write(cmd string) error {
	if s.closed {
		return ErrClosed
	}
	cmd = strings.TrimSpace(cmd)
	s.log.Debug().Str("resource", s.resource).Str("cmd", cmd).Msg("write")
	s.transcript.Command(cmd)
	if _, err := io.WriteString(s.rw, cmd+s.writeTerm); err != nil {
		err = errors.Wrapf(err, "writing %q", cmd)
		s.transcript.Error(cmd, err)
		return err
	}
	return nil
}

func (s *Session) requestResponse() error {
	if s.closed {
		return ErrClosed
	}
	if s.talk == nil {
		return nil
	}
	return errors.Wrap(s.talk(), "requesting response")
}

// Read reads one response line, without its termination, from the
// instrument.
func (s *Session) Read() (string, error) {
	if err := s.requestResponse(); err != nil {
		return "", err
	}
	line, err := s.br.ReadString(s.readTerm)
	if err == io.EOF && len(line) > 0 {
		err = nil
	}
	if err != nil {
		return "", errors.Wrap(err, "reading response")
	}
	line = strings.TrimSuffix(line, string(s.readTerm))
	return strings.TrimRight(line, "\r\n"), nil
}

// Query sends cmd and returns the instrument's response line.
func (s *Session) Query(cmd string) (string, error) {
	if err := s.write(cmd); err != nil {
		return "", err
	}
	resp, err := s.Read()
	if err != nil {
		s.transcript.Error(cmd, err)
		return "", errors.Wrapf(err, "query %q", strings.TrimSpace(cmd))
	}
	s.transcript.Response(cmd, resp)
	return resp, nil
}

// ReadASCIIValues reads one response line and parses it as a comma separated
// list of numbers.
func (s *Session) ReadASCIIValues() ([]float64, error) {
	line, err := s.Read()
	if err != nil {
		return nil, err
	}
	return block.ParseASCII(line)
}

// QueryASCIIValues sends cmd and parses the response as a comma separated list
// of numbers.
func (s *Session) QueryASCIIValues(cmd string) ([]float64, error) {
	if err := s.write(cmd); err != nil {
		return nil, err
	}
	vals, err := s.ReadASCIIValues()
	return vals, errors.Wrapf(err, "query %q", strings.TrimSpace(cmd))
}

// QueryBinaryBlock sends cmd and reads an IEEE 488.2 arbitrary block response,
// returning its payload.
func (s *Session) QueryBinaryBlock(cmd string) ([]byte, error) {
	if err := s.write(cmd); err != nil {
		return nil, err
	}
	if err := s.requestResponse(); err != nil {
		return nil, err
	}
	hdr, _ := s.br.Peek(2)
	indefinite := len(hdr) == 2 && hdr[1] == '0'
	data, err := block.Read(s.br)
	if err != nil {
		s.transcript.Error(cmd, err)
		return nil, errors.Wrapf(err, "query %q", strings.TrimSpace(cmd))
	}
	// An indefinite length block already ends with its termination.
	if !indefinite {
		s.dropTermination()
	}
	s.transcript.Response(cmd, string(data))
	return data, nil
}

// dropTermination consumes the response termination following a block,
// waiting for it if it has not arrived yet. A timeout or end of stream means
// the instrument sent none.
func (s *Session) dropTermination() {
	b, err := s.br.ReadByte()
	if err != nil {
		s.log.Debug().Err(err).Str("resource", s.resource).Msg("no termination after block")
		return
	}
	if b != s.readTerm {
		_ = s.br.UnreadByte()
	}
}

// Reset sends *RST.
func (s *Session) Reset() error { return s.write("*RST") }

// Clear sends *CLS.
func (s *Session) Clear() error { return s.write("*CLS") }

// Identify queries *IDN? and returns the trimmed identification string.
func (s *Session) Identify() (string, error) {
	idn, err := s.Query("*IDN?")
	return strings.TrimSpace(idn), err
}

// Close closes the link to the instrument. GPIB instruments are first returned
// to front panel control.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Info().Str("resource", s.resource).Msg("closing instrument")
	if closer, ok := s.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
