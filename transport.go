// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package benchlab

import (
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// prologixPort is the TCP port of the Prologix GPIB-ETHERNET adapter.
const prologixPort = "1234"

// serialLink adapts a serial port so a read that times out without data is
// reported as ErrTimeout instead of a zero-length success.
type serialLink struct {
	serial.Port
}

func openSerial(device string, baud int, timeout time.Duration) (*serialLink, error) {
	if n, err := strconv.Atoi(device); err == nil {
		device = "COM" + strconv.Itoa(n) // ASRL3::INSTR
	}
	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port %s", device)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "setting serial read timeout"), port.Close())
	}
	return &serialLink{port}, nil
}

func (s *serialLink) Read(p []byte) (int, error) {
	n, err := s.Port.Read(p)
	if n == 0 && err == nil {
		return 0, ErrTimeout
	}
	return n, err
}

// Close discards any unread data and closes the port.
func (s *serialLink) Close() error {
	return multierr.Combine(s.Port.ResetInputBuffer(), s.Port.Close())
}

// socketLink is a TCP connection with a deadline applied to every read and
// write.
type socketLink struct {
	net.Conn
	timeout time.Duration
}

func dialSocket(addr string, timeout time.Duration) (*socketLink, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	return &socketLink{Conn: conn, timeout: timeout}, nil
}

func (s *socketLink) Read(p []byte) (int, error) {
	if err := s.Conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, err
	}
	n, err := s.Conn.Read(p)
	return n, timeoutErr(err)
}

func (s *socketLink) Write(p []byte) (int, error) {
	if err := s.Conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, err
	}
	n, err := s.Conn.Write(p)
	return n, timeoutErr(err)
}

func timeoutErr(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// openAdapter opens the link to a Prologix adapter. Addresses that look like a
// device path are serial ports (GPIB-USB), anything else is a GPIB-ETHERNET
// host with an optional port.
func openAdapter(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(strings.ToUpper(addr), "COM") {
		return openSerial(addr, 115200, timeout)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, prologixPort)
	}
	return dialSocket(addr, timeout)
}
