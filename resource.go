// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package benchlab

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// InterfaceType identifies the bus an instrument resource lives on.
type InterfaceType int

// Supported instrument interfaces.
const (
	GPIB InterfaceType = iota
	TCPIP
	ASRL
)

var interfaceDesc = map[InterfaceType]string{
	GPIB:  "GPIB",
	TCPIP: "TCPIP",
	ASRL:  "ASRL",
}

func (it InterfaceType) String() string {
	return interfaceDesc[it]
}

// Resource is a parsed VISA-style instrument resource name such as
// GPIB0::5::INSTR, TCPIP0::10.0.0.7::5025::SOCKET or ASRL/dev/ttyUSB0::INSTR.
type Resource struct {
	Interface        InterfaceType
	Board            int
	PrimaryAddr      int
	HasSecondaryAddr bool
	SecondaryAddr    int
	Host             string
	Port             int
	Device           string // serial device for ASRL resources
}

// ParseResource parses a VISA-style resource name. Only GPIB INSTR, TCPIP
// SOCKET and ASRL INSTR resources are supported.
func ParseResource(s string) (Resource, error) {
	var r Resource
	parts := strings.Split(strings.TrimSpace(s), "::")
	if len(parts) < 2 {
		return r, errors.Wrapf(ErrUnsupportedResource, "%q", s)
	}
	head := parts[0]
	class := strings.ToUpper(parts[len(parts)-1])
	fields := parts[1 : len(parts)-1]
	upper := strings.ToUpper(head)

	switch {
	case strings.HasPrefix(upper, "GPIB"):
		if class != "INSTR" || len(fields) < 1 || len(fields) > 2 {
			return r, errors.Wrapf(ErrUnsupportedResource, "%q", s)
		}
		board, err := parseBoard(head[len("GPIB"):])
		if err != nil {
			return r, errors.Wrapf(err, "resource %q", s)
		}
		r.Interface = GPIB
		r.Board = board
		r.PrimaryAddr, err = strconv.Atoi(fields[0])
		if err != nil {
			return r, errors.Wrapf(err, "resource %q: primary address", s)
		}
		if !isPrimaryAddressValid(r.PrimaryAddr) {
			return r, errors.Errorf("resource %q: invalid primary address %d (must be 0-30)", s, r.PrimaryAddr)
		}
		if len(fields) == 2 {
			r.SecondaryAddr, err = strconv.Atoi(fields[1])
			if err != nil {
				return r, errors.Wrapf(err, "resource %q: secondary address", s)
			}
			if !isSecondaryAddressValid(r.SecondaryAddr) {
				return r, errors.Errorf("resource %q: invalid secondary address %d (must be 96-126)", s, r.SecondaryAddr)
			}
			r.HasSecondaryAddr = true
		}
	case strings.HasPrefix(upper, "TCPIP"):
		if class != "SOCKET" || len(fields) != 2 {
			return r, errors.Wrapf(ErrUnsupportedResource, "%q", s)
		}
		board, err := parseBoard(head[len("TCPIP"):])
		if err != nil {
			return r, errors.Wrapf(err, "resource %q", s)
		}
		r.Interface = TCPIP
		r.Board = board
		r.Host = fields[0]
		if r.Host == "" {
			return r, errors.Errorf("resource %q: empty host", s)
		}
		r.Port, err = strconv.Atoi(fields[1])
		if err != nil || r.Port < 1 || r.Port > 65535 {
			return r, errors.Errorf("resource %q: invalid port %q", s, fields[1])
		}
	case strings.HasPrefix(upper, "ASRL"):
		if class != "INSTR" || len(fields) != 0 {
			return r, errors.Wrapf(ErrUnsupportedResource, "%q", s)
		}
		r.Interface = ASRL
		r.Device = head[len("ASRL"):]
		if r.Device == "" {
			return r, errors.Errorf("resource %q: empty serial device", s)
		}
	default:
		return r, errors.Wrapf(ErrUnsupportedResource, "%q", s)
	}
	return r, nil
}

func parseBoard(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	board, err := strconv.Atoi(s)
	if err != nil || board < 0 {
		return 0, errors.Errorf("invalid board number %q", s)
	}
	return board, nil
}

// String renders the resource back into its canonical VISA form.
func (r Resource) String() string {
	switch r.Interface {
	case GPIB:
		if r.HasSecondaryAddr {
			return fmt.Sprintf("GPIB%d::%d::%d::INSTR", r.Board, r.PrimaryAddr, r.SecondaryAddr)
		}
		return fmt.Sprintf("GPIB%d::%d::INSTR", r.Board, r.PrimaryAddr)
	case TCPIP:
		return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", r.Board, r.Host, r.Port)
	case ASRL:
		return fmt.Sprintf("ASRL%s::INSTR", r.Device)
	}
	return "unknown resource"
}
