// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package benchlab

import (
	"testing"

	"github.com/pkg/errors"
)

func TestParseResource(t *testing.T) {
	tests := []struct {
		in        string
		want      Resource
		canonical string
	}{
		{
			in:        "GPIB0::5::INSTR",
			want:      Resource{Interface: GPIB, PrimaryAddr: 5},
			canonical: "GPIB0::5::INSTR",
		},
		{
			in:        "gpib1::22::96::instr",
			want:      Resource{Interface: GPIB, Board: 1, PrimaryAddr: 22, HasSecondaryAddr: true, SecondaryAddr: 96},
			canonical: "GPIB1::22::96::INSTR",
		},
		{
			in:        "GPIB::7::INSTR",
			want:      Resource{Interface: GPIB, PrimaryAddr: 7},
			canonical: "GPIB0::7::INSTR",
		},
		{
			in:        "TCPIP0::192.168.1.20::5025::SOCKET",
			want:      Resource{Interface: TCPIP, Host: "192.168.1.20", Port: 5025},
			canonical: "TCPIP0::192.168.1.20::5025::SOCKET",
		},
		{
			in:        "ASRL/dev/ttyUSB0::INSTR",
			want:      Resource{Interface: ASRL, Device: "/dev/ttyUSB0"},
			canonical: "ASRL/dev/ttyUSB0::INSTR",
		},
		{
			in:        "ASRL3::INSTR",
			want:      Resource{Interface: ASRL, Device: "3"},
			canonical: "ASRL3::INSTR",
		},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseResource(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("ParseResource(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
			if got.String() != tc.canonical {
				t.Errorf("String() = %q, want %q", got.String(), tc.canonical)
			}
		})
	}
}

func TestParseResourceErrors(t *testing.T) {
	tests := []struct {
		in          string
		unsupported bool
	}{
		{"", true},
		{"USB0::0x0957::0x0F07::MY123::INSTR", true},
		{"TCPIP0::10.0.0.7::inst0::INSTR", true},
		{"GPIB0::5::SOCKET", true},
		{"GPIB0::INSTR", true},
		{"GPIB0::31::INSTR", false},
		{"GPIB0::5::12::INSTR", false},
		{"GPIBx::5::INSTR", false},
		{"TCPIP0::host::0::SOCKET", false},
		{"TCPIP0::::5025::SOCKET", false},
		{"ASRL::INSTR", false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			_, err := ParseResource(tc.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrUnsupportedResource); got != tc.unsupported {
				t.Errorf("errors.Is(%v, ErrUnsupportedResource) = %t", err, got)
			}
		})
	}
}

func TestInterfaceTypeString(t *testing.T) {
	for it, want := range map[InterfaceType]string{GPIB: "GPIB", TCPIP: "TCPIP", ASRL: "ASRL"} {
		if it.String() != want {
			t.Errorf("%d.String() = %q", it, it.String())
		}
	}
}
