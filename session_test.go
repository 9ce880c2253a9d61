// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package benchlab

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// scriptedInstrument answers every line written to it from a table of
// replies. A query with several replies answers them in turn and then
// repeats the last one.
type scriptedInstrument struct {
	written []string
	replies map[string][]string
	out     bytes.Buffer
	closed  bool
}

func newScripted(replies map[string][]string) *scriptedInstrument {
	return &scriptedInstrument{replies: replies}
}

func (s *scriptedInstrument) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSuffix(string(p), "\n"), "\n") {
		s.written = append(s.written, line)
		q := s.replies[line]
		if len(q) == 0 {
			continue
		}
		s.out.WriteString(q[0])
		if len(q) > 1 {
			s.replies[line] = q[1:]
		}
	}
	return len(p), nil
}

func (s *scriptedInstrument) Read(p []byte) (int, error) { return s.out.Read(p) }

func (s *scriptedInstrument) Close() error {
	s.closed = true
	return nil
}

// talkingInstrument counts read requests.
type talkingInstrument struct {
	*scriptedInstrument
	talks int
}

func (t *talkingInstrument) Talk() error {
	t.talks++
	return nil
}

func nopSession(rw io.ReadWriter, opts ...Option) *Session {
	return NewSession(rw, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
}

func TestSessionQuery(t *testing.T) {
	inst := newScripted(map[string][]string{
		"*IDN?":      {"ACME,PS1000,SN42,1.0\r\n"},
		"MEAS:VOLT?": {"+1.250E+00\n"},
	})
	s := nopSession(inst)

	idn, err := s.Identify()
	if err != nil {
		t.Fatal(err)
	}
	if idn != "ACME,PS1000,SN42,1.0" {
		t.Errorf("Identify = %q", idn)
	}
	resp, err := s.Query("  MEAS:VOLT?  ")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "+1.250E+00" {
		t.Errorf("Query = %q", resp)
	}
	if err := s.Command("VOLT %g,(@%d)", 1.5, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Command("%s", "LIST:VOLT 1%,2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	want := []string{"*IDN?", "MEAS:VOLT?", "VOLT 1.5,(@2)", "LIST:VOLT 1%,2", "*RST", "*CLS"}
	if !slices.Equal(inst.written, want) {
		t.Errorf("written = %q, want %q", inst.written, want)
	}
	if s.Resource() != "stream" {
		t.Errorf("Resource = %q", s.Resource())
	}
}

func TestSessionNoResponse(t *testing.T) {
	s := nopSession(newScripted(nil))
	if _, err := s.Query("MEAS:VOLT?"); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestSessionASCIIValues(t *testing.T) {
	inst := newScripted(map[string][]string{
		"FETC:DLOG? 4,(@1)": {"+1.0E+00,+2.0E+00, 1.0E-01,2.0E-01\n"},
		"TRAC? TRACE1":      {"-90.5,-20\n"},
		"BAD?":              {"1,x\n"},
	})
	s := nopSession(inst)

	if err := s.Command("FETC:DLOG? 4,(@1)"); err != nil {
		t.Fatal(err)
	}
	vals, err := s.ReadASCIIValues()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(vals, []float64{1, 2, 0.1, 0.2}) {
		t.Errorf("ReadASCIIValues = %v", vals)
	}
	vals, err = s.QueryASCIIValues("TRAC? TRACE1")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(vals, []float64{-90.5, -20}) {
		t.Errorf("QueryASCIIValues = %v", vals)
	}
	if _, err := s.QueryASCIIValues("BAD?"); err == nil {
		t.Error("expected parse error")
	}
}

func TestSessionBinaryBlock(t *testing.T) {
	inst := newScripted(map[string][]string{
		":WAV:DATA?": {"#15\x00\x01\x02\n\xff\n"},
		"*OPC?":      {"1\n"},
	})
	s := nopSession(inst)

	data, err := s.QueryBinaryBlock(":WAV:DATA?")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{0, 1, 2, '\n', 0xff}) {
		t.Errorf("block = % x", data)
	}
	// The termination after the block must not be read as the next response.
	resp, err := s.Query("*OPC?")
	if err != nil || resp != "1" {
		t.Errorf("Query after block = %q, %v", resp, err)
	}
}

// chunkedInstrument hands out its replies one chunk per Read, the way a
// slow link delivers a long response.
type chunkedInstrument struct {
	written []string
	chunks  []string
}

func (c *chunkedInstrument) Write(p []byte) (int, error) {
	c.written = append(c.written, strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func (c *chunkedInstrument) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func TestSessionBinaryBlockSplitTermination(t *testing.T) {
	inst := &chunkedInstrument{chunks: []string{"#14abcd", "\n", "+1.5\n"}}
	s := nopSession(inst)

	data, err := s.QueryBinaryBlock(":WAV:DATA?")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "abcd" {
		t.Errorf("block = %q", data)
	}
	resp, err := s.Query("MEAS:VOLT?")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "+1.5" {
		t.Errorf("Query after block = %q, want +1.5", resp)
	}
}

func TestSessionBinaryBlockWithoutTermination(t *testing.T) {
	inst := &chunkedInstrument{chunks: []string{"#13abc", "#0xyz\n", "+2.5\n"}}
	s := nopSession(inst)

	for _, want := range []string{"abc", "xyz"} {
		data, err := s.QueryBinaryBlock(":WAV:DATA?")
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != want {
			t.Errorf("block = %q, want %q", data, want)
		}
	}
	resp, err := s.Query("MEAS:VOLT?")
	if err != nil || resp != "+2.5" {
		t.Errorf("Query after blocks = %q, %v", resp, err)
	}
}

func TestSessionTalk(t *testing.T) {
	inst := &talkingInstrument{scriptedInstrument: newScripted(map[string][]string{
		"*IDN?":      {"ACME\n"},
		":WAV:DATA?": {"#12ab\n"},
	})}
	s := nopSession(inst)
	if _, err := s.Query("*IDN?"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.QueryBinaryBlock(":WAV:DATA?"); err != nil {
		t.Fatal(err)
	}
	if err := s.Command("*RST"); err != nil {
		t.Fatal(err)
	}
	if inst.talks != 2 {
		t.Errorf("talks = %d, want one per response", inst.talks)
	}
}

func TestSessionClose(t *testing.T) {
	inst := newScripted(nil)
	s := nopSession(inst)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !inst.closed {
		t.Error("instrument not closed")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := s.Command("*RST"); !errors.Is(err, ErrClosed) {
		t.Errorf("Command after Close = %v", err)
	}
	if _, err := s.Query("*IDN?"); !errors.Is(err, ErrClosed) {
		t.Errorf("Query after Close = %v", err)
	}
}

func TestSessionTranscript(t *testing.T) {
	var buf bytes.Buffer
	inst := newScripted(map[string][]string{"*IDN?": {"ACME\n"}})
	s := NewSession(inst, WithLogger(zerolog.New(&buf)), WithTranscript())
	if _, err := s.Query("*IDN?"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "ACME") {
		t.Errorf("transcript missing response:\n%s", buf.String())
	}
}

func TestSessionDrainErrors(t *testing.T) {
	inst := newScripted(map[string][]string{
		"SYST:ERR?": {
			"-113,\"Undefined header\"\n",
			"-222,\"Data out of range\"\n",
			"+0,\"No error\"\n",
		},
	})
	s := nopSession(inst)
	entries, rest := InstrumentErrors(DrainErrors(context.Background(), s))
	if rest != nil {
		t.Fatal(rest)
	}
	if len(entries) != 2 || entries[0].Code != -113 || entries[1].Message != "Data out of range" {
		t.Errorf("entries = %+v", entries)
	}
}

// serveLines accepts one connection and hands every line received to
// handle, writing back whatever it returns.
func serveLines(t *testing.T, handle func(line string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			if resp := handle(sc.Text()); resp != "" {
				if _, err := io.WriteString(conn, resp); err != nil {
					return
				}
			}
		}
	}()
	return ln.Addr().String()
}

func TestOpenSocket(t *testing.T) {
	addr := serveLines(t, func(line string) string {
		if line == "*IDN?" {
			return "ACME,DSO,1,2.0\n"
		}
		return ""
	})
	host, port, _ := net.SplitHostPort(addr)
	s, err := Open("TCPIP0::"+host+"::"+port+"::SOCKET", WithLogger(zerolog.Nop()), WithTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	idn, err := s.Identify()
	if err != nil {
		t.Fatal(err)
	}
	if idn != "ACME,DSO,1,2.0" {
		t.Errorf("Identify = %q", idn)
	}
}

func TestOpenSocketTimeout(t *testing.T) {
	addr := serveLines(t, func(string) string { return "" })
	host, port, _ := net.SplitHostPort(addr)
	s, err := Open("TCPIP0::"+host+"::"+port+"::SOCKET", WithLogger(zerolog.Nop()), WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Query("*IDN?"); !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestOpenGPIBOverEthernetAdapter(t *testing.T) {
	lines := make(chan string, 64)
	var pending string
	addr := serveLines(t, func(line string) string {
		lines <- line
		switch line {
		case "*IDN?":
			pending = "HEWLETT-PACKARD,3582A,0,0\n"
		case "++read eoi":
			resp := pending
			pending = ""
			return resp
		}
		return ""
	})
	s, err := Open("GPIB0::11::INSTR",
		WithLogger(zerolog.Nop()),
		WithTimeout(time.Second),
		WithGPIBAdapter(addr))
	if err != nil {
		t.Fatal(err)
	}
	idn, err := s.Identify()
	if err != nil {
		t.Fatal(err)
	}
	if idn != "HEWLETT-PACKARD,3582A,0,0" {
		t.Errorf("Identify = %q", idn)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	var got []string
	for len(got) < 13 {
		select {
		case l := <-lines:
			got = append(got, l)
		case <-time.After(time.Second):
			t.Fatalf("adapter saw only %q", got)
		}
	}
	if got[2] != "++addr 11" || got[10] != "*IDN?" || got[11] != "++read eoi" || got[12] != "++loc" {
		t.Errorf("adapter saw %q", got)
	}
}

func TestOpenUnsupported(t *testing.T) {
	if _, err := Open("USB0::0x0957::0x1796::MY123::INSTR"); !errors.Is(err, ErrUnsupportedResource) {
		t.Errorf("err = %v", err)
	}
}
