package block

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr error
	}{
		{"definite", "#15hello\n", []byte("hello"), nil},
		{"definite two digits", "#210abcdefghij", []byte("abcdefghij"), nil},
		{"binary payload", "#13\x00\n\xff", []byte{0x00, '\n', 0xff}, nil},
		{"empty definite", "#10", []byte{}, nil},
		{"indefinite", "#0abc\n", []byte("abc"), nil},
		{"indefinite at eof", "#0abc", []byte("abc"), nil},
		{"missing hash", "15hello", nil, ErrBadHeader},
		{"bad digit", "#x5hello", nil, ErrBadHeader},
		{"bad length", "#2a5hello", nil, ErrBadHeader},
		{"short payload", "#15hel", nil, io.ErrUnexpectedEOF},
		{"short length", "#3", nil, io.ErrUnexpectedEOF},
		{"oversized length", "#9999999999x", nil, io.ErrUnexpectedEOF},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Read(bufio.NewReader(strings.NewReader(tc.in)))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReadLargeBlock(t *testing.T) {
	payload := bytes.Repeat([]byte{0xa5}, 70000)
	in := append([]byte("#570000"), payload...)
	got, err := Read(bufio.NewReader(bytes.NewReader(in)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %d bytes, want %d", len(got), len(payload))
	}
}

func TestParseRest(t *testing.T) {
	data, rest, err := Parse([]byte("#14\x01\x02\x03\x04\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Errorf("data = % x", data)
	}
	if string(rest) != "\n" {
		t.Errorf("rest = %q, want newline", rest)
	}
}

func TestParseASCII(t *testing.T) {
	tests := []struct {
		in   string
		want []float64
	}{
		{"", []float64{}},
		{"  \n", []float64{}},
		{"1", []float64{1}},
		{"+1.000E+00,+2.5E-01", []float64{1, 0.25}},
		{" 1.5 , -2 ,3e3\n", []float64{1.5, -2, 3000}},
	}
	for _, tc := range tests {
		got, err := ParseASCII(tc.in)
		if err != nil {
			t.Errorf("ParseASCII(%q): %v", tc.in, err)
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("ParseASCII(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("ParseASCII(%q)[%d] = %v, want %v", tc.in, i, got[i], tc.want[i])
			}
		}
	}

	if _, err := ParseASCII("1,,2"); err == nil {
		t.Error("expected error for empty field")
	}
	if _, err := ParseASCII("1,volts"); err == nil {
		t.Error("expected error for non-numeric field")
	}
}
