// Package block decodes the data formats SCPI instruments answer bulk queries
// with: IEEE 488.2 arbitrary blocks and comma separated ASCII value lists.
package block

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrBadHeader = errors.New("invalid arbitrary block header")

// Read reads one arbitrary block from r and returns its payload.
//
// Definite length: '#', one digit d, d digits of payload length, payload.
// Indefinite length: "#0", payload up to and including a line feed, which is
// not returned.
func Read(r *bufio.Reader) ([]byte, error) {
	hash, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if hash != '#' {
		return nil, errors.Wrapf(ErrBadHeader, "want '#' got %q", hash)
	}
	d, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(io.ErrUnexpectedEOF, "block header")
	}
	if d < '0' || d > '9' {
		return nil, errors.Wrapf(ErrBadHeader, "length digit %q", d)
	}
	if d == '0' {
		data, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		return bytes.TrimSuffix(data, []byte{'\n'}), nil
	}
	digits := make([]byte, d-'0')
	if _, err := io.ReadFull(r, digits); err != nil {
		return nil, errors.Wrap(io.ErrUnexpectedEOF, "block length")
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil || n < 0 {
		return nil, errors.Wrapf(ErrBadHeader, "length %q", digits)
	}
	// Allocate as the payload arrives, not from the header's length.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(err, "block payload of %d bytes, got %d", n, buf.Len())
	}
	return buf.Bytes(), nil
}

// Parse decodes an arbitrary block held in memory. Anything after the block,
// typically the response termination, is returned as rest.
func Parse(b []byte) (data, rest []byte, err error) {
	br := bufio.NewReader(bytes.NewReader(b))
	data, err = Read(br)
	if err != nil {
		return nil, nil, err
	}
	rest, _ = io.ReadAll(br)
	return data, rest, nil
}

// ParseASCII parses a comma separated list of numbers such as
// "+1.000E+00,+2.5E-01". Surrounding whitespace is ignored and an empty line
// is an empty list.
func ParseASCII(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []float64{}, nil
	}
	fields := strings.Split(s, ",")
	vals := make([]float64, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "value %d", i)
		}
		vals = append(vals, v)
	}
	return vals, nil
}
