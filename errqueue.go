// Copyright (c) 2020–2026 The benchlab developers. All rights reserved.
// Project site: https://github.com/gotmc/benchlab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package benchlab

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Errors returned by the transport binding.
var (
	ErrUnsupportedResource = errors.New("unsupported instrument resource")
	ErrTimeout             = errors.New("instrument i/o timeout")
	ErrClosed              = errors.New("session closed")
)

// NoErrorSentinel is the text an instrument's error queue reports once it has
// been emptied.
const NoErrorSentinel = "No error"

// InstrumentError is one entry read from an instrument's SCPI error queue.
type InstrumentError struct {
	Code    int
	Message string
}

func (e *InstrumentError) Error() string {
	return fmt.Sprintf("instrument error %d: %s", e.Code, e.Message)
}

// ParseInstrumentError parses a SYST:ERR? response of the form
// `-113,"Undefined header"`. Responses without a numeric code are kept whole
// as the message.
func ParseInstrumentError(resp string) *InstrumentError {
	resp = strings.TrimSpace(resp)
	code, msg, found := strings.Cut(resp, ",")
	if !found {
		return &InstrumentError{Message: resp}
	}
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return &InstrumentError{Message: resp}
	}
	return &InstrumentError{Code: n, Message: strings.Trim(strings.TrimSpace(msg), `"`)}
}

// DrainErrors reads the SYST:ERR? queue until the instrument reports the
// NoErrorSentinel. Every other entry is returned as an *InstrumentError
// combined with multierr; use multierr.Errors to list them. A failed query or
// a cancelled context stops the drain and is returned wrapped.
func DrainErrors(ctx context.Context, q query.Querier) error {
	var queued error
	for {
		if err := ctx.Err(); err != nil {
			return multierr.Append(queued, errors.Wrap(err, "draining error queue"))
		}
		resp, err := query.String(q, "SYST:ERR?")
		if err != nil {
			return multierr.Append(queued, errors.Wrap(err, "draining error queue"))
		}
		if strings.Contains(resp, NoErrorSentinel) {
			return queued
		}
		queued = multierr.Append(queued, ParseInstrumentError(resp))
	}
}

// InstrumentErrors splits err into the instrument error-queue entries it
// carries and whatever else is left.
func InstrumentErrors(err error) (entries []*InstrumentError, rest error) {
	for _, e := range multierr.Errors(err) {
		var ie *InstrumentError
		if errors.As(e, &ie) {
			entries = append(entries, ie)
			continue
		}
		rest = multierr.Append(rest, e)
	}
	return entries, rest
}
