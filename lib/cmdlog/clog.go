// Package cmdlog renders a styled transcript of the commands sent to an
// instrument and the responses it gave.
package cmdlog

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
)

func isASCII(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

var (
	CmdStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	RespStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	NoneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	ErrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Transcript logs commands and responses. A nil *Transcript discards
// everything, so callers need not check whether transcripts are enabled.
type Transcript struct {
	log zerolog.Logger
}

// New returns a transcript that writes to l at info level.
func New(l zerolog.Logger) *Transcript {
	return &Transcript{log: l}
}

// Command records a command sent to the instrument.
func (t *Transcript) Command(cmd string) {
	if t == nil {
		return
	}
	t.log.Info().Msgf("%s()", CmdStyle.Render(cmd))
}

// Response records the response to query q.
func (t *Transcript) Response(q, resp string) {
	if t == nil {
		return
	}
	t.log.Info().Msgf("%s: %s", CmdStyle.Render(strings.TrimSpace(q)), Render(resp))
}

// Error records a failed command or query.
func (t *Transcript) Error(cmd string, err error) {
	if t == nil {
		return
	}
	t.log.Error().Err(err).Msgf("%s: %s", CmdStyle.Render(strings.TrimSpace(cmd)), ErrStyle.Render("failed"))
}

// Render formats a response for the transcript: quoted text for ASCII, hex
// for binary data and a marker for an empty response.
func Render(resp string) string {
	resp = strings.TrimSuffix(resp, "\n")
	switch {
	case len(resp) == 0:
		return NoneStyle.Render("<no response>")
	case isASCII(resp):
		return RespStyle.Render(fmt.Sprintf("[%d] %q", len(resp), resp))
	case len(resp) < 32:
		return RespStyle.Render(fmt.Sprintf("[%d] %q (% 2x)", len(resp), resp, []byte(resp)))
	}
	return RespStyle.Render(fmt.Sprintf("[%d] % 2x", len(resp), []byte(resp)))
}
