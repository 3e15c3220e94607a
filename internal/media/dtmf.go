package media

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// DTMF digits travel in SIP INFO requests. Two body formats are common:
//
//  1. Content-Type: application/dtmf-relay
//     Signal=5\r\nDuration=160\r\n
//
//  2. Content-Type: application/dtmf
//     5
//
// Outgoing digits always use application/dtmf-relay.

const (
	// ContentTypeDTMFRelay is the content type of outgoing INFO digits.
	ContentTypeDTMFRelay = "application/dtmf-relay"

	// DefaultToneDuration is used when the caller does not choose one.
	DefaultToneDuration = 160 * time.Millisecond
)

// ErrInvalidDTMF is returned for bodies or input strings that are not DTMF.
var ErrInvalidDTMF = errors.New("invalid dtmf")

// Tone is one DTMF digit with its duration (zero if unspecified).
type Tone struct {
	Signal   string
	Duration time.Duration
}

func validSignal(s string) bool {
	if len(s) != 1 {
		return false
	}
	switch c := s[0]; {
	case c >= '0' && c <= '9', c == '*', c == '#', c >= 'A' && c <= 'D':
		return true
	}
	return false
}

// ParseInfo decodes a SIP INFO body according to its Content-Type.
func ParseInfo(contentType string, body []byte) (Tone, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch ct {
	case ContentTypeDTMFRelay:
		return parseRelay(body)
	case "application/dtmf":
		sig := strings.ToUpper(strings.TrimSpace(string(body)))
		if !validSignal(sig) {
			return Tone{}, ErrInvalidDTMF
		}
		return Tone{Signal: sig}, nil
	default:
		return Tone{}, ErrInvalidDTMF
	}
}

// parseRelay reads "Signal=<digit>" and an optional "Duration=<ms>" line.
// A missing or malformed duration is treated as unspecified.
func parseRelay(body []byte) (Tone, error) {
	var t Tone
	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			sig := strings.ToUpper(value)
			if !validSignal(sig) {
				return Tone{}, ErrInvalidDTMF
			}
			t.Signal = sig
		case "duration":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				t.Duration = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if t.Signal == "" {
		return Tone{}, ErrInvalidDTMF
	}
	return t, nil
}

// RelayBody encodes a tone as an application/dtmf-relay body.
func RelayBody(t Tone) []byte {
	d := t.Duration
	if d <= 0 {
		d = DefaultToneDuration
	}
	return []byte("Signal=" + t.Signal + "\r\nDuration=" + strconv.FormatInt(d.Milliseconds(), 10) + "\r\n")
}

// SplitInput turns a user input string into tones, one per digit, each
// with the given duration. Lower-case a-d are accepted.
func SplitInput(input string, duration time.Duration) ([]Tone, error) {
	if input == "" {
		return nil, ErrInvalidDTMF
	}
	tones := make([]Tone, 0, len(input))
	for _, r := range strings.ToUpper(input) {
		sig := string(r)
		if !validSignal(sig) {
			return nil, ErrInvalidDTMF
		}
		tones = append(tones, Tone{Signal: sig, Duration: duration})
	}
	return tones, nil
}
