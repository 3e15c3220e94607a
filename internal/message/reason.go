package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reason explains why a call was cleared. The zero value is ReasonUnknown,
// which is the default when the application does not give one.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonNormal
	ReasonRemoteHangup
	ReasonBusy
	ReasonNoAnswer
	ReasonRefused
	ReasonUnreachable
	ReasonTimeout
	ReasonMediaFailed
	ReasonSignalingError
	ReasonShutdown
	ReasonResourceExhausted
)

var reasonNames = []string{
	ReasonUnknown:           "Unknown",
	ReasonNormal:            "Normal",
	ReasonRemoteHangup:      "RemoteHangup",
	ReasonBusy:              "Busy",
	ReasonNoAnswer:          "NoAnswer",
	ReasonRefused:           "Refused",
	ReasonUnreachable:       "Unreachable",
	ReasonTimeout:           "Timeout",
	ReasonMediaFailed:       "MediaFailed",
	ReasonSignalingError:    "SignalingError",
	ReasonShutdown:          "Shutdown",
	ReasonResourceExhausted: "ResourceExhausted",
}

// Valid reports whether r is one of the defined reasons.
func (r Reason) Valid() bool {
	return r >= 0 && int(r) < len(reasonNames)
}

// String returns the reason name.
func (r Reason) String() string {
	if r.Valid() {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// ParseReason converts a reason name (case-insensitive) to a Reason. An
// empty string yields ReasonUnknown.
func ParseReason(s string) (Reason, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ReasonUnknown, nil
	}
	for i, name := range reasonNames {
		if strings.EqualFold(name, s) {
			return Reason(i), nil
		}
	}
	return ReasonUnknown, fmt.Errorf("unknown clear reason %q", s)
}

// MarshalJSON encodes the reason by name.
func (r Reason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a reason name.
func (r *Reason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseReason(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
