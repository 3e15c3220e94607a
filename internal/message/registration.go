package message

import (
	"fmt"
	"time"
)

// RegistrationState is the outcome carried by EventRegistration.
type RegistrationState int

const (
	RegistrationSuccessful RegistrationState = iota
	RegistrationRemoved                      // unregistered, possibly with an error
	RegistrationFailed                       // never registered; Error says why
	RegistrationRetrying                     // a refresh failed, retries continue
	RegistrationRestored                     // registered again after Retrying
)

var registrationStateNames = []string{
	RegistrationSuccessful: "Successful",
	RegistrationRemoved:    "Removed",
	RegistrationFailed:     "Failed",
	RegistrationRetrying:   "Retrying",
	RegistrationRestored:   "Restored",
}

func (s RegistrationState) String() string {
	if s >= 0 && int(s) < len(registrationStateNames) {
		return registrationStateNames[s]
	}
	return fmt.Sprintf("RegistrationState(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s RegistrationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Registration describes a registration with a registrar. Commands fill
// Server, Identifier and TTL; events fill Protocol, Server, Identifier,
// State and Error.
type Registration struct {
	Protocol   string            `json:"protocol,omitempty"`
	Server     string            `json:"server"`
	Identifier string            `json:"identifier,omitempty"`
	TTL        time.Duration     `json:"ttl,omitempty"`
	State      RegistrationState `json:"state"`
	Error      string            `json:"error,omitempty"`
}
