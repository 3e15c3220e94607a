package callcontrol

import (
	"log/slog"
	"time"

	"github.com/flowpbx/callctl/internal/message"
)

// DialRequest describes an outgoing call handed to the endpoint.
type DialRequest struct {
	PartyB       string // called party
	PartyA       string // calling party; empty selects the endpoint default
	AlertingType string
}

// RegisterRequest asks the endpoint to register with a registrar.
type RegisterRequest struct {
	Server     string        // registrar host or URI
	Identifier string        // user part of the address of record; empty selects the endpoint default
	TTL        time.Duration // zero unregisters
}

// Endpoint performs the signaling and media work for a context. All methods
// must return promptly and must not call back into the EventSink from the
// calling goroutine: the context holds the call's lock while it calls them.
type Endpoint interface {
	// Dial starts an outgoing call. A nil error means the request was
	// accepted; progress is reported through the EventSink.
	Dial(token string, req DialRequest) error

	// Answer accepts an incoming call that is alerting.
	Answer(token string) error

	// Hangup releases a call. The endpoint reports completion with
	// EventSink.OnCleared.
	Hangup(token string, reason message.Reason)

	// SendUserInput sends DTMF or other user indications on an established
	// call. A zero duration selects the endpoint's default tone length.
	SendUserInput(token, input string, duration time.Duration) error

	// Register starts, replaces or removes a registration. Outcomes are
	// reported with EventSink.OnRegistration.
	Register(req RegisterRequest) error

	// Close releases all endpoint resources.
	Close() error
}

// EventSink receives asynchronous call progress from an endpoint. It is
// implemented by Context and safe for concurrent use.
type EventSink interface {
	// OnIncomingCall registers a new incoming call and returns its token.
	OnIncomingCall(remote, local, alertingType string) (string, error)
	OnAlerting(token string)
	OnAccepted(token string)
	OnMediaStream(token string, info message.StreamInfo)
	OnUserInput(token, input string, duration time.Duration)
	// OnCleared reports that the call is gone on the wire.
	OnCleared(token string, reason message.Reason)
	// OnRegistration reports a change in a registration's status.
	OnRegistration(status message.Registration)
}

// EndpointFactory builds the endpoint for a context during Initialise.
type EndpointFactory func(opts Options, sink EventSink, logger *slog.Logger) (Endpoint, error)
