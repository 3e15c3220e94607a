package message

import (
	"fmt"
	"time"
)

// Kind identifies what a Message carries. Command kinds flow from the
// application to the engine; event kinds flow back through the queue.
type Kind int

const (
	CommandSetUp Kind = iota + 1
	CommandAnswer
	CommandClear
	CommandUserInput
	CommandRegister

	EventCallStarted
	EventAlerting
	EventIncomingCall
	EventEstablished
	EventMediaStream
	EventUserInput
	EventCallClearing
	EventCallCleared
	EventRegistration

	// Error reports a command that was accepted but failed asynchronously.
	Error

	// QueueOverflow replaces messages dropped because the queue was full.
	QueueOverflow

	// Shutdown is the terminal sentinel returned once the context is shut down.
	Shutdown
)

var kindNames = map[Kind]string{
	CommandSetUp:      "SetUpCall",
	CommandAnswer:     "AnswerCall",
	CommandClear:      "ClearCall",
	CommandUserInput:  "SendUserInput",
	CommandRegister:   "Register",
	EventCallStarted:  "CallStarted",
	EventAlerting:     "Alerting",
	EventIncomingCall: "IncomingCall",
	EventEstablished:  "Established",
	EventMediaStream:  "MediaStream",
	EventUserInput:    "UserInput",
	EventCallClearing: "CallClearing",
	EventCallCleared:  "CallCleared",
	EventRegistration: "Registration",
	Error:             "Error",
	QueueOverflow:     "QueueOverflow",
	Shutdown:          "Shutdown",
}

// String returns the name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText encodes the kind by name so JSON events are readable.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsCommand reports whether the kind is an application command.
func (k Kind) IsCommand() bool {
	return k >= CommandSetUp && k <= CommandRegister
}

// Critical reports whether messages of this kind must never be dropped on
// queue overflow.
func (k Kind) Critical() bool {
	switch k {
	case EventCallCleared, EventIncomingCall, Shutdown:
		return true
	default:
		return false
	}
}

// StreamInfo describes a media stream opened or closed on a call.
type StreamInfo struct {
	ID        string `json:"id"`
	Type      string `json:"type"`      // "audio", "video"
	Direction string `json:"direction"` // "sendrecv", "sendonly", "recvonly", "inactive"
	Format    string `json:"format"`    // e.g. "PCMU/8000"
	Opened    bool   `json:"opened"`
}

// Record summarises a call that reached the Cleared state.
type Record struct {
	Direction   string     `json:"direction"`
	PartyA      string     `json:"party_a"`
	PartyB      string     `json:"party_b"`
	Created     time.Time  `json:"created"`
	Established *time.Time `json:"established,omitempty"`
	Cleared     time.Time  `json:"cleared"`
}

// Duration returns the time from creation to clearing.
func (r Record) Duration() time.Duration {
	return r.Cleared.Sub(r.Created)
}

// BillableDuration returns the time from establishment to clearing, or zero
// if the call was never established.
func (r Record) BillableDuration() time.Duration {
	if r.Established == nil {
		return 0
	}
	return r.Cleared.Sub(*r.Established)
}

// Message is an immutable command or event record. It is passed by value;
// the pointer fields are never modified after construction.
type Message struct {
	Kind  Kind      `json:"kind"`
	Token string    `json:"token,omitempty"`
	Time  time.Time `json:"time"`

	// Call set-up and incoming call.
	PartyA       string `json:"party_a,omitempty"` // calling party
	PartyB       string `json:"party_b,omitempty"` // called party
	AlertingType string `json:"alerting_type,omitempty"`

	// Clearing and cleared.
	Reason Reason  `json:"reason,omitempty"`
	Record *Record `json:"record,omitempty"`

	// User input.
	Input    string        `json:"input,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// Media stream.
	Stream *StreamInfo `json:"stream,omitempty"`

	// Registration request or status.
	Registration *Registration `json:"registration,omitempty"`

	// Error text and overflow count.
	ErrorText string `json:"error,omitempty"`
	Dropped   int    `json:"dropped,omitempty"`
}

// String returns a short human-readable form used in logs.
func (m Message) String() string {
	if m.Token == "" {
		return m.Kind.String()
	}
	return m.Kind.String() + "[" + m.Token + "]"
}

// SetUp builds a CommandSetUp message.
func SetUp(partyB, partyA, alertingType string) Message {
	return Message{Kind: CommandSetUp, PartyA: partyA, PartyB: partyB, AlertingType: alertingType, Time: time.Now()}
}

// Answer builds a CommandAnswer message.
func Answer(token string) Message {
	return Message{Kind: CommandAnswer, Token: token, Time: time.Now()}
}

// Clear builds a CommandClear message.
func Clear(token string, reason Reason) Message {
	return Message{Kind: CommandClear, Token: token, Reason: reason, Time: time.Now()}
}

// UserInput builds a CommandUserInput message. A zero duration lets the
// endpoint choose tone timing.
func UserInput(token, input string, duration time.Duration) Message {
	return Message{Kind: CommandUserInput, Token: token, Input: input, Duration: duration, Time: time.Now()}
}

// Register builds a CommandRegister message. A zero ttl unregisters.
func Register(server, identifier string, ttl time.Duration) Message {
	return Message{
		Kind:         CommandRegister,
		Registration: &Registration{Server: server, Identifier: identifier, TTL: ttl},
		Time:         time.Now(),
	}
}

// NewEvent builds an event message of the given kind for a call.
func NewEvent(kind Kind, token string) Message {
	return Message{Kind: kind, Token: token, Time: time.Now()}
}

// NewError builds an Error message for a call.
func NewError(token string, err error) Message {
	m := NewEvent(Error, token)
	if err != nil {
		m.ErrorText = err.Error()
	}
	return m
}
