package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowpbx/callctl/internal/message"
)

// ErrInvalidTransition is returned when a state change is not allowed from
// the call's current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// Call is one telephony session. All mutation happens through Table.Update,
// which holds the call's mutex; the accessor methods must only be used
// inside an Update callback or on a copy obtained from Info.
type Call struct {
	mu sync.Mutex

	token        string
	direction    Direction
	state        State
	remoteParty  string
	localParty   string
	alertingType string

	clearReason   message.Reason
	answerPending bool

	created     time.Time
	established *time.Time
	cleared     *time.Time
}

func newCall(token string, dir Direction, remote, local, alertingType string) *Call {
	return &Call{
		token:        token,
		direction:    dir,
		state:        StateIdle,
		remoteParty:  remote,
		localParty:   local,
		alertingType: alertingType,
		created:      time.Now(),
	}
}

func (c *Call) Token() string                { return c.token }
func (c *Call) Direction() Direction         { return c.direction }
func (c *Call) State() State                 { return c.state }
func (c *Call) RemoteParty() string          { return c.remoteParty }
func (c *Call) LocalParty() string           { return c.localParty }
func (c *Call) AlertingType() string         { return c.alertingType }
func (c *Call) ClearReason() message.Reason  { return c.clearReason }
func (c *Call) AnswerPending() bool          { return c.answerPending }
func (c *Call) SetAnswerPending(v bool)      { c.answerPending = v }
func (c *Call) Created() time.Time           { return c.created }
func (c *Call) Established() *time.Time      { return c.established }

// Transition moves the call to next. Entering Clearing must go through
// BeginClearing so the reason is recorded.
func (c *Call) Transition(next State) error {
	if next == StateClearing {
		return fmt.Errorf("%w: use BeginClearing", ErrInvalidTransition)
	}
	if !c.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, next)
	}

	now := time.Now()
	switch next {
	case StateEstablished:
		c.established = &now
		c.answerPending = false
	case StateCleared:
		c.cleared = &now
	}
	c.state = next
	return nil
}

// BeginClearing moves the call into Clearing and records why. It returns
// false without changing anything if the call is already clearing or
// cleared.
func (c *Call) BeginClearing(reason message.Reason) bool {
	if c.state == StateClearing || c.state == StateCleared {
		return false
	}
	c.state = StateClearing
	c.clearReason = reason
	c.answerPending = false
	return true
}

// Record builds the summary carried on the cleared event.
func (c *Call) Record() *message.Record {
	r := &message.Record{
		Direction:   string(c.direction),
		PartyA:      c.localParty,
		PartyB:      c.remoteParty,
		Created:     c.created,
		Established: c.established,
	}
	if c.direction == DirectionIncoming {
		r.PartyA, r.PartyB = c.remoteParty, c.localParty
	}
	if c.cleared != nil {
		r.Cleared = *c.cleared
	} else {
		r.Cleared = time.Now()
	}
	return r
}

// Info is a point-in-time copy of a call's attributes.
type Info struct {
	Token        string         `json:"token"`
	Direction    Direction      `json:"direction"`
	State        State          `json:"state"`
	RemoteParty  string         `json:"remote_party"`
	LocalParty   string         `json:"local_party"`
	AlertingType string         `json:"alerting_type,omitempty"`
	ClearReason  message.Reason `json:"clear_reason,omitempty"`
	Created      time.Time      `json:"created"`
	Established  *time.Time     `json:"established,omitempty"`
}

// Info returns a copy of the call's attributes, taking the call's lock.
func (c *Call) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info()
}

func (c *Call) info() Info {
	return Info{
		Token:        c.token,
		Direction:    c.direction,
		State:        c.state,
		RemoteParty:  c.remoteParty,
		LocalParty:   c.localParty,
		AlertingType: c.alertingType,
		ClearReason:  c.clearReason,
		Created:      c.created,
		Established:  c.established,
	}
}
