package callcontrol

import (
	"errors"
	"time"

	"github.com/flowpbx/callctl/internal/call"
	"github.com/flowpbx/callctl/internal/message"
)

// Context implements EventSink for its endpoint. Callbacks that arrive
// after ShutDown or for a call in the wrong state are logged and ignored.
var _ EventSink = (*Context)(nil)

// OnIncomingCall registers an incoming call in Alerting and enqueues
// EventIncomingCall.
func (c *Context) OnIncomingCall(remote, local, alertingType string) (string, error) {
	if err := c.enter(); err != nil {
		return "", err
	}
	defer c.leave()

	token := c.table.Create(call.DirectionIncoming, remote, local, alertingType).Token()
	err := c.table.Update(token, func(cl *call.Call) error {
		if err := cl.Transition(call.StateAlerting); err != nil {
			return err
		}
		m := message.NewEvent(message.EventIncomingCall, token)
		m.PartyA = remote
		m.PartyB = local
		m.AlertingType = alertingType
		c.push(m)
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("incoming call", "token", token, "from", remote, "to", local)
	return token, nil
}

// OnAlerting reports that the remote party of an outgoing call is ringing.
func (c *Context) OnAlerting(token string) {
	c.onEvent(token, "alerting", func(cl *call.Call) bool {
		if cl.Direction() != call.DirectionOutgoing || cl.State() != call.StateSettingUp {
			return false
		}
		_ = cl.Transition(call.StateAlerting)
		c.push(message.NewEvent(message.EventAlerting, token))
		return true
	})
}

// OnAccepted reports that the call was answered, by the remote party for
// outgoing calls or by the endpoint after AnswerCall for incoming ones.
func (c *Context) OnAccepted(token string) {
	c.onEvent(token, "accepted", func(cl *call.Call) bool {
		if !cl.State().CanTransitionTo(call.StateEstablished) {
			return false
		}
		_ = cl.Transition(call.StateEstablished)
		c.push(message.NewEvent(message.EventEstablished, token))
		return true
	})
}

// OnMediaStream reports a media stream opening or closing.
func (c *Context) OnMediaStream(token string, info message.StreamInfo) {
	c.onEvent(token, "media stream", func(cl *call.Call) bool {
		switch cl.State() {
		case call.StateSettingUp, call.StateAlerting, call.StateEstablished:
		default:
			return false
		}
		m := message.NewEvent(message.EventMediaStream, token)
		m.Stream = &info
		c.push(m)
		return true
	})
}

// OnUserInput reports user input received from the remote party.
func (c *Context) OnUserInput(token, input string, duration time.Duration) {
	c.onEvent(token, "user input", func(cl *call.Call) bool {
		if cl.State() != call.StateEstablished {
			return false
		}
		m := message.NewEvent(message.EventUserInput, token)
		m.Input = input
		m.Duration = duration
		c.push(m)
		return true
	})
}

// OnCleared reports that the call is gone on the wire. A call the
// application had not started clearing passes through Clearing with the
// endpoint's reason first.
func (c *Context) OnCleared(token string, reason message.Reason) {
	c.onEvent(token, "cleared", func(cl *call.Call) bool {
		c.beginClearing(cl, reason)
		c.finishClearing(cl)
		return true
	})
}

// OnRegistration enqueues EventRegistration and records the registrar's
// latest state for Stats.
func (c *Context) OnRegistration(status message.Registration) {
	if c.enter() != nil {
		return
	}
	defer c.leave()

	c.statsMu.Lock()
	if status.State == message.RegistrationRemoved {
		delete(c.registrations, status.Server)
	} else {
		c.registrations[status.Server] = status.State
	}
	c.statsMu.Unlock()

	m := message.NewEvent(message.EventRegistration, "")
	m.Registration = &status
	c.push(m)

	if status.Error != "" {
		c.logger.Warn("registration", "registrar", status.Server, "state", status.State, "error", status.Error)
		return
	}
	c.logger.Info("registration", "registrar", status.Server, "state", status.State)
}

// onEvent applies an endpoint callback to a live call. apply returns false
// when the call is not in a state the callback is valid for.
func (c *Context) onEvent(token, event string, apply func(cl *call.Call) bool) {
	if c.enter() != nil {
		return
	}
	defer c.leave()

	var state call.State
	applied := false
	err := c.table.Update(token, func(cl *call.Call) error {
		state = cl.State()
		applied = apply(cl)
		return nil
	})
	switch {
	case errors.Is(err, call.ErrNotFound):
		c.logger.Debug("endpoint event for unknown call", "event", event, "token", token)
	case !applied:
		c.logger.Warn("endpoint event ignored in current state",
			"event", event,
			"token", token,
			"state", state,
		)
	}
}
