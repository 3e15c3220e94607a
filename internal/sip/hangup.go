package sip

import (
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callctl/internal/message"
)

// Hangup ends the call's leg in whatever way its state needs: CANCEL for
// an unanswered outgoing INVITE, a final error response for a ringing
// incoming call, BYE for a confirmed dialog. The call is reported cleared
// once the signaling is done.
func (e *Endpoint) Hangup(token string, reason message.Reason) {
	l := e.legs.byTok(token)
	if l == nil {
		e.goTracked(func() {
			if l := e.legs.await(token); l != nil {
				e.hangup(l, reason)
				return
			}
			// Already gone on the wire; make sure the context hears about it.
			e.sink.OnCleared(token, reason)
		})
		return
	}
	e.hangup(l, reason)
}

func (e *Endpoint) hangup(l *leg, reason message.Reason) {
	token := l.token
	l.mu.Lock()
	prev := l.state
	l.setState(legTerminated)
	l.mu.Unlock()

	e.logger.Debug("hanging up", "token", token, "state", prev, "reason", reason)

	switch prev {
	case legInviting:
		// runInvite sends the CANCEL and reports the outcome.
		l.cancel()
	case legRinging:
		e.goTracked(func() {
			code, text := rejectStatus(reason)
			l.mu.Lock()
			res := e.dialogResponse(l, code, text, nil)
			l.mu.Unlock()
			if err := l.serverTx.Respond(res); err != nil {
				e.logger.Error("failed to reject call", "token", token, "code", code, "error", err)
			}
			e.finish(l, reason)
		})
	case legAnswered:
		e.goTracked(func() {
			e.sendBye(l)
			e.finish(l, reason)
		})
	}
}

// handleBye ends a confirmed call from the remote side.
func (e *Endpoint) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	l := e.legs.byCall(callIDOf(req))
	if l == nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	e.respond(req, tx, 200, "OK")
	e.logger.Info("remote hangup", "token", l.token, "call_id", l.callID)
	e.finish(l, message.ReasonRemoteHangup)
}

// handleCancel ends a ringing incoming call the caller gave up on.
func (e *Endpoint) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	e.respond(req, tx, 200, "OK")

	l := e.legs.byCall(callIDOf(req))
	if l == nil || l.outgoing {
		return
	}

	l.mu.Lock()
	if l.state != legRinging {
		l.mu.Unlock()
		return
	}
	l.setState(legTerminated)
	res := e.dialogResponse(l, 487, "Request Terminated", nil)
	l.mu.Unlock()

	if err := l.serverTx.Respond(res); err != nil {
		e.logger.Debug("failed to send 487", "token", l.token, "error", err)
	}
	e.logger.Info("caller cancelled", "token", l.token, "call_id", l.callID)
	e.finish(l, message.ReasonRemoteHangup)
}

// handleACK confirms an incoming dialog. Nothing further is needed since
// the leg is already answered when the 200 OK goes out.
func (e *Endpoint) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	if l := e.legs.byCall(callIDOf(req)); l != nil {
		e.logger.Debug("ack received", "token", l.token, "call_id", l.callID)
	}
}
