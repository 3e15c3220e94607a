package sip

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callctl/internal/callcontrol"
	"github.com/flowpbx/callctl/internal/media"
	"github.com/flowpbx/callctl/internal/message"
)

// handleInvite offers a new incoming call to the context and rings until
// Answer or Hangup. Re-INVITEs on a confirmed dialog are answered with the
// current session description.
func (e *Endpoint) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if existing := e.legs.byCall(callID); existing != nil {
		e.handleReinvite(existing, req, tx)
		return
	}

	e.respond(req, tx, 100, "Trying")

	var offer *media.Session
	if body := req.Body(); len(body) > 0 {
		var err error
		if offer, err = media.ParseSDP(body); err != nil {
			e.logger.Warn("invalid sdp offer", "call_id", callID, "error", err)
			e.respond(req, tx, 400, "Bad Request")
			return
		}
	}

	from, to := req.From(), req.To()
	if from == nil || to == nil {
		e.respond(req, tx, 400, "Bad Request")
		return
	}

	rtp, port, err := e.reserveRTP()
	if err != nil {
		e.logger.Error("cannot reserve media port", "call_id", callID, "error", err)
		e.respond(req, tx, 503, "Service Unavailable")
		return
	}

	target := from.Address
	if contact := req.Contact(); contact != nil {
		target = contact.Address
	}
	l := &leg{
		callID:    callID,
		state:     legRinging,
		localURI:  to.Address,
		localTag:  newTag(),
		remoteURI: from.Address,
		remoteTag: tagOf(from.Params),
		target:    *target.Clone(),
		dest:      req.Source(),
		transport: req.Transport(),
		invite:    req,
		serverTx:  tx,
		rung:      make(chan struct{}),
		offer:     offer,
		rtp:       rtp,
	}

	answerSDP, err := e.localAnswer(offer, port)
	if err != nil {
		rtp.Close()
		e.logger.Info("no acceptable media in offer", "call_id", callID, "error", err)
		e.respond(req, tx, 488, "Not Acceptable Here")
		return
	}
	l.localSDP = answerSDP

	alertingType := ""
	if h := req.GetHeader("Alert-Info"); h != nil {
		alertingType = h.Value()
	}

	err = e.legs.addIncoming(l, func() (string, error) {
		return e.sink.OnIncomingCall(partyString(from.Address), partyString(to.Address), alertingType)
	})
	if err != nil {
		rtp.Close()
		code, reason := 480, "Temporarily Unavailable"
		if errors.Is(err, callcontrol.ErrResourceExhausted) {
			code, reason = 503, "Service Unavailable"
		}
		e.logger.Warn("incoming call refused", "call_id", callID, "error", err)
		e.respond(req, tx, code, reason)
		return
	}

	e.logger.Info("incoming call",
		"token", l.token,
		"call_id", callID,
		"from", from.Address.String(),
		"to", to.Address.String(),
	)

	l.mu.Lock()
	ringing := e.dialogResponse(l, 180, "Ringing", nil)
	l.mu.Unlock()
	if err := tx.Respond(ringing); err != nil {
		e.logger.Error("failed to send ringing", "token", l.token, "error", err)
	}

	e.ring(l, tx)
}

// localAnswer builds our session description for an incoming INVITE: an
// answer to the offer, or an offer of our own when the INVITE had none.
func (e *Endpoint) localAnswer(offer *media.Session, port int) ([]byte, error) {
	if offer == nil {
		return media.NewOffer(sessionID(), e.host, port, nil).Marshal(), nil
	}
	ans, err := media.Answer(offer, sessionID(), e.host, port, nil)
	if err != nil {
		return nil, err
	}
	return ans.Marshal(), nil
}

// handleReinvite answers a target refresh or session timer re-INVITE
// without renegotiating media.
func (e *Endpoint) handleReinvite(l *leg, req *sip.Request, tx sip.ServerTransaction) {
	l.mu.Lock()
	if l.state != legAnswered {
		l.mu.Unlock()
		// Retransmission of an INVITE still being handled.
		e.logger.Debug("ignoring invite for pending leg", "call_id", l.callID, "state", l.state)
		return
	}
	if contact := req.Contact(); contact != nil {
		l.target = *contact.Address.Clone()
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", l.localSDP)
	l.mu.Unlock()

	res.AppendHeader(e.contact())
	res.AppendHeader(sip.NewHeader("Content-Type", media.ContentTypeSDP))
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to answer re-invite", "token", l.token, "error", err)
	}
}

// ring holds the INVITE handler until the leg stops ringing. sipgo ends
// the server transaction once its handler returns, so the final response
// has to be sent while this is still waiting. A CANCEL matched to the
// transaction is answered 487 by sipgo and only reported here.
func (e *Endpoint) ring(l *leg, tx sip.ServerTransaction) {
	drop := func() {
		l.mu.Lock()
		if l.state == legRinging {
			l.dropped = true
			l.setState(legTerminated)
		}
		l.mu.Unlock()
	}
	if !tx.OnCancel(func(*sip.Request) { drop() }) {
		drop()
	}

	select {
	case <-l.rung:
	case <-tx.Done():
		drop()
	case <-e.ctx.Done():
		return
	}

	l.mu.Lock()
	dropped := l.dropped
	l.mu.Unlock()
	if dropped {
		e.logger.Info("caller abandoned", "token", l.token, "call_id", l.callID)
		e.finish(l, message.ReasonRemoteHangup)
	}
}

// Answer accepts a ringing incoming call. The 200 OK is sent from a
// background goroutine and the call is reported accepted once it is out.
func (e *Endpoint) Answer(token string) error {
	l := e.legs.byTok(token)
	if l == nil {
		// The call may still be registering; answer once it is bound.
		e.goTracked(func() {
			if l := e.legs.await(token); l != nil {
				e.answer(l)
				return
			}
			e.logger.Warn("answer for call without sip leg", "token", token)
			e.sink.OnCleared(token, message.ReasonSignalingError)
		})
		return nil
	}

	l.mu.Lock()
	state, outgoing := l.state, l.outgoing
	l.mu.Unlock()
	if outgoing || state != legRinging {
		return fmt.Errorf("%w: sip leg is %s", callcontrol.ErrInvalidState, state)
	}

	e.goTracked(func() { e.answer(l) })
	return nil
}

func (e *Endpoint) answer(l *leg) {
	l.mu.Lock()
	if l.state != legRinging {
		l.mu.Unlock()
		return
	}
	res := e.dialogResponse(l, 200, "OK", l.localSDP)
	l.setState(legAnswered)
	body := l.localSDP
	l.mu.Unlock()

	if err := l.serverTx.Respond(res); err != nil {
		e.logger.Error("failed to send 200 ok", "token", l.token, "error", err)
		e.finish(l, message.ReasonSignalingError)
		return
	}

	e.logger.Info("call answered", "token", l.token, "call_id", l.callID)
	if sess, err := media.ParseSDP(body); err == nil {
		for _, s := range sess.Streams() {
			e.sink.OnMediaStream(l.token, s)
		}
	}
	e.sink.OnAccepted(l.token)
}

// dialogResponse builds a response to the INVITE of an incoming leg
// carrying our To tag. Call with l.mu held.
func (e *Endpoint) dialogResponse(l *leg, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(l.invite, code, reason, body)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", l.localTag)
	}
	if code > 100 && code < 300 {
		res.AppendHeader(e.contact())
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", media.ContentTypeSDP))
	}
	return res
}
