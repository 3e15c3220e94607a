package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callctl/internal/callcontrol"
	"github.com/flowpbx/callctl/internal/media"
)

// SendUserInput queues DTMF digits for an answered call. Digits go out as
// application/dtmf-relay INFO requests, one at a time and in order across
// calls to SendUserInput.
func (e *Endpoint) SendUserInput(token, input string, duration time.Duration) error {
	tones, err := media.SplitInput(input, duration)
	if err != nil {
		return fmt.Errorf("%w: user input %q: %v", callcontrol.ErrInvalidCommand, input, err)
	}

	l := e.legs.byTok(token)
	if l == nil {
		return fmt.Errorf("no sip leg for call %s", token)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != legAnswered {
		return fmt.Errorf("%w: sip leg is %s", callcontrol.ErrInvalidState, l.state)
	}
	l.tones = append(l.tones, tones...)
	if !l.sending {
		l.sending = true
		e.goTracked(func() { e.drainTones(l) })
	}
	return nil
}

// drainTones sends queued tones until the queue is empty or the leg is no
// longer answered.
func (e *Endpoint) drainTones(l *leg) {
	for {
		l.mu.Lock()
		if len(l.tones) == 0 || l.state != legAnswered {
			l.tones = nil
			l.sending = false
			l.mu.Unlock()
			return
		}
		tone := l.tones[0]
		l.tones = l.tones[1:]
		req := newDialogRequest(l, sip.INFO)
		l.mu.Unlock()

		req.SetBody(media.RelayBody(tone))
		req.AppendHeader(sip.NewHeader("Content-Type", media.ContentTypeDTMFRelay))

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		e.transact(ctx, l, req)
		cancel()

		e.logger.Debug("dtmf sent", "token", l.token, "signal", tone.Signal)
	}
}

// handleInfo reports DTMF received in an INFO request. Other INFO
// payloads are acknowledged and ignored.
func (e *Endpoint) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	l := e.legs.byCall(callIDOf(req))
	if l == nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	e.respond(req, tx, 200, "OK")

	contentType := ""
	if ct := req.ContentType(); ct != nil {
		contentType = ct.Value()
	}
	tone, err := media.ParseInfo(contentType, req.Body())
	if err != nil {
		e.logger.Debug("ignoring info", "token", l.token, "content_type", contentType, "error", err)
		return
	}

	l.mu.Lock()
	answered := l.state == legAnswered
	l.mu.Unlock()
	if !answered {
		return
	}

	duration := tone.Duration
	if duration == 0 {
		duration = media.DefaultToneDuration
	}
	e.sink.OnUserInput(l.token, tone.Signal, duration)
}
