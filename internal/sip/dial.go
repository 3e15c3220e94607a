package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callctl/internal/callcontrol"
	"github.com/flowpbx/callctl/internal/media"
	"github.com/flowpbx/callctl/internal/message"
	"github.com/google/uuid"
)

// teardownTimeout bounds BYE, CANCEL and INFO transactions.
const teardownTimeout = 4 * time.Second

// Dial starts an outgoing call. The INVITE is sent from a background
// goroutine; progress is reported through the sink.
func (e *Endpoint) Dial(token string, req callcontrol.DialRequest) error {
	recipient, err := parseParty(req.PartyB, e.host)
	if err != nil {
		return fmt.Errorf("called party: %w", err)
	}

	from := sip.Uri{User: e.user, Host: e.host}
	if req.PartyA != "" {
		if from, err = parseParty(req.PartyA, e.host); err != nil {
			return fmt.Errorf("calling party: %w", err)
		}
	}

	rtp, port, err := e.reserveRTP()
	if err != nil {
		return err
	}

	l := &leg{
		token:     token,
		callID:    uuid.NewString(),
		outgoing:  true,
		state:     legInviting,
		localURI:  from,
		localTag:  newTag(),
		remoteURI: recipient,
		target:    recipient,
		transport: e.transport,
		rtp:       rtp,
	}

	if e.opts.Proxy != "" {
		dest, err := proxyDestination(e.opts.Proxy)
		if err != nil {
			rtp.Close()
			return err
		}
		l.dest = dest
	}

	offer := media.NewOffer(sessionID(), e.host, port, nil)
	l.localSDP = offer.Marshal()
	l.invite = e.buildInvite(l, req.AlertingType)
	l.cseq = 1

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.AnswerTimeout)
	l.cancel = cancel
	e.legs.add(l)

	e.logger.Info("dialing",
		"token", token,
		"call_id", l.callID,
		"to", recipient.String(),
		"from", from.String(),
	)
	e.goTracked(func() {
		defer cancel()
		e.runInvite(ctx, l)
	})
	return nil
}

// buildInvite builds the initial INVITE for an outgoing leg. Via is added
// by the client when the request is sent.
func (e *Endpoint) buildInvite(l *leg, alertingType string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, *l.target.Clone())

	fromParams := sip.NewParams()
	fromParams.Add("tag", l.localTag)
	req.AppendHeader(&sip.FromHeader{Address: l.localURI, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: l.remoteURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(l.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(e.contact())
	if alertingType != "" {
		req.AppendHeader(sip.NewHeader("Alert-Info", alertingType))
	}

	req.SetBody(l.localSDP)
	req.AppendHeader(sip.NewHeader("Content-Type", media.ContentTypeSDP))

	if l.transport != "" {
		req.SetTransport(l.transport)
	}
	if l.dest != "" {
		req.SetDestination(l.dest)
	}
	return req
}

// runInvite drives an outgoing INVITE to a final response. It answers at
// most one digest challenge, cancels on timeout or hangup and reports the
// outcome through the sink.
func (e *Endpoint) runInvite(ctx context.Context, l *leg) {
	tx, err := e.client.TransactionRequest(ctx, l.invite, sipgo.ClientRequestBuild)
	if err != nil {
		e.logger.Warn("failed to send invite", "token", l.token, "error", err)
		e.finish(l, message.ReasonUnreachable)
		return
	}

	authTried := false
	alerting := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			reason := message.ReasonNormal
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = message.ReasonNoAnswer
			}
			e.sendCancel(l)
			e.finish(l, reason)
			return
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				e.logger.Warn("invite transaction failed", "token", l.token, "error", txErr)
				e.finish(l, message.ReasonUnreachable)
			} else {
				e.finish(l, message.ReasonSignalingError)
			}
			return
		case res = <-tx.Responses():
		}

		e.logger.Debug("invite response",
			"token", l.token,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode < 200:
			if !alerting {
				alerting = true
				e.sink.OnAlerting(l.token)
			}

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authTried && e.opts.Username != "":
			authTried = true
			tx.Terminate()

			authReq, err := e.authorize(l.invite, res)
			if err != nil {
				e.logger.Warn("cannot answer auth challenge", "token", l.token, "error", err)
				e.finish(l, message.ReasonRefused)
				return
			}
			tx, err = e.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				e.logger.Warn("failed to resend invite with auth", "token", l.token, "error", err)
				e.finish(l, message.ReasonUnreachable)
				return
			}
			l.invite = authReq

		case res.StatusCode < 300:
			e.confirm(l, res)
			return

		default:
			tx.Terminate()
			e.logger.Info("call rejected",
				"token", l.token,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			e.finish(l, reasonForStatus(res.StatusCode))
			return
		}
	}
}

// confirm completes an answered outgoing leg: ACK the 2xx, record the
// dialog and report the negotiated streams.
func (e *Endpoint) confirm(l *leg, res *sip.Response) {
	ack := buildACKFor2xx(l.invite, res)
	if l.dest != "" {
		ack.SetDestination(l.dest)
	}
	if err := e.client.WriteRequest(ack); err != nil {
		e.logger.Error("failed to send ack", "token", l.token, "error", err)
	}

	l.mu.Lock()
	hungUp := l.state != legInviting
	l.setState(legAnswered)
	if to := res.To(); to != nil {
		l.remoteTag = tagOf(to.Params)
	}
	if contact := res.Contact(); contact != nil {
		l.target = *contact.Address.Clone()
	}
	if cseq := l.invite.CSeq(); cseq != nil {
		l.cseq = cseq.SeqNo
	}
	l.mu.Unlock()

	// Hangup raced the 2xx; the dialog exists now and has to be ended.
	if hungUp {
		e.sendBye(l)
		e.finish(l, message.ReasonNormal)
		return
	}

	var streams []message.StreamInfo
	if body := res.Body(); len(body) > 0 {
		ans, err := media.ParseSDP(body)
		if err != nil {
			e.logger.Warn("invalid sdp answer", "token", l.token, "error", err)
			e.sendBye(l)
			e.finish(l, message.ReasonMediaFailed)
			return
		}
		streams = ans.Streams()
	}

	e.logger.Info("call answered", "token", l.token, "call_id", l.callID)
	for _, s := range streams {
		e.sink.OnMediaStream(l.token, s)
	}
	e.sink.OnAccepted(l.token)
}

// sendCancel cancels the pending INVITE of l.
func (e *Endpoint) sendCancel(l *leg) {
	req := buildCancel(l.invite)
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	e.transact(ctx, l, req)
}

// sendBye ends the confirmed dialog of l.
func (e *Endpoint) sendBye(l *leg) {
	l.mu.Lock()
	req := newDialogRequest(l, sip.BYE)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	e.transact(ctx, l, req)
}

// transact sends req and waits for its final response. Failures are only
// logged; the caller tears the leg down regardless.
func (e *Endpoint) transact(ctx context.Context, l *leg, req *sip.Request) (*sip.Response, bool) {
	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		e.logger.Warn("failed to send request", "method", req.Method, "token", l.token, "error", err)
		return nil, false
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode >= 300 {
				e.logger.Warn("request rejected",
					"method", req.Method,
					"token", l.token,
					"status", res.StatusCode,
				)
			}
			return res, res.StatusCode < 300
		case <-tx.Done():
			e.logger.Warn("request transaction ended", "method", req.Method, "token", l.token, "error", tx.Err())
			return nil, false
		case <-ctx.Done():
			e.logger.Warn("request timed out", "method", req.Method, "token", l.token)
			return nil, false
		}
	}
}

// finish tears l down and reports the call cleared, unless another path
// already did.
func (e *Endpoint) finish(l *leg, reason message.Reason) {
	l.mu.Lock()
	l.setState(legTerminated)
	l.releaseMedia()
	l.mu.Unlock()

	if e.legs.remove(l) {
		e.sink.OnCleared(l.token, reason)
	}
}

// reserveRTP binds the UDP port advertised in SDP.
func (e *Endpoint) reserveRTP() (*net.UDPConn, int, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(e.opts.Listen[0].Host)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reserving rtp port: %v", callcontrol.ErrResourceExhausted, err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// proxyDestination returns the host:port of the outbound proxy URI.
func proxyDestination(proxy string) (string, error) {
	var uri sip.Uri
	if err := sip.ParseUri(proxy, &uri); err != nil {
		return "", fmt.Errorf("%w: proxy %q: %v", callcontrol.ErrConfig, proxy, err)
	}
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port)), nil
}

func newTag() string {
	return uuid.NewString()[:8]
}

func sessionID() string {
	return strconv.FormatInt(time.Now().UnixNano()/int64(time.Microsecond), 10)
}
