package sip

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callctl/internal/callcontrol"
	"github.com/flowpbx/callctl/internal/message"
	"github.com/google/uuid"
)

// registration keeps one address of record bound at a registrar.
type registration struct {
	server    string  // as requested, echoed in status reports
	recipient sip.Uri // Request-URI of REGISTER
	aor       sip.Uri
	callID    string
	ttl       time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// Owned by the registration goroutine until done is closed.
	cseq       uint32
	registered bool
}

// stop ends the refresh loop and waits for it to exit.
func (r *registration) stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Register starts, replaces or removes a registration. REGISTER requests
// are sent from a background goroutine and refreshed before the granted
// expiry; outcomes are reported through the sink.
func (e *Endpoint) Register(req callcontrol.RegisterRequest) error {
	recipient, user, err := registrarURI(req.Server)
	if err != nil {
		return fmt.Errorf("%w: registrar %q: %v", callcontrol.ErrInvalidCommand, req.Server, err)
	}
	if req.Identifier != "" {
		user = req.Identifier
	}
	if user == "" {
		user = e.user
	}

	r := &registration{
		server:    req.Server,
		recipient: recipient,
		aor:       sip.Uri{User: user, Host: recipient.Host},
		callID:    uuid.NewString(),
		ttl:       req.TTL,
		done:      make(chan struct{}),
	}

	e.regMu.Lock()
	prev := e.regs[req.Server]
	if req.TTL > 0 {
		e.regs[req.Server] = r
	} else {
		delete(e.regs, req.Server)
	}
	e.regMu.Unlock()

	if req.TTL == 0 {
		e.goTracked(func() {
			target := r
			if prev != nil {
				prev.stop()
				target = prev
			}
			e.unregister(target)
		})
		return nil
	}

	ctx, cancel := context.WithCancel(e.ctx)
	r.cancel = cancel
	e.goTracked(func() {
		if prev != nil {
			prev.stop()
		}
		e.runRegistration(ctx, r)
	})
	return nil
}

// runRegistration registers, then refreshes at 80% of the granted expiry.
// Failures are retried with backoff until the registration is stopped.
func (e *Endpoint) runRegistration(ctx context.Context, r *registration) {
	defer close(r.done)

	e.logger.Info("starting registration",
		"registrar", r.server,
		"aor", r.aor.String(),
		"ttl", r.ttl,
	)

	b := newBackoff()
	lost := false
	for ctx.Err() == nil {
		granted, err := e.sendRegister(ctx, r, r.ttl)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			delay := b.next()
			state := message.RegistrationFailed
			if r.registered {
				state = message.RegistrationRetrying
				lost = true
			}
			e.logger.Warn("registration failed",
				"registrar", r.server,
				"error", err,
				"attempt", b.attempt,
				"retry_in", delay.String(),
			)
			e.report(r, state, err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		b.reset()
		state, changed := message.RegistrationSuccessful, !r.registered
		if lost {
			state, changed, lost = message.RegistrationRestored, true, false
		}
		r.registered = true
		if changed {
			e.report(r, state, nil)
		}

		if granted != r.ttl {
			e.logger.Info("registered (registrar adjusted expiry)",
				"registrar", r.server,
				"requested", r.ttl,
				"granted", granted,
			)
		} else {
			e.logger.Debug("registered", "registrar", r.server, "expires_in", granted)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(granted * 4 / 5):
		}
	}
}

// unregister removes the binding and reports the registration removed.
func (e *Endpoint) unregister(r *registration) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	_, err := e.sendRegister(ctx, r, 0)
	if err != nil {
		e.logger.Warn("unregister failed", "registrar", r.server, "error", err)
	} else {
		e.logger.Info("unregistered", "registrar", r.server, "aor", r.aor.String())
	}
	e.report(r, message.RegistrationRemoved, err)
}

// unregisterAll stops every registration and removes the bindings that
// were in place. Nothing is reported; the context is going away.
func (e *Endpoint) unregisterAll() {
	e.regMu.Lock()
	regs := e.regs
	e.regs = make(map[string]*registration)
	e.regMu.Unlock()

	for _, r := range regs {
		r.stop()
		if !r.registered {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if _, err := e.sendRegister(ctx, r, 0); err != nil {
			e.logger.Warn("unregister failed", "registrar", r.server, "error", err)
		}
		cancel()
	}
}

func (e *Endpoint) report(r *registration, state message.RegistrationState, err error) {
	status := message.Registration{
		Protocol:   "sip",
		Server:     r.server,
		Identifier: r.aor.User,
		State:      state,
	}
	if err != nil {
		status.Error = err.Error()
	}
	e.sink.OnRegistration(status)
}

// sendRegister sends one REGISTER, answering a digest challenge with the
// configured credentials. It returns the expiry granted by the registrar,
// or the requested one when the response does not say.
func (e *Endpoint) sendRegister(ctx context.Context, r *registration, expires time.Duration) (time.Duration, error) {
	req := sip.NewRequest(sip.REGISTER, *r.recipient.Clone())

	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	req.AppendHeader(&sip.FromHeader{Address: r.aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: r.aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)
	r.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.cseq, MethodName: sip.REGISTER})

	contact := e.contact()
	contact.Address.User = r.aor.User
	req.AppendHeader(contact)
	exp := sip.ExpiresHeader(uint32(expires / time.Second))
	req.AppendHeader(&exp)
	if e.transport != "" {
		req.SetTransport(e.transport)
	}

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := finalResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		if e.opts.Username == "" {
			return 0, fmt.Errorf("registrar requires authentication (%d) and no username is configured", res.StatusCode)
		}
		authReq, err := e.authorize(req, res)
		if err != nil {
			return 0, err
		}
		r.cseq++
		tx, err := e.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = finalResponse(ctx, tx)
		tx.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}
	return grantedExpiry(res, expires), nil
}

// grantedExpiry reads the expiry a registrar granted from the Contact
// expires parameter or the Expires header (RFC 3261 §10.2.4).
func grantedExpiry(res *sip.Response, requested time.Duration) time.Duration {
	if contact := res.Contact(); contact != nil && contact.Params != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}

// finalResponse waits for the first final response on tx.
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("transaction terminated: %w", err)
			}
			return nil, errors.New("transaction terminated")
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// registrarURI parses a registrar given as host, host:port or a SIP URI.
// A user part in the URI names the address of record to register.
func registrarURI(server string) (sip.Uri, string, error) {
	uri, err := parseParty(server, "")
	if err != nil {
		return sip.Uri{}, "", err
	}
	return sip.Uri{Scheme: uri.Scheme, Host: uri.Host, Port: uri.Port}, uri.User, nil
}

// backoff is exponential retry backoff with jitter for registrations.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.attempt++

	// ±20% jitter.
	d += time.Duration(float64(d) * 0.2 * (2*rand.Float64() - 1))
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
