// Package sip is the SIP endpoint behind a call-control context. It turns
// Dial, Answer, Hangup and SendUserInput into SIP transactions with sipgo
// and reports call progress back through the context's event sink.
package sip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callctl/internal/callcontrol"
)

// Endpoint is a SIP user agent serving one call-control context.
type Endpoint struct {
	opts   callcontrol.Options
	sink   callcontrol.EventSink
	logger *slog.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	host      string // advertised in Contact and SDP
	port      int
	transport string
	user      string // default calling user

	legs *legTable

	regMu sync.Mutex
	regs  map[string]*registration // by registrar as requested

	ctx       context.Context
	cancel    context.CancelFunc
	listeners []io.Closer
	servers   sync.WaitGroup
	calls     sync.WaitGroup // Dial, Answer, Hangup and INFO goroutines
}

var _ callcontrol.Endpoint = (*Endpoint)(nil)

// NewEndpoint binds the configured listeners and starts serving. Its
// signature matches callcontrol.EndpointFactory. Listener failures wrap
// callcontrol.ErrResourceExhausted.
func NewEndpoint(opts callcontrol.Options, sink callcontrol.EventSink, logger *slog.Logger) (callcontrol.Endpoint, error) {
	if len(opts.Listen) == 0 {
		return nil, fmt.Errorf("%w: no listen address", callcontrol.ErrConfig)
	}
	logger = logger.With("component", "sip")
	host := advertisedHost(opts.Listen[0].Host)

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(opts.UserAgent),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	user := opts.Username
	if user == "" {
		user = "callctl"
	}

	e := &Endpoint{
		opts:   opts,
		sink:   sink,
		logger: logger,
		ua:     ua,
		srv:    srv,
		client: client,
		host:   host,
		user:   user,
		legs:   newLegTable(logger),
		regs:   make(map[string]*registration),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.registerHandlers()

	if err := e.listen(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (e *Endpoint) registerHandlers() {
	e.srv.OnInvite(e.handleInvite)
	e.srv.OnAck(e.handleACK)
	e.srv.OnBye(e.handleBye)
	e.srv.OnCancel(e.handleCancel)
	e.srv.OnInfo(e.handleInfo)
	e.srv.OnOptions(e.handleOptions)
}

// listen binds every configured transport before serving so that a busy
// port fails Initialise instead of a background goroutine.
func (e *Endpoint) listen() error {
	for i, l := range e.opts.Listen {
		var port int
		switch l.Transport {
		case "udp":
			conn, err := net.ListenPacket("udp", l.Addr())
			if err != nil {
				return fmt.Errorf("%w: listen %s: %v", callcontrol.ErrResourceExhausted, l, err)
			}
			e.listeners = append(e.listeners, conn)
			port = conn.LocalAddr().(*net.UDPAddr).Port
			e.serve(l.String(), func() error { return e.srv.ServeUDP(conn) })
		case "tcp":
			ln, err := net.Listen("tcp", l.Addr())
			if err != nil {
				return fmt.Errorf("%w: listen %s: %v", callcontrol.ErrResourceExhausted, l, err)
			}
			e.listeners = append(e.listeners, ln)
			port = ln.Addr().(*net.TCPAddr).Port
			e.serve(l.String(), func() error { return e.srv.ServeTCP(ln) })
		default:
			return fmt.Errorf("%w: unsupported transport %q", callcontrol.ErrConfig, l.Transport)
		}

		if i == 0 {
			e.port = port
			e.transport = map[string]string{"udp": "UDP", "tcp": "TCP"}[l.Transport]
		}
		e.logger.Info("sip listener started", "listen", l.String(), "port", port)
	}
	return nil
}

func (e *Endpoint) serve(name string, fn func() error) {
	e.servers.Add(1)
	go func() {
		defer e.servers.Done()
		if err := fn(); err != nil && e.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
			e.logger.Error("sip listener stopped", "listen", name, "error", err)
		}
	}()
}

// Close removes registrations, aborts pending INVITEs, waits for in-flight
// teardown requests, then stops the listeners and releases every leg.
// Calls are expected to have been hung up already.
func (e *Endpoint) Close() error {
	e.unregisterAll()
	e.cancel()
	e.calls.Wait()

	for _, l := range e.listeners {
		l.Close()
	}
	e.servers.Wait()

	for _, l := range e.legs.all() {
		l.mu.Lock()
		l.setState(legTerminated)
		l.releaseMedia()
		l.mu.Unlock()
		e.legs.remove(l)
	}

	e.client.Close()
	e.srv.Close()
	e.ua.Close()
	e.logger.Info("sip endpoint closed")
	return nil
}

// goTracked runs fn on a goroutine that Close waits for.
func (e *Endpoint) goTracked(fn func()) {
	e.calls.Add(1)
	go func() {
		defer e.calls.Done()
		fn()
	}()
}

// contact returns our Contact header.
func (e *Endpoint) contact() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{User: e.user, Host: e.host, Port: e.port},
	}
}

// handleOptions answers keepalive pings.
func (e *Endpoint) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to options", "error", err)
	}
}

func (e *Endpoint) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to send response",
			"method", req.Method,
			"code", code,
			"error", err,
		)
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
