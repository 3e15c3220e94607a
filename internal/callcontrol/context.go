// Package callcontrol is the asynchronous call-control engine. A Context
// owns a set of calls, accepts commands from any goroutine and reports call
// progress through a bounded message queue that the application drains with
// Receive.
package callcontrol

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callctl/internal/call"
	"github.com/flowpbx/callctl/internal/message"
	"github.com/flowpbx/callctl/internal/queue"
)

const (
	// APIVersion is the newest API version this package implements.
	APIVersion uint = 3
	// MinAPIVersion is the oldest API version still accepted by Initialise.
	MinAPIVersion uint = 2
)

const (
	stateNew int32 = iota
	stateRunning
	stateShutDown
)

// Option configures a Context at construction.
type Option func(*Context)

// WithEndpointFactory sets the factory used by Initialise to build the
// signaling endpoint.
func WithEndpointFactory(f EndpointFactory) Option {
	return func(c *Context) { c.factory = f }
}

// WithLogger sets the base logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.baseLogger = l }
}

// Context is one independent call-control instance. Any number of contexts
// may exist in a process.
type Context struct {
	// life is held for reading by every operation and endpoint callback,
	// and for writing by Initialise and the first half of ShutDown.
	life  sync.RWMutex
	state atomic.Int32

	factory    EndpointFactory
	baseLogger *slog.Logger
	logger     *slog.Logger
	trace      io.Closer

	opts     Options
	version  uint
	started  time.Time
	table    *call.Table
	queue    *queue.Queue
	endpoint Endpoint

	statsMu       sync.Mutex
	cleared       map[message.Reason]uint64
	registrations map[string]message.RegistrationState
}

// New creates a Context. It does nothing until Initialise is called.
func New(opts ...Option) *Context {
	c := &Context{
		baseLogger:    slog.Default(),
		cleared:       make(map[message.Reason]uint64),
		registrations: make(map[string]message.RegistrationState),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// negotiateVersion applies the version rules: 0 selects the current
// version, anything newer is negotiated down, anything older than
// MinAPIVersion is rejected.
func negotiateVersion(requested uint) (uint, error) {
	switch {
	case requested == 0:
		return APIVersion, nil
	case requested < MinAPIVersion:
		return 0, fmt.Errorf("%w: requested %d, minimum %d", ErrVersionMismatch, requested, MinAPIVersion)
	case requested > APIVersion:
		return APIVersion, nil
	default:
		return requested, nil
	}
}

// Initialise parses options, builds the endpoint and makes the context
// operational. It returns the negotiated API version.
func (c *Context) Initialise(options string, version uint) (uint, error) {
	c.life.Lock()
	defer c.life.Unlock()

	switch c.state.Load() {
	case stateRunning:
		return 0, ErrAlreadyInitialised
	case stateShutDown:
		return 0, fmt.Errorf("%w: context has been shut down", ErrAlreadyInitialised)
	}

	negotiated, err := negotiateVersion(version)
	if err != nil {
		return 0, err
	}
	opts, err := ParseOptions(options)
	if err != nil {
		return 0, err
	}
	if c.factory == nil {
		return 0, fmt.Errorf("%w: no endpoint factory configured", ErrConfig)
	}

	logger, trace := traceLogger(c.baseLogger, opts)
	logger = logger.With("component", "callcontrol")

	c.opts = opts
	c.version = negotiated
	c.logger = logger
	c.trace = trace
	c.table = call.NewTable(logger)
	c.queue = queue.New(opts.QueueSize)

	ep, err := c.factory(opts, c, logger)
	if err != nil {
		if trace != nil {
			trace.Close()
		}
		c.table, c.queue, c.trace = nil, nil, nil
		return 0, fmt.Errorf("starting endpoint: %w", err)
	}
	c.endpoint = ep
	c.started = time.Now()
	c.state.Store(stateRunning)

	logger.Info("context initialised",
		"version", negotiated,
		"protocols", opts.Protocols,
		"queue_size", opts.QueueSize,
	)

	if opts.Registrar != "" {
		req := RegisterRequest{Server: opts.Registrar, Identifier: opts.Username, TTL: opts.RegisterTTL}
		if err := ep.Register(req); err != nil {
			logger.Warn("registration not started", "registrar", opts.Registrar, "error", err)
		}
	}
	return negotiated, nil
}

// IsInitialised reports whether the context is operational.
func (c *Context) IsInitialised() bool {
	return c.state.Load() == stateRunning
}

// ShutDown clears every live call with ReasonShutdown, closes the queue
// and releases the endpoint. Blocked Receive calls return the Shutdown
// sentinel. It is safe to call more than once; a shut down context cannot
// be initialised again.
func (c *Context) ShutDown() {
	c.life.Lock()
	if c.state.Load() != stateRunning {
		c.life.Unlock()
		return
	}
	c.state.Store(stateShutDown)
	c.life.Unlock()

	tokens := c.table.Tokens()
	for _, token := range tokens {
		_ = c.table.Update(token, func(cl *call.Call) error {
			if c.beginClearing(cl, message.ReasonShutdown) {
				c.endpoint.Hangup(token, message.ReasonShutdown)
			}
			c.finishClearing(cl)
			return nil
		})
	}

	c.queue.Close(message.NewEvent(message.Shutdown, ""))

	if err := c.endpoint.Close(); err != nil {
		c.logger.Warn("closing endpoint", "error", err)
	}
	c.logger.Info("context shut down", "cleared_calls", len(tokens))
	if c.trace != nil {
		c.trace.Close()
	}
}

// Receive returns the next message, waiting up to timeout. A zero timeout
// never blocks and a negative one waits without limit. Before Initialise it
// returns false at once; after ShutDown it drains what is left and then
// returns the Shutdown sentinel.
func (c *Context) Receive(timeout time.Duration) (message.Message, bool) {
	if c.state.Load() == stateNew {
		return message.Message{}, false
	}
	return c.queue.PopWithTimeout(timeout)
}

// Send validates a command message and dispatches it. The response echoes
// the command; for CommandSetUp it carries the allocated token.
func (c *Context) Send(cmd message.Message) (message.Message, error) {
	if !c.IsInitialised() {
		return message.Message{}, ErrNotInitialised
	}
	if !cmd.Kind.IsCommand() {
		return message.Message{}, fmt.Errorf("%w: %s is not a command", ErrInvalidCommand, cmd.Kind)
	}
	switch cmd.Kind {
	case message.CommandSetUp:
		return c.SetUpCall(cmd.PartyB, cmd.PartyA, cmd.AlertingType)
	case message.CommandRegister:
		if cmd.Registration == nil {
			return message.Message{}, fmt.Errorf("%w: register requires registration details", ErrInvalidCommand)
		}
		r := cmd.Registration
		if err := c.Register(r.Server, r.Identifier, r.TTL); err != nil {
			return message.Message{}, err
		}
		resp := cmd
		resp.Time = time.Now()
		return resp, nil
	}
	if cmd.Token == "" {
		return message.Message{}, fmt.Errorf("%w: %s requires a call token", ErrInvalidCommand, cmd.Kind)
	}

	var err error
	switch cmd.Kind {
	case message.CommandAnswer:
		err = c.AnswerCall(cmd.Token)
	case message.CommandClear:
		err = c.ClearCall(cmd.Token, cmd.Reason)
	case message.CommandUserInput:
		err = c.SendUserInput(cmd.Token, cmd.Input, cmd.Duration)
	}
	if err != nil {
		return message.Message{}, err
	}

	resp := cmd
	resp.Time = time.Now()
	return resp, nil
}

// SetUpCall starts an outgoing call to partyB. An empty partyA lets the
// endpoint choose the calling identity. The returned message carries the
// new call's token; progress arrives through Receive.
func (c *Context) SetUpCall(partyB, partyA, alertingType string) (message.Message, error) {
	if err := c.enter(); err != nil {
		return message.Message{}, err
	}
	defer c.leave()

	if strings.TrimSpace(partyB) == "" {
		return message.Message{}, fmt.Errorf("%w: called party is required", ErrInvalidCommand)
	}

	token := c.table.Create(call.DirectionOutgoing, partyB, partyA, alertingType).Token()
	err := c.table.Update(token, func(cl *call.Call) error {
		if err := cl.Transition(call.StateSettingUp); err != nil {
			return err
		}

		dialErr := c.endpoint.Dial(token, DialRequest{
			PartyB:       partyB,
			PartyA:       partyA,
			AlertingType: alertingType,
		})
		if dialErr == nil {
			m := message.NewEvent(message.EventCallStarted, token)
			m.PartyA = partyA
			m.PartyB = partyB
			m.AlertingType = alertingType
			c.push(m)
			return nil
		}

		c.logger.Warn("dial rejected", "token", token, "party_b", partyB, "error", dialErr)
		c.push(message.NewError(token, dialErr))
		reason := message.ReasonUnreachable
		if errors.Is(dialErr, ErrResourceExhausted) {
			reason = message.ReasonResourceExhausted
		}
		c.beginClearing(cl, reason)
		c.finishClearing(cl)
		return nil
	})
	if err != nil {
		return message.Message{}, fmt.Errorf("setting up call: %w", err)
	}

	resp := message.SetUp(partyB, partyA, alertingType)
	resp.Token = token
	return resp, nil
}

// AnswerCall accepts an incoming call that is alerting. The call becomes
// Established when the endpoint confirms.
func (c *Context) AnswerCall(token string) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()

	err := c.table.Update(token, func(cl *call.Call) error {
		if cl.Direction() != call.DirectionIncoming || cl.State() != call.StateAlerting || cl.AnswerPending() {
			return fmt.Errorf("%w: cannot answer %s call in state %s", ErrInvalidState, cl.Direction(), cl.State())
		}
		if err := c.endpoint.Answer(token); err != nil {
			return fmt.Errorf("answering call: %w", err)
		}
		cl.SetAnswerPending(true)
		return nil
	})
	return c.resolve(token, err)
}

// ClearCall starts tearing down a call. The call enters Clearing at once
// and is reported Cleared when the endpoint confirms. Clearing a call that
// is already clearing or gone is a no-op.
func (c *Context) ClearCall(token string, reason message.Reason) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()

	if !reason.Valid() {
		return fmt.Errorf("%w: unknown clear reason %d", ErrInvalidCommand, int(reason))
	}

	err := c.table.Update(token, func(cl *call.Call) error {
		if c.beginClearing(cl, reason) {
			c.endpoint.Hangup(token, reason)
		}
		return nil
	})
	if errors.Is(err, call.ErrNotFound) && c.table.Retired(token) {
		return nil
	}
	return c.resolve(token, err)
}

// Register registers identifier with a registrar, replacing any earlier
// registration with the same server. A zero ttl unregisters. Outcomes
// arrive as EventRegistration.
func (c *Context) Register(server, identifier string, ttl time.Duration) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()

	if strings.TrimSpace(server) == "" {
		return fmt.Errorf("%w: registrar is required", ErrInvalidCommand)
	}
	if ttl < 0 || (ttl > 0 && ttl < time.Second) {
		return fmt.Errorf("%w: registration ttl must be zero or at least 1s, got %s", ErrInvalidCommand, ttl)
	}

	if err := c.endpoint.Register(RegisterRequest{Server: server, Identifier: identifier, TTL: ttl}); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	return nil
}

// SendUserInput forwards user input (DTMF digits) on an established call.
func (c *Context) SendUserInput(token, input string, duration time.Duration) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()

	if input == "" {
		return fmt.Errorf("%w: empty user input", ErrInvalidCommand)
	}
	if duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidCommand)
	}

	err := c.table.Update(token, func(cl *call.Call) error {
		if cl.State() != call.StateEstablished {
			return fmt.Errorf("%w: cannot send input in state %s", ErrInvalidState, cl.State())
		}
		if err := c.endpoint.SendUserInput(token, input, duration); err != nil {
			return fmt.Errorf("sending user input: %w", err)
		}
		return nil
	})
	return c.resolve(token, err)
}

// Calls returns a snapshot of all live calls.
func (c *Context) Calls() []call.Info {
	if c.state.Load() == stateNew {
		return nil
	}
	return c.table.Snapshot()
}

// Call returns a snapshot of one live call.
func (c *Context) Call(token string) (call.Info, bool) {
	if c.state.Load() == stateNew {
		return call.Info{}, false
	}
	cl, ok := c.table.Lookup(token)
	if !ok {
		return call.Info{}, false
	}
	info := cl.Info()
	if info.State == call.StateCleared {
		return call.Info{}, false
	}
	return info, true
}

// Stats is a point-in-time view of a context for monitoring.
type Stats struct {
	Version       uint
	ActiveCalls   int
	QueueDepth    int
	QueueCapacity int
	Dropped       uint64
	Cleared       map[message.Reason]uint64
	Registrations map[string]message.RegistrationState // by registrar
	Uptime        time.Duration
}

// Stats returns current counters. It is valid in any lifecycle state.
func (c *Context) Stats() Stats {
	s := Stats{
		Cleared:       make(map[message.Reason]uint64),
		Registrations: make(map[string]message.RegistrationState),
	}
	if c.state.Load() == stateNew {
		return s
	}

	s.Version = c.version
	s.ActiveCalls = c.table.Len()
	s.QueueDepth = c.queue.Len()
	s.QueueCapacity = c.queue.Capacity()
	s.Dropped = c.queue.Dropped()
	s.Uptime = time.Since(c.started)

	c.statsMu.Lock()
	for r, n := range c.cleared {
		s.Cleared[r] = n
	}
	for server, state := range c.registrations {
		s.Registrations[server] = state
	}
	c.statsMu.Unlock()
	return s
}

// enter takes the lifecycle read lock for an operation. On success the
// caller must defer leave.
func (c *Context) enter() error {
	c.life.RLock()
	if c.state.Load() != stateRunning {
		c.life.RUnlock()
		return ErrNotInitialised
	}
	return nil
}

func (c *Context) leave() {
	c.life.RUnlock()
}

// resolve maps table errors to the public error set.
func (c *Context) resolve(token string, err error) error {
	if !errors.Is(err, call.ErrNotFound) {
		return err
	}
	if c.table.Retired(token) {
		return fmt.Errorf("%w: call %s has been cleared", ErrInvalidState, token)
	}
	return fmt.Errorf("%w: %q", ErrUnknownToken, token)
}

func (c *Context) push(m message.Message) {
	if !c.queue.Push(m) {
		c.logger.Debug("message discarded after shutdown", "message", m.String())
	}
}

// beginClearing moves cl into Clearing and enqueues the clearing event. It
// reports false if the call was already clearing. Call with cl locked.
func (c *Context) beginClearing(cl *call.Call, reason message.Reason) bool {
	if !cl.BeginClearing(reason) {
		return false
	}
	m := message.NewEvent(message.EventCallClearing, cl.Token())
	m.Reason = reason
	c.push(m)
	return true
}

// finishClearing moves a clearing call to Cleared, enqueues the cleared
// event with the call record and retires the token. Call with cl locked.
func (c *Context) finishClearing(cl *call.Call) {
	if err := cl.Transition(call.StateCleared); err != nil {
		c.logger.Error("finishing call", "token", cl.Token(), "error", err)
		return
	}

	reason := cl.ClearReason()
	m := message.NewEvent(message.EventCallCleared, cl.Token())
	m.Reason = reason
	m.Record = cl.Record()
	c.push(m)
	c.table.Remove(cl.Token())

	c.statsMu.Lock()
	c.cleared[reason]++
	c.statsMu.Unlock()

	c.logger.Info("call cleared",
		"token", cl.Token(),
		"direction", cl.Direction(),
		"reason", reason,
		"duration", m.Record.Duration(),
	)
}
