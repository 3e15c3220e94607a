package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/callctl/internal/database"
	"github.com/flowpbx/callctl/internal/message"
)

// receiver is the receiving half of a call-control context.
type receiver interface {
	Receive(timeout time.Duration) (message.Message, bool)
	AnswerCall(token string) error
}

// broadcaster fans messages out to event feed clients.
type broadcaster interface {
	Broadcast(m message.Message)
}

// receiveWait is how long the pump blocks for one message.
const receiveWait = time.Second

// cdrWriteTimeout bounds one record insert so a stuck database cannot stall
// the pump.
const cdrWriteTimeout = 5 * time.Second

// pump drains the context's message queue until the Shutdown sentinel.
type pump struct {
	calls      receiver
	cdrs       database.CDRRepository
	feed       broadcaster
	autoAnswer bool
	logger     *slog.Logger
}

// run processes messages until Shutdown and returns how many it handled.
func (p *pump) run() int {
	n := 0
	for {
		m, ok := p.calls.Receive(receiveWait)
		if !ok {
			continue
		}
		n++
		p.handle(m)
		if m.Kind == message.Shutdown {
			return n
		}
	}
}

func (p *pump) handle(m message.Message) {
	p.log(m)

	switch m.Kind {
	case message.EventIncomingCall:
		if p.autoAnswer {
			if err := p.calls.AnswerCall(m.Token); err != nil {
				p.logger.Warn("auto-answer failed", "token", m.Token, "error", err)
			}
		}
	case message.EventCallCleared:
		p.storeCDR(m)
	}

	p.feed.Broadcast(m)
}

func (p *pump) log(m message.Message) {
	attrs := []any{"kind", m.Kind.String(), "token", m.Token}
	level := slog.LevelInfo

	switch m.Kind {
	case message.EventCallStarted, message.EventIncomingCall:
		attrs = append(attrs, "party_a", m.PartyA, "party_b", m.PartyB)
	case message.EventCallClearing, message.EventCallCleared:
		attrs = append(attrs, "reason", m.Reason.String())
	case message.EventMediaStream:
		level = slog.LevelDebug
		if m.Stream != nil {
			attrs = append(attrs, "stream", m.Stream.Type, "format", m.Stream.Format, "opened", m.Stream.Opened)
		}
	case message.EventUserInput:
		attrs = append(attrs, "input", m.Input)
	case message.EventRegistration:
		if r := m.Registration; r != nil {
			attrs = append(attrs, "registrar", r.Server, "state", r.State.String())
			if r.Error != "" {
				level = slog.LevelWarn
				attrs = append(attrs, "error", r.Error)
			}
		}
	case message.Error:
		level = slog.LevelWarn
		attrs = append(attrs, "error", m.ErrorText)
	case message.QueueOverflow:
		level = slog.LevelWarn
		attrs = append(attrs, "dropped", m.Dropped)
	}

	p.logger.Log(context.Background(), level, "call-control message", attrs...)
}

func (p *pump) storeCDR(m message.Message) {
	if m.Record == nil {
		p.logger.Warn("cleared call has no record", "token", m.Token)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cdrWriteTimeout)
	defer cancel()

	if err := p.cdrs.Create(ctx, database.NewCDR(m.Token, m.Reason, m.Record)); err != nil {
		p.logger.Error("failed to store cdr", "token", m.Token, "error", err)
	}
}

// pruneCDRs deletes records older than retention every interval until ctx
// is done.
func pruneCDRs(ctx context.Context, cdrs database.CDRRepository, retention, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := cdrs.DeleteBefore(ctx, now.Add(-retention))
			if err != nil {
				logger.Error("cdr retention cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("cdr retention cleanup", "deleted", n)
			}
		}
	}
}
