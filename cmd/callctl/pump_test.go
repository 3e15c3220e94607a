package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/callctl/internal/database"
	"github.com/flowpbx/callctl/internal/message"
)

// scriptedCalls replays a fixed message sequence, reporting a timeout
// between each one.
type scriptedCalls struct {
	mu        sync.Mutex
	msgs      []message.Message
	idle      bool
	answered  []string
	answerErr error
}

func (s *scriptedCalls) Receive(time.Duration) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = !s.idle
	if s.idle || len(s.msgs) == 0 {
		return message.Message{}, false
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, true
}

func (s *scriptedCalls) AnswerCall(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answered = append(s.answered, token)
	return s.answerErr
}

type recordingFeed struct {
	kinds []message.Kind
}

func (f *recordingFeed) Broadcast(m message.Message) { f.kinds = append(f.kinds, m.Kind) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openCDRs(t *testing.T) database.CDRRepository {
	t.Helper()
	db, err := database.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return database.NewCDRRepository(db)
}

func clearedMsg(token string, reason message.Reason) message.Message {
	now := time.Now()
	m := message.NewEvent(message.EventCallCleared, token)
	m.Reason = reason
	m.Record = &message.Record{
		Direction: "incoming",
		PartyA:    "sip:alice@example.com",
		PartyB:    "sip:callctl@example.com",
		Created:   now.Add(-time.Minute),
		Cleared:   now,
	}
	return m
}

func TestPumpRun(t *testing.T) {
	tests := []struct {
		name       string
		autoAnswer bool
		answerErr  error
		answered   int
	}{
		{"manual answer", false, nil, 0},
		{"auto answer", true, nil, 1},
		{"auto answer rejected", true, errors.New("invalid state"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			incoming := message.NewEvent(message.EventIncomingCall, "inst/1")
			incoming.PartyA = "sip:alice@example.com"

			calls := &scriptedCalls{
				answerErr: tt.answerErr,
				msgs: []message.Message{
					incoming,
					message.NewEvent(message.EventEstablished, "inst/1"),
					message.NewError("inst/2", errors.New("no route")),
					{Kind: message.QueueOverflow, Dropped: 3},
					clearedMsg("inst/1", message.ReasonRemoteHangup),
					message.NewEvent(message.Shutdown, ""),
					message.NewEvent(message.EventAlerting, "never/1"),
				},
			}
			cdrs := openCDRs(t)
			feed := &recordingFeed{}
			p := &pump{calls: calls, cdrs: cdrs, feed: feed, autoAnswer: tt.autoAnswer, logger: testLogger()}

			if n := p.run(); n != 6 {
				t.Errorf("run() handled %d messages, want 6", n)
			}
			if len(calls.answered) != tt.answered {
				t.Errorf("answered = %v, want %d", calls.answered, tt.answered)
			}
			if len(feed.kinds) != 6 || feed.kinds[5] != message.Shutdown {
				t.Errorf("broadcast = %v", feed.kinds)
			}

			cdr, err := cdrs.GetByToken(context.Background(), "inst/1")
			if err != nil || cdr == nil {
				t.Fatalf("GetByToken = %v, %v", cdr, err)
			}
			if cdr.Reason != "RemoteHangup" || cdr.Duration != 60 || cdr.Direction != "incoming" {
				t.Errorf("cdr = %+v", cdr)
			}
		})
	}
}

func TestPumpClearedWithoutRecord(t *testing.T) {
	cdrs := openCDRs(t)
	p := &pump{calls: &scriptedCalls{}, cdrs: cdrs, feed: &recordingFeed{}, logger: testLogger()}

	p.handle(message.NewEvent(message.EventCallCleared, "inst/9"))

	if _, total, err := cdrs.List(context.Background(), database.CDRListFilter{}); err != nil || total != 0 {
		t.Errorf("List = %d, %v; want no records", total, err)
	}
}

func TestPruneCDRs(t *testing.T) {
	cdrs := openCDRs(t)
	ctx := context.Background()

	old := clearedMsg("inst/1", message.ReasonNormal)
	old.Record.Created = old.Record.Created.Add(-48 * time.Hour)
	old.Record.Cleared = old.Record.Cleared.Add(-48 * time.Hour)
	fresh := clearedMsg("inst/2", message.ReasonNormal)
	for _, m := range []message.Message{old, fresh} {
		if err := cdrs.Create(ctx, database.NewCDR(m.Token, m.Reason, m.Record)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	pruneCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pruneCDRs(pruneCtx, cdrs, 24*time.Hour, 10*time.Millisecond, testLogger())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, total, err := cdrs.List(ctx, database.CDRListFilter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("old record not pruned, total = %d", total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done

	if c, _ := cdrs.GetByToken(ctx, "inst/2"); c == nil {
		t.Error("fresh record was pruned")
	}
}
