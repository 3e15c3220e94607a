package call

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/flowpbx/callctl/internal/message"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StateIdle, StateSettingUp, true},
		{StateIdle, StateAlerting, true},
		{StateIdle, StateEstablished, false},
		{StateIdle, StateCleared, false},
		{StateSettingUp, StateAlerting, true},
		{StateSettingUp, StateEstablished, true},
		{StateSettingUp, StateIdle, false},
		{StateAlerting, StateEstablished, true},
		{StateAlerting, StateSettingUp, false},
		{StateEstablished, StateClearing, true},
		{StateEstablished, StateCleared, false},
		{StateEstablished, StateAlerting, false},
		{StateClearing, StateCleared, true},
		{StateClearing, StateEstablished, false},
		{StateCleared, StateClearing, false},
		{StateCleared, StateIdle, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEveryNonTerminalStateCanClear(t *testing.T) {
	for s := StateIdle; s < StateClearing; s++ {
		if !s.CanTransitionTo(StateClearing) {
			t.Errorf("%s cannot transition to Clearing", s)
		}
	}
}

func TestTransitionRecordsTimes(t *testing.T) {
	c := newCall("tok", DirectionOutgoing, "sip:bob@x", "sip:alice@x", "")

	for _, next := range []State{StateSettingUp, StateAlerting, StateEstablished} {
		if err := c.Transition(next); err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
	}
	if c.Established() == nil {
		t.Fatal("established time not recorded")
	}

	if err := c.Transition(StateCleared); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Established -> Cleared error = %v, want ErrInvalidTransition", err)
	}
	if err := c.Transition(StateClearing); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transition(Clearing) error = %v, want ErrInvalidTransition", err)
	}

	if !c.BeginClearing(message.ReasonNormal) {
		t.Fatal("BeginClearing returned false")
	}
	if c.BeginClearing(message.ReasonBusy) {
		t.Error("second BeginClearing returned true")
	}
	if c.ClearReason() != message.ReasonNormal {
		t.Errorf("ClearReason = %v, want Normal", c.ClearReason())
	}
	if err := c.Transition(StateCleared); err != nil {
		t.Fatalf("Transition(Cleared): %v", err)
	}

	rec := c.Record()
	if rec.PartyA != "sip:alice@x" || rec.PartyB != "sip:bob@x" {
		t.Errorf("record parties = %q/%q", rec.PartyA, rec.PartyB)
	}
	if rec.Cleared.Before(rec.Created) {
		t.Error("cleared before created")
	}
}

func TestIncomingRecordParties(t *testing.T) {
	c := newCall("tok", DirectionIncoming, "sip:carol@y", "sip:me@x", "")
	rec := c.Record()
	if rec.PartyA != "sip:carol@y" || rec.PartyB != "sip:me@x" {
		t.Errorf("record parties = %q/%q, want caller first", rec.PartyA, rec.PartyB)
	}
}

func TestTableLookupUnissued(t *testing.T) {
	tbl := NewTable(testLogger())
	for _, tok := range []string{"", "nope", tbl.prefix + "1", tbl.prefix + "999"} {
		if _, ok := tbl.Lookup(tok); ok {
			t.Errorf("Lookup(%q) found a call", tok)
		}
		if tbl.Retired(tok) {
			t.Errorf("Retired(%q) = true for unissued token", tok)
		}
	}
}

func TestTableCreateRemoveRetires(t *testing.T) {
	tbl := NewTable(testLogger())
	c := tbl.Create(DirectionOutgoing, "sip:bob@x", "", "")

	if _, ok := tbl.Lookup(c.Token()); !ok {
		t.Fatal("created call not found")
	}
	if tbl.Retired(c.Token()) {
		t.Error("live call reported as retired")
	}

	err := tbl.Update(c.Token(), func(c *Call) error {
		c.BeginClearing(message.ReasonNormal)
		if err := c.Transition(StateCleared); err != nil {
			return err
		}
		tbl.Remove(c.Token())
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, ok := tbl.Lookup(c.Token()); ok {
		t.Error("removed call still found")
	}
	if !tbl.Retired(c.Token()) {
		t.Error("removed call not reported as retired")
	}
	if err := tbl.Update(c.Token(), func(*Call) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update on retired token = %v, want ErrNotFound", err)
	}

	next := tbl.Create(DirectionOutgoing, "sip:bob@x", "", "")
	if next.Token() == c.Token() {
		t.Error("token reused")
	}
}

func TestTablesDoNotShareTokens(t *testing.T) {
	a := NewTable(testLogger())
	b := NewTable(testLogger())

	ca := a.Create(DirectionOutgoing, "x", "", "")
	cb := b.Create(DirectionOutgoing, "x", "", "")
	if ca.Token() == cb.Token() {
		t.Fatalf("two tables issued the same token %q", ca.Token())
	}
	if _, ok := b.Lookup(ca.Token()); ok {
		t.Error("table b resolved a token from table a")
	}
	if b.Retired(ca.Token()) {
		t.Error("table b reports a token from table a as retired")
	}
}

func TestTableConcurrentCreate(t *testing.T) {
	tbl := NewTable(testLogger())

	const n = 200
	tokens := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens <- tbl.Create(DirectionOutgoing, "x", "", "").Token()
		}()
	}
	wg.Wait()
	close(tokens)

	seen := make(map[string]bool)
	for tok := range tokens {
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
	if tbl.Len() != n {
		t.Errorf("Len() = %d, want %d", tbl.Len(), n)
	}
	if len(tbl.Snapshot()) != n {
		t.Errorf("Snapshot() len = %d, want %d", len(tbl.Snapshot()), n)
	}
}

func TestUpdateSerializesPerCall(t *testing.T) {
	tbl := NewTable(testLogger())
	c := tbl.Create(DirectionOutgoing, "x", "", "")

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tbl.Update(c.Token(), func(*Call) error {
				v := counter
				v++
				counter = v
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}
