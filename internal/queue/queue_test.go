package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/callctl/internal/message"
)

func event(kind message.Kind, token string) message.Message {
	return message.NewEvent(kind, token)
}

func TestPopEmptyZeroTimeout(t *testing.T) {
	q := New(4)

	start := time.Now()
	_, ok := q.PopWithTimeout(0)
	if ok {
		t.Fatal("expected ok=false on empty queue")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("zero timeout pop blocked for %v", elapsed)
	}
}

func TestPopTimesOut(t *testing.T) {
	q := New(4)

	start := time.Now()
	_, ok := q.PopWithTimeout(30 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("pop returned after %v, want at least 25ms", elapsed)
	}
}

func TestFIFOOrder(t *testing.T) {
	q := New(16)
	for i := 0; i < 10; i++ {
		q.Push(event(message.EventAlerting, fmt.Sprintf("t%d", i)))
	}

	for i := 0; i < 10; i++ {
		m, ok := q.PopWithTimeout(0)
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if want := fmt.Sprintf("t%d", i); m.Token != want {
			t.Errorf("pop %d: token = %q, want %q", i, m.Token, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestPopWakesOnPush(t *testing.T) {
	q := New(4)

	got := make(chan message.Message, 1)
	go func() {
		m, ok := q.PopWithTimeout(2 * time.Second)
		if ok {
			got <- m
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(event(message.EventEstablished, "abc"))

	select {
	case m, ok := <-got:
		if !ok {
			t.Fatal("consumer timed out")
		}
		if m.Token != "abc" {
			t.Errorf("token = %q, want abc", m.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by push")
	}
}

func TestOverflowReplacesOldestWithMarker(t *testing.T) {
	q := New(3)
	q.Push(event(message.EventAlerting, "a"))
	q.Push(event(message.EventEstablished, "b"))
	q.Push(event(message.EventMediaStream, "c"))
	q.Push(event(message.EventUserInput, "d"))

	want := []struct {
		kind    message.Kind
		token   string
		dropped int
	}{
		{message.QueueOverflow, "", 1},
		{message.EventEstablished, "b", 0},
		{message.EventMediaStream, "c", 0},
		{message.EventUserInput, "d", 0},
	}

	if q.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", q.Dropped())
	}
	for i, w := range want {
		m, ok := q.PopWithTimeout(0)
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if m.Kind != w.kind || m.Token != w.token || m.Dropped != w.dropped {
			t.Errorf("pop %d = {%v %q %d}, want {%v %q %d}", i, m.Kind, m.Token, m.Dropped, w.kind, w.token, w.dropped)
		}
	}
}

func TestOverflowCountsOnSingleMarker(t *testing.T) {
	q := New(2)
	for i := 0; i < 6; i++ {
		q.Push(event(message.EventUserInput, fmt.Sprintf("t%d", i)))
	}

	markers := 0
	dropped := 0
	var tokens []string
	for {
		m, ok := q.PopWithTimeout(0)
		if !ok {
			break
		}
		if m.Kind == message.QueueOverflow {
			markers++
			dropped += m.Dropped
			continue
		}
		tokens = append(tokens, m.Token)
	}

	if markers != 1 {
		t.Errorf("markers = %d, want 1", markers)
	}
	if dropped != 4 {
		t.Errorf("dropped = %d, want 4", dropped)
	}
	if len(tokens) != 2 || tokens[0] != "t4" || tokens[1] != "t5" {
		t.Errorf("remaining tokens = %v, want [t4 t5]", tokens)
	}
}

func TestOverflowNeverDropsCritical(t *testing.T) {
	q := New(2)
	q.Push(event(message.EventCallCleared, "a"))
	q.Push(event(message.EventIncomingCall, "b"))
	// Queue full of critical messages: a non-critical push is dropped...
	q.Push(event(message.EventUserInput, "c"))
	// ...while a critical push is admitted above capacity.
	q.Push(event(message.EventCallCleared, "d"))

	var kinds []message.Kind
	var tokens []string
	for {
		m, ok := q.PopWithTimeout(0)
		if !ok {
			break
		}
		kinds = append(kinds, m.Kind)
		tokens = append(tokens, m.Token)
	}

	want := []message.Kind{
		message.EventCallCleared,
		message.EventIncomingCall,
		message.QueueOverflow,
		message.EventCallCleared,
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %v, want %v (tokens %v)", i, kinds[i], want[i], tokens)
		}
	}
}

func TestCloseWakesAllWaiters(t *testing.T) {
	q := New(4)
	sentinel := message.NewEvent(message.Shutdown, "")

	const waiters = 5
	var wg sync.WaitGroup
	results := make(chan message.Message, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, ok := q.PopWithTimeout(-1)
			if ok {
				results <- m
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close(sentinel)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not woken by Close")
	}
	close(results)

	n := 0
	for m := range results {
		n++
		if m.Kind != message.Shutdown {
			t.Errorf("kind = %v, want Shutdown", m.Kind)
		}
	}
	if n != waiters {
		t.Errorf("woken = %d, want %d", n, waiters)
	}
}

func TestCloseDrainsBufferedFirst(t *testing.T) {
	q := New(4)
	q.Push(event(message.EventCallClearing, "a"))
	q.Close(message.NewEvent(message.Shutdown, ""))

	if q.Push(event(message.EventCallCleared, "b")) {
		t.Error("Push after Close returned true")
	}

	m, _ := q.PopWithTimeout(0)
	if m.Kind != message.EventCallClearing {
		t.Errorf("first pop = %v, want CallClearing", m.Kind)
	}
	for i := 0; i < 3; i++ {
		m, ok := q.PopWithTimeout(0)
		if !ok || m.Kind != message.Shutdown {
			t.Errorf("pop after drain = %v ok=%v, want Shutdown", m.Kind, ok)
		}
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := New(10000)

	const producers = 8
	const perProducer = 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(event(message.EventUserInput, fmt.Sprintf("%d/%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	// Per-producer order must be preserved.
	next := make(map[string]int)
	count := 0
	for {
		m, ok := q.PopWithTimeout(0)
		if !ok {
			break
		}
		count++
		var p, i int
		if _, err := fmt.Sscanf(m.Token, "%d/%d", &p, &i); err != nil {
			t.Fatalf("bad token %q: %v", m.Token, err)
		}
		key := fmt.Sprint(p)
		if i != next[key] {
			t.Fatalf("producer %d: got %d, want %d", p, i, next[key])
		}
		next[key]++
	}
	if count != producers*perProducer {
		t.Errorf("count = %d, want %d", count, producers*perProducer)
	}
}
