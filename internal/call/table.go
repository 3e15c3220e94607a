package call

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned for tokens that do not name a live call.
var ErrNotFound = errors.New("call not found")

// Table owns all live calls keyed by token. Map access is guarded by a
// read/write mutex; each call's transitions are serialized by the call's
// own mutex so different calls progress in parallel.
//
// Lock order: call mutex, then table mutex.
type Table struct {
	mu     sync.RWMutex
	calls  map[string]*Call
	prefix string // "<instance uuid>/"
	seq    uint64 // last issued sequence number
	logger *slog.Logger
}

// NewTable creates an empty call table. Tokens it issues are prefixed with
// a random instance id so tables in the same process never collide.
func NewTable(logger *slog.Logger) *Table {
	return &Table{
		calls:  make(map[string]*Call),
		prefix: uuid.NewString() + "/",
		logger: logger.With("subsystem", "call-table"),
	}
}

// Create allocates a new token and inserts an Idle call for it.
func (t *Table) Create(dir Direction, remote, local, alertingType string) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	token := t.prefix + strconv.FormatUint(t.seq, 10)
	c := newCall(token, dir, remote, local, alertingType)
	t.calls[token] = c

	t.logger.Debug("call created",
		"token", token,
		"direction", dir,
		"remote", remote,
		"local", local,
	)
	return c
}

// Lookup returns the live call for token.
func (t *Table) Lookup(token string) (*Call, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.calls[token]
	return c, ok
}

// Update runs fn with the call's mutex held. It returns ErrNotFound if the
// token is unknown or the call has already been cleared; otherwise it
// returns fn's error.
func (t *Table) Update(token string, fn func(c *Call) error) error {
	c, ok := t.Lookup(token)
	if !ok {
		return ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCleared {
		return ErrNotFound
	}
	return fn(c)
}

// Remove deletes a cleared call. It must be called with the call's mutex
// held (from inside Update) once the call has reached StateCleared; the
// token is never reissued.
func (t *Table) Remove(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, token)
	t.logger.Debug("call removed", "token", token)
}

// Retired reports whether token was issued by this table and is no longer
// live.
func (t *Table) Retired(token string) bool {
	rest, ok := strings.CutPrefix(token, t.prefix)
	if !ok {
		return false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || n == 0 {
		return false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if n > t.seq {
		return false
	}
	_, live := t.calls[token]
	return !live
}

// Tokens returns the tokens of all live calls.
func (t *Table) Tokens() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tokens := make([]string, 0, len(t.calls))
	for token := range t.calls {
		tokens = append(tokens, token)
	}
	return tokens
}

// Snapshot returns a copy of every live call's attributes.
func (t *Table) Snapshot() []Info {
	t.mu.RLock()
	calls := make([]*Call, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.mu.RUnlock()

	infos := make([]Info, 0, len(calls))
	for _, c := range calls {
		if info := c.Info(); info.State != StateCleared {
			infos = append(infos, info)
		}
	}
	return infos
}

// Len returns the number of live calls.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}
