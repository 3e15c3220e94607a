package sip

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callctl/internal/media"
)

// legState is the signaling state of one call leg.
type legState int

const (
	legInviting   legState = iota // outgoing INVITE awaiting a final response
	legRinging                    // incoming INVITE awaiting Answer
	legAnswered                   // dialog confirmed
	legTerminated                 // BYE, CANCEL or failure seen
)

func (s legState) String() string {
	switch s {
	case legInviting:
		return "inviting"
	case legRinging:
		return "ringing"
	case legAnswered:
		return "answered"
	case legTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// leg is the SIP side of one call: the dialog identifiers needed for
// in-dialog requests plus the transactions still in flight.
type leg struct {
	mu sync.Mutex

	token    string
	callID   string
	outgoing bool
	state    legState

	localURI  sip.Uri
	localTag  string
	remoteURI sip.Uri
	remoteTag string
	target    sip.Uri // remote Contact, Request-URI of in-dialog requests
	dest      string  // explicit destination (incoming legs reply to source)
	transport string
	cseq      uint32

	invite   *sip.Request // INVITE we sent or received
	serverTx sip.ServerTransaction
	rung     chan struct{} // closed when an incoming leg stops ringing
	dropped  bool          // caller cancelled or the INVITE transaction died
	offer    *media.Session // remote offer on incoming calls
	localSDP []byte
	cancel   context.CancelFunc
	rtp      *net.UDPConn

	// Outgoing DTMF, sent one INFO at a time in order.
	tones   []media.Tone
	sending bool
}

// setState moves l to s. Leaving legRinging releases the INVITE handler
// waiting in ring. Call with l.mu held.
func (l *leg) setState(s legState) {
	if l.state == legRinging && s != legRinging && l.rung != nil {
		close(l.rung)
	}
	l.state = s
}

// nextCSeq returns the CSeq number for the next in-dialog request. Call
// with l.mu held.
func (l *leg) nextCSeq() uint32 {
	l.cseq++
	return l.cseq
}

// releaseMedia closes the reserved RTP socket. Call with l.mu held.
func (l *leg) releaseMedia() {
	if l.rtp != nil {
		l.rtp.Close()
		l.rtp = nil
	}
}

// legTable tracks live legs by call token and by SIP Call-ID.
type legTable struct {
	registering sync.Mutex // held while an incoming leg waits for its token

	mu       sync.RWMutex
	byToken  map[string]*leg
	byCallID map[string]*leg
	logger   *slog.Logger
}

func newLegTable(logger *slog.Logger) *legTable {
	return &legTable{
		byToken:  make(map[string]*leg),
		byCallID: make(map[string]*leg),
		logger:   logger.With("subsystem", "legs"),
	}
}

// add registers an outgoing leg.
func (t *legTable) add(l *leg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCallID[l.callID] = l
	t.byToken[l.token] = l
	t.logger.Debug("leg added", "call_id", l.callID, "token", l.token, "outgoing", l.outgoing)
}

// addIncoming registers an incoming leg under the token returned by
// register. It returns register's error, in which case the leg is not
// kept. A token can reach the application before it is bound here; await
// covers that window.
func (t *legTable) addIncoming(l *leg, register func() (string, error)) error {
	t.registering.Lock()
	defer t.registering.Unlock()

	token, err := register()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	l.token = token
	t.byToken[token] = l
	t.byCallID[l.callID] = l
	t.logger.Debug("leg added", "call_id", l.callID, "token", token, "outgoing", false)
	return nil
}

func (t *legTable) byTok(token string) *leg {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byToken[token]
}

// await is byTok after any in-progress incoming registration completes.
// It can block on the context, so never call it with a call locked.
func (t *legTable) await(token string) *leg {
	t.registering.Lock()
	t.registering.Unlock()
	return t.byTok(token)
}

func (t *legTable) byCall(callID string) *leg {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byCallID[callID]
}

// remove deletes l and reports whether it was still present, so that only
// one of several racing teardown paths reports the call cleared.
func (t *legTable) remove(l *leg) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byCallID[l.callID] != l {
		return false
	}
	delete(t.byCallID, l.callID)
	if l.token != "" {
		delete(t.byToken, l.token)
	}
	t.logger.Debug("leg removed", "call_id", l.callID, "token", l.token)
	return true
}

// all returns a snapshot of the live legs.
func (t *legTable) all() []*leg {
	t.mu.RLock()
	defer t.mu.RUnlock()
	legs := make([]*leg, 0, len(t.byCallID))
	for _, l := range t.byCallID {
		legs = append(legs, l)
	}
	return legs
}

func (t *legTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byCallID)
}
