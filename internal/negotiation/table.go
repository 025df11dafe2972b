package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Config wires a Table to its collaborators.
type Config struct {
	Signaler     Signaler
	NewTransport TransportFactory

	// MaxPendingCandidates bounds each session's queue of early remote
	// candidates. Zero selects DefaultMaxPendingCandidates.
	MaxPendingCandidates int

	// OnEvent receives every session event. It is called without any
	// negotiation lock held and may block.
	OnEvent func(Event)

	Logger *slog.Logger
}

// Table holds one Session per remote peer.
//
// Lock order is Table.mu before Session.mu. Media transports are created
// and driven without holding Table.mu.
type Table struct {
	signaler     Signaler
	newTransport TransportFactory
	maxPending   int
	onEvent      func(Event)
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewTable creates an empty session table.
func NewTable(cfg Config) *Table {
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{
		signaler:     cfg.Signaler,
		newTransport: cfg.NewTransport,
		maxPending:   cfg.MaxPendingCandidates,
		onEvent:      cfg.OnEvent,
		logger:       cfg.Logger,
		sessions:     make(map[string]*Session),
	}
}

// Initiate creates a session for peer and sends it an offer. It fails with
// ErrDuplicateSession if a live session for peer already exists.
func (t *Table) Initiate(peer string) error {
	s, err := t.create(peer, false)
	if err != nil {
		return err
	}
	return s.offer()
}

// HandleOffer answers an offer from peer. An idle session is reused; a
// closed or absent one is replaced by a fresh session. Any other live
// session makes the offer a duplicate, which is rejected.
func (t *Table) HandleOffer(peer, sdp string) error {
	s, err := t.create(peer, true)
	if err != nil {
		return err
	}
	return s.handleOffer(sdp)
}

// HandleAnswer applies peer's answer to our pending offer.
func (t *Table) HandleAnswer(peer, sdp string) error {
	s := t.Get(peer)
	if s == nil {
		return fmt.Errorf("answer from %s: %w", peer, ErrUnknownPeer)
	}
	return s.handleAnswer(sdp)
}

// HandleCandidate applies or queues a remote ICE candidate. Candidates for
// peers without a session are dropped.
func (t *Table) HandleCandidate(peer string, candidate json.RawMessage) error {
	s := t.Get(peer)
	if s == nil {
		return fmt.Errorf("candidate from %s: %w", peer, ErrUnknownPeer)
	}
	return s.addCandidate(candidate)
}

// HandleLeft closes the session of a peer that left the room.
func (t *Table) HandleLeft(peer string) {
	t.Hangup(peer)
}

// Hangup closes the session with peer. It is a no-op when there is none.
func (t *Table) Hangup(peer string) {
	t.mu.Lock()
	s := t.sessions[peer]
	delete(t.sessions, peer)
	t.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// CloseAll closes every session and refuses new ones.
func (t *Table) CloseAll() {
	t.mu.Lock()
	t.closed = true
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Get returns the session for peer, or nil.
func (t *Table) Get(peer string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[peer]
}

// Peers returns the ids of all peers with a session, sorted.
func (t *Table) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// create returns the session a new exchange with peer should run on.
func (t *Table) create(peer string, reuseIdle bool) (*Session, error) {
	t.mu.Lock()
	if s, err := t.existingLocked(peer, reuseIdle); s != nil || err != nil {
		t.mu.Unlock()
		return s, err
	}
	t.mu.Unlock()

	transport, err := t.newTransport(peer)
	if err != nil {
		nerr := newError(peer, "create media transport", err)
		t.emit(Event{Kind: EventFailed, Peer: peer, State: StateClosed, Err: nerr})
		return nil, nerr
	}

	t.mu.Lock()
	s, err := t.existingLocked(peer, reuseIdle)
	if s == nil && err == nil {
		s = newSession(peer, transport, t)
		t.sessions[peer] = s
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	// Lost a race with another exchange for the same peer.
	transport.Close()
	return s, err
}

// existingLocked checks for a session that blocks or absorbs a new
// exchange. A closed session is dropped so the caller can replace it.
func (t *Table) existingLocked(peer string, reuseIdle bool) (*Session, error) {
	if t.closed {
		return nil, ErrTableClosed
	}
	s, ok := t.sessions[peer]
	if !ok {
		return nil, nil
	}

	switch st := s.State(); {
	case st == StateClosed:
		delete(t.sessions, peer)
		return nil, nil
	case st == StateIdle && reuseIdle:
		return s, nil
	default:
		return nil, fmt.Errorf("peer %s in state %s: %w", peer, st, ErrDuplicateSession)
	}
}

// remove drops s from the table once it has closed.
func (t *Table) remove(s *Session) {
	t.mu.Lock()
	if t.sessions[s.peer] == s {
		delete(t.sessions, s.peer)
	}
	t.mu.Unlock()
}

func (t *Table) emit(ev Event) {
	if t.onEvent != nil {
		t.onEvent(ev)
	}
}

// IsIgnorable reports whether err only means a message arrived for a
// session that no longer wants it.
func IsIgnorable(err error) bool {
	return errors.Is(err, ErrDuplicateSession) ||
		errors.Is(err, ErrUnknownPeer) ||
		errors.Is(err, ErrUnexpectedAnswer) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrTableClosed)
}
