package negotiation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxPendingCandidates bounds the remote candidates queued before the
// remote description is known.
const DefaultMaxPendingCandidates = 64

// Session is the negotiation with a single remote peer. It owns one media
// transport and releases it when it closes.
//
// Media and signaling calls are made while holding the session's lock, so
// steps for one peer never interleave. Closing the transport, emitting
// events and removing the session from its table happen after the lock is
// released.
type Session struct {
	peer       string
	signaler   Signaler
	maxPending int
	logger     *slog.Logger

	emit     func(Event)
	onClosed func(*Session)

	mu        sync.Mutex
	role      Role
	state     State
	transport MediaTransport

	// remoteSet is true once SetRemoteDescription succeeded. Remote
	// candidates are queued in pending until then.
	remoteSet bool
	pending   []json.RawMessage

	// localSent is true once our offer or answer went out. Local
	// candidates gathered before that wait in outbox.
	localSent bool
	outbox    []json.RawMessage

	// Filled under mu, consumed by finish.
	events  []Event
	closing MediaTransport
}

func newSession(peer string, transport MediaTransport, t *Table) *Session {
	s := &Session{
		peer:       peer,
		signaler:   t.signaler,
		maxPending: t.maxPending,
		logger:     t.logger.With("peer", peer),
		emit:       t.emit,
		onClosed:   t.remove,
		transport:  transport,
	}
	transport.OnICECandidate(s.localCandidate)
	transport.OnConnectionStateChange(s.transportStateChanged)
	return s
}

// Peer returns the remote member id.
func (s *Session) Peer() string {
	return s.peer
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns which side of the exchange this client plays.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// PendingCandidates returns how many remote candidates are waiting for the
// remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// offer starts the exchange as the offering side.
func (s *Session) offer() error {
	s.mu.Lock()
	err := s.offerLocked()
	s.mu.Unlock()
	s.finish()
	return err
}

func (s *Session) offerLocked() error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.state != StateIdle {
		return fmt.Errorf("offer to %s in state %s: %w", s.peer, s.state, ErrDuplicateSession)
	}
	s.role = RoleOfferer

	offer, err := s.transport.CreateOffer()
	if err != nil {
		return s.failLocked("create offer", err)
	}
	if err := s.transport.SetLocalDescription(offer); err != nil {
		return s.failLocked("set local description", err)
	}
	if err := s.signaler.SendOffer(s.peer, offer.SDP); err != nil {
		return s.failLocked("send offer", err)
	}

	s.setStateLocked(StateOfferSent)
	return s.flushOutboxLocked()
}

// handleOffer answers a remote offer.
func (s *Session) handleOffer(sdp string) error {
	s.mu.Lock()
	err := s.handleOfferLocked(sdp)
	s.mu.Unlock()
	s.finish()
	return err
}

func (s *Session) handleOfferLocked(sdp string) error {
	switch s.state {
	case StateIdle, StateOfferReceived:
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("offer from %s in state %s: %w", s.peer, s.state, ErrDuplicateSession)
	}
	s.role = RoleAnswerer
	if s.state == StateIdle {
		s.setStateLocked(StateOfferReceived)
	}

	if err := s.transport.SetRemoteDescription(SessionDescription{Type: SDPTypeOffer, SDP: sdp}); err != nil {
		return s.failLocked("set remote description", err)
	}
	s.remoteSet = true
	if err := s.drainPendingLocked(); err != nil {
		return err
	}

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		return s.failLocked("create answer", err)
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		return s.failLocked("set local description", err)
	}
	if err := s.signaler.SendAnswer(s.peer, answer.SDP); err != nil {
		return s.failLocked("send answer", err)
	}

	s.setStateLocked(StateAnswerExchanged)
	return s.flushOutboxLocked()
}

// handleAnswer applies the remote answer to our offer.
func (s *Session) handleAnswer(sdp string) error {
	s.mu.Lock()
	err := s.handleAnswerLocked(sdp)
	s.mu.Unlock()
	s.finish()
	return err
}

func (s *Session) handleAnswerLocked(sdp string) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.state != StateOfferSent {
		return fmt.Errorf("answer from %s in state %s: %w", s.peer, s.state, ErrUnexpectedAnswer)
	}

	if err := s.transport.SetRemoteDescription(SessionDescription{Type: SDPTypeAnswer, SDP: sdp}); err != nil {
		return s.failLocked("set remote description", err)
	}
	s.remoteSet = true
	if err := s.drainPendingLocked(); err != nil {
		return err
	}

	s.setStateLocked(StateAnswerExchanged)
	return nil
}

// addCandidate applies a remote candidate, or queues it until the remote
// description is set.
func (s *Session) addCandidate(candidate json.RawMessage) error {
	s.mu.Lock()
	err := s.addCandidateLocked(candidate)
	s.mu.Unlock()
	s.finish()
	return err
}

func (s *Session) addCandidateLocked(candidate json.RawMessage) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}

	if !s.remoteSet {
		if len(s.pending) >= s.maxPending {
			s.events = append(s.events, Event{
				Kind:  EventCandidateDropped,
				Peer:  s.peer,
				Role:  s.role,
				State: s.state,
				Err:   ErrPendingQueueFull,
			})
			return fmt.Errorf("candidate from %s: %w", s.peer, ErrPendingQueueFull)
		}
		s.pending = append(s.pending, candidate)
		return nil
	}

	if err := s.transport.AddICECandidate(candidate); err != nil {
		return s.failLocked("add ICE candidate", err)
	}
	return nil
}

// drainPendingLocked applies the queued candidates in arrival order. It runs
// once, right after the remote description is set.
func (s *Session) drainPendingLocked() error {
	pending := s.pending
	s.pending = nil
	for i, candidate := range pending {
		if err := s.transport.AddICECandidate(candidate); err != nil {
			return s.failDetailLocked("add ICE candidate", err, fmt.Sprintf("queued candidate %d of %d", i+1, len(pending)))
		}
	}
	if len(pending) > 0 {
		s.logger.Debug("applied queued ICE candidates", "count", len(pending))
	}
	return nil
}

// localCandidate is the transport's ICE candidate callback.
func (s *Session) localCandidate(candidate json.RawMessage) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if !s.localSent {
		s.outbox = append(s.outbox, candidate)
		s.mu.Unlock()
		return
	}
	if err := s.signaler.SendICECandidate(s.peer, candidate); err != nil {
		s.failLocked("send ICE candidate", err)
	}
	s.mu.Unlock()
	s.finish()
}

func (s *Session) flushOutboxLocked() error {
	s.localSent = true
	outbox := s.outbox
	s.outbox = nil
	for _, candidate := range outbox {
		if err := s.signaler.SendICECandidate(s.peer, candidate); err != nil {
			return s.failLocked("send ICE candidate", err)
		}
	}
	return nil
}

// transportStateChanged is the transport's connection state callback.
func (s *Session) transportStateChanged(ts TransportState) {
	s.mu.Lock()
	switch ts {
	case TransportConnected:
		if s.state == StateAnswerExchanged {
			s.setStateLocked(StateConnected)
		}
	case TransportFailed:
		if s.state != StateClosed {
			s.failLocked("connect", ErrTransportFailed)
		}
	case TransportClosed:
		if s.state != StateClosed {
			s.closeLocked()
		}
	default:
		s.logger.Debug("media transport state", "transport", ts.String(), "state", s.state.String())
	}
	s.mu.Unlock()
	s.finish()
}

// Close tears the session down. It is safe to call in any state and more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
	s.finish()
}

func (s *Session) closeLocked() {
	if s.state == StateClosed {
		return
	}
	s.pending = nil
	s.outbox = nil
	s.closing = s.transport
	s.transport = nil
	s.setStateLocked(StateClosed)
}

// failLocked closes the session and reports err as a *NegotiationError.
func (s *Session) failLocked(op string, err error) error {
	return s.failDetailLocked(op, err, "")
}

func (s *Session) failDetailLocked(op string, err error, details string) error {
	nerr := newError(s.peer, op, err)
	nerr.Details = details
	if s.state == StateClosed {
		return nerr
	}
	s.logger.Warn("negotiation failed", "op", op, "state", s.state.String(), "err", err)
	s.events = append(s.events, Event{
		Kind:  EventFailed,
		Peer:  s.peer,
		Role:  s.role,
		State: s.state,
		Err:   nerr,
	})
	s.closeLocked()
	return nerr
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("negotiation state", "from", s.state.String(), "to", state.String(), "role", s.role.String())
	s.state = state
	s.events = append(s.events, Event{
		Kind:  EventStateChanged,
		Peer:  s.peer,
		Role:  s.role,
		State: state,
	})
}

// finish releases the transport of a session that just closed and delivers
// the collected events. It must be called without holding mu.
func (s *Session) finish() {
	s.mu.Lock()
	events := s.events
	s.events = nil
	closing := s.closing
	s.closing = nil
	s.mu.Unlock()

	if closing != nil {
		if err := closing.Close(); err != nil {
			s.logger.Debug("close media transport", "err", err)
		}
		s.onClosed(s)
	}
	for _, ev := range events {
		s.emit(ev)
	}
}
