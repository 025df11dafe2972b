package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOffererFlow(t *testing.T) {
	h := newHarness(t, 0)

	if err := h.table.Initiate("y"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	s := h.table.Get("y")
	if s.State() != StateOfferSent || s.Role() != RoleOfferer {
		t.Fatalf("state = %s role = %s", s.State(), s.Role())
	}
	msgs := h.signaler.messages()
	if len(msgs) != 1 || msgs[0] != (sent{"offer", "y", "offer-for-y"}) {
		t.Fatalf("sent = %+v", msgs)
	}

	if err := h.table.HandleAnswer("y", "answer-from-y"); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	h.transport(t, "y").emitState(TransportConnected)

	if got := strings.Join(h.states("y"), ","); got != "offer-sent,answer-exchanged,connected" {
		t.Fatalf("states = %s", got)
	}
}

func TestAnswererFlow(t *testing.T) {
	h := newHarness(t, 0)

	if err := h.table.HandleOffer("x", "offer-from-x"); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	s := h.table.Get("x")
	if s.State() != StateAnswerExchanged || s.Role() != RoleAnswerer {
		t.Fatalf("state = %s role = %s", s.State(), s.Role())
	}

	tr := h.transport(t, "x")
	want := "SetRemoteDescription,CreateAnswer,SetLocalDescription"
	if got := strings.Join(tr.calls, ","); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
	msgs := h.signaler.messages()
	if len(msgs) != 1 || msgs[0] != (sent{"answer", "x", "answer-for-x"}) {
		t.Fatalf("sent = %+v", msgs)
	}
	if got := strings.Join(h.states("x"), ","); got != "offer-received,answer-exchanged" {
		t.Fatalf("states = %s", got)
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, 0)
	h.table.Initiate("y")

	for i := 1; i <= 3; i++ {
		if err := h.table.HandleCandidate("y", json.RawMessage(candidate(i))); err != nil {
			t.Fatalf("HandleCandidate %d: %v", i, err)
		}
	}
	tr := h.transport(t, "y")
	if applied, _, _ := tr.snapshot(); len(applied) != 0 {
		t.Fatalf("applied before answer: %v", applied)
	}
	if n := h.table.Get("y").PendingCandidates(); n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}

	h.table.HandleAnswer("y", "answer")
	h.table.HandleCandidate("y", json.RawMessage(candidate(4)))

	applied, _, early := tr.snapshot()
	if early != 0 {
		t.Fatalf("%d candidates applied before the remote description", early)
	}
	want := []string{candidate(1), candidate(2), candidate(3), candidate(4)}
	if fmt.Sprint(applied) != fmt.Sprint(want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	if n := h.table.Get("y").PendingCandidates(); n != 0 {
		t.Fatalf("pending = %d after drain", n)
	}
}

func TestPendingQueueBound(t *testing.T) {
	h := newHarness(t, 2)
	h.table.Initiate("y")

	h.table.HandleCandidate("y", json.RawMessage(candidate(1)))
	h.table.HandleCandidate("y", json.RawMessage(candidate(2)))
	err := h.table.HandleCandidate("y", json.RawMessage(candidate(3)))
	if !errors.Is(err, ErrPendingQueueFull) {
		t.Fatalf("third candidate error = %v, want ErrPendingQueueFull", err)
	}
	if dropped := h.eventsOf(EventCandidateDropped); len(dropped) != 1 || dropped[0].Peer != "y" {
		t.Fatalf("dropped events = %+v", dropped)
	}

	h.table.HandleAnswer("y", "answer")
	applied, _, _ := h.transport(t, "y").snapshot()
	if fmt.Sprint(applied) != fmt.Sprint([]string{candidate(1), candidate(2)}) {
		t.Fatalf("applied = %v", applied)
	}
	if st := h.table.Get("y").State(); st != StateAnswerExchanged {
		t.Fatalf("state = %s, overflow must not close the session", st)
	}
}

func TestLocalCandidatesFollowDescription(t *testing.T) {
	h := newHarness(t, 0)
	h.table.Initiate("y")

	tr := h.transport(t, "y")
	tr.emitCandidate(candidate(1))
	tr.emitCandidate(candidate(2))

	msgs := h.signaler.messages()
	if len(msgs) != 3 || msgs[0].kind != "offer" || msgs[1].payload != candidate(1) || msgs[2].payload != candidate(2) {
		t.Fatalf("sent = %+v", msgs)
	}
}

func TestLocalCandidateDuringOfferIsHeld(t *testing.T) {
	h := newHarness(t, 0)

	var wg sync.WaitGroup
	h.table.newTransport = func(peer string) (MediaTransport, error) {
		tr, err := h.newTransport(peer)
		if err != nil {
			return nil, err
		}
		return &gatheringTransport{fakeTransport: tr.(*fakeTransport), wg: &wg}, nil
	}

	if err := h.table.Initiate("y"); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	msgs := h.signaler.messages()
	if len(msgs) != 2 || msgs[0].kind != "offer" || msgs[1].kind != "ice" {
		t.Fatalf("sent = %+v", msgs)
	}
}

// gatheringTransport starts gathering when the local description is set,
// like a real peer connection does.
type gatheringTransport struct {
	*fakeTransport
	wg *sync.WaitGroup
}

func (g *gatheringTransport) SetLocalDescription(sd SessionDescription) error {
	if err := g.fakeTransport.SetLocalDescription(sd); err != nil {
		return err
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.emitCandidate(candidate(9))
	}()
	return nil
}

func TestDuplicateOfferRejected(t *testing.T) {
	h := newHarness(t, 0)
	h.table.Initiate("y")

	if err := h.table.Initiate("y"); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("second Initiate = %v, want ErrDuplicateSession", err)
	}
	if err := h.table.HandleOffer("y", "glare"); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("offer in offer-sent = %v, want ErrDuplicateSession", err)
	}
	if s := h.table.Get("y"); s.State() != StateOfferSent {
		t.Fatalf("state = %s, duplicate must be ignored", s.State())
	}
	h.mu.Lock()
	n := len(h.transports["y"])
	h.mu.Unlock()
	if n != 1 {
		t.Fatalf("%d transports created, want 1", n)
	}

	h.table.HandleAnswer("y", "answer")
	if err := h.table.HandleOffer("y", "again"); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("offer in answer-exchanged = %v, want ErrDuplicateSession", err)
	}
	if err := h.table.HandleAnswer("y", "again"); !errors.Is(err, ErrUnexpectedAnswer) {
		t.Fatalf("second answer = %v, want ErrUnexpectedAnswer", err)
	}
}

func TestConcurrentInitiateCreatesOneSession(t *testing.T) {
	h := newHarness(t, 0)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.table.Initiate("y"); err == nil {
				success.Add(1)
			} else if !errors.Is(err, ErrDuplicateSession) {
				t.Errorf("Initiate: %v", err)
			}
		}()
	}
	wg.Wait()

	if success.Load() != 1 {
		t.Fatalf("%d successful Initiate calls, want 1", success.Load())
	}
	offers := 0
	for _, m := range h.signaler.messages() {
		if m.kind == "offer" {
			offers++
		}
	}
	if offers != 1 {
		t.Fatalf("%d offers sent, want 1", offers)
	}

	// Transports that lost the race are released.
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, tr := range h.transports["y"] {
		_, closes, _ := tr.snapshot()
		if tr == h.table.Get("y").transport {
			continue
		}
		if closes != 1 {
			t.Fatalf("losing transport %d closed %d times", i, closes)
		}
	}
}

func TestFailureIsolatedToOneSession(t *testing.T) {
	h := newHarness(t, 0)
	h.failOn["b"] = map[string]error{"SetRemoteDescription": errBoom}

	h.table.Initiate("a")
	h.table.Initiate("b")
	h.table.HandleCandidate("b", json.RawMessage(candidate(1)))

	err := h.table.HandleAnswer("b", "bad answer")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) || nerr.Peer != "b" || nerr.Op != "set remote description" || !errors.Is(err, errBoom) {
		t.Fatalf("HandleAnswer error = %v", err)
	}

	failed := h.eventsOf(EventFailed)
	if len(failed) != 1 || failed[0].Peer != "b" {
		t.Fatalf("failed events = %+v", failed)
	}
	if h.table.Get("b") != nil {
		t.Fatal("failed session still in table")
	}
	if _, closes, _ := h.transport(t, "b").snapshot(); closes != 1 {
		t.Fatalf("failed transport closed %d times", closes)
	}

	if s := h.table.Get("a"); s == nil || s.State() != StateOfferSent {
		t.Fatal("unrelated session was disturbed")
	}
	if err := h.table.HandleAnswer("a", "answer"); err != nil {
		t.Fatalf("HandleAnswer(a): %v", err)
	}
}

func TestQueuedCandidateFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.failOn["y"] = map[string]error{"AddICECandidate": errBoom}
	h.table.Initiate("y")
	h.table.HandleCandidate("y", json.RawMessage(candidate(1)))

	err := h.table.HandleAnswer("y", "answer")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) || nerr.Details != "queued candidate 1 of 1" {
		t.Fatalf("error = %v", err)
	}
	if h.table.Len() != 0 {
		t.Fatal("session not removed")
	}
}

func TestTransportFailureClosesSession(t *testing.T) {
	h := newHarness(t, 0)
	h.table.HandleOffer("x", "offer")

	h.transport(t, "x").emitState(TransportFailed)

	failed := h.eventsOf(EventFailed)
	if len(failed) != 1 || !errors.Is(failed[0].Err, ErrTransportFailed) {
		t.Fatalf("failed events = %+v", failed)
	}
	if h.table.Get("x") != nil {
		t.Fatal("session not removed")
	}
}

func TestFactoryError(t *testing.T) {
	h := newHarness(t, 0)
	h.factoryErr = errBoom

	err := h.table.Initiate("y")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) || nerr.Op != "create media transport" {
		t.Fatalf("error = %v", err)
	}
	if h.table.Len() != 0 {
		t.Fatal("session created without a transport")
	}
	if len(h.eventsOf(EventFailed)) != 1 {
		t.Fatal("factory failure not reported")
	}
}

func TestHangupIsIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	h.table.Initiate("y")
	s := h.table.Get("y")

	h.table.Hangup("y")
	h.table.Hangup("y")
	s.Close()
	h.table.Hangup("never-seen")

	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
	if _, closes, _ := h.transport(t, "y").snapshot(); closes != 1 {
		t.Fatalf("transport closed %d times, want 1", closes)
	}
	if got := h.states("y"); len(got) != 2 || got[1] != "closed" {
		t.Fatalf("states = %v", got)
	}
	if err := h.table.HandleCandidate("y", json.RawMessage(candidate(1))); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("candidate after hangup = %v", err)
	}
}

func TestOfferAfterCloseStartsFreshSession(t *testing.T) {
	h := newHarness(t, 0)
	h.table.Initiate("y")
	old := h.table.Get("y")
	h.table.Hangup("y")

	if err := h.table.HandleOffer("y", "new offer"); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	s := h.table.Get("y")
	if s == old || s.State() != StateAnswerExchanged || s.Role() != RoleAnswerer {
		t.Fatalf("got session %p state %s, old %p", s, s.State(), old)
	}
	h.mu.Lock()
	n := len(h.transports["y"])
	h.mu.Unlock()
	if n != 2 {
		t.Fatalf("%d transports, want 2", n)
	}
}

func TestUnknownPeer(t *testing.T) {
	h := newHarness(t, 0)

	if err := h.table.HandleCandidate("ghost", json.RawMessage(candidate(1))); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("HandleCandidate = %v", err)
	}
	if err := h.table.HandleAnswer("ghost", "sdp"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("HandleAnswer = %v", err)
	}
	if !IsIgnorable(h.table.HandleAnswer("ghost", "sdp")) {
		t.Fatal("unknown peer error should be ignorable")
	}
	if h.table.Len() != 0 {
		t.Fatal("session created for unknown peer")
	}
}

// A peer leaves after its exchange started but before it finished.
func TestPeerLeftMidNegotiation(t *testing.T) {
	h := newHarness(t, 0)
	h.table.Initiate("y")
	h.table.HandleCandidate("y", json.RawMessage(candidate(1)))
	h.table.HandleCandidate("y", json.RawMessage(candidate(2)))
	s := h.table.Get("y")

	h.table.HandleLeft("y")

	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	if n := s.PendingCandidates(); n != 0 {
		t.Fatalf("%d queued candidates still referenced", n)
	}
	if h.table.Len() != 0 {
		t.Fatal("session still in table")
	}
	applied, closes, _ := h.transport(t, "y").snapshot()
	if len(applied) != 0 || closes != 1 {
		t.Fatalf("applied = %v closes = %d", applied, closes)
	}

	// Late messages from the departed peer are dropped.
	if err := h.table.HandleAnswer("y", "late"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("late answer = %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	h := newHarness(t, 0)
	h.table.Initiate("a")
	h.table.HandleOffer("b", "offer")

	h.table.CloseAll()

	if h.table.Len() != 0 {
		t.Fatal("sessions left after CloseAll")
	}
	for _, peer := range []string{"a", "b"} {
		if _, closes, _ := h.transport(t, peer).snapshot(); closes != 1 {
			t.Fatalf("%s transport closed %d times", peer, closes)
		}
	}
	if err := h.table.Initiate("c"); !errors.Is(err, ErrTableClosed) {
		t.Fatalf("Initiate after CloseAll = %v", err)
	}
}

func TestConcurrentPeers(t *testing.T) {
	h := newHarness(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		peer := fmt.Sprintf("p%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				h.table.Initiate(peer)
				h.table.HandleCandidate(peer, json.RawMessage(candidate(i)))
				h.table.HandleAnswer(peer, "answer")
			} else {
				h.table.HandleOffer(peer, "offer")
				h.table.HandleCandidate(peer, json.RawMessage(candidate(i)))
			}
			h.transport(t, peer).emitState(TransportConnected)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock")
	}

	if got := len(h.table.Peers()); got != 20 {
		t.Fatalf("peers = %d", got)
	}
	for _, peer := range h.table.Peers() {
		if st := h.table.Get(peer).State(); st != StateConnected {
			t.Fatalf("%s state = %s", peer, st)
		}
	}
}
