package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

var errBoom = errors.New("boom")

// fakeTransport records every call and checks that no candidate is applied
// before the remote description.
type fakeTransport struct {
	peer string

	mu          sync.Mutex
	calls       []string
	applied     []string
	remoteSet   bool
	closeCalls  int
	earlyAdds   int
	failOn      map[string]error
	onCandidate func(json.RawMessage)
	onState     func(TransportState)
}

func (f *fakeTransport) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

func (f *fakeTransport) CreateOffer() (SessionDescription, error) {
	if err := f.record("CreateOffer"); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: "offer-for-" + f.peer}, nil
}

func (f *fakeTransport) CreateAnswer() (SessionDescription, error) {
	if err := f.record("CreateAnswer"); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: "answer-for-" + f.peer}, nil
}

func (f *fakeTransport) SetLocalDescription(SessionDescription) error {
	return f.record("SetLocalDescription")
}

func (f *fakeTransport) SetRemoteDescription(SessionDescription) error {
	if err := f.record("SetRemoteDescription"); err != nil {
		return err
	}
	f.mu.Lock()
	f.remoteSet = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AddICECandidate(c json.RawMessage) error {
	if err := f.record("AddICECandidate"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remoteSet {
		f.earlyAdds++
	}
	f.applied = append(f.applied, string(c))
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(json.RawMessage)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(fn func(TransportState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) emitCandidate(c string) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(json.RawMessage(c))
}

func (f *fakeTransport) emitState(s TransportState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeTransport) snapshot() (applied []string, closeCalls, earlyAdds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...), f.closeCalls, f.earlyAdds
}

type sent struct {
	kind    string
	peer    string
	payload string
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sent
	fail error
}

func (s *fakeSignaler) add(kind, peer, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, sent{kind, peer, payload})
	return nil
}

func (s *fakeSignaler) SendOffer(peer, sdp string) error  { return s.add("offer", peer, sdp) }
func (s *fakeSignaler) SendAnswer(peer, sdp string) error { return s.add("answer", peer, sdp) }
func (s *fakeSignaler) SendICECandidate(peer string, c json.RawMessage) error {
	return s.add("ice", peer, string(c))
}

func (s *fakeSignaler) messages() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type harness struct {
	table    *Table
	signaler *fakeSignaler

	mu         sync.Mutex
	transports map[string][]*fakeTransport
	events     []Event
	failOn     map[string]map[string]error
	factoryErr error
}

func newHarness(t *testing.T, maxPending int) *harness {
	t.Helper()
	h := &harness{
		signaler:   &fakeSignaler{},
		transports: make(map[string][]*fakeTransport),
		failOn:     make(map[string]map[string]error),
	}
	h.table = NewTable(Config{
		Signaler:             h.signaler,
		NewTransport:         h.newTransport,
		MaxPendingCandidates: maxPending,
		OnEvent: func(ev Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *harness) newTransport(peer string) (MediaTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.factoryErr != nil {
		return nil, h.factoryErr
	}
	tr := &fakeTransport{peer: peer, failOn: h.failOn[peer]}
	h.transports[peer] = append(h.transports[peer], tr)
	return tr, nil
}

// transport returns the most recent transport created for peer.
func (h *harness) transport(t *testing.T, peer string) *fakeTransport {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	trs := h.transports[peer]
	if len(trs) == 0 {
		t.Fatalf("no transport for %s", peer)
	}
	return trs[len(trs)-1]
}

// states returns the state changes recorded for peer.
func (h *harness) states(peer string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.Peer == peer && ev.Kind == EventStateChanged {
			out = append(out, ev.State.String())
		}
	}
	return out
}

func (h *harness) eventsOf(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func candidate(i int) string {
	return fmt.Sprintf(`{"candidate":"candidate:%d 1 udp 1 10.0.0.%d 5000 typ host"}`, i, i)
}
