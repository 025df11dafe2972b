package media

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"

	"github.com/BioHazard786/warpmesh/internal/negotiation"
)

// queueSignaler delivers one side's messages to the other table in order,
// on its own goroutine, the way a relay connection would.
type queueSignaler struct {
	self  string
	other *negotiation.Table
	queue chan func()
	stop  chan struct{}
	done  chan struct{}
}

func newQueueSignaler(self string) *queueSignaler {
	s := &queueSignaler{
		self:  self,
		queue: make(chan func(), 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				return
			case fn := <-s.queue:
				fn()
			}
		}
	}()
	return s
}

func (s *queueSignaler) close() {
	close(s.stop)
	<-s.done
}

func (s *queueSignaler) SendOffer(peer, sdp string) error {
	s.queue <- func() { _ = s.other.HandleOffer(s.self, sdp) }
	return nil
}

func (s *queueSignaler) SendAnswer(peer, sdp string) error {
	s.queue <- func() { _ = s.other.HandleAnswer(s.self, sdp) }
	return nil
}

func (s *queueSignaler) SendICECandidate(peer string, candidate json.RawMessage) error {
	s.queue <- func() { _ = s.other.HandleCandidate(s.self, candidate) }
	return nil
}

func TestNegotiationOverVirtualNetwork(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	for _, n := range []*vnet.Net{netA, netB} {
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net: %v", err)
		}
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	fa := newTestFactory(t, Options{Net: netA})
	fb := newTestFactory(t, Options{Net: netB})

	sigA, sigB := newQueueSignaler("a"), newQueueSignaler("b")
	tableA := negotiation.NewTable(negotiation.Config{Signaler: sigA, NewTransport: fa.New})
	tableB := negotiation.NewTable(negotiation.Config{Signaler: sigB, NewTransport: fb.New})
	sigA.other, sigB.other = tableB, tableA
	t.Cleanup(func() {
		tableA.CloseAll()
		tableB.CloseAll()
		sigA.close()
		sigB.close()
	})

	if err := tableA.Initiate("b"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	connected := func(tbl *negotiation.Table, peer string) bool {
		s := tbl.Get(peer)
		return s != nil && s.State() == negotiation.StateConnected
	}
	deadline := time.Now().Add(20 * time.Second)
	for !connected(tableA, "b") || !connected(tableB, "a") {
		if time.Now().After(deadline) {
			t.Fatalf("not connected: a->b %v, b->a %v", stateOf(tableA, "b"), stateOf(tableB, "a"))
		}
		time.Sleep(20 * time.Millisecond)
	}

	if r := tableA.Get("b").Role(); r != negotiation.RoleOfferer {
		t.Errorf("a role = %s", r)
	}
	if r := tableB.Get("a").Role(); r != negotiation.RoleAnswerer {
		t.Errorf("b role = %s", r)
	}

	tableA.Hangup("b")
	if tableA.Get("b") != nil {
		t.Error("hangup should drop the session")
	}
}

func stateOf(tbl *negotiation.Table, peer string) string {
	if s := tbl.Get(peer); s != nil {
		return s.State().String()
	}
	return "none"
}

func TestPionLogsReachSlog(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := newLoggerFactory(logger).NewLogger("ice")
	l.Tracef("hidden %d", 1)
	l.Debugf("checking pair %s", "10.0.0.1")
	l.Warn("no candidates")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("trace should be below debug: %q", out)
	}
	for _, want := range []string{"checking pair 10.0.0.1", "no candidates", "scope=ice", "component=pion"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
