package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BioHazard786/warpmesh/internal/negotiation"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

// ErrDisconnected is returned by Run when the relay connection ends.
var ErrDisconnected = errors.New("disconnected from signaling server")

// mailboxSize bounds the queued work per remote peer.
const mailboxSize = 256

// Conn is the relay connection. *transport.Client satisfies it.
type Conn interface {
	Send(msg *signaling.Message) error
	Incoming() <-chan *signaling.Message
}

// Config wires a Client.
type Config struct {
	Conn         Conn
	NewTransport negotiation.TransportFactory

	MaxPendingCandidates int
	EventBuffer          int
	Logger               *slog.Logger
}

// Client joins a room and negotiates a peer session with every other
// member. Messages for one peer are handled in arrival order on that peer's
// mailbox; different peers proceed in parallel.
type Client struct {
	conn   Conn
	table  *negotiation.Table
	logger *slog.Logger

	events     chan Event
	emitMu     sync.RWMutex
	eventsDone bool
	done       chan struct{}

	mu      sync.Mutex
	room    string
	self    string
	members map[string]struct{}

	// mailboxes and retired are owned by the Run goroutine.
	mailboxes map[string]*mailbox
	retired   map[string]struct{}
	wg        sync.WaitGroup
}

// mailbox runs one peer's work in order. left is set before work is
// closed; the peer is hung up once the queue drains.
type mailbox struct {
	work chan func()
	left bool
}

// New creates a client. Call Run to start processing.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	c := &Client{
		conn:      cfg.Conn,
		logger:    cfg.Logger,
		events:    make(chan Event, cfg.EventBuffer),
		done:      make(chan struct{}),
		members:   make(map[string]struct{}),
		mailboxes: make(map[string]*mailbox),
		retired:   make(map[string]struct{}),
	}
	c.table = negotiation.NewTable(negotiation.Config{
		Signaler:             c,
		NewTransport:         cfg.NewTransport,
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		OnEvent:              c.sessionEvent,
		Logger:               cfg.Logger,
	})
	return c
}

// Events returns the event stream. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Table exposes the peer sessions.
func (c *Client) Table() *negotiation.Table {
	return c.table
}

// Self returns this client's member id, empty before joining.
func (c *Client) Self() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Room returns the joined room, empty before joining.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Members returns the other members of the room, sorted.
func (c *Client) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membersLocked()
}

func (c *Client) membersLocked() []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Join asks the relay to add this client to room. An empty room lets the
// relay pick a name.
func (c *Client) Join(room string) error {
	return c.conn.Send(&signaling.Message{Type: signaling.MessageTypeJoinRequest, Room: room})
}

// Leave leaves the room and hangs up every peer.
func (c *Client) Leave() error {
	err := c.conn.Send(&signaling.Message{Type: signaling.MessageTypeLeave})

	c.mu.Lock()
	c.room = ""
	c.members = make(map[string]struct{})
	c.mu.Unlock()

	for _, peer := range c.table.Peers() {
		c.table.Hangup(peer)
	}
	return err
}

// Run processes relay messages until ctx is done or the connection ends.
// On return every peer session is closed and the event stream is closed.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.conn.Incoming():
			if !ok {
				return ErrDisconnected
			}
			c.dispatch(msg)
		}
	}
}

func (c *Client) shutdown() {
	close(c.done)

	for peer, mb := range c.mailboxes {
		close(mb.work)
		delete(c.mailboxes, peer)
	}
	c.wg.Wait()

	c.table.CloseAll()

	c.emitMu.Lock()
	c.eventsDone = true
	close(c.events)
	c.emitMu.Unlock()
}

func (c *Client) dispatch(msg *signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeRooms:
		c.emit(Event{Kind: EventRooms, Rooms: msg.Rooms})

	case signaling.MessageTypeCreated:
		c.mu.Lock()
		c.room, c.self = msg.Room, msg.MemberID
		c.members = make(map[string]struct{})
		c.mu.Unlock()
		c.logger.Info("created room", "room", msg.Room, "member", msg.MemberID)
		c.emit(Event{Kind: EventJoined, Room: msg.Room, Self: msg.MemberID})

	case signaling.MessageTypeJoined:
		c.mu.Lock()
		c.room, c.self = msg.Room, msg.MemberID
		c.members = make(map[string]struct{}, len(msg.Members))
		for _, id := range msg.Members {
			c.members[id] = struct{}{}
		}
		c.mu.Unlock()
		c.logger.Info("joined room", "room", msg.Room, "member", msg.MemberID, "peers", len(msg.Members))
		c.emit(Event{Kind: EventJoined, Room: msg.Room, Self: msg.MemberID, Members: msg.Members})

		// The newcomer offers to everyone already in the room.
		for _, peer := range msg.Members {
			c.post(peer, func() {
				c.check(peer, "initiate", c.table.Initiate(peer))
			})
		}

	case signaling.MessageTypeFull:
		c.logger.Warn("room is full", "room", msg.Room)
		c.emit(Event{Kind: EventRoomFull, Room: msg.Room})

	case signaling.MessageTypeReady:
		c.mu.Lock()
		self := c.self
		if msg.MemberID != self {
			c.members[msg.MemberID] = struct{}{}
		}
		c.mu.Unlock()
		if msg.MemberID == self {
			return
		}
		c.logger.Info("peer joined", "peer", msg.MemberID)
		c.emit(Event{Kind: EventPeerJoined, Room: msg.Room, Peer: msg.MemberID, Members: msg.Members})

	case signaling.MessageTypeLeft:
		peer := msg.MemberID
		c.mu.Lock()
		delete(c.members, peer)
		c.mu.Unlock()
		c.logger.Info("peer left", "peer", peer)

		c.retire(peer)
		c.emit(Event{Kind: EventPeerLeft, Peer: peer})

	case signaling.MessageTypeOffer:
		peer, sdp := msg.SenderID, msg.SDP
		c.post(peer, func() {
			c.check(peer, "offer", c.table.HandleOffer(peer, sdp))
		})

	case signaling.MessageTypeAnswer:
		peer, sdp := msg.SenderID, msg.SDP
		c.post(peer, func() {
			c.check(peer, "answer", c.table.HandleAnswer(peer, sdp))
		})

	case signaling.MessageTypeICECandidate:
		peer, candidate := msg.SenderID, json.RawMessage(msg.Candidate)
		c.post(peer, func() {
			c.check(peer, "ice-candidate", c.table.HandleCandidate(peer, candidate))
		})

	case signaling.MessageTypeError:
		err := fmt.Errorf("%s: %s", msg.Code, msg.Reason)
		c.logger.Warn("signaling server error", "code", msg.Code, "message", msg.Reason)
		c.emit(Event{Kind: EventServerError, Err: err})

	default:
		c.logger.Debug("ignoring message", "type", msg.Type)
	}
}

// post queues fn on peer's mailbox, starting the mailbox if needed. It never
// blocks: work for a departed peer or a full mailbox is dropped. Only the
// Run goroutine calls post and retire.
func (c *Client) post(peer string, fn func()) {
	if peer == "" {
		c.logger.Debug("dropping message without sender")
		return
	}
	if _, ok := c.retired[peer]; ok {
		c.logger.Debug("dropping message from departed peer", "peer", peer)
		return
	}
	mb, ok := c.mailboxes[peer]
	if !ok {
		mb = &mailbox{work: make(chan func(), mailboxSize)}
		c.mailboxes[peer] = mb
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for fn := range mb.work {
				fn()
			}
			if mb.left {
				c.table.HandleLeft(peer)
			}
		}()
	}
	select {
	case mb.work <- fn:
	default:
		c.logger.Debug("peer mailbox full, dropping message", "peer", peer, "size", mailboxSize)
	}
}

// retire hangs up peer after its queued work and drops anything it sends
// later.
func (c *Client) retire(peer string) {
	c.retired[peer] = struct{}{}
	mb, ok := c.mailboxes[peer]
	if !ok {
		c.table.HandleLeft(peer)
		return
	}
	mb.left = true
	close(mb.work)
	delete(c.mailboxes, peer)
}

func (c *Client) check(peer, op string, err error) {
	switch {
	case err == nil:
	case negotiation.IsIgnorable(err):
		c.logger.Debug("ignoring negotiation message", "peer", peer, "op", op, "err", err)
	default:
		// Failures are also reported on the event stream by the table.
		c.logger.Debug("negotiation step failed", "peer", peer, "op", op, "err", err)
	}
}

func (c *Client) sessionEvent(ev negotiation.Event) {
	out := Event{Peer: ev.Peer, Role: ev.Role, State: ev.State, Err: ev.Err}
	switch ev.Kind {
	case negotiation.EventFailed, negotiation.EventCandidateDropped:
		out.Kind = EventPeerFailed
	default:
		out.Kind = EventPeerState
	}
	c.emit(out)
}

func (c *Client) emit(ev Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.eventsDone {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// SendOffer implements negotiation.Signaler.
func (c *Client) SendOffer(peer, sdp string) error {
	return c.conn.Send(&signaling.Message{Type: signaling.MessageTypeOffer, TargetMember: peer, SDP: sdp})
}

// SendAnswer implements negotiation.Signaler.
func (c *Client) SendAnswer(peer, sdp string) error {
	return c.conn.Send(&signaling.Message{Type: signaling.MessageTypeAnswer, TargetMember: peer, SDP: sdp})
}

// SendICECandidate implements negotiation.Signaler.
func (c *Client) SendICECandidate(peer string, candidate json.RawMessage) error {
	return c.conn.Send(&signaling.Message{Type: signaling.MessageTypeICECandidate, TargetMember: peer, Candidate: signaling.Candidate(candidate)})
}
