package signaling

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/BioHazard786/warpmesh/internal/metrics"
)

// RelayMode selects how untargeted negotiation messages are handled.
type RelayMode string

const (
	// RelayModeMesh requires every negotiation message to name its target,
	// except in a room of exactly two members.
	RelayModeMesh RelayMode = "mesh"

	// RelayModePair is the legacy point-to-point mode. Rooms are capped at
	// two members and messages go to "everyone else in the room".
	RelayModePair RelayMode = "pair"
)

// PairUserLimit is the room capacity in RelayModePair.
const PairUserLimit = 2

// DefaultDepartedTTL is how long a disconnected member id is remembered so
// late messages addressed to it can be told apart from bogus targets.
const DefaultDepartedTTL = 30 * time.Second

// HubConfig carries the hub's collaborators.
type HubConfig struct {
	Mode        RelayMode
	DepartedTTL time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Hub is the central brain of the signaling server.
// It routes messages between the members of a room; membership itself
// lives in the Registry, which is the serialization point for joins and
// leaves.
type Hub struct {
	registry *Registry
	mode     RelayMode
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// clients maps member ids to live connections.
	mu      sync.RWMutex
	clients map[string]*Client

	// departed remembers recently disconnected member ids.
	departed *cache.Cache
}

// NewHub creates a Hub around registry. In RelayModePair the registry's
// capacity is lowered to PairUserLimit.
func NewHub(registry *Registry, cfg HubConfig) *Hub {
	if cfg.Mode == "" {
		cfg.Mode = RelayModeMesh
	}
	if cfg.DepartedTTL <= 0 {
		cfg.DepartedTTL = DefaultDepartedTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mode == RelayModePair {
		registry.capLimit(PairUserLimit)
	}
	return &Hub{
		registry: registry,
		mode:     cfg.Mode,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		clients:  make(map[string]*Client),
		departed: cache.New(cfg.DepartedTTL, 2*cfg.DepartedTTL),
	}
}

// Registry returns the registry the hub routes against.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Register makes the client addressable and sends it the room listing.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.metrics.Inc(metrics.EventConnections)
	h.logger.Info("client registered", "member", c.id)

	c.enqueue(&Message{Type: MessageTypeRooms, Rooms: h.registry.Rooms()})
}

// Unregister removes the client from its room, notifies the remaining
// members and closes the client's send channel.
func (h *Hub) Unregister(c *Client) {
	h.leaveRoom(c)

	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()

	h.departed.SetDefault(c.id, struct{}{})
	h.metrics.Inc(metrics.EventDisconnections)
	h.logger.Info("client unregistered", "member", c.id)

	c.close()
}

// Handle processes one inbound message from c. It runs on c's read goroutine.
func (h *Hub) Handle(c *Client, msg *Message) {
	if err := msg.Validate(); err != nil {
		h.metrics.Inc(metrics.EventProtocolErrors)
		h.logger.Debug("invalid message", "member", c.id, "type", msg.Type, "err", err)
		c.enqueue(NewError(ErrorCodeBadMessage, err.Error()))
		return
	}

	switch msg.Type {
	case MessageTypeJoinRequest:
		h.handleJoin(c, msg)

	case MessageTypeLeave:
		if c.roomID == "" {
			c.enqueue(NewError(ErrorCodeNotInRoom, "you are not in a room"))
			return
		}
		h.leaveRoom(c)

	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		h.relay(c, msg)
	}
}

func (h *Hub) handleJoin(c *Client, msg *Message) {
	if c.roomID != "" {
		c.enqueue(NewError(ErrorCodeAlreadyInRoom, fmt.Sprintf("already in room %s", c.roomID)))
		return
	}

	roomID := msg.Room
	if roomID == "" {
		roomID = h.generateRoomID()
	}

	res := h.registry.Join(roomID, c.id)
	switch res.Outcome {
	case JoinFull:
		h.metrics.Inc(metrics.EventJoinsRejected)
		h.logger.Info("room join rejected, room is full", "room", roomID, "member", c.id, "limit", h.registry.Limit())
		c.enqueue(&Message{Type: MessageTypeFull, Room: roomID})

	case JoinCreated:
		c.roomID = roomID
		h.metrics.Inc(metrics.EventRoomsCreated)
		h.metrics.Inc(metrics.EventJoins)
		h.logger.Info("room created", "room", roomID, "member", c.id)
		c.enqueue(&Message{Type: MessageTypeCreated, Room: roomID, MemberID: c.id})

	case JoinJoined:
		c.roomID = roomID
		h.metrics.Inc(metrics.EventJoins)

		others := make([]string, 0, len(res.Members))
		for _, id := range res.Members {
			if id != c.id {
				others = append(others, id)
			}
		}
		h.logger.Info("client joined room", "room", roomID, "member", c.id, "size", len(res.Members))

		c.enqueue(&Message{Type: MessageTypeJoined, Room: roomID, MemberID: c.id, Members: others})

		ready := &Message{Type: MessageTypeReady, Room: roomID, MemberID: c.id, Members: res.Members}
		for _, id := range others {
			h.sendTo(id, ready)
		}
	}
}

// leaveRoom removes c from its room and tells the others.
func (h *Hub) leaveRoom(c *Client) {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID
	c.roomID = ""

	remaining, ok := h.registry.Leave(roomID, c.id)
	if !ok {
		return
	}
	h.metrics.Inc(metrics.EventLeaves)
	if len(remaining) == 0 {
		h.logger.Info("room deleted", "room", roomID)
		return
	}

	h.logger.Info("peer left room", "room", roomID, "member", c.id, "remaining", len(remaining))
	left := &Message{Type: MessageTypeLeft, Room: roomID, MemberID: c.id}
	for _, id := range remaining {
		h.sendTo(id, left)
	}
}

// relay forwards an offer, answer or ICE candidate without looking at it.
func (h *Hub) relay(c *Client, msg *Message) {
	if c.roomID == "" {
		c.enqueue(NewError(ErrorCodeNotInRoom, "you must join a room first"))
		return
	}

	out := msg.Relayed(c.id)

	if msg.TargetMember == "" {
		// Without a target the recipient is only unambiguous in a room of two.
		if h.mode == RelayModePair || h.registry.Size(c.roomID) == 2 {
			h.broadcastExcept(c.roomID, c.id, out)
			return
		}
		c.enqueue(NewError(ErrorCodeTargetRequired, "targetMember is required in rooms with more than two members"))
		return
	}

	if msg.TargetMember == c.id || !h.registry.Contains(c.roomID, msg.TargetMember) {
		h.dropUnknownTarget(c, msg)
		return
	}

	if h.sendTo(msg.TargetMember, out) {
		h.metrics.Inc(metrics.EventRelayed)
		h.logger.Debug("relayed message", "type", msg.Type, "from", c.id, "to", msg.TargetMember, "room", c.roomID)
	}
}

// dropUnknownTarget drops a message whose target is gone. A target that
// disconnected moments ago is the expected race with the left broadcast.
func (h *Hub) dropUnknownTarget(c *Client, msg *Message) {
	if _, recent := h.departed.Get(msg.TargetMember); recent {
		h.metrics.Inc(metrics.EventDropTargetLeft)
		h.logger.Debug("dropping message for departed member", "type", msg.Type, "from", c.id, "to", msg.TargetMember)
		return
	}
	h.metrics.Inc(metrics.EventDropTargetAbsent)
	h.logger.Debug("dropping message for unknown member", "type", msg.Type, "from", c.id, "to", msg.TargetMember)
}

// sendTo delivers msg to a single member by connection id. Unknown ids are
// ignored.
func (h *Hub) sendTo(targetID string, msg *Message) bool {
	h.mu.RLock()
	target, ok := h.clients[targetID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return target.enqueue(msg)
}

// broadcastExcept delivers msg to every member of roomID except senderID.
func (h *Hub) broadcastExcept(roomID, senderID string, msg *Message) {
	for _, id := range h.registry.Members(roomID) {
		if id == senderID {
			continue
		}
		if h.sendTo(id, msg) {
			h.metrics.Inc(metrics.EventRelayed)
		}
	}
}

// generateRoomID creates a random, memorable room ID using word combinations.
// Format: adjective-animal-dish (e.g., "sleepy-otter-dumpling").
func (h *Hub) generateRoomID() string {
	for {
		id := fmt.Sprintf("%s-%s-%s",
			adjectives[randomIndex(len(adjectives))],
			animals[randomIndex(len(animals))],
			dishes[randomIndex(len(dishes))],
		)
		if !h.registry.Exists(id) {
			return id
		}
	}
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(fmt.Sprintf("generate random index: %v", err))
	}
	return int(n.Int64())
}
