package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Message defines the structure for all C2S (Client to Server)
// and S2C (Server to Client) signaling messages.
//
// SDP and Candidate are opaque to the relay: they are copied from the
// inbound message to the outbound one. Candidate is only checked to be
// well-formed JSON.
type Message struct {
	Type string `json:"type" msgpack:"type"`

	Room     string   `json:"room,omitempty" msgpack:"room,omitempty"`
	MemberID string   `json:"memberId,omitempty" msgpack:"memberId,omitempty"`
	Members  []string `json:"members,omitempty" msgpack:"members,omitempty"`

	TargetMember string          `json:"targetMember,omitempty" msgpack:"targetMember,omitempty"`
	SenderID     string          `json:"senderId,omitempty" msgpack:"senderId,omitempty"`
	SDP          string          `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
	Candidate    Candidate       `json:"candidate,omitempty" msgpack:"candidate,omitempty"`

	Rooms []RoomInfo `json:"rooms,omitempty" msgpack:"rooms,omitempty"`

	Code   string `json:"code,omitempty" msgpack:"code,omitempty"`
	Reason string `json:"message,omitempty" msgpack:"message,omitempty"`
}

// RoomInfo is the public view of a room used by the room listing.
type RoomInfo struct {
	ID      string `json:"id" msgpack:"id"`
	Members int    `json:"members" msgpack:"members"`
	Limit   int    `json:"limit" msgpack:"limit"`
}

// Message type constants.
const (
	// Client to server.
	MessageTypeJoinRequest = "join-request"
	MessageTypeLeave       = "leave"

	// Relayed in both directions.
	MessageTypeOffer        = "offer"
	MessageTypeAnswer       = "answer"
	MessageTypeICECandidate = "ice-candidate"

	// Server to client.
	MessageTypeCreated = "created"
	MessageTypeJoined  = "joined"
	MessageTypeFull    = "full"
	MessageTypeReady   = "ready"
	MessageTypeLeft    = "left"
	MessageTypeRooms   = "rooms"
	MessageTypeError   = "error"
)

// Error codes carried by MessageTypeError.
const (
	ErrorCodeBadMessage     = "bad-message"
	ErrorCodeNotInRoom      = "not-in-room"
	ErrorCodeAlreadyInRoom  = "already-in-room"
	ErrorCodeTargetRequired = "target-required"
	ErrorCodeRateLimited    = "rate-limited"
)

// MaxRoomIDLength bounds the room identifier accepted in a join request.
const MaxRoomIDLength = 128

// IsNegotiation reports whether the message type is relayed peer to peer.
func IsNegotiation(msgType string) bool {
	switch msgType {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		return true
	}
	return false
}

// Validate checks an inbound (client to server) message.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeJoinRequest:
		if len(m.Room) > MaxRoomIDLength {
			return fmt.Errorf("room id longer than %d bytes", MaxRoomIDLength)
		}
		if strings.IndexFunc(m.Room, unicode.IsSpace) >= 0 {
			return fmt.Errorf("room id must not contain whitespace")
		}
		if m.SDP != "" || len(m.Candidate) > 0 || m.TargetMember != "" {
			return fmt.Errorf("join-request has unexpected fields")
		}
	case MessageTypeLeave:
		if m.SDP != "" || len(m.Candidate) > 0 || m.TargetMember != "" {
			return fmt.Errorf("leave has unexpected fields")
		}
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%s missing sdp", m.Type)
		}
		if len(m.Candidate) > 0 {
			return fmt.Errorf("%s has unexpected candidate", m.Type)
		}
	case MessageTypeICECandidate:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("ice-candidate missing candidate")
		}
		if !json.Valid(m.Candidate) {
			return fmt.Errorf("ice-candidate candidate is not valid JSON")
		}
		if m.SDP != "" {
			return fmt.Errorf("ice-candidate has unexpected sdp")
		}
	case "":
		return fmt.Errorf("missing message type")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Relayed builds the copy of a negotiation message delivered to its target.
// Only the sender id is added; the payload is passed through untouched.
func (m *Message) Relayed(senderID string) *Message {
	return &Message{
		Type:      m.Type,
		SenderID:  senderID,
		SDP:       m.SDP,
		Candidate: m.Candidate,
	}
}

// NewError builds a protocol error message for the sender.
func NewError(code, reason string) *Message {
	return &Message{Type: MessageTypeError, Code: code, Reason: reason}
}
