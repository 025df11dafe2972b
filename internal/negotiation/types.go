package negotiation

import "encoding/json"

// Role records which side of the exchange this client plays for a peer.
type Role int

const (
	RoleUnset Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unset"
	}
}

// State is the negotiation state of one peer session.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SDP types carried by SessionDescription.
const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// SessionDescription is an SDP blob with its type. The body is opaque here.
type SessionDescription struct {
	Type string
	SDP  string
}

// TransportState is the connection state reported by a MediaTransport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaTransport is the peer connection a session drives. Candidates are
// passed through as the JSON the remote side produced.
//
// CreateAnswer is called only after SetRemoteDescription succeeded with the
// remote offer.
type MediaTransport interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(SessionDescription) error
	SetRemoteDescription(SessionDescription) error
	AddICECandidate(candidate json.RawMessage) error

	// OnICECandidate registers the handler for locally gathered candidates.
	OnICECandidate(func(candidate json.RawMessage))
	OnConnectionStateChange(func(TransportState))

	Close() error
}

// TransportFactory creates the media transport for a new session.
type TransportFactory func(peer string) (MediaTransport, error)

// Signaler sends negotiation messages to a remote peer through the relay.
type Signaler interface {
	SendOffer(peer, sdp string) error
	SendAnswer(peer, sdp string) error
	SendICECandidate(peer string, candidate json.RawMessage) error
}

// EventKind classifies an Event.
type EventKind int

const (
	// EventStateChanged reports a new session state.
	EventStateChanged EventKind = iota
	// EventFailed reports a *NegotiationError. The session is closed.
	EventFailed
	// EventCandidateDropped reports a remote candidate that could not be queued.
	EventCandidateDropped
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventFailed:
		return "failed"
	case EventCandidateDropped:
		return "candidate-dropped"
	default:
		return "unknown"
	}
}

// Event is delivered to the application for every observable change.
type Event struct {
	Kind  EventKind
	Peer  string
	Role  Role
	State State
	Err   error
}
