package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warpmesh/internal/negotiation"
)

// DataChannelLabel names the channel opened when no media is requested, so
// an offer always carries at least one m-line.
const DataChannelLabel = "warpmesh"

// Options configures the peer connections created by a Factory.
type Options struct {
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string

	// ForceRelay restricts ICE to TURN relays when TURN servers are set.
	ForceRelay bool

	// ReceiveAudio and ReceiveVideo add receive-only transceivers to offers.
	ReceiveAudio bool
	ReceiveVideo bool

	// Net replaces the host network stack, e.g. with a vnet.Net in tests.
	Net transport.Net

	Logger *slog.Logger
}

// TrackInfo describes a remote track.
type TrackInfo struct {
	Peer     string
	Kind     string
	ID       string
	StreamID string
}

// Factory creates pion peer connections that share one API instance.
type Factory struct {
	api    *pion.API
	config pion.Configuration
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	onTrack func(TrackInfo)
}

// NewFactory builds the pion API with the default codecs and interceptors.
func NewFactory(opts Options) (*Factory, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	se := pion.SettingEngine{LoggerFactory: newLoggerFactory(opts.Logger)}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	api := pion.NewAPI(
		pion.WithSettingEngine(se),
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(registry),
	)

	return &Factory{
		api:    api,
		config: iceConfiguration(opts),
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

func iceConfiguration(opts Options) pion.Configuration {
	var servers []pion.ICEServer
	if len(opts.STUNServers) > 0 {
		servers = append(servers, pion.ICEServer{URLs: opts.STUNServers})
	}

	policy := pion.ICETransportPolicyAll
	if len(opts.TURNServers) > 0 {
		servers = append(servers, pion.ICEServer{
			URLs:       opts.TURNServers,
			Username:   opts.TURNUser,
			Credential: opts.TURNPass,
		})
		if opts.ForceRelay || ShouldForceRelay() {
			policy = pion.ICETransportPolicyRelay
		}
	}

	return pion.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
		BundlePolicy:       pion.BundlePolicyMaxBundle,
	}
}

// OnTrack registers a handler for remote tracks on every transport created
// afterwards.
func (f *Factory) OnTrack(fn func(TrackInfo)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

// New creates the transport for one remote peer. Its signature matches
// negotiation.TransportFactory.
func (f *Factory) New(peer string) (negotiation.MediaTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &Transport{
		pc:     pc,
		peer:   peer,
		opts:   f.opts,
		logger: f.logger.With("peer", peer),
	}

	f.mu.Lock()
	onTrack := f.onTrack
	f.mu.Unlock()

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		info := TrackInfo{
			Peer:     peer,
			Kind:     track.Kind().String(),
			ID:       track.ID(),
			StreamID: track.StreamID(),
		}
		t.logger.Debug("remote track", "kind", info.Kind, "track", info.ID)
		if onTrack != nil {
			onTrack(info)
		}
		// Nothing consumes media here; keep reading so RTCP keeps flowing.
		go discardRTP(track)
	})

	return t, nil
}

func discardRTP(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// Transport adapts a pion PeerConnection to negotiation.MediaTransport.
type Transport struct {
	pc     *pion.PeerConnection
	peer   string
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	mediaInit bool
}

// addLocalMedia adds what this side wants to negotiate. It runs once,
// before the first offer; an answerer takes its m-lines from the offer.
func (t *Transport) addLocalMedia() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mediaInit {
		return nil
	}
	t.mediaInit = true

	recvonly := pion.RTPTransceiverInit{Direction: pion.RTPTransceiverDirectionRecvonly}
	if t.opts.ReceiveAudio {
		if _, err := t.pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, recvonly); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if t.opts.ReceiveVideo {
		if _, err := t.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, recvonly); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	if !t.opts.ReceiveAudio && !t.opts.ReceiveVideo {
		if _, err := t.pc.CreateDataChannel(DataChannelLabel, nil); err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
	}
	return nil
}

func (t *Transport) CreateOffer() (negotiation.SessionDescription, error) {
	if err := t.addLocalMedia(); err != nil {
		return negotiation.SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return negotiation.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (t *Transport) CreateAnswer() (negotiation.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return negotiation.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (t *Transport) SetLocalDescription(sd negotiation.SessionDescription) error {
	desc, err := toPion(sd)
	if err != nil {
		return err
	}
	return t.pc.SetLocalDescription(desc)
}

func (t *Transport) SetRemoteDescription(sd negotiation.SessionDescription) error {
	desc, err := toPion(sd)
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(desc)
}

// AddICECandidate applies a candidate in RTCIceCandidateInit JSON form.
func (t *Transport) AddICECandidate(candidate json.RawMessage) error {
	var ice pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &ice); err != nil {
		return fmt.Errorf("parse ICE candidate: %w", err)
	}
	return t.pc.AddICECandidate(ice)
}

func (t *Transport) OnICECandidate(fn func(json.RawMessage)) {
	t.pc.OnICECandidate(func(c *pion.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.logger.Warn("encode local ICE candidate", "err", err)
			return
		}
		fn(data)
	})
}

func (t *Transport) OnConnectionStateChange(fn func(negotiation.TransportState)) {
	t.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		t.logger.Debug("peer connection state", "state", state.String())
		fn(transportState(state))
	})
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

// ConnectionState exposes the underlying peer connection state.
func (t *Transport) ConnectionState() pion.PeerConnectionState {
	return t.pc.ConnectionState()
}

var errUnknownSDPType = errors.New("unknown SDP type")

func toPion(sd negotiation.SessionDescription) (pion.SessionDescription, error) {
	switch sd.Type {
	case negotiation.SDPTypeOffer:
		return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sd.SDP}, nil
	case negotiation.SDPTypeAnswer:
		return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sd.SDP}, nil
	default:
		return pion.SessionDescription{}, fmt.Errorf("%w %q", errUnknownSDPType, sd.Type)
	}
}

func fromPion(desc pion.SessionDescription) negotiation.SessionDescription {
	return negotiation.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func transportState(state pion.PeerConnectionState) negotiation.TransportState {
	switch state {
	case pion.PeerConnectionStateConnecting:
		return negotiation.TransportConnecting
	case pion.PeerConnectionStateConnected:
		return negotiation.TransportConnected
	case pion.PeerConnectionStateDisconnected:
		return negotiation.TransportDisconnected
	case pion.PeerConnectionStateFailed:
		return negotiation.TransportFailed
	case pion.PeerConnectionStateClosed:
		return negotiation.TransportClosed
	default:
		return negotiation.TransportNew
	}
}
