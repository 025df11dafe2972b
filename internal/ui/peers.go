package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/warpmesh/internal/mesh"
	"github.com/BioHazard786/warpmesh/internal/negotiation"
)

// meshEventMsg wraps a mesh event for the bubbletea loop.
type meshEventMsg mesh.Event

// meshClosedMsg means the event stream ended.
type meshClosedMsg struct{}

type peerStatus struct {
	role   negotiation.Role
	state  negotiation.State
	failed error
}

// PeersModel shows the room and the negotiation state of every peer.
type PeersModel struct {
	events  <-chan mesh.Event
	spinner spinner.Model

	room   string
	self   string
	peers  map[string]*peerStatus
	notice string
	err    error

	// Closed is true once the event stream ended.
	Closed bool
	// Quit is true when the user asked to leave.
	Quit bool
}

// NewPeersModel creates a model fed by a mesh client's event stream.
func NewPeersModel(events <-chan mesh.Event) *PeersModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &PeersModel{
		events:  events,
		spinner: s,
		peers:   make(map[string]*peerStatus),
	}
}

func (m *PeersModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

func (m *PeersModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return meshClosedMsg{}
		}
		return meshEventMsg(ev)
	}
}

func (m *PeersModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Quit = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case meshEventMsg:
		if m.apply(mesh.Event(msg)) {
			return m, tea.Quit
		}
		return m, m.waitForEvent()

	case meshClosedMsg:
		m.Closed = true
		return m, tea.Quit
	}
	return m, nil
}

// apply folds ev into the model. It reports whether the view is finished.
func (m *PeersModel) apply(ev mesh.Event) bool {
	switch ev.Kind {
	case mesh.EventJoined:
		m.room, m.self = ev.Room, ev.Self
		for _, id := range ev.Members {
			m.peer(id)
		}

	case mesh.EventRoomFull:
		m.err = fmt.Errorf("room %s is full", ev.Room)
		return true

	case mesh.EventPeerJoined:
		m.peer(ev.Peer)
		m.notice = fmt.Sprintf("%s %s joined", IconPeer, shortID(ev.Peer))

	case mesh.EventPeerLeft:
		delete(m.peers, ev.Peer)
		m.notice = fmt.Sprintf("%s %s left", IconLeft, shortID(ev.Peer))

	case mesh.EventPeerState:
		p := m.peer(ev.Peer)
		p.role, p.state = ev.Role, ev.State
		if ev.State != negotiation.StateClosed {
			p.failed = nil
		}

	case mesh.EventPeerFailed:
		p := m.peer(ev.Peer)
		p.role, p.failed = ev.Role, ev.Err

	case mesh.EventServerError:
		if ev.Err != nil {
			m.notice = fmt.Sprintf("%s %s", IconWarning, ev.Err)
		}
	}
	return false
}

func (m *PeersModel) peer(id string) *peerStatus {
	p, ok := m.peers[id]
	if !ok {
		p = &peerStatus{}
		m.peers[id] = p
	}
	return p
}

// Err returns why the view ended early, if it did.
func (m *PeersModel) Err() error {
	return m.err
}

// Rows returns the peers sorted by id.
func (m *PeersModel) Rows() []PeerRow {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]PeerRow, 0, len(ids))
	for _, id := range ids {
		p := m.peers[id]
		row := PeerRow{ID: id, Role: p.role.String(), State: p.state.String()}
		switch {
		case p.failed != nil:
			row.Note = IconError
		case p.state == negotiation.StateConnected:
			row.Note = IconSuccess
		case p.state != negotiation.StateClosed:
			row.Note = m.spinner.View()
		}
		rows = append(rows, row)
	}
	return rows
}

func (m *PeersModel) View() string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(IconConnect+" warpmesh") + "\n")

	switch {
	case m.err != nil:
		b.WriteString(ErrorBoxStyle.Render(m.err.Error()))
	case m.room == "":
		b.WriteString(fmt.Sprintf("%s Joining room...", m.spinner.View()))
	default:
		b.WriteString(RoomBanner(m.room, m.self) + "\n")
		if len(m.peers) == 0 {
			b.WriteString(fmt.Sprintf("%s Waiting for peers to join...\n", m.spinner.View()))
		}
		b.WriteString(PeersTable(m.self, m.Rows()))
	}

	if m.notice != "" {
		b.WriteString("\n" + MutedStyle.Render(m.notice))
	}
	b.WriteString("\n" + FooterStyle.Render("Press 'q' or Ctrl+C to hang up"))

	return ContainerStyle.Render(b.String())
}
