package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	prettytable "github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

// PeerRow is one line of the live members table.
type PeerRow struct {
	ID    string
	Role  string
	State string
	Note  string
}

// PeersTable renders the room's members with lipgloss/table. self is shown
// first and marked.
func PeersTable(self string, rows []PeerRow) string {
	headers := []string{"Member", "Role", "State", ""}

	data := make([][]string, 0, len(rows)+1)
	if self != "" {
		data = append(data, []string{IconSelf + " " + shortID(self), "-", "you", ""})
	}
	for _, r := range rows {
		data = append(data, []string{IconPeer + " " + shortID(r.ID), r.Role, r.State, r.Note})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// RoomsTable renders a relay's room listing.
func RoomsTable(rooms []signaling.RoomInfo) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No active rooms")
	}

	t := prettytable.NewWriter()
	t.SetStyle(prettytable.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(prettytable.Row{"#", "Room", "Members", "Free"})

	var members int
	for i, r := range rooms {
		free := max(r.Limit-r.Members, 0)
		t.AppendRow(prettytable.Row{i + 1, r.ID, fmt.Sprintf("%d/%d", r.Members, r.Limit), free})
		members += r.Members
	}
	t.AppendFooter(prettytable.Row{"", fmt.Sprintf("%d rooms", len(rooms)), members, ""})
	t.SetColumnConfigs([]prettytable.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 3, Align: text.AlignCenter},
		{Number: 4, Align: text.AlignRight},
	})
	return t.Render()
}

// RoomBanner announces the room this client is in.
func RoomBanner(room, self string) string {
	content := fmt.Sprintf("%s Joined room %s\n\n%s Member id: %s",
		IconRoom, AccentStyle.Render(room),
		IconSelf, MutedStyle.Render(self),
	)
	return RoomBoxStyle.Render(content)
}

// shortID keeps member ids readable in narrow terminals.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 && len(id) > 12 {
		return id[:i]
	}
	return id
}
