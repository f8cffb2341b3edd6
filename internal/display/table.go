// Package display renders a session's membership view for the terminal.
package display

import (
	"fmt"
	"strings"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/peer"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/session"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const (
	talkingMark = "● talking"
)

// MembershipTable renders the members of a room, who is talking, and the
// state of the local participant's link to each of them.
type MembershipTable struct {
	view session.View
}

func NewMembershipTable(view session.View) *MembershipTable {
	return &MembershipTable{view: view}
}

// The cells of the table, one row per member in join order.
func (t *MembershipTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.view.Members))
	for i, member := range t.view.Members {
		name := member.Name
		if member.ID == t.view.Self {
			name += " (you)"
		}

		talking := ""
		if member.IsTalking {
			talking = talkingMark
		}

		link := "-"
		if state, ok := t.view.Peers[member.ID]; ok {
			link = state.String()
		} else if member.ID != t.view.Self {
			link = peer.StateClosed.String()
		}

		rows = append(rows, []string{fmt.Sprintf("%d", i+1), name, shortID(member.ID.String()), talking, link})
	}
	return rows
}

// View renders the table as a string
func (t *MembershipTable) View() string {
	title := TitleStyle.Render("Room " + t.view.Room)
	if len(t.view.Members) == 0 {
		return title + "\n" + MutedStyle.Render("No members")
	}

	rows := t.Rows()
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Name", "ID", "Talking", "Link").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row >= 0 && row < len(rows) && rows[row][3] != "":
				return TableTalkingStyle
			default:
				return TableRowStyle
			}
		})

	return title + "\n" + tbl.Render()
}

// A one-line status for a client update.
func StatusLine(update session.Update) string {
	if update.Err != nil {
		return ErrorStyle.Render(fmt.Sprintf("%s: %v", update.State, update.Err))
	}
	return MutedStyle.Render(update.State.String())
}

func shortID(id string) string {
	id, _, _ = strings.Cut(id, "-")
	return id
}
