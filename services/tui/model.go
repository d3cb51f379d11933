// Package tui implements the interactive fleet-progress view (--tui flag
// on the fleet command). It never drives probing: it only renders
// progress.Event values handed to it by the goroutine actually running the
// fleet, the same separation of concerns the example pack's diff-review TUI
// uses between the review engine and its bubbletea presentation layer.
package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/twardoch/lmstrix/services/progress"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// EventMsg wraps a progress.Event as a tea.Msg so Update can switch on it
// alongside bubbletea's own message types.
type EventMsg progress.Event

// DoneMsg signals the fleet run's driving goroutine has returned.
type DoneMsg struct{ Err error }

// row is one model's last-known state for the live table.
type row struct {
	modelID string
	class   string
	status  string
	failed  bool
	tested  *int
}

// Model is the bubbletea Model for the fleet progress view.
type Model struct {
	events <-chan progress.Event
	done   <-chan error

	rows map[string]*row
	quit bool
	err  error
}

// New builds a Model that reads live events off events until done fires.
// Both channels are owned by the caller; Model only reads them.
func New(events <-chan progress.Event, done <-chan error) Model {
	return Model{events: events, done: done, rows: make(map[string]*row)}
}

// waitForEvent returns a tea.Cmd that blocks on the next channel message.
// bubbletea programs call the returned Cmd once; Update re-issues it after
// every EventMsg so the program keeps listening for the next one.
func waitForEvent(events <-chan progress.Event, done <-chan error) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev, ok := <-events:
			if !ok {
				return DoneMsg{}
			}
			return EventMsg(ev)
		case err := <-done:
			return DoneMsg{Err: err}
		}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events, m.done)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quit = true
			return m, tea.Quit
		}
	case EventMsg:
		r, ok := m.rows[msg.ModelID]
		if !ok {
			r = &row{modelID: msg.ModelID}
			m.rows[msg.ModelID] = r
		}
		r.class = msg.Class
		r.status = msg.Status
		r.failed = msg.Failed
		r.tested = msg.TestedMaxContext
		return m, waitForEvent(m.events, m.done)
	case DoneMsg:
		m.quit = true
		m.err = msg.Err
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-24s %-10s %-14s %s", "MODEL", "STATUS", "LAST CLASS", "TESTED")))
	b.WriteString("\n")

	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := m.rows[id]
		tested := "-"
		if r.tested != nil {
			tested = fmt.Sprintf("%d", *r.tested)
		}
		classStyle := dimStyle
		switch {
		case r.class == "success":
			classStyle = goodStyle
		case r.failed, strings.HasPrefix(r.class, "bad"):
			classStyle = badStyle
		}
		b.WriteString(fmt.Sprintf("%-24s %-10s %-14s %s\n", id, r.status, classStyle.Render(r.class), tested))
	}

	if m.quit {
		b.WriteString(dimStyle.Render("\nexiting.\n"))
	} else {
		b.WriteString(dimStyle.Render("\npress q to quit (this also ends the fleet run)\n"))
	}
	return b.String()
}

// Err returns the error the driving goroutine finished with, if any. Only
// meaningful after the program has quit.
func (m Model) Err() error { return m.err }
