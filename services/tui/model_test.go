package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twardoch/lmstrix/services/progress"
)

func TestUpdateTracksLatestEventPerModel(t *testing.T) {
	events := make(chan progress.Event, 1)
	done := make(chan error, 1)
	m := New(events, done)

	tested := 4096
	next, cmd := m.Update(EventMsg(progress.Event{
		ModelID: "m1", Class: "success", Status: "completed", TestedMaxContext: &tested,
	}))
	got := next.(Model)

	require.Contains(t, got.rows, "m1")
	assert.Equal(t, "success", got.rows["m1"].class)
	assert.Equal(t, 4096, *got.rows["m1"].tested)
	assert.NotNil(t, cmd, "Update must keep listening for the next event")
}

func TestUpdateQuitsOnDoneMsg(t *testing.T) {
	m := New(nil, nil)
	next, cmd := m.Update(DoneMsg{})
	got := next.(Model)

	assert.True(t, got.quit)
	require.NotNil(t, cmd)
	msg := cmd()
	assert.IsType(t, tea.QuitMsg{}, msg)
}

func TestUpdateQuitsOnKeyQ(t *testing.T) {
	m := New(nil, nil)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	got := next.(Model)

	assert.True(t, got.quit)
	require.NotNil(t, cmd)
}

func TestViewRendersKnownModels(t *testing.T) {
	m := New(nil, nil)
	tested := 2048
	next, _ := m.Update(EventMsg(progress.Event{ModelID: "m1", Class: "success", TestedMaxContext: &tested}))
	out := next.(Model).View()
	assert.Contains(t, out, "m1")
	assert.Contains(t, out, "2048")
}
