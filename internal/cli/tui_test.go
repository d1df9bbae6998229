package cli

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/matzehuels/osfexport/pkg/project"
)

func pickerProjects() []*project.Node {
	return []*project.Node{
		{ID: "p1abc", Title: "Sleep Study", Public: true},
		{ID: "p2abc", Title: "Pilot"},
		{ID: "p3abc", Title: "Sleep Replication"},
	}
}

func press(m ProjectListModel, keys ...tea.KeyMsg) (ProjectListModel, tea.Cmd) {
	var cmd tea.Cmd
	for _, k := range keys {
		var next tea.Model
		next, cmd = m.Update(k)
		m = next.(ProjectListModel)
	}
	return m, cmd
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestProjectListNavigate(t *testing.T) {
	m := NewProjectListModel(pickerProjects())
	m, _ = press(m, tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyUp})
	if m.Cursor != 1 {
		t.Fatalf("cursor = %d, want 1", m.Cursor)
	}
	m, cmd := press(m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.Selected == nil || m.Selected.ID != "p2abc" {
		t.Fatalf("selected = %v, want p2abc", m.Selected)
	}
	if cmd == nil {
		t.Error("enter should quit")
	}
}

func TestProjectListFilter(t *testing.T) {
	m := NewProjectListModel(pickerProjects())
	m, _ = press(m, runes("/"), runes("sleep"), tea.KeyMsg{Type: tea.KeyEnter})
	if got := len(m.visible()); got != 2 {
		t.Fatalf("visible = %d, want 2", got)
	}
	m, _ = press(m, runes("j"), tea.KeyMsg{Type: tea.KeyEnter})
	if m.Selected == nil || m.Selected.ID != "p3abc" {
		t.Fatalf("selected = %v, want p3abc", m.Selected)
	}
}

func TestProjectListQuit(t *testing.T) {
	m := NewProjectListModel(pickerProjects())
	m, cmd := press(m, runes("q"))
	if m.Selected != nil {
		t.Error("quit should not select")
	}
	if cmd == nil {
		t.Error("q should quit")
	}
}

func TestProjectListView(t *testing.T) {
	m := NewProjectListModel(pickerProjects())
	view := m.View()
	for _, want := range []string{"Select Project", "Sleep Study", "p2abc", "[1/3]"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	m, _ = press(m, runes("/"), runes("zzz"))
	if !strings.Contains(m.View(), "no matching projects") {
		t.Error("empty filter result not shown")
	}
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, "—"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-2 * 24 * time.Hour), "2d ago"},
		{time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "Jan 2, 2024"},
	}
	for _, tt := range tests {
		if got := formatRelativeTime(tt.t, now); got != tt.want {
			t.Errorf("formatRelativeTime(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}
