package cli

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/matzehuels/osfexport/pkg/project"
)

// List styles
var (
	listDimStyle = lipgloss.NewStyle().Foreground(colorDim)
)

// =============================================================================
// ProjectListModel - Interactive project selection
// =============================================================================

// ProjectListModel is the bubbletea model for picking a root project.
type ProjectListModel struct {
	Projects []*project.Node
	Cursor   int
	Selected *project.Node
	Height   int
	Offset   int
	// Filter narrows the list by title; typed after "/".
	Filter    string
	filtering bool
}

// NewProjectListModel creates a list over projects.
func NewProjectListModel(projects []*project.Node) ProjectListModel {
	return ProjectListModel{Projects: projects, Height: 15}
}

func (m ProjectListModel) Init() tea.Cmd {
	return nil
}

// visible returns the projects matching the filter.
func (m ProjectListModel) visible() []*project.Node {
	if m.Filter == "" {
		return m.Projects
	}
	needle := strings.ToLower(m.Filter)
	var out []*project.Node
	for _, p := range m.Projects {
		if strings.Contains(strings.ToLower(p.Title), needle) || strings.Contains(p.ID, needle) {
			out = append(out, p)
		}
	}
	return out
}

func (m ProjectListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		items := m.visible()
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "/":
			m.filtering = true
		case "up", "k":
			if m.Cursor > 0 {
				m.Cursor--
				if m.Cursor < m.Offset {
					m.Offset = m.Cursor
				}
			}
		case "down", "j":
			if m.Cursor < len(items)-1 {
				m.Cursor++
				if m.Cursor >= m.Offset+m.Height {
					m.Offset = m.Cursor - m.Height + 1
				}
			}
		case "enter":
			if len(items) == 0 {
				return m, nil
			}
			m.Selected = items[m.Cursor]
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.Height = max(msg.Height-7, 5)
	}
	return m, nil
}

func (m ProjectListModel) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEnter, tea.KeyEsc:
		m.filtering = false
	case tea.KeyBackspace:
		if r := []rune(m.Filter); len(r) > 0 {
			m.Filter = string(r[:len(r)-1])
		}
	case tea.KeyRunes, tea.KeySpace:
		m.Filter += string(msg.Runes)
	}
	m.Cursor, m.Offset = 0, 0
	return m, nil
}

func (m ProjectListModel) View() string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render("Select Project"))
	b.WriteString("\n")
	b.WriteString(listDimStyle.Render("↑/↓ navigate  / filter  ⏎ select  q quit"))
	b.WriteString("\n")
	if m.filtering || m.Filter != "" {
		b.WriteString(StyleHighlight.Render("/" + m.Filter))
	}
	b.WriteString("\n")

	items := m.visible()
	end := min(m.Offset+m.Height, len(items))

	rows := [][]string{}
	for i := m.Offset; i < end; i++ {
		p := items[i]
		cursor := "  "
		if i == m.Cursor {
			cursor = "▸ "
		}
		visibility := ""
		if p.Public {
			visibility = "✓"
		}
		rows = append(rows, []string{cursor, p.Title, p.ID, visibility, formatRelativeTime(p.Modified, time.Now())})
	}

	headerStyle := lipgloss.NewStyle().Foreground(colorGray).Bold(true)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorDim)).
		Headers("", "Project", "ID", "Public", "Modified").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == -1 {
				return headerStyle
			}
			base := lipgloss.NewStyle()
			if m.Offset+row == m.Cursor {
				return base.Foreground(colorGreen).Bold(true)
			}
			if col >= 2 {
				return base.Foreground(colorDim)
			}
			return base.Foreground(colorWhite)
		})

	b.WriteString(t.Render())
	b.WriteString("\n\n")
	if len(items) == 0 {
		b.WriteString(listDimStyle.Render("  no matching projects"))
	} else {
		b.WriteString(listDimStyle.Render(fmt.Sprintf("  [%d/%d]", m.Cursor+1, len(items))))
	}

	return b.String()
}

// pickProject runs the picker and returns the chosen project, or nil if
// the user quit.
func pickProject(projects []*project.Node) (*project.Node, error) {
	final, err := tea.NewProgram(NewProjectListModel(projects)).Run()
	if err != nil {
		return nil, err
	}
	return final.(ProjectListModel).Selected, nil
}

// =============================================================================
// Helpers
// =============================================================================

func formatRelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "—"
	}
	diff := now.Sub(t)

	switch {
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("Jan 2, 2006")
	}
}
