// Package tui provides the interactive session browser used by
// `forge chat` when no session id is given.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Padding(0, 1)
)

type sessionItem struct {
	sum session.SessionSummary
}

func (i sessionItem) Title() string {
	if i.sum.Title != "" {
		return i.sum.Title
	}
	return i.sum.ID
}

func (i sessionItem) Description() string {
	return fmt.Sprintf("%d messages · %d tokens · %s",
		i.sum.MessageCount, i.sum.TotalTokens, humanAge(i.sum.UpdatedAt))
}

func (i sessionItem) FilterValue() string {
	return i.sum.Title + " " + i.sum.ID
}

func humanAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

type browserModel struct {
	list     list.Model
	choice   string
	newChose bool
	quitting bool
}

func newBrowserModel(sums []session.SessionSummary) browserModel {
	items := make([]list.Item, 0, len(sums))
	for _, sum := range sums {
		items = append(items, sessionItem{sum: sum})
	}
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Sessions"
	l.Styles.Title = titleStyle
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)
	return browserModel{list: l}
}

func (m browserModel) Init() tea.Cmd { return nil }

func (m browserModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-2)
		return m, nil
	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "n":
			m.newChose = true
			return m, tea.Quit
		case "enter":
			if item, ok := m.list.SelectedItem().(sessionItem); ok {
				m.choice = item.sum.ID
			}
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m browserModel) View() string {
	if m.quitting || m.choice != "" || m.newChose {
		return ""
	}
	return m.list.View() + "\n" +
		helpStyle.Render("enter: resume · n: new session · /: filter · q: quit")
}

// PickSession shows the browser and returns the chosen session id. An empty
// id with startNew true means the user asked for a fresh session; both
// empty means they quit.
func PickSession(sums []session.SessionSummary) (id string, startNew bool, err error) {
	p := tea.NewProgram(newBrowserModel(sums))
	out, err := p.Run()
	if err != nil {
		return "", false, err
	}
	m, ok := out.(browserModel)
	if !ok {
		return "", false, nil
	}
	return m.choice, m.newChose, nil
}
