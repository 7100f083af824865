//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

// Package tui provides a Bubble Tea status view of running artifact fetches.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go.bug.st/fetcher"
)

// Styles for the TUI
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")).
			MarginBottom(1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8B500"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#95E1A3"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFE66D"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C757D"))
)

// RefreshInterval is how often the view polls the fetch state.
const RefreshInterval = 200 * time.Millisecond

// Item is an artifact shown by the view.
type Item interface {
	Name() string
	IsReady() bool
	Task() *fetcher.Task
}

// Model is the Bubble Tea model for the TUI.
type Model struct {
	items     []Item
	spinner   spinner.Model
	cancel    func()
	cancelled bool
}

// NewModel creates a model showing items. cancel is called when the user
// quits with ctrl+c.
func NewModel(items []Item, cancel func()) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ECDC4"))

	return Model{
		items:   items,
		spinner: sp,
		cancel:  cancel,
	}
}

// Cancelled returns true if the user asked to stop the fetches.
func (m Model) Cancelled() bool { return m.cancelled }

// tickMsg is for periodic state updates.
type tickMsg struct{}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.cancelled = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case "esc":
			// stop the tasks, the view quits once they have terminated
			m.cancelled = true
			for _, it := range m.items {
				if t := it.Task(); t != nil {
					t.RequestCancel()
				}
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.allDone() {
			return m, tea.Quit
		}
		return m, tick()
	}
	return m, nil
}

func (m Model) allDone() bool {
	for _, it := range m.items {
		if !itemDone(it) {
			return false
		}
	}
	return true
}

func itemDone(it Item) bool {
	if it.IsReady() {
		return true
	}
	t := it.Task()
	return t == nil || t.HasFinished()
}

// View renders the UI.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Fetching artifacts"))
	b.WriteString("\n")

	for _, it := range m.items {
		b.WriteString(m.renderItem(it))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.cancelled {
		b.WriteString(warningStyle.Render("cancelling..."))
	} else {
		b.WriteString(dimStyle.Render("esc: cancel • ctrl+c: quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderItem(it Item) string {
	name := nameStyle.Render(it.Name())
	if it.IsReady() {
		return fmt.Sprintf("%s %s %s", successStyle.Render("✓"), name, successStyle.Render("ready"))
	}
	t := it.Task()
	if t == nil {
		return fmt.Sprintf("%s %s %s", errorStyle.Render("✗"), name, errorStyle.Render("not available"))
	}
	switch state := t.State(); state {
	case fetcher.StateFailed:
		msg := state.String()
		if err := t.Err(); err != nil {
			msg += ": " + err.Error()
		}
		return fmt.Sprintf("%s %s %s", errorStyle.Render("✗"), name, errorStyle.Render(msg))
	case fetcher.StateCancelled:
		return fmt.Sprintf("%s %s %s", warningStyle.Render("!"), name, warningStyle.Render(state.String()))
	case fetcher.StateSucceeded:
		return fmt.Sprintf("%s %s %s", successStyle.Render("✓"), name, successStyle.Render(state.String()))
	default:
		return fmt.Sprintf("%s %s %s", m.spinner.View(), name, dimStyle.Render(state.String()))
	}
}

// Run shows the view until every item is done, the user quits or ctx is
// done. It returns true if the user asked to cancel.
func Run(ctx context.Context, items []Item, cancel func()) (bool, error) {
	p := tea.NewProgram(NewModel(items, cancel), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return false, err
	}
	return final.(Model).Cancelled(), nil
}
