package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lumenworks/cadence/cli/reader"
)

// InspectModel is a Bubble Tea model for inspect views.
type InspectModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	return InspectModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "inspect_artifact":
		content = m.renderInspectArtifact()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m InspectModel) renderInspectArtifact() string {
	data, ok := m.data.(*reader.ArtifactSummary)
	if !ok {
		return "Invalid data type for inspect_artifact"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Artifact Details"))
	b.WriteString("\n\n")

	duration := time.Duration(data.DurationMs) * time.Millisecond
	rows := [][]string{
		{"Path", data.Path},
		{"Size", fmt.Sprintf("%d bytes", data.SizeBytes)},
		{"Format Version", fmt.Sprintf("%d", data.FormatVersion)},
		{"Duration", duration.Round(time.Millisecond).String()},
		{"BPM", fmt.Sprintf("%d", data.BPM)},
		{"Frame Interval", fmt.Sprintf("%.0fms", data.FrameIntervalMs)},
		{"Bins", fmt.Sprintf("%d", data.BinCount)},
		{"Frames", fmt.Sprintf("%d", data.FrameCount)},
		{"Beats", fmt.Sprintf("%d", data.Beats)},
		{"Silent Frames", fmt.Sprintf("%d", data.SilentFrames)},
		{"Peak Bass", fmt.Sprintf("%.3f", data.PeakBassEnergy)},
	}

	for _, row := range rows {
		label := LabelStyle.Render(row[0] + ":")
		value := ValueStyle.Render(row[1])
		b.WriteString(fmt.Sprintf("%s %s\n", label, value))
	}

	return BoxStyle.Render(b.String())
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
