package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lumenworks/cadence/types"
)

// metricsMsg carries one sync metrics push into the model.
type metricsMsg struct {
	metrics *types.SyncMetricsMessage
}

// streamClosedMsg signals that the device connection dropped.
type streamClosedMsg struct{}

// MonitorModel is a Bubble Tea model for the live session monitor.
// Updates arrive over a channel fed by the device's metrics stream.
type MonitorModel struct {
	device  string
	updates <-chan *types.SyncMetricsMessage

	latest       *types.SyncMetricsMessage
	lastUpdateAt time.Time
	closed       bool
	width        int
	height       int
	quitting     bool
}

// NewMonitorModel creates a new monitor model.
func NewMonitorModel(device string, updates <-chan *types.SyncMetricsMessage) MonitorModel {
	return MonitorModel{
		device:  device,
		updates: updates,
	}
}

// Init implements tea.Model.
func (m MonitorModel) Init() tea.Cmd {
	return m.waitForMetrics()
}

func (m MonitorModel) waitForMetrics() tea.Cmd {
	return func() tea.Msg {
		metrics, ok := <-m.updates
		if !ok {
			return streamClosedMsg{}
		}
		return metricsMsg{metrics: metrics}
	}
}

// Update implements tea.Model.
func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case metricsMsg:
		m.latest = msg.metrics
		m.lastUpdateAt = time.Now()
		return m, m.waitForMetrics()

	case streamClosedMsg:
		m.closed = true
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
func (m MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Session Monitor: %s", m.device)))
	b.WriteString("\n\n")

	if m.closed {
		b.WriteString(ErrorStyle.Render("Connection to device lost."))
		b.WriteString("\n")
		b.WriteString(HelpStyle.Render("Press q or Ctrl+C to quit"))
		return b.String()
	}

	if m.latest == nil {
		b.WriteString(LabelStyle.Render("Waiting for metrics..."))
		b.WriteString("\n")
		b.WriteString(HelpStyle.Render("Press q or Ctrl+C to quit"))
		return b.String()
	}

	state := m.latest.State
	boxes := []string{
		m.renderStatBox("State", StateStyle(state).Render(state)),
		m.renderStatBox("Latency", fmt.Sprintf("%.1fms", m.latest.LatencyMs)),
		m.renderStatBox("Drift", m.renderDrift(m.latest.DriftMs)),
		m.renderStatBox("Elapsed", formatElapsed(m.latest.DeviceElapsedMs)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Client Elapsed:"),
		ValueStyle.Render(formatElapsed(m.latest.ClientElapsedMs))))
	if !m.lastUpdateAt.IsZero() {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Last Update:"),
			ValueStyle.Render(m.lastUpdateAt.Format("15:04:05"))))
	}

	b.WriteString(HelpStyle.Render("Press q or Ctrl+C to quit"))
	return b.String()
}

// renderDrift colors the drift readout by how far playback has strayed.
func (m MonitorModel) renderDrift(driftMs float64) string {
	text := fmt.Sprintf("%+.1fms", driftMs)
	switch {
	case driftMs < -50 || driftMs > 50:
		return ErrorStyle.Render(text)
	case driftMs < -10 || driftMs > 10:
		return WarningStyle.Render(text)
	default:
		return SuccessStyle.Render(text)
	}
}

func (m MonitorModel) renderStatBox(label, value string) string {
	valueStr := StatValueStyle.Render(value)
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return StatBoxStyle.Render(content)
}

func formatElapsed(ms float64) string {
	d := time.Duration(ms) * time.Millisecond
	return d.Truncate(100 * time.Millisecond).String()
}

// RunMonitorTUI runs the live monitor until the user quits or the
// stream closes and the user dismisses it.
func RunMonitorTUI(device string, updates <-chan *types.SyncMetricsMessage) error {
	model := NewMonitorModel(device, updates)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderMonitorStatic renders one metrics snapshot without full TUI
// (for fallback).
func RenderMonitorStatic(device string, metrics *types.SyncMetricsMessage) string {
	model := NewMonitorModel(device, nil)
	model.latest = metrics
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
