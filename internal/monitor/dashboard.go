// Package monitor renders a terminal dashboard of the parallel coordinator.
package monitor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// Model represents the BubbleTea dashboard model
type Model struct {
	source      Source
	interval    time.Duration
	maxParallel int
	lastUpdate  time.Time
	snap        Snapshot
	hasData     bool
	err         error
	quitting    bool

	capacity progress.Model

	// Historical data for sparklines (last N points)
	runningHistory []float64
	queuedHistory  []float64
	failedHistory  []float64
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard over source. maxParallel scales the capacity bar.
func NewModel(source Source, interval time.Duration, maxParallel int) Model {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return Model{
		source:      source,
		interval:    interval,
		maxParallel: maxParallel,
		capacity: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
		runningHistory: make([]float64, 0, historySize),
		queuedHistory:  make([]float64, 0, historySize),
		failedHistory:  make([]float64, 0, historySize),
	}
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, source Source, interval time.Duration, maxParallel int) error {
	p := tea.NewProgram(NewModel(source, interval, maxParallel), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// getStatusBadge returns the execution mode badge.
func getStatusBadge(s Snapshot) string {
	switch {
	case s.Degraded:
		return errorStyle.Render("✗ SEQUENTIAL (fallback)")
	case !s.Status.Enabled:
		return warningStyle.Render("⚠ SEQUENTIAL")
	default:
		return healthyStyle.Render("✓ PARALLEL")
	}
}

// getLoadBadge colors the running count against capacity.
func getLoadBadge(running, capacity int) string {
	switch {
	case running < capacity:
		return healthyStyle.Render("[✓]")
	case running == capacity:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	spark.PushAll(data)
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetch(m.source),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch reads one snapshot from source.
func fetch(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		snap, err := source.Fetch(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetch(m.source),
		)

	case snapshotMsg:
		snap := Snapshot(msg)
		m.runningHistory = appendToHistory(m.runningHistory, float64(snap.Status.Running))
		m.queuedHistory = appendToHistory(m.queuedHistory, float64(snap.Status.Queued))
		m.failedHistory = appendToHistory(m.failedHistory, float64(snap.Status.Failed))
		m.snap = snap
		m.hasData = true
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) footer() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render(" phasegate Monitor ")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot read coordinator state") + "\n\n")
	b.WriteString(dimStyle.Render("Source: ") + valueStyle.Render(m.source.Describe()) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start a coordinator with:") + "\n")
	b.WriteString(dimStyle.Render("  phasegate coordinator run   or   phasegated") + "\n\n")
	b.WriteString(m.footer() + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

// renderDashboard renders the main dashboard view with sparklines and the capacity bar
func (m Model) renderDashboard() string {
	var b strings.Builder
	st := m.snap.Status

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	b.WriteString(headerStyle.Render(" phasegate Monitor ") + "\n")
	if !m.hasData {
		b.WriteString(dimStyle.Render("Waiting for coordinator state...") + "\n")
		b.WriteString("\n" + m.footer())
		return containerStyle.Render(b.String())
	}

	b.WriteString(fmt.Sprintf("%s   %s   %s   %s   %s\n",
		getStatusBadge(m.snap),
		dimStyle.Render("Mode:"),
		valueStyle.Render(st.Mode),
		dimStyle.Render("Uptime:")+" "+valueStyle.Render(FormatUptime(st.StartedAt, st.Timestamp)),
		dimStyle.Render(lastUpdateStr)))

	// Tasks
	b.WriteString("\n" + sectionStyle.Render("┃ Tasks") + "\n")
	b.WriteString(labelStyle.Render("  Running: ") +
		valueStyle.Render(fmt.Sprintf("%d / %d", st.Running, m.maxParallel)) +
		" " + getLoadBadge(st.Running, m.maxParallel) +
		"   " + createSparkline(m.runningHistory) + "\n")

	load := float64(st.Running) / float64(m.maxParallel)
	if load > 1.0 {
		load = 1.0
	}
	b.WriteString(labelStyle.Render("  Capacity: ") +
		m.capacity.ViewAs(load) +
		" " + dimStyle.Render(FormatPercentage(load)) + "\n")

	b.WriteString(labelStyle.Render("  Queued: ") +
		valueStyle.Render(fmt.Sprintf("%d", st.Queued)) +
		"           " + createSparkline(m.queuedHistory) + "\n")
	b.WriteString(labelStyle.Render("  Completed: ") + valueStyle.Render(fmt.Sprintf("%d", st.Completed)) +
		"  " + labelStyle.Render("Failed: ") + valueStyle.Render(fmt.Sprintf("%d", st.Failed)) +
		"   " + createSparkline(m.failedHistory) + "\n")

	if len(m.snap.Counts) > 0 {
		keys := make([]string, 0, len(m.snap.Counts))
		for k := range m.snap.Counts {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, dimStyle.Render(k+"=")+valueStyle.Render(fmt.Sprintf("%d", m.snap.Counts[k])))
		}
		b.WriteString(labelStyle.Render("  By status: ") + strings.Join(parts, "  ") + "\n")
	}

	// Stats
	stats := st.Stats
	b.WriteString("\n" + sectionStyle.Render("┃ Stats") + "\n")
	b.WriteString(labelStyle.Render("  Created: ") + valueStyle.Render(fmt.Sprintf("%d", stats.TasksCreated)) +
		"  " + labelStyle.Render("Started: ") + valueStyle.Render(fmt.Sprintf("%d", stats.TasksStarted)) +
		"  " + labelStyle.Render("Retried: ") + valueStyle.Render(fmt.Sprintf("%d", stats.TasksRetried)) + "\n")
	b.WriteString(labelStyle.Render("  Avg execution: ") +
		valueStyle.Render(FormatAverage(stats.TotalExecutionSeconds, stats.TasksCompleted)) + "\n")

	contamination := valueStyle.Render(fmt.Sprintf("%d", stats.ContaminationEvents))
	if stats.ContaminationEvents > 0 {
		contamination = errorStyle.Render(fmt.Sprintf("%d", stats.ContaminationEvents))
	}
	b.WriteString(labelStyle.Render("  Contamination events: ") + contamination + "\n")

	if fb := st.Fallback; fb != nil {
		b.WriteString("\n" + sectionStyle.Render("┃ Fallback") + "\n")
		b.WriteString(labelStyle.Render("  Reason: ") + errorStyle.Render(fb.Reason) + "\n")
		if fb.TriggeringTask != "" {
			b.WriteString(labelStyle.Render("  Triggered by: ") + valueStyle.Render(fb.TriggeringTask) + "\n")
		}
		b.WriteString(labelStyle.Render("  At: ") + valueStyle.Render(fb.Timestamp.Format(time.RFC3339)) +
			"  " + labelStyle.Render("Running tasks failed: ") +
			valueStyle.Render(fmt.Sprintf("%d", len(fb.FailedRunningTasks))) + "\n")
	}

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}
