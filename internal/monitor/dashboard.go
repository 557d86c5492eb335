package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/taskrun/internal/orchestrator"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	progressWidth   = 24
)

// Model represents the BubbleTea dashboard model
type Model struct {
	source     Source
	interval   time.Duration
	limit      int
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	// lastSteps is the completed step total of the previous refresh, or -1.
	lastSteps     int
	activeHistory []float64
	stepsHistory  []float64

	runProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

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
			Italic(true)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard reading from source every interval and
// listing at most limit runs.
func NewModel(source Source, interval time.Duration, limit int) Model {
	return Model{
		source:        source,
		interval:      interval,
		limit:         limit,
		lastSteps:     -1,
		activeHistory: make([]float64, 0, historySize),
		stepsHistory:  make([]float64, 0, historySize),
		runProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(progressWidth),
			progress.WithoutPercentage(),
		),
	}
}

// statusBadge renders a run status
func statusBadge(s orchestrator.RunStatus) string {
	switch s {
	case orchestrator.RunSuccess:
		return healthyStyle.Render("✓ " + string(s))
	case orchestrator.RunRunning, orchestrator.RunCreated:
		return valueStyle.Render("▶ " + string(s))
	case orchestrator.RunPaused:
		return warningStyle.Render("⏸ " + string(s))
	default:
		return errorStyle.Render("✗ " + string(s))
	}
}

// riskBadge renders a risk level
func riskBadge(l risk.Level) string {
	switch l {
	case risk.Low:
		return healthyStyle.Render(string(l))
	case risk.Medium:
		return warningStyle.Render(string(l))
	default:
		return errorStyle.Render(string(l))
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
	for _, v := range data {
		spark.Push(v)
	}
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
		fetchSnapshot(m.source, m.limit),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot reads runs and pending approvals from source
func fetchSnapshot(source Source, limit int) tea.Cmd {
	return func() tea.Msg {
		runs, err := source.Runs()
		if err != nil {
			return errMsg(err)
		}
		pending, err := source.PendingApprovals()
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(Summarize(runs, pending, time.Now(), limit))
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
			return m, fetchSnapshot(m.source, m.limit)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.source, m.limit),
		)

	case snapshotMsg:
		snap := Snapshot(msg)
		m.activeHistory = appendToHistory(m.activeHistory, float64(snap.Active))
		if m.lastSteps >= 0 {
			delta := snap.StepsCompleted - m.lastSteps
			if delta < 0 {
				delta = 0
			}
			m.stepsHistory = appendToHistory(m.stepsHistory, float64(delta))
		}
		m.lastSteps = snap.StepsCompleted
		m.snapshot = snap
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

// renderError renders the error view
func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" taskrun Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot read run state") + "\n\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" retry"))
	return containerStyle.Render(b.String())
}

// renderDashboard renders runs, throughput and pending approvals
func (m Model) renderDashboard() string {
	var b strings.Builder
	snap := m.snapshot

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" taskrun Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s\n",
		labelStyle.Render("Running:"), valueStyle.Render(fmt.Sprint(snap.Counts[orchestrator.RunRunning])),
		labelStyle.Render("Paused:"), valueStyle.Render(fmt.Sprint(snap.Counts[orchestrator.RunPaused])),
		labelStyle.Render("Finished:"), valueStyle.Render(fmt.Sprint(snap.Counts[orchestrator.RunSuccess]+
			snap.Counts[orchestrator.RunFailed]+snap.Counts[orchestrator.RunAborted])),
		dimStyle.Render(lastUpdateStr)))

	b.WriteString("\n" + sectionStyle.Render("┃ Activity") + "\n")
	b.WriteString(labelStyle.Render("  Active runs:     ") +
		valueStyle.Render(fmt.Sprintf("%-4d", snap.Active)) + "   " + createSparkline(m.activeHistory) + "\n")
	b.WriteString(labelStyle.Render("  Steps / refresh: ") +
		valueStyle.Render(fmt.Sprintf("%-4d", lastOrZero(m.stepsHistory))) + "   " + createSparkline(m.stepsHistory) + "\n")
	b.WriteString(labelStyle.Render("  Cost estimate:   ") + valueStyle.Render(FormatCost(snap.TotalCost)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Runs") + "\n")
	if len(snap.Runs) == 0 {
		b.WriteString(dimStyle.Render("  No runs yet") + "\n")
	}
	for _, r := range snap.Runs {
		line := fmt.Sprintf("  %s  %-16s %s %s  %s",
			valueStyle.Render(ShortID(r.RunID)),
			statusBadge(r.Status),
			m.runProgress.ViewAs(r.Progress()),
			dimStyle.Render(FormatProgress(r.Settled, r.Total)),
			dimStyle.Render(FormatElapsed(r.Elapsed)))
		if r.PauseReason != "" && r.Status == orchestrator.RunPaused {
			line += "  " + warningStyle.Render(r.PauseReason)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Pending approvals") + "\n")
	if len(snap.Pending) == 0 {
		b.WriteString(dimStyle.Render("  None") + "\n")
	}
	for _, req := range snap.Pending {
		b.WriteString(fmt.Sprintf("  %s  run %s  step %s  %s  %s\n",
			valueStyle.Render(ShortID(req.ID)),
			ShortID(req.RunID),
			req.StepID,
			riskBadge(req.RiskLevel),
			dimStyle.Render(req.ToolName)))
	}

	b.WriteString("\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval)))

	return containerStyle.Render(b.String())
}

func lastOrZero(history []float64) int {
	if len(history) == 0 {
		return 0
	}
	return int(history[len(history)-1])
}
