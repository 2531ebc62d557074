// Package watch is a terminal dashboard that follows one source's job through
// the status API.
package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"estate_ingest/models"
)

const (
	pollInterval = 2 * time.Second
	logTail      = 12
	barWidth     = 40
)

type statusMsg struct {
	status models.JobStatus
	err    error
}

type startedMsg struct {
	jobID string
	err   error
}

type tickMsg time.Time

// Model polls /admin/parser/status/{source} and renders the job.
type Model struct {
	client  *http.Client
	apiBase string
	source  string

	status      models.JobStatus
	loaded      bool
	seenRunning bool
	err         error
	notice      string
	width       int
}

func New(client *http.Client, apiBase, source string) Model {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return Model{
		client:  client,
		apiBase: strings.TrimRight(apiBase, "/"),
		source:  source,
		status:  models.IdleStatus(source),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tickCmd())
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		status, err := m.getStatus()
		return statusMsg{status: status, err: err}
	}
}

func (m Model) getStatus() (models.JobStatus, error) {
	var status models.JobStatus
	resp, err := m.client.Get(m.apiBase + "/admin/parser/status/" + url.PathEscape(m.source))
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("status api returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func (m Model) start() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Post(m.apiBase+"/admin/parser/run/"+url.PathEscape(m.source), "application/json", nil)
		if err != nil {
			return startedMsg{err: err}
		}
		defer resp.Body.Close()

		var body struct {
			JobID string `json:"job_id"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if resp.StatusCode != http.StatusAccepted {
			if body.Error == "" {
				body.Error = http.StatusText(resp.StatusCode)
			}
			return startedMsg{err: fmt.Errorf("%s", body.Error)}
		}
		return startedMsg{jobID: body.JobID}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		case "s":
			m.notice = "Starting job..."
			return m, m.start()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.fetch(), tickCmd())

	case startedMsg:
		if msg.err != nil {
			m.notice = "Start failed: " + msg.err.Error()
		} else {
			m.notice = "Started job " + msg.jobID
		}
		return m, m.fetch()

	case statusMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		m.status = msg.status
		m.loaded = true
		if !m.status.Complete {
			m.seenRunning = true
		} else if m.seenRunning {
			// The followed job reached a terminal state.
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) View() string {
	sections := []string{
		titleStyle.Render("Job: " + m.source),
		m.renderHeader(),
		"",
		progressBar(m.status.ProgressPercent, barWidth),
		statValue.Render(m.status.CurrentTask),
		"",
	}

	if m.status.Summary != nil {
		sections = append(sections, renderSummary(*m.status.Summary), "")
	}
	if m.status.Error != nil {
		sections = append(sections, statusError.Render("Error: "+*m.status.Error), "")
	}

	sections = append(sections, m.renderLog(), m.renderStatusBar())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	state := "○ idle"
	style := statusPending
	switch {
	case !m.loaded:
		state = "… connecting"
	case !m.status.Complete:
		state = "◐ running"
	case m.status.Error != nil:
		state = "✗ failed"
		style = statusError
	case m.status.JobID != "":
		state = "✓ completed"
		style = statusSuccess
	}

	parts := []string{style.Render(state)}
	if m.status.JobID != "" {
		parts = append(parts, statLabel.Render("id "+m.status.JobID))
	}
	if m.status.StartedAt != nil {
		parts = append(parts, statLabel.Render("started "+m.status.StartedAt.Local().Format("15:04:05")))
	}
	return strings.Join(parts, "  ")
}

func renderSummary(s models.Summary) string {
	cards := []string{
		statCard("Added", s.Added),
		statCard("Updated", s.Updated),
		statCard("Skipped", s.Skipped),
		statCard("Errors", s.Errors),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cards...)
}

func statCard(label string, value int) string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		statValue.Render(fmt.Sprintf("%d", value)),
		statLabel.Render(label),
	)
	return cardBorder.Width(12).Render(content)
}

func (m Model) renderLog() string {
	lines := m.status.Log
	if len(lines) == 0 {
		return logBorder.Render(mutedStyle.Render("No log entries"))
	}
	if len(lines) > logTail {
		lines = lines[len(lines)-logTail:]
	}

	rendered := make([]string, len(lines))
	for i, line := range lines {
		if strings.HasPrefix(line, "[ERROR]") {
			rendered[i] = statusError.Render(line)
		} else {
			rendered[i] = line
		}
	}
	return logBorder.Render(strings.Join(rendered, "\n"))
}

func (m Model) renderStatusBar() string {
	left := "r Refresh  s Start  q Quit"
	switch {
	case m.err != nil:
		left += "  " + statusError.Render(m.err.Error())
	case m.notice != "":
		left += "  " + m.notice
	}
	return statusBarStyle.Render(left)
}

func progressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return barFilled.Render(strings.Repeat("█", filled)) +
		barEmpty.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %3d%%", percent)
}

// Run shows the dashboard until the followed job finishes or the user quits.
// It returns the last status it saw.
func Run(apiBase, source string) (models.JobStatus, error) {
	p := tea.NewProgram(New(nil, apiBase, source))
	final, err := p.Run()
	if err != nil {
		return models.JobStatus{}, err
	}
	return final.(Model).status, nil
}
