// Package tui implements the voice session screen using Bubble Tea.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lexiqai/speaking-coach/internal/session"
)

const meterWidth = 20

// Controller receives the user's gestures
type Controller interface {
	ToggleMic()
	CancelRecording()
	SubmitText(text string)
	RepeatLast()
	SetLevel(level session.Level)
}

var levels = []session.Level{session.LevelBeginner, session.LevelIntermediate, session.LevelAdvanced}

// Model is the Bubble Tea model of the session screen
type Model struct {
	ctrl     Controller
	keys     KeyMap
	phase    session.Phase
	messages []session.Message
	level    session.Level
	voice    int
	status   string
	errText  string
	speaking string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	width    int
	height   int
}

// New creates the screen for a session started at level
func New(ctrl Controller, level session.Level) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message... (Enter to send, Esc to go back)"
	ti.CharLimit = 2000
	ti.Prompt = "> "

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(primaryColor))

	return Model{
		ctrl:     ctrl,
		keys:     DefaultKeyMap,
		level:    level,
		status:   session.StatusReady,
		input:    ti,
		viewport: viewport.New(80, 10),
		spinner:  sp,
		width:    80,
		height:   24,
	}
}

// Init starts the spinner
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// busy reports whether a turn is in flight and the mic gesture is ignored
func (m Model) busy() bool {
	switch m.phase {
	case session.PhaseTranscribing, session.PhaseWaiting, session.PhasePlaying:
		return true
	default:
		return false
	}
}

// Update handles session events and key presses
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-4, 10)
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-8, 3)
		m.refreshViewport()
		return m, nil

	case PhaseMsg:
		m.phase = msg.Phase
		if m.phase != session.PhaseRecording {
			m.voice = 0
		}
		return m, nil

	case MessagesMsg:
		m.messages = msg.Messages
		m.refreshViewport()
		return m, nil

	case VoiceLevelMsg:
		m.voice = msg.Level
		return m, nil

	case NoticeMsg:
		if msg.Notice.Status != "" {
			m.status = msg.Notice.Status
		}
		m.errText = msg.Notice.Message
		return m, nil

	case SpeakingMsg:
		m.speaking = msg.Text
		m.refreshViewport()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.CtrlC) {
			return m, tea.Quit
		}
		if m.input.Focused() {
			return m.updateInput(msg)
		}
		return m.updateKeys(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Toggle):
		if !m.busy() {
			m.errText = ""
			m.ctrl.ToggleMic()
		}
	case key.Matches(msg, m.keys.Cancel):
		if m.phase == session.PhaseRecording {
			m.ctrl.CancelRecording()
		}
	case key.Matches(msg, m.keys.Repeat):
		m.ctrl.RepeatLast()
	case key.Matches(msg, m.keys.Type):
		if m.phase == session.PhaseIdle {
			return m, m.input.Focus()
		}
	case key.Matches(msg, m.keys.Level):
		m.setLevel(nextLevel(m.level))
	case key.Matches(msg, m.keys.Beginner):
		m.setLevel(session.LevelBeginner)
	case key.Matches(msg, m.keys.Middle):
		m.setLevel(session.LevelIntermediate)
	case key.Matches(msg, m.keys.Advanced):
		m.setLevel(session.LevelAdvanced)
	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Cancel):
		m.input.Blur()
		return m, nil
	case key.Matches(msg, m.keys.Submit):
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		m.input.Blur()
		m.errText = ""
		m.ctrl.SubmitText(text)
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) setLevel(level session.Level) {
	if level == m.level {
		return
	}
	m.level = level
	m.ctrl.SetLevel(level)
}

func nextLevel(current session.Level) session.Level {
	for i, l := range levels {
		if l == current {
			return levels[(i+1)%len(levels)]
		}
	}
	return session.DefaultLevel
}

func (m *Model) refreshViewport() {
	m.viewport.SetContent(formatMessages(m.messages, m.speaking, m.viewport.Width))
	m.viewport.GotoBottom()
}

// formatMessages renders the conversation with role prefixes, marking
// the assistant message currently being spoken
func formatMessages(messages []session.Message, speaking string, width int) string {
	if len(messages) == 0 {
		return DimStyle.Render("Say something to start practicing.")
	}
	wrap := lipgloss.NewStyle().Width(max(width-2, 10))

	var sb strings.Builder
	for i, msg := range messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch msg.Role {
		case session.RoleUser:
			sb.WriteString(userLabelStyle.Render("You: "))
			sb.WriteString("\n")
			sb.WriteString(wrap.Render(msg.Content))
		default:
			label := "Lexy: "
			if speaking != "" && msg.Content == speaking {
				label = "Lexy (speaking): "
			}
			sb.WriteString(assistantLabelStyle.Render(label))
			sb.WriteString("\n")
			if speaking != "" && msg.Content == speaking {
				sb.WriteString(speakingStyle.Render(wrap.Render(msg.Content)))
			} else {
				sb.WriteString(wrap.Render(msg.Content))
			}
		}
	}
	return sb.String()
}

// voiceBar renders a level between 0 and 100 as a fixed-width bar
func voiceBar(level, width int) string {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	filled := level * width / 100
	return meterFullStyle.Render(strings.Repeat("█", filled)) +
		meterEmptyStyle.Render(strings.Repeat("░", width-filled))
}

// View renders the screen
func (m Model) View() string {
	var sb strings.Builder

	header := TitleStyle.Render("Lexy") + DimStyle.Render(fmt.Sprintf("  English speaking coach  ·  level: %s", m.level))
	sb.WriteString(header)
	sb.WriteString("\n\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n\n")

	switch {
	case m.phase == session.PhaseRecording:
		sb.WriteString(WarningStyle.Render("● REC "))
		sb.WriteString(voiceBar(m.voice, meterWidth))
		sb.WriteString("  ")
	case m.busy():
		sb.WriteString(m.spinner.View())
		sb.WriteString(" ")
	}
	sb.WriteString(StatusBarStyle.Render(m.phase.String()))
	sb.WriteString(" ")
	sb.WriteString(m.status)
	sb.WriteString("\n")

	if m.errText != "" {
		sb.WriteString(ErrorStyle.Render(m.errText))
	}
	sb.WriteString("\n")

	if m.input.Focused() {
		sb.WriteString(m.input.View())
	} else {
		sb.WriteString(m.helpView())
	}
	return sb.String()
}

func (m Model) helpView() string {
	parts := make([]string, 0, len(m.keys.ShortHelp()))
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		parts = append(parts, fmt.Sprintf("%s %s", h.Key, h.Desc))
	}
	return DimStyle.Render(strings.Join(parts, " · "))
}
