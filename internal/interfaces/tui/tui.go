// Package tui is the full-screen terminal front-end to the agent loop,
// built on bubbletea. It is a plain Channel Contract consumer: every
// submitted line goes through AgentLoop.Deliver, so the Signal pipeline
// gates TUI input exactly like Telegram or HTTP input.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/osa-run/osa/internal/domain/entity"
	"github.com/osa-run/osa/internal/domain/service"
)

// Config holds TUI configuration.
type Config struct {
	Model     string
	SessionID string
	UserName  string
}

// SystemPromptFunc assembles the system prompt for one turn.
type SystemPromptFunc func(userMessage string) string

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

// Run starts the TUI and blocks until the user quits.
func Run(ctx context.Context, agentLoop *service.AgentLoop, systemPrompt SystemPromptFunc, cfg Config, logger *zap.Logger) error {
	if cfg.SessionID == "" {
		cfg.SessionID = fmt.Sprintf("tui_%d", time.Now().UnixNano())
	}
	m := newModel(ctx, agentLoop, systemPrompt, cfg, logger)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

// agentEventMsg carries one loop event into Update; ok=false means the
// event channel closed and the run is over.
type agentEventMsg struct {
	ev entity.AgentEvent
	ok bool
}

// runState is the live run's channel plumbing kept out of View's reach.
type runState struct {
	result *service.AgentResult
	events <-chan entity.AgentEvent
}

type model struct {
	ctx          context.Context
	agentLoop    *service.AgentLoop
	systemPrompt SystemPromptFunc
	cfg          Config
	logger       *zap.Logger

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model

	history    []service.LLMMessage
	transcript strings.Builder
	segment    strings.Builder // streaming text of the in-flight assistant turn
	run        *runState
	ready      bool
	status     string
}

func newModel(ctx context.Context, agentLoop *service.AgentLoop, systemPrompt SystemPromptFunc, cfg Config, logger *zap.Logger) *model {
	ti := textinput.New()
	ti.Placeholder = "说点什么… (ctrl+c 退出)"
	ti.Prompt = "❯ "
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = statusStyle

	return &model{
		ctx:          ctx,
		agentLoop:    agentLoop,
		systemPrompt: systemPrompt,
		cfg:          cfg,
		logger:       logger,
		input:        ti,
		spin:         sp,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick)
}

// nextEvent blocks on the run's event channel and hands the next event to
// Update; bubbletea re-issues it after every delivery until ok=false.
func (m *model) nextEvent() tea.Cmd {
	events := m.run.events
	return func() tea.Msg {
		ev, ok := <-events
		return agentEventMsg{ev: ev, ok: ok}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerH, footerH := 2, 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerH-footerH)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerH - footerH
		}
		m.input.Width = msg.Width - 4
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.run == nil {
				return m, m.submit()
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case agentEventMsg:
		if !msg.ok {
			m.finishRun()
			m.refresh()
			return m, nil
		}
		m.renderEvent(msg.ev)
		m.refresh()
		return m, m.nextEvent()
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit sends the input line through the Deliver front door. A noise hit
// renders inline and never reaches the loop.
func (m *model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()

	name := m.cfg.UserName
	if name == "" {
		name = "You"
	}
	fmt.Fprintf(&m.transcript, "%s\n  %s\n\n", userStyle.Render("▶ "+name), text)

	sys := ""
	if m.systemPrompt != nil {
		sys = m.systemPrompt(text)
	}
	result, events, delivered := m.agentLoop.Deliver(m.ctx, "cli", sys, text, m.history, "", nil)
	if delivered.Filtered {
		fmt.Fprintf(&m.transcript, "%s\n\n", dimStyle.Render(fmt.Sprintf("(dropped as noise: %s)", delivered.Reason)))
		m.refresh()
		return nil
	}

	m.history = append(m.history, service.LLMMessage{Role: "user", Content: text})
	m.run = &runState{result: result, events: events}
	m.segment.Reset()
	m.status = "thinking"
	m.refresh()
	return m.nextEvent()
}

func (m *model) renderEvent(ev entity.AgentEvent) {
	switch ev.Type {
	case entity.EventTextDelta:
		m.segment.WriteString(ev.Content)
	case entity.EventToolCall:
		if ev.ToolCall != nil {
			m.status = "tool: " + ev.ToolCall.Name
			fmt.Fprintf(&m.transcript, "%s\n", toolStyle.Render("🔧 "+ev.ToolCall.Name))
		}
	case entity.EventToolResult:
		if ev.ToolCall != nil {
			icon := "✓"
			style := toolStyle
			if !ev.ToolCall.Success {
				icon = "✗"
				style = errorStyle
			}
			fmt.Fprintf(&m.transcript, "  %s %s\n", style.Render(icon+" "+ev.ToolCall.Name),
				dimStyle.Render(ev.ToolCall.Duration.Round(time.Millisecond).String()))
		}
	case entity.EventStepDone:
		if ev.StepInfo != nil {
			m.status = fmt.Sprintf("step %d · %d tokens", ev.StepInfo.Step, ev.StepInfo.TokensUsed)
		}
	case entity.EventError:
		fmt.Fprintf(&m.transcript, "%s\n", errorStyle.Render("⚠ "+ev.Error))
	case entity.EventCancelled:
		fmt.Fprintf(&m.transcript, "%s\n", errorStyle.Render("⏹ cancelled"))
	}
}

func (m *model) finishRun() {
	if m.run == nil {
		return
	}
	final := strings.TrimSpace(m.run.result.FinalContent)
	if final == "" {
		final = strings.TrimSpace(m.segment.String())
	}
	if final != "" {
		m.history = append(m.history, service.LLMMessage{Role: "assistant", Content: final})
		fmt.Fprintf(&m.transcript, "%s\n  %s\n\n", assistantStyle.Render("🤖 Assistant"),
			strings.ReplaceAll(final, "\n", "\n  "))
	}
	fmt.Fprintf(&m.transcript, "%s\n\n", dimStyle.Render(fmt.Sprintf(
		"── steps %d · tokens %d · %s ──",
		m.run.result.TotalSteps, m.run.result.TotalTokens, m.run.result.ModelUsed)))
	m.run = nil
	m.status = ""
}

func (m *model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.transcript.String() + m.segment.String())
	m.viewport.GotoBottom()
}

func (m *model) View() string {
	if !m.ready {
		return "loading…"
	}
	header := titleStyle.Render("🐾 OSA") + dimStyle.Render(
		fmt.Sprintf("  %s · %s", m.cfg.Model, m.cfg.SessionID))

	footer := m.input.View()
	if m.run != nil {
		footer = m.spin.View() + " " + statusStyle.Render(m.status)
	}
	return header + "\n\n" + m.viewport.View() + "\n\n" + footer
}
