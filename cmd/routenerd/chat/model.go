// Package chat provides the interactive TUI client for a running routeNERD
// gateway. The functionality is split across files:
//   - model.go: types, Init, Update loop (this file)
//   - view.go: rendering functions
//   - client.go: gateway SSE client
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"routenerd/cmd/routenerd/ui"
)

const inputPlaceholder = "무엇을 도와드릴까요? (Enter to send, Alt+Enter for newline, Ctrl+C to exit)"

// Options configures the chat client.
type Options struct {
	// Addr is the gateway base URL, e.g. http://localhost:8420.
	Addr string
}

// Message is a single entry in the chat transcript.
type Message struct {
	Role    string // "user", "assistant" or "action"
	Content string
	Time    time.Time
}

// Model is the bubbletea model for the chat client.
type Model struct {
	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	styles   ui.Styles
	renderer *glamour.TermRenderer

	client *Client
	addr   string

	history []Message
	pending string // streaming answer, not yet finalized

	isLoading bool
	err       error
	width     int
	height    int
	ready     bool

	healthy      bool
	actionsCount int
	turnCount    int
	lastOutcome  string

	// Live stream channels, nil when idle
	events <-chan Event
	errs   <-chan error

	inputHistory []string
	historyIndex int
}

type (
	healthMsg struct {
		info *HealthInfo
		err  error
	}
	eventMsg        Event
	streamClosedMsg struct{}
	streamFailMsg   struct{ err error }
)

func newModel(opts Options) Model {
	styles := ui.DefaultStyles()

	ta := textarea.New()
	ta.Placeholder = inputPlaceholder
	ta.ShowLineNumbers = false
	ta.SetHeight(2)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	return Model{
		textarea: ta,
		spinner:  sp,
		styles:   styles,
		client:   NewClient(opts.Addr),
		addr:     opts.Addr,
	}
}

// Run starts the interactive chat session against a running gateway.
func Run(opts Options) error {
	p := tea.NewProgram(newModel(opts), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		m.checkHealth(),
	)
}

func (m Model) checkHealth() tea.Cmd {
	return func() tea.Msg {
		info, err := m.client.Health(context.Background())
		return healthMsg{info: info, err: err}
	}
}

// waitForEvent reads the next stream event. The error channel is drained
// after the event channel closes so a terminal failure is never lost.
func (m Model) waitForEvent() tea.Cmd {
	events, errs := m.events, m.errs
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return streamFailMsg{err: err}
					}
				default:
				}
				return streamClosedMsg{}
			}
			return eventMsg(ev)
		case err := <-errs:
			if err != nil {
				return streamFailMsg{err: err}
			}
			return streamClosedMsg{}
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			// Alt+Enter inserts a newline
			if msg.Alt {
				break
			}
			if !m.isLoading {
				return m.handleSubmit()
			}
			return m, nil

		case tea.KeyUp:
			if m.textarea.Line() == 0 {
				if m.historyIndex > 0 {
					m.historyIndex--
					m.textarea.SetValue(m.inputHistory[m.historyIndex])
					m.textarea.CursorEnd()
				}
				return m, nil
			}

		case tea.KeyDown:
			if m.textarea.Line() == m.textarea.LineCount()-1 {
				if m.historyIndex < len(m.inputHistory) {
					m.historyIndex++
					if m.historyIndex == len(m.inputHistory) {
						m.textarea.SetValue("")
					} else {
						m.textarea.SetValue(m.inputHistory[m.historyIndex])
						m.textarea.CursorEnd()
					}
				}
				return m, nil
			}
		}

		if !m.isLoading {
			m.textarea, tiCmd = m.textarea.Update(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 3
		footerHeight := 2
		inputHeight := 4

		chatWidth := msg.Width - 4
		if chatWidth < 1 {
			chatWidth = 1
		}
		chatHeight := msg.Height - headerHeight - footerHeight - inputHeight
		if chatHeight < 1 {
			chatHeight = 1
		}

		if !m.ready {
			m.viewport = viewport.New(chatWidth, chatHeight)
			m.ready = true
		} else {
			m.viewport.Width = chatWidth
			m.viewport.Height = chatHeight
		}
		m.textarea.SetWidth(chatWidth - 2)

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(chatWidth-4),
		)
		m.viewport.SetContent(m.renderHistory())

	case spinner.TickMsg:
		if m.isLoading {
			var spCmd tea.Cmd
			m.spinner, spCmd = m.spinner.Update(msg)
			return m, spCmd
		}

	case healthMsg:
		if msg.err != nil {
			m.healthy = false
			m.err = fmt.Errorf("gateway not reachable at %s (run 'routenerd serve'): %w", m.addr, msg.err)
		} else {
			m.healthy = true
			m.err = nil
			m.actionsCount = msg.info.Actions
			m.appendMessage("assistant", fmt.Sprintf("안녕하세요! 보험 상담 도우미입니다. 무엇을 도와드릴까요?\n\n_%d개 액션 준비됨 (embedder: %s)_", msg.info.Actions, msg.info.Embedder))
		}

	case eventMsg:
		return m.handleEvent(Event(msg))

	case streamFailMsg:
		m.isLoading = false
		m.events, m.errs = nil, nil
		m.flushPending()
		m.err = msg.err

	case streamClosedMsg:
		m.events, m.errs = nil, nil
		if m.isLoading {
			// Closed without a done event
			m.isLoading = false
			m.flushPending()
			m.err = fmt.Errorf("stream ended unexpectedly")
		}

	case actionListMsg:
		m.appendMessage("assistant", string(msg))
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

// handleEvent processes one gateway stream event.
func (m Model) handleEvent(ev Event) (tea.Model, tea.Cmd) {
	switch ev.Name {
	case "started":
		// Turn accepted, tokens follow

	case "action":
		line := ev.Str("name")
		if needsInput, _ := ev.Data["needs_input"].(bool); needsInput {
			line += " (추가 입력 필요)"
		}
		m.appendMessage("action", line)

	case "token":
		m.pending += ev.Str("text")
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()

	case "error":
		m.appendMessage("action", "collaborator failure: "+ev.Str("outcome"))

	case "done":
		m.isLoading = false
		m.turnCount++
		m.lastOutcome = ev.Str("outcome")
		m.flushPending()
	}

	return m, m.waitForEvent()
}

// flushPending finalizes a streamed answer into the transcript.
func (m *Model) flushPending() {
	if m.pending == "" {
		return
	}
	m.appendMessage("assistant", m.pending)
	m.pending = ""
}

func (m *Model) appendMessage(role, content string) {
	m.history = append(m.history, Message{Role: role, Content: content, Time: time.Now()})
	if m.ready {
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
	}
}

func (m Model) handleSubmit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textarea.Value())
	if input == "" {
		return m, nil
	}

	if strings.HasPrefix(input, "/") {
		return m.handleCommand(input)
	}

	m.appendMessage("user", input)
	if len(m.inputHistory) == 0 || m.inputHistory[len(m.inputHistory)-1] != input {
		m.inputHistory = append(m.inputHistory, input)
	}
	m.historyIndex = len(m.inputHistory)

	m.textarea.Reset()
	m.isLoading = true
	m.err = nil

	m.events, m.errs = m.client.Stream(context.Background(), input)

	return m, tea.Batch(m.spinner.Tick, m.waitForEvent())
}

func (m Model) handleCommand(input string) (tea.Model, tea.Cmd) {
	m.textarea.Reset()

	switch strings.Fields(input)[0] {
	case "/help":
		m.appendMessage("assistant", helpText)

	case "/clear":
		m.history = nil
		m.pending = ""
		if m.ready {
			m.viewport.SetContent("")
		}

	case "/actions":
		return m, m.fetchActions()

	case "/health":
		return m, m.checkHealth()

	default:
		m.appendMessage("action", "unknown command, try /help")
	}

	return m, nil
}

const helpText = `**Commands**

| Command | Description |
|---------|-------------|
| /actions | List registered actions |
| /health | Re-check gateway health |
| /clear | Clear the transcript |
| /help | Show this help |

Enter sends, Alt+Enter inserts a newline, Ctrl+C exits.`

// fetchActions renders the registered action set as a markdown table.
func (m Model) fetchActions() tea.Cmd {
	return func() tea.Msg {
		actions, version, err := m.client.Actions(context.Background())
		if err != nil {
			return streamFailMsg{err: err}
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "**Registered actions** (registry v%d)\n\n", version)
		sb.WriteString("| Action | Group | Purpose |\n|--------|-------|--------|\n")
		for _, a := range actions {
			fmt.Fprintf(&sb, "| %s | %s | %s |\n", a.Name, a.Group, a.Purpose)
		}
		return actionListMsg(sb.String())
	}
}

type actionListMsg string
