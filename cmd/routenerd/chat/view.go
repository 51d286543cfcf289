// This file contains view rendering for the chat TUI.
package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func (m Model) renderHistory() string {
	var sb strings.Builder

	for _, msg := range m.history {
		switch msg.Role {
		case "user":
			userStyle := m.styles.Bold.
				Foreground(m.styles.Theme.Primary).
				MarginTop(1)
			sb.WriteString(userStyle.Render("You") + "\n")
			sb.WriteString(m.styles.UserInput.Render(msg.Content))
			sb.WriteString("\n\n")

		case "action":
			sb.WriteString(m.styles.ActionEvent.Render("  ⚙ "+msg.Content) + "\n")

		default: // "assistant"
			assistantStyle := m.styles.Bold.
				Foreground(m.styles.Theme.Accent).
				MarginTop(1)
			sb.WriteString(assistantStyle.Render("routeNERD") + "\n")
			sb.WriteString(m.safeRenderMarkdown(msg.Content))
			sb.WriteString("\n")
		}
	}

	// Streamed answer in flight, rendered plain until the turn finishes
	if m.pending != "" {
		assistantStyle := m.styles.Bold.
			Foreground(m.styles.Theme.Accent).
			MarginTop(1)
		sb.WriteString(assistantStyle.Render("routeNERD") + "\n")
		sb.WriteString(m.styles.AgentResponse.Render(m.pending))
		sb.WriteString("\n")
	}

	return sb.String()
}

// safeRenderMarkdown renders markdown with panic recovery.
func (m Model) safeRenderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = content
		}
	}()

	if m.renderer != nil && content != "" {
		rendered, err := m.renderer.Render(content)
		if err == nil {
			return rendered
		}
	}
	return content
}

func (m Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	header := m.renderHeader()

	content := m.viewport.View()
	chatView := m.styles.Content.Render(content)

	inputStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Theme.Accent).
		Padding(0, 1)
	inputArea := inputStyle.Render(m.textarea.View())

	footer := m.renderFooter()

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		chatView,
		inputArea,
		footer,
	)
}

func (m Model) renderHeader() string {
	title := m.styles.Header.Render(" routeNERD ")

	var status string
	switch {
	case m.isLoading:
		status = lipgloss.JoinHorizontal(lipgloss.Center, m.spinner.View(), " ", m.styles.Badge.Render("Thinking..."))
	case !m.healthy:
		status = m.styles.Error.Render("Offline")
	default:
		status = m.styles.Success.Render("Ready")
	}

	headerLine := lipgloss.JoinHorizontal(
		lipgloss.Center,
		title,
		"  ",
		status,
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		headerLine,
		m.styles.Muted.Render(" "+m.addr),
		m.styles.RenderDivider(m.width),
	)
}

func (m Model) renderFooter() string {
	outcome := m.lastOutcome
	if outcome == "" {
		outcome = "-"
	}

	errIndicator := ""
	if m.err != nil {
		errIndicator = " | " + m.styles.Error.Render(m.err.Error())
	}

	timestamp := time.Now().Format("15:04")
	line := m.styles.Muted.Render(fmt.Sprintf(
		"Turns: %d | Last: %s | %s | /help",
		m.turnCount, outcome, timestamp,
	)) + errIndicator

	return lipgloss.NewStyle().MarginTop(1).Render(line)
}
