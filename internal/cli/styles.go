package cli

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/harun/convo/pkg/session"
)

var (
	userLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // blue

	assistantLabelStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("42")) // green

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	headerStyle = lipgloss.NewStyle().
			Bold(true)
)

func roleLabel(role session.Role) string {
	if role == session.RoleUser {
		return userLabelStyle.Render(role.Label() + ":")
	}
	return assistantLabelStyle.Render(role.Label() + ":")
}
