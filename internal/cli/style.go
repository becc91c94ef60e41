package cli

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tOgg1/changegate/internal/models"
)

// badgeStyles colors risk and status labels in table output.
type badgeStyles struct {
	enabled bool

	Low      lipgloss.Style
	Medium   lipgloss.Style
	High     lipgloss.Style
	Critical lipgloss.Style

	Pending  lipgloss.Style
	Approved lipgloss.Style
	Rejected lipgloss.Style
	Applied  lipgloss.Style
	Failed   lipgloss.Style
	Muted    lipgloss.Style
}

func newBadgeStyles(enabled bool) badgeStyles {
	return badgeStyles{
		enabled:  enabled,
		Low:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		Medium:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		High:     lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true),
		Critical: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		Pending:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		Approved: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		Rejected: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		Applied:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		Failed:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		Muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// styles is colorized only when stdout is a terminal and NO_COLOR is unset.
var styles = newBadgeStyles(colorEnabled())

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func hasTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func (s badgeStyles) render(style lipgloss.Style, label string) string {
	if !s.enabled {
		return label
	}
	return style.Render(label)
}

// RiskBadge renders an upper-case risk label.
func (s badgeStyles) RiskBadge(risk models.RiskLevel) string {
	label := strings.ToUpper(string(risk))
	switch risk {
	case models.RiskLow:
		return s.render(s.Low, label)
	case models.RiskMedium:
		return s.render(s.Medium, label)
	case models.RiskHigh:
		return s.render(s.High, label)
	case models.RiskCritical:
		return s.render(s.Critical, label)
	default:
		return label
	}
}

// StatusBadge renders a change status.
func (s badgeStyles) StatusBadge(status models.ChangeStatus) string {
	label := string(status)
	switch status {
	case models.ChangeStatusPending:
		return s.render(s.Pending, label)
	case models.ChangeStatusApproved:
		return s.render(s.Approved, label)
	case models.ChangeStatusRejected:
		return s.render(s.Rejected, label)
	case models.ChangeStatusApplied:
		return s.render(s.Applied, label)
	case models.ChangeStatusFailed:
		return s.render(s.Failed, label)
	default:
		return s.render(s.Muted, label)
	}
}

// Dim renders secondary text.
func (s badgeStyles) Dim(text string) string {
	return s.render(s.Muted, text)
}
