// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// PALETTE
// =============================================================================

// Adaptive colors pick the light or dark variant from the terminal background.
var (
	Purple  = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}
	Cyan    = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}
	Emerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}
	Rose    = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}
	Amber   = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}

	TextPrimary   = lipgloss.AdaptiveColor{Light: "#1F2937", Dark: "#CDD6F4"}
	TextSecondary = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#A6ADC8"}
	TextMuted     = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}
)

// =============================================================================
// STYLES
// =============================================================================

var (
	// TitleStyle is used for banners and section titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Purple)

	// HeaderStyle is used for table headers.
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(TextSecondary)

	// ValueStyle is used for regular values.
	ValueStyle = lipgloss.NewStyle().
			Foreground(TextPrimary)

	// CommandStyle highlights command names and conversation names.
	CommandStyle = lipgloss.NewStyle().
			Foreground(Cyan)

	// SuccessStyle marks ready documents and the current conversation.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(Emerald).
			Bold(true)

	// ErrorStyle is used for error prefixes.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(Rose).
			Bold(true)

	// WarningStyle is used for warning prefixes.
	WarningStyle = lipgloss.NewStyle().
			Foreground(Amber)

	// InfoStyle is used for informational messages.
	InfoStyle = lipgloss.NewStyle().
			Foreground(TextSecondary)

	// DimStyle is used for stats lines and hints.
	DimStyle = lipgloss.NewStyle().
			Foreground(TextMuted)
)

// SetColor switches lipgloss between the detected profile and plain ASCII.
func SetColor(enabled bool) {
	lipgloss.SetColorProfile(ColorProfile(enabled))
}

// RenderSeparator renders a horizontal rule of the given width.
func RenderSeparator(width int) string {
	if width <= 0 {
		width = 30
	}
	return DimStyle.Render(strings.Repeat("─", width))
}

// RenderStatus renders a bracketed status tag.
func RenderStatus(status string) string {
	switch strings.ToLower(status) {
	case "ok", "ready", "processed":
		return SuccessStyle.Render("[" + strings.ToUpper(status) + "]")
	case "error", "failed":
		return ErrorStyle.Render("[" + strings.ToUpper(status) + "]")
	case "stale", "raw", "pending":
		return WarningStyle.Render("[" + strings.ToUpper(status) + "]")
	default:
		return DimStyle.Render("[" + strings.ToUpper(status) + "]")
	}
}
