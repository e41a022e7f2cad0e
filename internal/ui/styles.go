// Package ui provides centralized text styling for CLI output.
//
// All functions return styled strings using lipgloss, which automatically
// respects NO_COLOR env, non-TTY output, and terminal color capabilities.
// Call Disable() to force plain text output (e.g. for --no-color flags).
package ui

import "github.com/charmbracelet/lipgloss"

var disabled bool

var (
	bold     = lipgloss.NewStyle().Bold(true)
	green    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	red      = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	yellow   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	cyan     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boldCyan = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
)

func render(style lipgloss.Style, s string) string {
	if disabled {
		return s
	}
	return style.Render(s)
}

func Bold(s string) string     { return render(bold, s) }
func Green(s string) string    { return render(green, s) }
func Red(s string) string      { return render(red, s) }
func Yellow(s string) string   { return render(yellow, s) }
func Cyan(s string) string     { return render(cyan, s) }
func Dim(s string) string      { return render(dim, s) }
func BoldCyan(s string) string { return render(boldCyan, s) }

// Disable forces all render functions to return plain text.
// Call before producing output when the user passes --no-color.
func Disable() { disabled = true }

// Reset re-enables styling. Useful in tests to avoid state leaking.
func Reset() { disabled = false }

// Workspace status colors. `ws status` and the `search` TUI both
// report the same clean/dirty/stale/conflict vocabulary (workspace.Status,
// resolve.Conflict) and previously rendered it with their own scattered
// lipgloss constants; these give every caller one rendering of each state.
var (
	clean    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	dirty    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	stale    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	conflict = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// Clean renders s (typically the literal "clean") in the color used for a
// workspace with no uncommitted changes against its base epoch.
func Clean(s string) string { return render(clean, s) }

// Dirty renders s in the color used for a workspace with uncommitted
// changes.
func Dirty(s string) string { return render(dirty, s) }

// Stale renders s in the color used for a workspace whose base epoch has
// fallen behind the current epoch.
func Stale(s string) string { return render(stale, s) }

// Conflict renders s in the color used for an unresolved merge conflict.
func Conflict(s string) string { return render(conflict, s) }

// StatusLabel renders the short clean/dirty label `ws status` and `search`
// both print, applying Stale on top when staleVsEpoch is true.
func StatusLabel(clean bool, staleVsEpoch bool) string {
	label := Dirty("dirty")
	if clean {
		label = Clean("clean")
	}
	if staleVsEpoch {
		label += " " + Stale("stale")
	}
	return label
}
