package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	labelStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Classification colors used by the decision table.
var labelStyles = map[string]lipgloss.Style{
	"CONDUCIVE":   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	"DISTRACTING": lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	"MIXED":       lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
}

func render(style lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return style.Render(text)
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, render(successStyle, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, render(errorStyle, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, render(warningStyle, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", render(labelStyle, label+":"), val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, render(stepStyle, "→ "+msg))
}

func renderLabel(label string) string {
	style, ok := labelStyles[label]
	if !ok {
		return label
	}
	return render(style, label)
}
