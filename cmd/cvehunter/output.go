package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/cvehunter/internal/api"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// panelColor maps the panel's hex colour onto the nearest terminal colour.
func panelColor(hex string) string {
	switch hex {
	case api.ColorRed:
		return colorRed
	case api.ColorOrange:
		return colorYellow
	default:
		return colorBlue
	}
}

func writePanel(w io.Writer, p api.Panel) {
	fmt.Fprintln(w, colorize(colorBold+panelColor(p.Color), p.Title))
	fmt.Fprintln(w, p.URL)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s %.1f (%s)\n", colorize(colorBold, "Score:"), p.Score, p.Severity)
	fmt.Fprintf(w, "  %s %s\n", colorize(colorBold, "Published:"), p.Published)
	fmt.Fprintln(w)
	fmt.Fprintln(w, p.Description)
	fmt.Fprintln(w)
	fmt.Fprintln(w, colorize(colorCyan, p.Footer))
}
