package api

import (
	"fmt"
	"strings"

	"github.com/kalambet/cvehunter/internal/cve"
	"github.com/kalambet/cvehunter/internal/pipeline"
)

// MaxPanelDescription is the longest narrative a result panel carries, in runes.
const MaxPanelDescription = 4000

// Panel colours by score band.
const (
	ColorRed    = "#ff0000"
	ColorOrange = "#e67e22"
	ColorBlue   = "#3498db"
)

// Panel is the formatted result of an analysis, shaped for chat clients.
type Panel struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Color       string  `json:"color"`
	Score       float64 `json:"score"`
	Severity    string  `json:"severity"`
	Published   string  `json:"published"`
	Description string  `json:"description"`
	Footer      string  `json:"footer"`
}

// NewPanel builds the result panel for a successful pipeline run.
func NewPanel(res pipeline.Result) Panel {
	rec := res.Record
	footer := "Saved to notes"
	if res.NotePath != "" {
		footer = "Saved to notes: " + res.NotePath
	}
	return Panel{
		Title:       fmt.Sprintf("%s Analysis Result", rec.ID),
		URL:         cve.DetailURL(rec.ID),
		Color:       ScoreColor(rec.Score),
		Score:       rec.Score,
		Severity:    rec.Severity,
		Published:   rec.PublishedDate(),
		Description: truncateRunes(res.Summary, MaxPanelDescription),
		Footer:      footer,
	}
}

// ScoreColor returns red for critical scores, orange for high, blue otherwise.
func ScoreColor(score float64) string {
	switch {
	case score >= 9.0:
		return ColorRed
	case score >= 7.0:
		return ColorOrange
	default:
		return ColorBlue
	}
}

// Text renders the panel as plain markdown for text-only surfaces.
func (p Panel) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## [%s](%s)\n\n", p.Title, p.URL)
	fmt.Fprintf(&b, "**CVSS Score**: %.1f (%s) | **Published**: %s\n\n", p.Score, p.Severity, p.Published)
	b.WriteString(p.Description)
	b.WriteString("\n\n")
	b.WriteString(p.Footer)
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
