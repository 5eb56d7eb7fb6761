package summary

import (
	"fmt"
	"strings"

	"github.com/kalambet/cvehunter/internal/cve"
)

const promptTemplate = `You are a security engineer. Explain the following CVE and write the result as markdown that reads well in Obsidian.

CVE ID: %s
Original description: %s

Output format:
# Overview
(summary in three lines)

# Impact
(bullet points)

# Remediation
(concrete actions)`

// BuildPrompt embeds the record's identifier and original description into
// the fixed report template.
func BuildPrompt(rec cve.Record) string {
	return fmt.Sprintf(promptTemplate, rec.ID, strings.TrimSpace(rec.Description))
}
