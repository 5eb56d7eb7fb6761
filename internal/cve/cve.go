package cve

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Prefix is the literal every canonical identifier starts with.
const Prefix = "CVE-"

// ErrFormat is returned when a raw identifier does not look like a CVE.
var ErrFormat = errors.New("invalid CVE identifier format")

// FormatError carries the rejected input. It matches ErrFormat with errors.Is.
type FormatError struct {
	Input string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error: %q is not of the form CVE-xxxx-xxxx", e.Input)
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// ID is a canonical, upper-case CVE identifier such as CVE-2024-12345.
type ID string

func (id ID) String() string { return string(id) }

// Normalize upper-cases and trims raw and checks the CVE- prefix.
// Year and sequence digits are not validated.
func Normalize(raw string) (ID, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !strings.HasPrefix(s, Prefix) {
		return "", &FormatError{Input: raw}
	}
	return ID(s), nil
}

// Severity labels as reported by NVD. Unknown is used when no CVSS metric exists.
const (
	SeverityUnknown  = "UNKNOWN"
	SeverityNone     = "NONE"
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Record is a vulnerability as looked up from NVD, optionally enriched with
// an AI summary.
type Record struct {
	ID          ID        `json:"id"`
	Description string    `json:"description"`
	Score       float64   `json:"score"`
	Severity    string    `json:"severity"`
	Published   string    `json:"published"`
	Vector      string    `json:"vector"`
	Summary     string    `json:"summary,omitempty"`
	AnalyzedAt  time.Time `json:"analyzed_at,omitempty"`
}

// PublishedDate returns the date portion (YYYY-MM-DD) of Published.
func (r Record) PublishedDate() string {
	if len(r.Published) > 10 {
		return r.Published[:10]
	}
	return r.Published
}

// DetailURL links to the public NVD page for id.
func DetailURL(id ID) string {
	return "https://nvd.nist.gov/vuln/detail/" + string(id)
}
