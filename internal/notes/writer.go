// Package notes renders analyzed CVEs as markdown notes with YAML front
// matter, one file per identifier.
package notes

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/cvehunter/internal/cve"
)

// DirName is the default notes directory name under the data directory.
const DirName = "obsidian_cves"

type frontMatter struct {
	ID       string   `yaml:"id"`
	Score    float64  `yaml:"score"`
	Severity string   `yaml:"severity"`
	Tags     []string `yaml:"tags"`
	Date     string   `yaml:"date"`
}

// Writer writes CVE notes into a single directory.
type Writer struct {
	dir string
	now func() time.Time
}

// New returns a Writer rooted at dir. The directory is created on first write.
func New(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// Dir returns the notes directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Path returns the note path for id.
func (w *Writer) Path(id cve.ID) string {
	return filepath.Join(w.dir, string(id)+".md")
}

// Exists reports whether a note for id is present on disk.
func (w *Writer) Exists(id cve.ID) bool {
	_, err := os.Stat(w.Path(id))
	return err == nil
}

// Write renders rec and replaces any existing note for the same id.
func (w *Writer) Write(rec cve.Record) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating notes directory: %w", err)
	}

	content, err := Render(rec, w.now())
	if err != nil {
		return "", err
	}

	path := w.Path(rec.ID)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("writing note %s: %w", path, err)
	}
	return path, nil
}

// Render produces the full note for rec, dated at.
func Render(rec cve.Record, at time.Time) ([]byte, error) {
	fm := frontMatter{
		ID:       string(rec.ID),
		Score:    rec.Score,
		Severity: rec.Severity,
		Tags:     []string{"CVE", "ManualCheck", rec.Severity},
		Date:     at.Format("2006-01-02"),
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("encoding front matter for %s: %w", rec.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding front matter for %s: %w", rec.ID, err)
	}
	buf.WriteString("---\n\n")

	fmt.Fprintf(&buf, "# %s Report\n\n", rec.ID)
	buf.WriteString("## Metrics\n")
	fmt.Fprintf(&buf, "- **Score**: %s (%s)\n", formatScore(rec.Score), rec.Severity)
	fmt.Fprintf(&buf, "- **Vector**: `%s`\n\n", rec.Vector)
	buf.WriteString("## AI Analysis\n")
	buf.WriteString(rec.Summary)
	buf.WriteString("\n\n---\n## Original Description\n")
	buf.WriteString(quote(rec.Description))
	buf.WriteString("\n")

	return buf.Bytes(), nil
}

func formatScore(s float64) string {
	return fmt.Sprintf("%.1f", s)
}

// quote prefixes every line with "> " so multi-line descriptions stay in
// one blockquote.
func quote(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}
