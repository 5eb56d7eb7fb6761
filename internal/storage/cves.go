package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/cvehunter/internal/cve"
)

const cveColumns = `cve_id, description, summary_jp, severity_score, severity_level, published_date, CAST(analyzed_at AS TEXT)`

// UpsertCVE inserts rec, replacing any existing row with the same cve_id.
// analyzed_at is reset to the current time on every write.
func (s *Store) UpsertCVE(rec cve.Record) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO cves (cve_id, description, summary_jp, severity_score, severity_level, published_date)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(rec.ID), rec.Description, rec.Summary, rec.Score, rec.Severity, rec.Published,
	)
	if err != nil {
		return fmt.Errorf("upserting %s: %w", rec.ID, err)
	}
	return nil
}

// GetCVE returns the stored record for id or ErrNotFound.
func (s *Store) GetCVE(id cve.ID) (cve.Record, error) {
	row := s.db.QueryRow(`SELECT `+cveColumns+` FROM cves WHERE cve_id = ?`, string(id))
	rec, err := scanCVE(row)
	if err == sql.ErrNoRows {
		return cve.Record{}, ErrNotFound
	}
	if err != nil {
		return cve.Record{}, err
	}
	return rec, nil
}

// ListCVEs returns stored records, newest publish date first. A limit <= 0
// returns every row.
func (s *Store) ListCVEs(limit, offset int) ([]cve.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+cveColumns+` FROM cves ORDER BY published_date DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []cve.Record
	for rows.Next() {
		rec, err := scanCVE(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// CountCVE returns how many rows exist for id (0 or 1).
func (s *Store) CountCVE(id cve.ID) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cves WHERE cve_id = ?`, string(id)).Scan(&n)
	return n, err
}

// TotalCVEs returns the number of analyzed CVEs.
func (s *Store) TotalCVEs() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cves`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCVE(row rowScanner) (cve.Record, error) {
	var (
		rec        cve.Record
		id         string
		desc       sql.NullString
		summary    sql.NullString
		score      sql.NullFloat64
		severity   sql.NullString
		published  sql.NullString
		analyzedAt sql.NullString
	)
	if err := row.Scan(&id, &desc, &summary, &score, &severity, &published, &analyzedAt); err != nil {
		return cve.Record{}, err
	}
	rec.ID = cve.ID(id)
	rec.Description = desc.String
	rec.Summary = summary.String
	rec.Score = score.Float64
	rec.Severity = severity.String
	rec.Published = published.String
	if analyzedAt.Valid {
		t, err := parseTimestamp(analyzedAt.String)
		if err != nil {
			return cve.Record{}, fmt.Errorf("parsing analyzed_at for %s: %w", id, err)
		}
		rec.AnalyzedAt = t
	}
	return rec, nil
}

// parseTimestamp accepts SQLite's CURRENT_TIMESTAMP layout and RFC 3339.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
