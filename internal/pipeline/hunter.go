package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kalambet/cvehunter/internal/cve"
	"github.com/kalambet/cvehunter/internal/summary"
)

// MsgNotFound is the user-facing message when lookup yields nothing.
const MsgNotFound = "no information found or retrieval failed"

// Status is the terminal state of a pipeline run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

var (
	runsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvehunter",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cvehunter",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
)

// Lookup fetches a normalized record for id. Implemented by *nvd.Client.
type Lookup interface {
	Lookup(ctx context.Context, id cve.ID) (cve.Record, error)
}

// Summarizer produces a narrative outcome. Implemented by *summary.Summarizer.
type Summarizer interface {
	Summarize(ctx context.Context, rec cve.Record) summary.Outcome
}

// RecordStore is the structured sink. Implemented by *storage.Store.
type RecordStore interface {
	UpsertCVE(rec cve.Record) error
}

// NoteWriter is the document sink. Implemented by *notes.Writer.
type NoteWriter interface {
	Write(rec cve.Record) (string, error)
}

// Result is the outcome of one pipeline run, ready for presentation.
type Result struct {
	Status   Status     `json:"status"`
	Message  string     `json:"message,omitempty"`
	Record   cve.Record `json:"record"`
	Summary  string     `json:"summary,omitempty"`
	NotePath string     `json:"note_path,omitempty"`
}

// Hunter runs lookup, summarization and persistence for a single CVE.
type Hunter struct {
	lookup     Lookup
	summarizer Summarizer
	store      RecordStore
	notes      NoteWriter
	logger     *slog.Logger
}

// New creates a Hunter wired to its four collaborators.
func New(lookup Lookup, summarizer Summarizer, store RecordStore, notes NoteWriter) *Hunter {
	return &Hunter{
		lookup:     lookup,
		summarizer: summarizer,
		store:      store,
		notes:      notes,
		logger:     slog.Default(),
	}
}

// Process validates raw and runs the pipeline to completion. It blocks for
// the duration of the network calls; callers that must stay responsive run
// it on their own goroutine.
//
// A malformed identifier returns an error matching cve.ErrFormat before any
// I/O. A failed lookup is not an error: it yields a Result with
// StatusError. Persistence failures are returned as errors and may leave the
// structured row written without its note.
func (h *Hunter) Process(ctx context.Context, raw string) (Result, error) {
	id, err := cve.Normalize(raw)
	if err != nil {
		runsCounter.WithLabelValues("format_error").Inc()
		return Result{}, err
	}
	log := h.logger.With("cve_id", id)

	start := time.Now()
	rec, err := h.lookup.Lookup(ctx, id)
	stageDuration.WithLabelValues("lookup").Observe(time.Since(start).Seconds())
	if err != nil {
		log.Info("lookup failed", "error", err)
		runsCounter.WithLabelValues("not_found").Inc()
		return Result{Status: StatusError, Message: MsgNotFound, Record: cve.Record{ID: id}}, nil
	}

	start = time.Now()
	outcome := h.summarizer.Summarize(ctx, rec)
	stageDuration.WithLabelValues("summarize").Observe(time.Since(start).Seconds())
	if !outcome.OK() {
		log.Warn("summary unavailable, persisting error text", "failure", outcome.Failure)
	}
	rec.Summary = outcome.Text()

	start = time.Now()
	path, err := h.persist(rec)
	stageDuration.WithLabelValues("persist").Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("persisting failed", "error", err)
		runsCounter.WithLabelValues("persist_error").Inc()
		return Result{}, err
	}

	log.Info("analysis complete", "score", rec.Score, "severity", rec.Severity, "note", path)
	runsCounter.WithLabelValues("success").Inc()
	return Result{
		Status:   StatusSuccess,
		Record:   rec,
		Summary:  rec.Summary,
		NotePath: path,
	}, nil
}

// persist writes the structured row first, then the note.
func (h *Hunter) persist(rec cve.Record) (string, error) {
	if err := h.store.UpsertCVE(rec); err != nil {
		return "", fmt.Errorf("saving %s to store: %w", rec.ID, err)
	}
	path, err := h.notes.Write(rec)
	if err != nil {
		return "", fmt.Errorf("writing note for %s: %w", rec.ID, err)
	}
	return path, nil
}
