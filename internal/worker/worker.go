// Package worker runs queued CVE analyses off the request path.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cvehunter/internal/cve"
	"github.com/kalambet/cvehunter/internal/pipeline"
	"github.com/kalambet/cvehunter/internal/storage"
)

// JobType is the queue type for a single CVE analysis.
const JobType = "analyze_cve"

const staleJobMessage = "interrupted: the server stopped before the analysis finished"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string, resultJSON string) error
	FailJob(id string, errMsg string) error
	FailStaleJobs(jobType, errMsg string) (int, error)
}

// Processor runs the analysis pipeline. Implemented by *pipeline.Hunter.
type Processor interface {
	Process(ctx context.Context, raw string) (pipeline.Result, error)
}

// Payload is the JSON body of an analyze_cve job.
type Payload struct {
	CVEID string `json:"cve_id"`
}

// NewJob builds a pending analyze_cve job for id with a fresh job id.
func NewJob(id cve.ID) (storage.Job, error) {
	payload, err := json.Marshal(Payload{CVEID: string(id)})
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}, nil
}

// Worker processes analyze_cve jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	hunter Processor
	poll   time.Duration
	logger *slog.Logger
}

// New creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func New(store JobStore, hunter Processor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		hunter: hunter,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled. Jobs left running by a previous
// process are failed first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.FailStaleJobs(JobType, staleJobMessage); err != nil {
		w.logger.Error("failing stale jobs", "error", err)
	} else if n > 0 {
		w.logger.Warn("failed jobs interrupted by a previous shutdown", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single analyze_cve job.
// Returns true if a job was processed (regardless of success/failure).
// Once ctx is done no new job is claimed; a claimed job runs to completion
// so a shutdown never persists a half-finished analysis.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	result, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID, result); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}

	w.logger.Info("analyzing", "job_id", job.ID, "cve_id", payload.CVEID)
	res, err := w.hunter.Process(context.WithoutCancel(ctx), payload.CVEID)
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(out), nil
}
