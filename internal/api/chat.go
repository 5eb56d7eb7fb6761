package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/cvehunter/internal/cve"
	"github.com/kalambet/cvehunter/internal/pipeline"
	"github.com/kalambet/cvehunter/internal/storage"
	"github.com/kalambet/cvehunter/internal/worker"
)

const maxChatBodySize = 64 << 10

// FormatMessage is returned to chat users for a malformed identifier.
const FormatMessage = "format error: enter an identifier in the form CVE-xxxx-xxxx"

// JobQueue is the subset of the store the chat surface needs.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
	GetJob(id string) (storage.Job, error)
}

type ChatRequest struct {
	CVEID string `json:"cve_id"`
}

type ChatAck struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// JobView is the chat-facing state of an analysis job.
type JobView struct {
	JobID   string `json:"job_id"`
	CVEID   string `json:"cve_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Panel   *Panel `json:"panel,omitempty"`
}

// NewChatHandler returns the bearer-protected chat command routes.
func NewChatHandler(jobs JobQueue, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(token))

	r.Post("/cve", handleChatCVE(jobs))
	r.Get("/jobs/{id}", handleChatJob(jobs))

	return r
}

// InvestigatingMessage is the progress acknowledgment for id.
func InvestigatingMessage(id cve.ID) string {
	return fmt.Sprintf("investigating %s... querying NVD and running AI analysis", id)
}

func handleChatCVE(jobs JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := cve.Normalize(req.CVEID)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", FormatMessage)
			return
		}

		job, err := worker.NewJob(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job: %v", err)
			return
		}
		if err := jobs.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		slog.Info("analysis queued", "job_id", job.ID, "cve_id", id)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(ChatAck{
			JobID:   job.ID,
			Status:  "queued",
			Message: InvestigatingMessage(id),
		})
	}
}

func handleChatJob(jobs JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := jobs.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		view, err := newJobView(job)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to decode job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(view)
	}
}

func newJobView(job storage.Job) (JobView, error) {
	var payload worker.Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return JobView{}, fmt.Errorf("decoding payload: %w", err)
	}

	view := JobView{JobID: job.ID, CVEID: payload.CVEID, Status: job.Status}

	switch job.Status {
	case storage.JobPending, storage.JobRunning:
		view.Message = InvestigatingMessage(cve.ID(payload.CVEID))
	case storage.JobFailed:
		view.Message = "fatal error: " + job.LastError
	case storage.JobCompleted:
		var res pipeline.Result
		if err := json.Unmarshal([]byte(job.ResultJSON), &res); err != nil {
			return JobView{}, fmt.Errorf("decoding result: %w", err)
		}
		if res.Status != pipeline.StatusSuccess {
			view.Message = "error: " + res.Message
			break
		}
		p := NewPanel(res)
		view.Panel = &p
	}
	return view, nil
}
