package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/cvehunter/internal/cve"
	"github.com/kalambet/cvehunter/internal/notes"
	"github.com/kalambet/cvehunter/internal/nvd"
	"github.com/kalambet/cvehunter/internal/ollama"
	"github.com/kalambet/cvehunter/internal/pipeline"
	"github.com/kalambet/cvehunter/internal/storage"
	"github.com/kalambet/cvehunter/internal/summary"
)

type mockProcessor struct {
	mu        sync.Mutex
	processed []string
	processFn func(ctx context.Context, raw string) (pipeline.Result, error)
}

func (m *mockProcessor) Process(ctx context.Context, raw string) (pipeline.Result, error) {
	m.mu.Lock()
	m.processed = append(m.processed, raw)
	m.mu.Unlock()
	if m.processFn != nil {
		return m.processFn(ctx, raw)
	}
	return pipeline.Result{
		Status: pipeline.StatusSuccess,
		Record: cve.Record{ID: cve.ID(raw), Score: 9.8, Severity: "CRITICAL"},
	}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, id cve.ID) string {
	t.Helper()
	job, err := NewJob(id)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job.ID
}

func TestNewJob(t *testing.T) {
	a, err := NewJob("CVE-2024-12345")
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	b, _ := NewJob("CVE-2024-12345")

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("job ids not unique: %q %q", a.ID, b.ID)
	}
	if a.Type != JobType || a.MaxAttempts != 1 {
		t.Errorf("job = %+v", a)
	}
	var p Payload
	if err := json.Unmarshal([]byte(a.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.CVEID != "CVE-2024-12345" {
		t.Errorf("CVEID = %q", p.CVEID)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "CVE-2024-12345")

	proc := &mockProcessor{}
	w := New(store, proc, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if len(proc.processed) != 1 || proc.processed[0] != "CVE-2024-12345" {
		t.Fatalf("processed = %v", proc.processed)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}

	var res pipeline.Result
	if err := json.Unmarshal([]byte(job.ResultJSON), &res); err != nil {
		t.Fatalf("result JSON: %v", err)
	}
	if res.Status != pipeline.StatusSuccess || res.Record.Score != 9.8 {
		t.Errorf("result = %+v", res)
	}
}

func TestWorker_NotFoundResultCompletesJob(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "CVE-2024-99999")

	w := New(store, &mockProcessor{
		processFn: func(_ context.Context, _ string) (pipeline.Result, error) {
			return pipeline.Result{Status: pipeline.StatusError, Message: pipeline.MsgNotFound}, nil
		},
	}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
	var res pipeline.Result
	if err := json.Unmarshal([]byte(job.ResultJSON), &res); err != nil {
		t.Fatalf("result JSON: %v", err)
	}
	if res.Message != pipeline.MsgNotFound {
		t.Errorf("message = %q", res.Message)
	}
}

func TestWorker_FatalErrorFailsWithoutRetry(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "CVE-2024-12345")

	proc := &mockProcessor{
		processFn: func(_ context.Context, _ string) (pipeline.Result, error) {
			return pipeline.Result{}, errors.New("saving CVE-2024-12345 to store: disk full")
		},
	}
	w := New(store, proc, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed || job.Attempts != 1 {
		t.Errorf("status=%q attempts=%d, want failed/1", job.Status, job.Attempts)
	}
	if job.LastError != "saving CVE-2024-12345 to store: disk full" {
		t.Errorf("LastError = %q", job.LastError)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("second RunOnce = %v, %v; want no work", didWork, err)
	}
	if len(proc.processed) != 1 {
		t.Errorf("processed %d times, want 1", len(proc.processed))
	}
}

func TestWorker_BadPayloadFailsJob(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "bad", Type: JobType, PayloadJSON: "{"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	proc := &mockProcessor{}
	w := New(store, proc, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	job, err := store.GetJob("bad")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Errorf("status = %q, want failed", job.Status)
	}
	if len(proc.processed) != 0 {
		t.Error("processor called for unparsable payload")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 3; i++ {
		enqueueTestJob(t, store, cve.ID(fmt.Sprintf("CVE-2024-000%d", i)))
	}

	proc := &mockProcessor{}
	w := New(store, proc, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		proc.mu.Lock()
		n := len(proc.processed)
		proc.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("processed %d/3 jobs before timeout", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

const nvdFixture = `{
  "vulnerabilities": [{
    "cve": {
      "id": "CVE-2024-12345",
      "published": "2024-01-15T10:00:00",
      "descriptions": [{"lang": "en", "value": "Buffer overflow in example."}],
      "metrics": {
        "cvssMetricV31": [{"cvssData": {"version": "3.1", "baseScore": 9.8, "baseSeverity": "CRITICAL"}}]
      }
    }
  }]
}`

func TestWorker_ShutdownDuringSummaryFinishesJob(t *testing.T) {
	store := openTestStore(t)
	if err := store.UpsertCVE(cve.Record{ID: "CVE-2024-12345", Summary: "previous analysis"}); err != nil {
		t.Fatalf("UpsertCVE: %v", err)
	}
	jobID := enqueueTestJob(t, store, "CVE-2024-12345")

	nvdSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(nvdFixture))
	}))
	t.Cleanup(nvdSrv.Close)

	generating := make(chan struct{})
	release := make(chan struct{})
	var genOnce, releaseOnce sync.Once
	ollamaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		genOnce.Do(func() { close(generating) })
		<-release
		json.NewEncoder(w).Encode(map[string]any{"response": "fresh analysis"})
	}))
	t.Cleanup(ollamaSrv.Close)
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	hunter := pipeline.New(
		nvd.New(nvdSrv.URL, "", "test"),
		summary.New(ollama.New(ollamaSrv.URL), "llama3.2:latest"),
		store,
		notes.New(t.TempDir()),
	)
	w := New(store, hunter, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-generating:
	case <-time.After(5 * time.Second):
		t.Fatal("generate request never arrived")
	}
	cancel()
	// Give a cancelled context time to reach the in-flight request.
	time.Sleep(50 * time.Millisecond)
	releaseOnce.Do(func() { close(release) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	rec, err := store.GetCVE("CVE-2024-12345")
	if err != nil {
		t.Fatalf("GetCVE: %v", err)
	}
	if rec.Summary != "fresh analysis" {
		t.Errorf("stored summary = %q, want the completed analysis", rec.Summary)
	}
	if strings.Contains(rec.Summary, "context canceled") {
		t.Errorf("cancellation leaked into stored summary: %q", rec.Summary)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	var res pipeline.Result
	if err := json.Unmarshal([]byte(job.ResultJSON), &res); err != nil {
		t.Fatalf("result JSON: %v", err)
	}
	if job.Status != storage.JobCompleted || res.Summary != "fresh analysis" {
		t.Errorf("job status=%q summary=%q", job.Status, res.Summary)
	}
}

func TestWorker_RunOnceAfterCancelClaimsNothing(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "CVE-2024-12345")

	proc := &mockProcessor{}
	w := New(store, proc, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	didWork, err := w.RunOnce(ctx)
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want no work", didWork, err)
	}
	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if len(proc.processed) != 0 {
		t.Errorf("processed = %v", proc.processed)
	}
}

func TestWorker_RunFailsStaleRunningJobs(t *testing.T) {
	store := openTestStore(t)
	staleID := enqueueTestJob(t, store, "CVE-2024-00001")
	if _, err := store.ClaimNextJob([]string{JobType}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	proc := &mockProcessor{}
	w := New(store, proc, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	job, err := store.GetJob(staleID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed || job.LastError != staleJobMessage {
		t.Errorf("status=%q last_error=%q", job.Status, job.LastError)
	}
	if len(proc.processed) != 0 {
		t.Errorf("stale job reprocessed: %v", proc.processed)
	}
}
