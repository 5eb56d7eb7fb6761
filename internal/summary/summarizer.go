package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/cvehunter/internal/cve"
	"github.com/kalambet/cvehunter/internal/ollama"
)

// Generator produces text for a prompt. Implemented by *ollama.Client.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Failure classifies why a summary could not be produced.
type Failure int

const (
	FailureNone Failure = iota
	FailureConnection
	FailureBadStatus
	FailureOther
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureConnection:
		return "connection_failed"
	case FailureBadStatus:
		return "bad_status"
	default:
		return "other"
	}
}

// Outcome is the result of a summarization attempt. Exactly one of Narrative
// (Failure == FailureNone) or the failure details is meaningful.
type Outcome struct {
	Narrative  string
	Failure    Failure
	StatusCode int
	Body       string
	Detail     string
}

// OK reports whether a narrative was generated.
func (o Outcome) OK() bool { return o.Failure == FailureNone }

// Text renders the outcome as displayable text: the narrative itself on
// success, or a human-readable error message otherwise.
func (o Outcome) Text() string {
	switch o.Failure {
	case FailureNone:
		if o.Narrative == "" {
			return "AI analysis failed: the model returned an empty response."
		}
		return o.Narrative
	case FailureConnection:
		return "AI connection error: cannot reach the Ollama server. Check the host address and port."
	case FailureBadStatus:
		return fmt.Sprintf("AI Error: %d - %s", o.StatusCode, o.Body)
	default:
		return fmt.Sprintf("AI Connection Error: %s", o.Detail)
	}
}

// Summarizer turns a vulnerability record into a narrative risk report.
type Summarizer struct {
	gen    Generator
	model  string
	logger *slog.Logger
}

// New creates a Summarizer that asks model through gen.
func New(gen Generator, model string) *Summarizer {
	return &Summarizer{gen: gen, model: model, logger: slog.Default()}
}

// Model returns the configured model name.
func (s *Summarizer) Model() string { return s.model }

// Summarize never fails: every error is folded into the returned Outcome.
func (s *Summarizer) Summarize(ctx context.Context, rec cve.Record) Outcome {
	s.logger.Info("summarizing", "cve_id", rec.ID, "model", s.model)

	text, err := s.gen.Generate(ctx, s.model, BuildPrompt(rec))
	if err == nil {
		return Outcome{Narrative: text}
	}

	s.logger.Warn("summarization failed", "cve_id", rec.ID, "error", err)

	var se *ollama.StatusError
	switch {
	case errors.Is(err, ollama.ErrUnreachable):
		return Outcome{Failure: FailureConnection, Detail: err.Error()}
	case errors.As(err, &se):
		return Outcome{Failure: FailureBadStatus, StatusCode: se.Code, Body: se.Body}
	default:
		return Outcome{Failure: FailureOther, Detail: err.Error()}
	}
}
