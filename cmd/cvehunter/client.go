package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/cvehunter/internal/api"
	"github.com/kalambet/cvehunter/internal/config"
	"github.com/kalambet/cvehunter/internal/storage"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateChatToken(); err != nil {
		return nil, err
	}

	return &apiClient{
		baseURL:    "http://" + cfg.Addr(),
		token:      cfg.Chat.Token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is `cvehunter serve` running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// apiError is the JSON error envelope returned by the server.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var env apiError
		if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, env.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// submitCVE queues an analysis on the running server.
func (c *apiClient) submitCVE(ctx context.Context, raw string) (api.ChatAck, error) {
	resp, err := c.post(ctx, "/chat/cve", api.ChatRequest{CVEID: raw})
	if err != nil {
		return api.ChatAck{}, err
	}
	var ack api.ChatAck
	if err := decodeJSON(resp, &ack); err != nil {
		return api.ChatAck{}, err
	}
	return ack, nil
}

// waitJob polls the job until it leaves the pending/running states or ctx
// is done.
func (c *apiClient) waitJob(ctx context.Context, jobID string, interval time.Duration) (api.JobView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		resp, err := c.get(ctx, "/chat/jobs/"+jobID)
		if err != nil {
			return api.JobView{}, err
		}
		var view api.JobView
		if err := decodeJSON(resp, &view); err != nil {
			return api.JobView{}, err
		}
		if view.Status == storage.JobCompleted || view.Status == storage.JobFailed {
			return view, nil
		}

		select {
		case <-ctx.Done():
			return view, fmt.Errorf("waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}
