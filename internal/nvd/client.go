package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/cvehunter/internal/cve"
)

// DefaultBaseURL is the NVD CVE API 2.0 endpoint.
const DefaultBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

// DefaultTimeout bounds a single lookup, including reading the body.
const DefaultTimeout = 10 * time.Second

const noDescription = "No description"

var (
	// ErrNotFound is returned when NVD answers but has no record for the id,
	// or answers with a non-200 status.
	ErrNotFound = errors.New("nvd: cve not found")
	// ErrTransport is returned when the request or the response decoding fails.
	ErrTransport = errors.New("nvd: lookup failed")
)

// Client queries the NVD CVE API for single identifiers.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client for baseURL. apiKey is optional; when set it is sent
// in the apiKey header NVD uses for higher quotas.
func New(baseURL, apiKey, version string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if version == "" {
		version = "dev"
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		userAgent: "cvehunter/" + version,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
}

// response mirrors the subset of the NVD 2.0 JSON the lookup reads.
type response struct {
	Vulnerabilities []struct {
		CVE item `json:"cve"`
	} `json:"vulnerabilities"`
}

type item struct {
	ID           string        `json:"id"`
	Published    string        `json:"published"`
	Descriptions []description `json:"descriptions"`
	Metrics      metrics       `json:"metrics"`
}

type description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type metrics struct {
	V31 []metric `json:"cvssMetricV31"`
	V30 []metric `json:"cvssMetricV30"`
	V2  []metric `json:"cvssMetricV2"`
}

type metric struct {
	CVSSData cvssData `json:"cvssData"`
	// NVD reports the v2 severity next to cvssData rather than inside it.
	BaseSeverity string `json:"baseSeverity"`
}

type cvssData struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

// Lookup fetches id from NVD and extracts a normalized record. The Summary
// field of the result is empty.
func (c *Client) Lookup(ctx context.Context, id cve.ID) (cve.Record, error) {
	q := url.Values{}
	q.Set("cveId", string(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return cve.Record{}, fmt.Errorf("%w: creating request: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	c.logger.Info("querying nvd", "cve_id", id)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("nvd request failed", "cve_id", id, "error", err)
		return cve.Record{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		c.logger.Warn("nvd returned non-200", "cve_id", id, "status", resp.StatusCode)
		return cve.Record{}, fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Warn("decoding nvd response failed", "cve_id", id, "error", err)
		return cve.Record{}, fmt.Errorf("%w: decoding response: %v", ErrTransport, err)
	}

	if len(body.Vulnerabilities) == 0 {
		return cve.Record{}, ErrNotFound
	}

	rec := extract(body.Vulnerabilities[0].CVE)
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

func extract(it item) cve.Record {
	rec := cve.Record{
		ID:          cve.ID(it.ID),
		Description: englishDescription(it.Descriptions),
		Score:       0.0,
		Severity:    cve.SeverityUnknown,
		Published:   it.Published,
	}

	if m, ok := selectMetric(it.Metrics); ok {
		rec.Score = m.CVSSData.BaseScore
		rec.Vector = m.CVSSData.VectorString
		switch {
		case m.CVSSData.BaseSeverity != "":
			rec.Severity = m.CVSSData.BaseSeverity
		case m.BaseSeverity != "":
			rec.Severity = m.BaseSeverity
		}
	}
	return rec
}

func englishDescription(ds []description) string {
	for _, d := range ds {
		if d.Lang == "en" {
			return d.Value
		}
	}
	return noDescription
}

// selectMetric picks the first metric of the newest CVSS version present:
// v3.1, then v3.0, then v2.
func selectMetric(m metrics) (metric, bool) {
	for _, candidates := range [][]metric{m.V31, m.V30, m.V2} {
		if len(candidates) > 0 {
			return candidates[0], true
		}
	}
	return metric{}, false
}
