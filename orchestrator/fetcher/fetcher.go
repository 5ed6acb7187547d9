package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftline/crawlplane/orchestrator/store"
)

// Fetcher turns a task into structured content. The caller bounds each call
// through the context; implementations must honor cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, task *store.Task) (*FetchResult, error)
}

// FetchResult is the fetcher's response: the extracted record plus the
// assets discovered alongside it.
type FetchResult struct {
	Content  *store.Content `json:"content"`
	Links    []string       `json:"links,omitempty"`
	Images   []string       `json:"images,omitempty"`
	VideoURL string         `json:"video_url,omitempty"`
}

// FetchError is a categorizable fetch failure. StatusCode is 0 for
// transport-level faults; the recovery engine keys its HTTP overrides off a
// non-zero code.
type FetchError struct {
	Message    string
	StatusCode int
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch failed (status %d): %s", e.StatusCode, e.Message)
	}
	return "fetch failed: " + e.Message
}

// HTTPFetcher posts task payloads to a rendering fleet endpoint and decodes
// the structured result.
type HTTPFetcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPFetcher builds a fetcher for the given endpoint. The client timeout
// is a hard upper bound; per-task deadlines come from the caller's context.
func NewHTTPFetcher(endpoint string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPFetcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type fetchRequest struct {
	TaskID   string                 `json:"task_id"`
	URL      string                 `json:"url"`
	Platform string                 `json:"platform"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// Fetch posts the task to the endpoint. 200 carries a FetchResult body;
// every other status becomes a FetchError with the code attached so the
// recovery engine can classify it.
func (f *HTTPFetcher) Fetch(ctx context.Context, task *store.Task) (*FetchResult, error) {
	payload := fetchRequest{
		TaskID:   task.ID,
		URL:      task.URL,
		Platform: task.Platform,
		Options:  task.Payload,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &FetchError{Message: fmt.Sprintf("marshal fetch request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewBuffer(data))
	if err != nil {
		return nil, &FetchError{Message: fmt.Sprintf("build fetch request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Message: fmt.Sprintf("contact fetcher: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{
			Message:    strings.TrimSpace(string(body)),
			StatusCode: resp.StatusCode,
		}
	}

	var result FetchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &FetchError{Message: fmt.Sprintf("decode fetch result: %v", err)}
	}
	if result.Content == nil {
		return nil, &FetchError{Message: "fetch result missing content"}
	}
	return &result, nil
}
