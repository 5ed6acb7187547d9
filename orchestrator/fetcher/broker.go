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

// BrokerClient pulls tasks from and acknowledges them to an external task
// broker, for deployments where submission does not go through this
// process.
type BrokerClient struct {
	base   string
	client *http.Client
}

// NewBrokerClient builds a client against the broker's base URL.
func NewBrokerClient(base string, timeout time.Duration) *BrokerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BrokerClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// PullTask asks the broker for the next task. A 204 means none is waiting
// and returns (nil, nil).
func (b *BrokerClient) PullTask(ctx context.Context, workerID string) (*store.Task, error) {
	url := fmt.Sprintf("%s/tasks/next?worker_id=%s", b.base, workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact broker: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var task store.Task
		if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
			return nil, fmt.Errorf("decode broker task: %w", err)
		}
		return &task, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("broker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

type brokerAck struct {
	TaskID      string  `json:"task_id"`
	WorkerID    string  `json:"worker_id"`
	Success     bool    `json:"success"`
	DurationSec float64 `json:"duration_sec"`
	Error       string  `json:"error,omitempty"`
}

// Ack reports a task outcome to the broker. 200 and 202 both count as
// accepted; the broker applies the result asynchronously.
func (b *BrokerClient) Ack(ctx context.Context, taskID, workerID string, success bool, duration time.Duration, errMsg string) error {
	payload := brokerAck{
		TaskID:      taskID,
		WorkerID:    workerID,
		Success:     success,
		DurationSec: duration.Seconds(),
		Error:       errMsg,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broker ack: %w", err)
	}

	url := fmt.Sprintf("%s/tasks/%s/ack", b.base, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("build ack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("contact broker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("broker rejected ack with status %d", resp.StatusCode)
	}
	return nil
}
