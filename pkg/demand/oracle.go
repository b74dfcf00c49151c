package demand

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/driftware/paddock/pkg/log"
)

// QueueCounter is the raw queue-depth fallback, satisfied by the store.
type QueueCounter interface {
	CountQueuedTasks(ctx context.Context, runType string) (int, error)
}

// Oracle queries the task-counts endpoint for the number of currently
// dispatchable queued tasks. The endpoint applies per-user concurrency
// caps, so its answer can be far below the raw queue depth.
type Oracle struct {
	url      string
	token    string
	http     *http.Client
	fallback QueueCounter
}

// NewOracle builds an oracle client with a raw-count fallback.
func NewOracle(url, token string, timeout time.Duration, fallback QueueCounter) *Oracle {
	return &Oracle{
		url:      url,
		token:    token,
		http:     &http.Client{Timeout: timeout},
		fallback: fallback,
	}
}

type countsResponse struct {
	Totals struct {
		QueuedOnly       int `json:"queued_only"`
		QueuedPlusActive int `json:"queued_plus_active"`
	} `json:"totals"`
}

// DispatchableTaskCount returns the demand signal for run_type. When the
// endpoint is unreachable it falls back to the raw queued count and
// reports degraded=true so the cycle record can flag the decision.
func (o *Oracle) DispatchableTaskCount(ctx context.Context, runType string) (count int, degraded bool, err error) {
	n, qerr := o.query(ctx, runType)
	if qerr == nil {
		return n, false, nil
	}

	log.WithComponent("demand").Warn().
		Err(qerr).
		Msg("demand oracle unreachable, falling back to raw queued count")

	n, ferr := o.fallback.CountQueuedTasks(ctx, runType)
	if ferr != nil {
		return 0, true, fmt.Errorf("oracle failed (%v) and fallback failed: %w", qerr, ferr)
	}
	return n, true, nil
}

func (o *Oracle) query(ctx context.Context, runType string) (int, error) {
	if o.url == "" {
		return 0, fmt.Errorf("no oracle endpoint configured")
	}

	body, err := json.Marshal(map[string]string{"run_type": runType})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("task counts endpoint returned status %d", resp.StatusCode)
	}

	var counts countsResponse
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		return 0, fmt.Errorf("failed to decode task counts: %w", err)
	}
	return counts.Totals.QueuedOnly, nil
}
