package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/driftware/paddock/pkg/log"
	"github.com/driftware/paddock/pkg/types"
)

const maxRetries = 3

// RESTClient talks to a RunPod-style pod API. All methods retry
// transient failures with bounded exponential backoff inside the
// caller's context deadline.
type RESTClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewRESTClient builds a client for the given API base URL.
func NewRESTClient(baseURL, apiKey string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type podPayload struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	DesiredStatus string  `json:"desiredStatus"`
	ActualStatus  string  `json:"actualStatus,omitempty"`
	UptimeSeconds int64   `json:"uptimeSeconds,omitempty"`
	CostPerHr     float64 `json:"costPerHr,omitempty"`
}

func (p *podPayload) toPod() *types.Pod {
	return &types.Pod{
		ID:            p.ID,
		Name:          p.Name,
		DesiredStatus: p.DesiredStatus,
		ActualStatus:  p.ActualStatus,
		UptimeSeconds: p.UptimeSeconds,
		CostPerHour:   p.CostPerHr,
	}
}

func classify(op string, status int, err error) *Error {
	switch {
	case err != nil:
		return &Error{Kind: KindTransient, Op: op, Err: err}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, StatusCode: status, Err: fmt.Errorf("pod not found")}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Op: op, StatusCode: status, Err: fmt.Errorf("credentials rejected")}
	case status >= 500:
		return &Error{Kind: KindTransient, Op: op, StatusCode: status, Err: fmt.Errorf("server error")}
	default:
		return &Error{Kind: KindInvalid, Op: op, StatusCode: status, Err: fmt.Errorf("request rejected")}
	}
}

// do performs one API call with retries on transient classification.
func (c *RESTClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build %s request: %w", op, err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return classify(op, 0, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			perr := classify(op, resp.StatusCode, nil)
			if perr.Kind == KindTransient {
				return perr
			}
			return backoff.Permanent(perr)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode %s response: %w", op, err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		), maxRetries),
		ctx,
	)
	return backoff.Retry(attempt, policy)
}

// CreatePod requests one instance.
func (c *RESTClient) CreatePod(ctx context.Context, spec types.PodSpec) (string, error) {
	req := map[string]any{
		"name":      spec.Name,
		"gpuType":   spec.GPUType,
		"imageName": spec.Image,
		"env":       spec.Env,
	}
	var resp podPayload
	if err := c.do(ctx, "create", http.MethodPost, "/pods", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &Error{Kind: KindInvalid, Op: "create", Err: fmt.Errorf("provider returned empty pod id")}
	}
	log.WithComponent("provider").Debug().
		Str("pod_id", resp.ID).
		Str("name", spec.Name).
		Msg("pod create accepted")
	return resp.ID, nil
}

// GetPod fetches one pod.
func (c *RESTClient) GetPod(ctx context.Context, podID string) (*types.Pod, error) {
	var resp podPayload
	if err := c.do(ctx, "get", http.MethodGet, "/pods/"+podID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toPod(), nil
}

// ListPods returns the provider's authoritative fleet view.
func (c *RESTClient) ListPods(ctx context.Context) ([]*types.Pod, error) {
	var resp struct {
		Pods []podPayload `json:"pods"`
	}
	if err := c.do(ctx, "list", http.MethodGet, "/pods", nil, &resp); err != nil {
		return nil, err
	}
	pods := make([]*types.Pod, 0, len(resp.Pods))
	for i := range resp.Pods {
		pods = append(pods, resp.Pods[i].toPod())
	}
	return pods, nil
}

// TerminatePod asks the provider to tear the pod down. A not-found
// response surfaces as a KindNotFound error; callers treat it as
// success.
func (c *RESTClient) TerminatePod(ctx context.Context, podID string) error {
	return c.do(ctx, "terminate", http.MethodDelete, "/pods/"+podID, nil, nil)
}
