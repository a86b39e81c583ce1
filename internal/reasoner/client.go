// Package reasoner calls the external reasoning service workers delegate
// open-ended decisions to. The transport is a plain JSON POST; a circuit
// breaker sheds load when the service misbehaves, and every failure maps to
// the tool category so the runtime retries it.
package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/failure"
)

// Request is one reasoning task: a named operation plus its inputs.
type Request struct {
	Operation string         `json:"operation"`
	Inputs    map[string]any `json:"inputs,omitempty"`
}

// Response is the service's answer.
type Response struct {
	Output map[string]any `json:"output"`
	Model  string         `json:"model,omitempty"`
}

// Client is a circuit-broken JSON client for the reasoning service.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a client for the service at baseURL. An empty baseURL
// yields a client whose calls fail with a tool failure, which keeps worker
// wiring uniform when no reasoner is deployed.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "reasoner",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("[Reasoner] Breaker state change", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Invoke posts the request and decodes the response. Transport errors, open
// breaker and non-200 statuses all surface as retryable tool failures.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	if c.baseURL == "" {
		return nil, failure.Retryable(failure.Failure{
			Category: failure.CategoryTool,
			Reason:   "reasoner not configured",
		})
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, failure.Retryable(failure.Failure{
				Category: failure.CategoryTool,
				Reason:   "reasoner circuit open",
			})
		}
		return nil, failure.Retryable(failure.Failure{
			Category: failure.CategoryTool,
			Reason:   fmt.Sprintf("reasoner call failed: %v", err),
		})
	}
	return res.(*Response), nil
}

func (c *Client) post(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/reason", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer httpRes.Body.Close()

	if httpRes.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpRes.Body, 512))
		return nil, fmt.Errorf("status %d: %s", httpRes.StatusCode, snippet)
	}
	var out Response
	if err := json.NewDecoder(httpRes.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
