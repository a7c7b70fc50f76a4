// Package report calls the report service that produces a tenant's trigger report.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"reportsched/internal/orchestrator"
	"reportsched/internal/platform/httpclient"
	"reportsched/internal/shared"
)

// Options configure a Client.
type Options struct {
	URL     string
	Token   string
	Timeout time.Duration

	// FailureThreshold is the number of consecutive errors that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before a probe call.
	OpenTimeout time.Duration

	Logger *slog.Logger
}

// Client implements orchestrator.Generator over HTTP.
type Client struct {
	http    *httpclient.Client
	url     string
	token   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[orchestrator.GenerateResult]
	log     *slog.Logger
}

// New builds a Client. hc carries the transport retries; the breaker sits above them.
func New(hc *httpclient.Client, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, shared.MarkKind(errors.New("report: url is required"), shared.KindValidation)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if hc == nil {
		hc = httpclient.New(httpclient.WithLogger(log))
	}

	threshold := opts.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[orchestrator.GenerateResult](gobreaker.Settings{
		Name:        "report-service",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		http:    hc,
		url:     opts.URL,
		token:   opts.Token,
		timeout: opts.Timeout,
		breaker: cb,
		log:     log,
	}, nil
}

type generateBody struct {
	TenantKey   string `json:"tenant_key"`
	TenantToken string `json:"tenant_token"`
	CloudID     string `json:"cloud_id,omitempty"`
	Trigger     string `json:"trigger"`
	Attempt     int    `json:"attempt"`
	RunID       string `json:"run_id,omitempty"`
}

type generateReply struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Generate asks the service for req's report. A reply the service gave, positive or
// not, is returned as a result; failing to get one is an error of kind
// DependencyFailure or Timeout.
func (c *Client) Generate(ctx context.Context, req orchestrator.GenerateRequest) (orchestrator.GenerateResult, error) {
	res, err := c.breaker.Execute(func() (orchestrator.GenerateResult, error) {
		return c.call(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return orchestrator.GenerateResult{}, shared.MarkKind(
				fmt.Errorf("report service unavailable: %w", err), shared.KindDependencyFailure)
		}
		if shared.IsTimeout(err) || shared.IsCanceled(err) {
			return orchestrator.GenerateResult{}, err
		}
		return orchestrator.GenerateResult{}, shared.MarkKind(err, shared.KindDependencyFailure)
	}
	return res, nil
}

// State reports the breaker state, for health output.
func (c *Client) State() string {
	return c.breaker.State().String()
}

func (c *Client) call(ctx context.Context, req orchestrator.GenerateRequest) (orchestrator.GenerateResult, error) {
	payload, err := json.Marshal(generateBody{
		TenantKey:   req.TenantKey,
		TenantToken: req.TenantToken,
		CloudID:     req.CloudID,
		Trigger:     string(req.Trigger),
		Attempt:     req.Attempt,
		RunID:       req.RunID,
	})
	if err != nil {
		return orchestrator.GenerateResult{}, fmt.Errorf("report: encode request: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(cctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return orchestrator.GenerateResult{}, fmt.Errorf("report: build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set(httpclient.IdempotencyHeader, req.IdempotencyKey())
	if req.RunID != "" {
		hreq.Header.Set("X-Run-ID", req.RunID)
	}
	if c.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(cctx, hreq)
	if err != nil {
		return orchestrator.GenerateResult{}, fmt.Errorf("report: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return orchestrator.GenerateResult{}, fmt.Errorf("report: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeReply(body)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.log.WarnContext(ctx, "report service rejected request",
			"status", resp.StatusCode, "trigger", string(req.Trigger))
		msg := fmt.Sprintf("report service rejected request: status %d", resp.StatusCode)
		if reason := replyReason(body); reason != "" {
			msg += ": " + reason
		}
		return orchestrator.GenerateResult{Error: msg}, nil
	default:
		return orchestrator.GenerateResult{}, fmt.Errorf("report: unexpected status %d", resp.StatusCode)
	}
}

func decodeReply(body []byte) (orchestrator.GenerateResult, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return orchestrator.GenerateResult{Success: true}, nil
	}
	var r generateReply
	if err := json.Unmarshal(body, &r); err != nil {
		return orchestrator.GenerateResult{}, fmt.Errorf("report: decode response: %w", err)
	}
	msg := r.Error
	if msg == "" {
		msg = r.Message
	}
	// Without an explicit flag any error text means the report was not produced.
	if (r.Success != nil && *r.Success) || (r.Success == nil && msg == "") {
		return orchestrator.GenerateResult{Success: true}, nil
	}
	if msg == "" {
		msg = "report service reported failure"
	}
	return orchestrator.GenerateResult{Error: msg}, nil
}

func replyReason(body []byte) string {
	var r generateReply
	if err := json.Unmarshal(body, &r); err == nil {
		if r.Error != "" {
			return r.Error
		}
		return r.Message
	}
	return shared.Truncate(strings.TrimSpace(string(body)), 200)
}
