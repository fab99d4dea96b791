// Package exec is the request/response client for the device service's
// execution API: run code on a board, deliver interrupt and reset
// signals, write raw bytes and trigger port re-scans.
//
// Collaborator failures are returned as errors; callers in the session
// registry convert them into session log lines, so nothing here ever
// reaches UI code as an exception.
package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/boardlab/backend/internal/console"
	"github.com/boardlab/backend/internal/infrastructure/logging"
	"github.com/boardlab/backend/internal/infrastructure/resilience"
	"github.com/boardlab/backend/internal/shared/id"
)

// Client talks to the device service execution API. It satisfies
// console.Executor and console.PortScanner.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	logger  *logging.Logger
}

// Config tunes the client.
type Config struct {
	BaseURL    string
	MaxRetries int
	RateRPS    float64 // 0 disables client-side rate limiting
}

// NewClient creates a client for the given device service base URL.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewDefault()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	restyClient := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", "BoardLab-Backend/1.0")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), int(cfg.RateRPS))
	}

	return &Client{
		resty:   restyClient,
		limiter: limiter,
		breaker: resilience.New("device-service", resilience.Settings{}),
		logger:  logger,
	}
}

type executeRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type signalResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SubmitCode runs code on the board and returns its output. The timeout
// is enforced by the device service, not client-side; it is threaded
// through in the request body.
func (c *Client) SubmitCode(ctx context.Context, device, code string, timeout time.Duration) (console.ExecResult, error) {
	var result console.ExecResult
	err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetBody(executeRequest{
				Code:           code,
				TimeoutSeconds: int(timeout.Seconds()),
			}).
			SetResult(&result).
			Post(fmt.Sprintf("/devices/%s/execute", device))
	})
	if err != nil {
		return console.ExecResult{}, err
	}
	return result, nil
}

// SendInterrupt delivers a break signal to the board.
func (c *Client) SendInterrupt(ctx context.Context, device string) error {
	return c.signal(ctx, fmt.Sprintf("/devices/%s/interrupt", device), nil)
}

// SendReset requests a board reset.
func (c *Client) SendReset(ctx context.Context, device string, soft bool) error {
	return c.signal(ctx, fmt.Sprintf("/devices/%s/reset", device),
		map[string]bool{"soft": soft})
}

// WriteRaw forwards bytes verbatim to the board's input, bypassing the
// execution pipeline. Used for character-at-a-time protocols.
func (c *Client) WriteRaw(ctx context.Context, device, data string) error {
	return c.signal(ctx, fmt.Sprintf("/devices/%s/write", device),
		map[string]string{"data": data})
}

// RescanPorts asks the device service to re-enumerate attached boards.
func (c *Client) RescanPorts(ctx context.Context) error {
	return c.signal(ctx, "/ports/scan", nil)
}

func (c *Client) signal(ctx context.Context, path string, body interface{}) error {
	var result signalResponse
	err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		if body != nil {
			req.SetBody(body)
		}
		return req.SetResult(&result).Post(path)
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("device service: %s", result.Error)
	}
	return nil
}

// do runs one request through the rate limiter and the circuit breaker.
func (c *Client) do(ctx context.Context, fn func(*resty.Request) (*resty.Response, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req := c.resty.R().
			SetContext(ctx).
			SetHeader("X-Request-ID", id.NewRequestID().String())
		resp, err := fn(req)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("device service returned %s", resp.Status())
		}
		return resp, nil
	})
	return err
}
