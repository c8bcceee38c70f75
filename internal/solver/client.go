// Package solver implements a 2captcha-compatible HTTP client for the
// external CAPTCHA-solving service.
package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Options configures the solver client.
type Options struct {
	Endpoint string
	APIKey   string
	MinScore float64
	MaxRPS   float64
}

// Client talks to the solving service: submit a challenge, poll for the
// answer. It implements ruc.Solver.
type Client struct {
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu    sync.RWMutex
	stats Stats
}

// Stats counts solver traffic for the run summary.
type Stats struct {
	Submitted int64     `json:"submitted"`
	Answered  int64     `json:"answered"`
	Failed    int64     `json:"failed"`
	LastAt    time.Time `json:"last_at"`
}

// apiResponse is the service's uniform JSON envelope.
type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
	Error   string `json:"error_text,omitempty"`
}

// New builds a Client. MaxRPS caps all traffic toward the service across
// submits and polls.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("solver endpoint is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("solver api key is required")
	}
	rps := opts.MaxRPS
	if rps <= 0 {
		rps = 2
	}
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 2),
		logger:  logger.With(zap.String("component", "solver")),
	}, nil
}

// SubmitToken asks for a scored verification token for the given site key.
func (c *Client) SubmitToken(ctx context.Context, siteKey string, pageURL string) (string, error) {
	form := url.Values{
		"key":       {c.opts.APIKey},
		"method":    {"userrecaptcha"},
		"googlekey": {siteKey},
		"pageurl":   {pageURL},
		"version":   {"v3"},
		"action":    {"submit"},
		"min_score": {strconv.FormatFloat(c.opts.MinScore, 'f', -1, 64)},
		"json":      {"1"},
	}
	return c.submit(ctx, form)
}

// SubmitImage asks for an image-to-text answer for a base64 payload.
func (c *Client) SubmitImage(ctx context.Context, imageB64 string) (string, error) {
	form := url.Values{
		"key":    {c.opts.APIKey},
		"method": {"base64"},
		"body":   {imageB64},
		"json":   {"1"},
	}
	return c.submit(ctx, form)
}

func (c *Client) submit(ctx context.Context, form url.Values) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("solver rate limit: %w", err)
	}

	c.mu.Lock()
	c.stats.Submitted++
	c.stats.LastAt = time.Now().UTC()
	c.mu.Unlock()

	result, err := c.post(ctx, "/in.php", form)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ruc.ErrSolverUnavailable, err)
	}
	if result.Status != 1 {
		c.countFailure()
		return "", fmt.Errorf("%w: %s", ruc.ErrSolverUnavailable, result.Request)
	}
	c.logger.Debug("challenge submitted", zap.String("job_id", result.Request))
	return result.Request, nil
}

// Poll checks one job once. ready is false while the service is still
// working; a rejected job returns ruc.ErrSolverRejected.
func (c *Client) Poll(ctx context.Context, jobID string) (string, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", false, fmt.Errorf("solver rate limit: %w", err)
	}

	query := url.Values{
		"key":    {c.opts.APIKey},
		"action": {"get"},
		"id":     {jobID},
		"json":   {"1"},
	}
	result, err := c.get(ctx, "/res.php", query)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ruc.ErrSolverUnavailable, err)
	}

	if result.Status == 1 {
		c.mu.Lock()
		c.stats.Answered++
		c.mu.Unlock()
		return result.Request, true, nil
	}
	if result.Request == "CAPCHA_NOT_READY" {
		return "", false, nil
	}
	c.countFailure()
	return "", false, fmt.Errorf("%w: %s", ruc.ErrSolverRejected, result.Request)
}

// Verify confirms the credential works before a run starts by querying the
// account balance.
func (c *Client) Verify(ctx context.Context) error {
	query := url.Values{
		"key":    {c.opts.APIKey},
		"action": {"getbalance"},
		"json":   {"1"},
	}
	result, err := c.get(ctx, "/res.php", query)
	if err != nil {
		return fmt.Errorf("%w: %v", ruc.ErrSolverUnavailable, err)
	}
	if result.Status != 1 {
		return fmt.Errorf("solver credential rejected: %s", result.Request)
	}
	c.logger.Info("solver credential verified", zap.String("balance", result.Request))
	return nil
}

// Stats returns a copy of the traffic counters.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Client) countFailure() {
	c.mu.Lock()
	c.stats.Failed++
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, path string, form url.Values) (apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint+path, strings.NewReader(form.Encode()))
	if err != nil {
		return apiResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.Endpoint+path+"?"+query.Encode(), nil)
	if err != nil {
		return apiResponse{}, fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (apiResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result apiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return apiResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return result, nil
}
