// Package deribit reads option trades and DVOL candles from the Deribit
// public history API, one page at a time.
package deribit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"deribitflow/config"
	"deribitflow/internal/audit"
	"deribitflow/internal/metrics"
	ratemetrics "deribitflow/internal/metrics/rate"
	"deribitflow/logger"
	"deribitflow/models"
	"deribitflow/processor"
)

const tooManyRequestsCode = ratemetrics.TooManyRequestsCode

// DeadLetterWriter receives response bodies that could not be decoded.
type DeadLetterWriter interface {
	Write(models.DeadLetterEntry)
}

// Client is a paced, retrying Deribit history client. It keeps at most one
// request in flight per call and never buffers more than one page.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	dvolBaseURL string
	userAgent   string
	pageSize    int
	resolution  int
	window      time.Duration

	limiter *rate.Limiter
	retrier *Retrier
	clock   Clock

	runID       string
	audit       audit.Recorder
	metrics     *metrics.Metrics
	deadLetters DeadLetterWriter
	log         *logger.Log
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock replaces the clock used for retry waits.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithAudit(r audit.Recorder) Option {
	return func(c *Client) { c.audit = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithDeadLetters(w DeadLetterWriter) Option {
	return func(c *Client) { c.deadLetters = w }
}

// WithRunID tags audit events with the owning run.
func WithRunID(id string) Option {
	return func(c *Client) { c.runID = id }
}

// NewClient builds a client from the deribit config section.
func NewClient(cfg config.DeribitConfig, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		dvolBaseURL: strings.TrimRight(cfg.DVOLBaseURL, "/"),
		userAgent:   cfg.UserAgent,
		pageSize:    cfg.PageSize,
		resolution:  cfg.DVOLResolution,
		window:      time.Duration(cfg.DVOLWindowHours) * time.Hour,
		limiter:     rate.NewLimiter(limit, burst),
		clock:       realClock{},
		audit:       audit.Nop{},
		log:         logger.GetLogger(),
	}
	if c.resolution <= 0 {
		c.resolution = 3600
	}
	if c.window <= 0 {
		c.window = 720 * time.Hour
	}
	for _, opt := range opts {
		opt(c)
	}

	c.retrier = &Retrier{
		Clock: c.clock,
		Backoff: Backoff{
			Base:        cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.Multiplier,
			Max:         cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}

	c.log.WithComponent("deribit_reader").WithFields(logger.Fields{
		"base_url":            c.baseURL,
		"requests_per_second": cfg.RequestsPerSecond,
		"page_size":           c.pageSize,
		"max_attempts":        cfg.Retry.MaxAttempts,
		"timeout":             cfg.HTTPTimeout,
	}).Info("deribit reader initialized")
	return c
}

// envelope is the JSON-RPC response wrapper.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call describes one logical request, retried as a unit.
type call struct {
	op       string
	url      string
	query    url.Values
	currency string
	kind     models.Kind
	cursor   string
	decode   func(result json.RawMessage) error
}

// do runs c through the limiter and retrier and emits one audit event per
// attempt outcome.
func (c *Client) do(ctx context.Context, req call) error {
	log := c.log.WithComponent("deribit_reader").WithFields(logger.Fields{
		"currency":  req.currency,
		"operation": req.op,
	})

	retrier := *c.retrier
	retrier.OnRetry = func(attempt int, delay time.Duration, te *TransientFetchError) {
		log.WithError(te.Err).WithFields(logger.Fields{
			"attempt": attempt,
			"reason":  te.Reason,
			"backoff": delay,
		}).Warn("retrying request")
		c.metrics.Retry(req.currency, te.Reason)
		c.audit.Record(models.AuditEvent{
			RunID:     c.runID,
			Kind:      models.EventRetry,
			Operation: req.op,
			Currency:  req.currency,
			DataKind:  req.kind,
			Attempt:   attempt,
			Message:   te.Error(),
			Details: map[string]any{
				"reason":     te.Reason,
				"backoff_ms": delay.Milliseconds(),
				"cursor":     req.cursor,
			},
		})
	}

	start := time.Now()
	var attempts int
	err := retrier.Do(ctx, req.op, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.attempt(ctx, req)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.WithError(err).WithFields(logger.Fields{"attempts": attempts}).Error("request failed")
			c.audit.Record(models.AuditEvent{
				RunID:     c.runID,
				Kind:      models.EventError,
				Operation: req.op,
				Currency:  req.currency,
				DataKind:  req.kind,
				Attempt:   attempts,
				Message:   err.Error(),
				Details:   map[string]any{"cursor": req.cursor},
			})
		}
		return err
	}

	logger.LogPerformanceEntry(log, "deribit_reader", req.op, time.Since(start), logger.Fields{"attempts": attempts})
	return nil
}

// attempt performs one HTTP round trip and classifies its failure.
func (c *Client) attempt(ctx context.Context, req call) error {
	full := req.url
	if len(req.query) > 0 {
		full += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientFetchError{Reason: ReasonNetwork, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientFetchError{Reason: ReasonNetwork, Err: fmt.Errorf("read response: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode >= 400 || (decodeErr == nil && env.Error != nil) {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
			RetryAfter: ratemetrics.RetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()),
		}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		ratemetrics.ReportLimit(c.log, req.currency, string(req.kind), apiErr.StatusCode, apiErr.Code, apiErr.Message)
		if !apiErr.IsRetryable() {
			return apiErr
		}
		reason := ReasonServerError
		if apiErr.RateLimited() {
			reason = ReasonRateLimited
		}
		return &TransientFetchError{Reason: reason, Err: apiErr, RetryAfter: apiErr.RetryAfter}
	}

	if decodeErr == nil && len(env.Result) > 0 && string(env.Result) != "null" {
		decodeErr = req.decode(env.Result)
	} else if decodeErr == nil {
		decodeErr = errors.New("response has no result")
	}
	if decodeErr != nil {
		c.deadLetter(req, body, decodeErr)
		return &TransientFetchError{Reason: ReasonMalformed, Err: fmt.Errorf("unexpected response shape: %w", decodeErr)}
	}

	logger.RecordPageRead("deribit_"+string(req.kind), 1, len(body))
	return nil
}

// deadLetter keeps a body of unexpected shape for offline inspection.
func (c *Client) deadLetter(req call, body []byte, err error) {
	if c.deadLetters == nil {
		return
	}
	raw := json.RawMessage(body)
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		raw = quoted
	}
	c.deadLetters.Write(models.DeadLetterEntry{
		Timestamp: c.clock.Now().UTC(),
		Currency:  req.currency,
		Kind:      req.kind,
		Reason:    string(processor.ReasonMalformed),
		Error:     err.Error(),
		Cursor:    req.cursor,
		Raw:       raw,
	})
}

// pageFetched records a successful page.
func (c *Client) pageFetched(req call, records int, details map[string]any) {
	c.metrics.PageFetched(req.currency, string(req.kind))
	c.audit.Record(models.AuditEvent{
		RunID:     c.runID,
		Kind:      models.EventPageFetched,
		Operation: req.op,
		Currency:  req.currency,
		DataKind:  req.kind,
		Rows:      int64(records),
		Pages:     1,
		Details:   details,
	})
}
