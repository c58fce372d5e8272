// Package http provides a reusable HTTP client with resilience features
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repricer/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer is an interface for signing requests
type Signer interface {
	SignRequest(req *http.Request) error
}

// Options tunes the resilience pipeline
type Options struct {
	MaxRetries     int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	BreakerFailure uint
	BreakerWindow  uint
	BreakerDelay   time.Duration
	Headers        map[string]string
}

// DefaultOptions mirrors the limits used against rate limited marketplace APIs
func DefaultOptions() Options {
	return Options{
		MaxRetries:     3,
		BackoffMin:     100 * time.Millisecond,
		BackoffMax:     2 * time.Second,
		BreakerFailure: 5,
		BreakerWindow:  10,
		BreakerDelay:   10 * time.Second,
	}
}

// response is a fully read HTTP response so that attempts never leak bodies
type response struct {
	status int
	body   []byte
}

// Client is a wrapper around http.Client with resilience
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	headers  map[string]string
	pipeline failsafe.Executor[*response]

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with default resilience policies
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	return NewClientWithOptions(baseURL, timeout, signer, DefaultOptions())
}

// NewClientWithOptions creates a client with explicit retry and breaker settings
func NewClientWithOptions(baseURL string, timeout time.Duration, signer Signer, opts Options) *Client {
	// Retry on network errors, throttling and 5xx responses
	retryPolicy := retrypolicy.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return true
			}
			return resp.status >= 500 || resp.status == http.StatusTooManyRequests
		}).
		WithBackoff(opts.BackoffMin, opts.BackoffMax).
		WithMaxRetries(opts.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return true
			}
			return resp.status >= 500
		}).
		WithFailureThresholdRatio(opts.BreakerFailure, opts.BreakerWindow).
		WithDelay(opts.BreakerDelay).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		signer:      signer,
		headers:     opts.Headers,
		pipeline:    failsafe.With[*response](retryPolicy, breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Get sends a GET request
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.withQuery(path, params), nil, "")
}

// Post sends a JSON POST request
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, payload, contentType(body))
}

// PostForm sends a form encoded POST request to an absolute URL
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodPost, rawURL, []byte(form.Encode()), "application/x-www-form-urlencoded")
}

// Patch sends a JSON PATCH request
func (c *Client) Patch(ctx context.Context, path string, params map[string]string, body interface{}) ([]byte, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPatch, c.withQuery(path, params), payload, contentType(body))
}

// Delete sends a DELETE request
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, c.withQuery(path, params), nil, "")
}

func (c *Client) withQuery(path string, params map[string]string) string {
	if len(params) == 0 {
		return c.baseURL + path
	}
	q := url.Values{}
	for k, v := range params {
		q.Add(k, v)
	}
	return c.baseURL + path + "?" + q.Encode()
}

func marshalBody(body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	return jsonBody, nil
}

func contentType(body interface{}) string {
	if body == nil {
		return ""
	}
	return "application/json"
}

func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte, ctype string) ([]byte, error) {
	start := time.Now()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, u.Path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", u.Redacted()),
		),
	)
	defer span.End()

	// The request is rebuilt per attempt so the body can be replayed
	var last *response
	resp, err := c.pipeline.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[*response]) (*response, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if ctype != "" {
			req.Header.Set("Content-Type", ctype)
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		if c.signer != nil {
			if err := c.signer.SignRequest(req); err != nil {
				return nil, fmt.Errorf("failed to sign request: %w", err)
			}
		}

		httpResp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		last = &response{status: httpResp.StatusCode, body: data}
		return last, nil
	})

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", u.Path),
	)
	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if resp == nil && last != nil && last.status >= 400 {
		resp = last
	}

	if resp == nil {
		if err == nil {
			err = fmt.Errorf("empty response")
		}
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", u.Path),
			attribute.String("error", "pipeline_failed"),
		))
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.status))

	if resp.status >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", u.Path),
			attribute.Int("status", resp.status),
		))
		apiErr := &APIError{StatusCode: resp.status, Body: resp.body}
		span.RecordError(apiErr)
		return nil, apiErr
	}

	return resp.body, nil
}
