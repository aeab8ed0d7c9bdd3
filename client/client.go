// Package client talks to the reporting backend over its REST API. It owns
// request encoding, authentication, retries, and upload throttling; deciding
// when a launch-level action is safe to perform stays with the launch
// coordinator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/launchrelay/launchrelay/metrics"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxAttempts   = 3
	defaultBackoffStep   = 500 * time.Millisecond
	defaultBackoffMax    = 5 * time.Second
	defaultLogUploadCap  = 4
	maxResponseBodyBytes = 1 << 20
)

// Config holds the connection settings for the reporting backend
type Config struct {
	BaseURL string
	Project string
	Token   string

	Timeout     time.Duration
	MaxAttempts int
	// MaxConcurrentUploads caps in-flight log and attachment uploads
	MaxConcurrentUploads int64

	Log log.Logger
}

// Client is a reporting backend client. It is safe for concurrent use.
type Client struct {
	baseURL     string
	project     string
	token       string
	maxAttempts int

	httpClient *http.Client
	uploadSem  *semaphore.Weighted
	newBackoff func() BackoffStrategy
	tracer     trace.Tracer
	log        log.Logger
}

// New creates a backend client from cfg
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("backend project is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MaxConcurrentUploads == 0 {
		cfg.MaxConcurrentUploads = defaultLogUploadCap
	}

	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		project:     cfg.Project,
		token:       cfg.Token,
		maxAttempts: cfg.MaxAttempts,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		uploadSem:   semaphore.NewWeighted(cfg.MaxConcurrentUploads),
		newBackoff: func() BackoffStrategy {
			return NewIncrementalBackoff(defaultBackoffStep, defaultBackoffMax)
		},
		tracer: otel.Tracer("report client"),
		log:    cfg.Log,
	}, nil
}

// StartLaunch creates the launch resource and returns its backend ID
func (c *Client) StartLaunch(ctx context.Context, req StartLaunchRequest) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, c.url("launch"), req, &resp, "start_launch"); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// FinishLaunch closes the launch with its aggregated status
func (c *Client) FinishLaunch(ctx context.Context, launchID string, req FinishLaunchRequest) error {
	return c.do(ctx, http.MethodPut, c.url("launch/"+launchID+"/finish"), req, nil, "finish_launch")
}

// StartSuite opens a suite item and returns its ID. An empty parentID
// creates the suite at the launch root; otherwise it nests under the given
// suite item.
func (c *Client) StartSuite(ctx context.Context, parentID string, req StartItemRequest) (string, error) {
	req.Type = ItemTypeSuite
	url := c.url("item")
	if parentID != "" {
		url = c.url("item/" + parentID)
	}
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, url, req, &resp, "start_suite"); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartTest opens a test item under the given parent suite and returns its ID
func (c *Client) StartTest(ctx context.Context, parentID string, req StartItemRequest) (string, error) {
	req.Type = ItemTypeTest
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, c.url("item/"+parentID), req, &resp, "start_test"); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// FinishItem closes a suite or test item
func (c *Client) FinishItem(ctx context.Context, itemID string, req FinishItemRequest) error {
	return c.do(ctx, http.MethodPut, c.url("item/"+itemID), req, nil, "finish_item")
}

// Log ships a batch of log entries. Uploads are throttled by the client's
// semaphore so dozens of concurrently finishing tests cannot stampede the
// backend.
func (c *Client) Log(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := c.uploadSem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "acquiring upload slot")
	}
	defer c.uploadSem.Release(1)

	err := c.do(ctx, http.MethodPost, c.url("log"), entries, nil, "ship_logs")
	metrics.RecordLogBatch(err)
	return err
}

// Attach uploads one attachment for an item as a multipart request. Uploads
// share the log throttle and are not retried.
func (c *Client) Attach(ctx context.Context, itemID, name, mime string, data []byte) error {
	if err := c.uploadSem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "acquiring upload slot")
	}
	defer c.uploadSem.Release(1)

	ctx, span := c.tracer.Start(ctx, "report attach")
	defer span.End()

	meta, err := json.Marshal(attachmentMeta{ItemID: itemID, Name: name, Time: time.Now()})
	if err != nil {
		return errors.Wrap(err, "encoding attachment metadata")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("json_request_part", string(meta)); err != nil {
		return errors.Wrap(err, "writing attachment metadata part")
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	header.Set("Content-Type", mime)
	part, err := w.CreatePart(header)
	if err != nil {
		return errors.Wrap(err, "creating attachment part")
	}
	if _, err := part.Write(data); err != nil {
		return errors.Wrap(err, "writing attachment data")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "finalizing attachment body")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("log/attach"), &body)
	if err != nil {
		return errors.Wrap(err, "creating attachment request")
	}
	c.setCommonHeaders(httpReq)
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	httpRes, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.RecordReportRequest("attach", err)
		return errors.Wrap(err, "sending attachment request")
	}
	defer httpRes.Body.Close()
	if httpRes.StatusCode < 200 || httpRes.StatusCode >= 300 {
		resB, _ := io.ReadAll(io.LimitReader(httpRes.Body, maxResponseBodyBytes))
		apiErr := &APIError{StatusCode: httpRes.StatusCode, Operation: "attach", Message: backendMessage(resB)}
		metrics.RecordReportRequest("attach", apiErr)
		return apiErr
	}
	metrics.RecordReportRequest("attach", nil)
	return nil
}

// do sends one JSON request with bounded retries. Only transport errors and
// retryable backend statuses are retried; the last error is returned as-is
// so callers can inspect it with errors.As.
func (c *Client) do(ctx context.Context, method, url string, body, out any, operation string) error {
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("report %s", operation))
	defer span.End()

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request body")
	}

	backoff := c.newBackoff()
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff.BackoffWait()):
			case <-ctx.Done():
				metrics.RecordReportRequest(operation, ctx.Err())
				return ctx.Err()
			}
		}

		lastErr = c.doOnce(ctx, method, url, payload, out, operation)
		if lastErr == nil {
			metrics.RecordReportRequest(operation, nil)
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
		backoff.Backoff()
		c.log.Debug("Retrying backend request",
			"operation", operation,
			"attempt", attempt,
			"err", lastErr)
	}

	metrics.RecordReportRequest(operation, lastErr)
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload []byte, out any, operation string) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "creating backend request")
	}
	c.setCommonHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "sending backend request")
	}
	defer httpRes.Body.Close()

	resB, err := io.ReadAll(io.LimitReader(httpRes.Body, maxResponseBodyBytes))
	if err != nil {
		return errors.Wrap(err, "reading response body")
	}

	if httpRes.StatusCode < 200 || httpRes.StatusCode >= 300 {
		return &APIError{
			StatusCode: httpRes.StatusCode,
			Operation:  operation,
			Message:    backendMessage(resB),
		}
	}

	if out != nil {
		if err := json.Unmarshal(resB, out); err != nil {
			return errors.Wrap(err, "decoding response body")
		}
	}
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-Id", uuid.New().String())
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/api/v1/%s/%s", c.baseURL, c.project, path)
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport-level failures are worth another attempt
	return true
}

// backendMessage extracts the backend's error message from a response body
func backendMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}
