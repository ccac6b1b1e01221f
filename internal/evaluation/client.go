package evaluation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/arnavgupta00/singer-selection/internal/audio"
	"github.com/arnavgupta00/singer-selection/internal/metrics"
)

// Upload stages reported in UploadError.Op
const (
	OpBuild   = "build"
	OpRequest = "request"
	OpRead    = "read"
	OpStatus  = "status"
	OpDecode  = "decode"
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics
const maxErrorBody = 512

// UploadError reports a failed submission and the stage that failed
type UploadError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("evaluation upload %s failed (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("evaluation upload %s failed: %v", e.Op, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Client submits recordings to the evaluation service
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalRequests    uint64
	successRequests  uint64
	failedRequests   uint64
	avgResponseTime  time.Duration
	lastPayloadBytes int

	mu sync.RWMutex
}

// Config contains evaluation client configuration
type Config struct {
	Endpoint    string
	Timeout     time.Duration
	FieldName   string
	FileName    string
	ContentType string
	UserAgent   string
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests    uint64        `json:"total_requests"`
	SuccessRequests  uint64        `json:"success_requests"`
	FailedRequests   uint64        `json:"failed_requests"`
	SuccessRate      float64       `json:"success_rate"`
	AvgResponseTime  time.Duration `json:"avg_response_time"`
	LastPayloadBytes int           `json:"last_payload_bytes"`
}

// NewClient creates a new evaluation HTTP client. m may be nil.
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.FieldName == "" {
		config.FieldName = "file"
	}

	if config.FileName == "" {
		config.FileName = "recording.webm"
	}

	if config.ContentType == "" {
		config.ContentType = "audio/webm"
	}

	if config.UserAgent == "" {
		config.UserAgent = "Singer-Selection-Recorder/1.0"
	}

	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Submit concatenates chunks in order and posts them as one multipart file.
// Every failure is returned as *UploadError; there is no retry.
func (c *Client) Submit(ctx context.Context, chunks []audio.Chunk) (*Result, error) {
	payload := audio.Concat(chunks)

	startTime := time.Now()
	c.recordRequest(len(payload))
	c.metrics.RecordUploadRequest(len(payload))

	c.logger.Info("Submitting recording for evaluation",
		slog.String("endpoint", c.config.Endpoint),
		slog.Int("chunk_count", len(chunks)),
		slog.Int("payload_bytes", len(payload)),
	)

	result, err := c.doRequest(ctx, payload)
	duration := time.Since(startTime)

	if err != nil {
		c.recordFailure()

		op := OpRequest
		var uploadErr *UploadError
		if errors.As(err, &uploadErr) {
			op = uploadErr.Op
		}
		c.metrics.RecordUploadFailure(op, duration.Seconds())

		c.logger.Error("Evaluation upload failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
			slog.Float64("duration", duration.Seconds()),
		)
		return nil, err
	}

	c.recordSuccess(duration)
	c.metrics.RecordUploadSuccess(duration.Seconds())

	c.logger.Info("Evaluation completed",
		slog.Float64("score", result.Score),
		slog.String("rank", result.Rank),
		slog.Float64("duration", duration.Seconds()),
	)

	return result, nil
}

// doRequest performs a single HTTP request to the evaluation service
func (c *Client) doRequest(ctx context.Context, payload []byte) (*Result, error) {
	body, contentType, err := c.createMultipartRequest(payload)
	if err != nil {
		return nil, &UploadError{Op: OpBuild, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, &UploadError{Op: OpBuild, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UploadError{Op: OpRequest, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UploadError{Op: OpRead, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := truncate(string(respBody), maxErrorBody)
		return nil, &UploadError{
			Op:         OpStatus,
			StatusCode: resp.StatusCode,
			Body:       snippet,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	result, err := decodeResult(respBody)
	if err != nil {
		return nil, &UploadError{
			Op:         OpDecode,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), maxErrorBody),
			Err:        err,
		}
	}

	return result, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// createMultipartRequest wraps payload as the single file field of a form
func (c *Client) createMultipartRequest(payload []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(c.config.FieldName), quoteEscaper.Replace(c.config.FileName)))
	header.Set("Content-Type", c.config.ContentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(payload); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Statistics methods
func (c *Client) recordRequest(payloadBytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.lastPayloadBytes = payloadBytes
}

func (c *Client) recordSuccess(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:    c.totalRequests,
		SuccessRequests:  c.successRequests,
		FailedRequests:   c.failedRequests,
		SuccessRate:      successRate,
		AvgResponseTime:  c.avgResponseTime,
		LastPayloadBytes: c.lastPayloadBytes,
	}
}

// Endpoint returns the configured service URL
func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
