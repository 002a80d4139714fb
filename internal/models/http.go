package models

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

const (
	defaultHTTPTimeout = 120 * time.Second
	maxErrorBodySize   = 64 * 1024

	streamScannerInitialBuffer = 64 * 1024
	streamScannerMaxBuffer     = 512 * 1024
)

// HTTPConfig configures an HTTP-backed model adapter. BaseURL points at an
// OpenAI-compatible runtime server (llama.cpp style).
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Headers map[string]string
	Logger  logging.Logger
}

// httpBackend holds the fields and helpers shared by the HTTP adapters
// (language, encoder, speech, vision).
type httpBackend struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	headers    map[string]string
	ready      atomic.Bool
}

func newHTTPBackend(cfg HTTPConfig) httpBackend {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return httpBackend{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(cfg.Logger),
		headers:    cfg.Headers,
	}
}

// Model returns the model identifier this backend serves.
func (b *httpBackend) Model() string { return b.model }

// Load marks the backend ready. Idempotent; the runtime server owns the
// actual weights, so there is nothing to materialize here.
func (b *httpBackend) Load(ctx context.Context) error {
	if b.baseURL == "" {
		return errors.InvalidArgumentError("model backend requires a base URL")
	}
	b.ready.Store(true)
	return nil
}

// Unload drops idle connections and clears the ready flag. Idempotent and
// safe after a failed Load.
func (b *httpBackend) Unload(ctx context.Context) error {
	b.ready.Store(false)
	b.httpClient.CloseIdleConnections()
	return nil
}

// doPost sends a JSON POST with the standard headers. Caller closes
// resp.Body.
func (b *httpBackend) doPost(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	for k, v := range b.headers {
		httpReq.Header.Set(k, v)
	}
	return b.httpClient.Do(httpReq)
}

func newStreamScanner(reader io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, streamScannerInitialBuffer), streamScannerMaxBuffer)
	return scanner
}

func readResponseBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxErrorBodySize))
}

// wrapRequestError classifies a transport-level failure. Context
// cancellation passes through unchanged so callers can distinguish a client
// disconnect from a runtime fault.
func wrapRequestError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.NewTransientError(err, "request deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTransientError(err, "network timeout")
	}
	return errors.NewTransientError(err, fmt.Sprintf("request failed: %v", err))
}

// mapHTTPError converts a non-2xx runtime response into a transient or
// permanent error. Client mistakes (4xx except 408/429) are permanent;
// everything else is worth retrying.
func mapHTTPError(statusCode int, body []byte, header http.Header) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	baseErr := fmt.Errorf("HTTP %d: %s", statusCode, msg)

	switch {
	case statusCode == http.StatusTooManyRequests:
		retryAfter := 0
		if header != nil {
			retryAfter = parseRetryAfter(header.Get("Retry-After"))
		}
		return &errors.TransientError{
			Err:        baseErr,
			StatusCode: statusCode,
			RetryAfter: retryAfter,
			Message:    "rate limited by model runtime",
		}
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return &errors.TransientError{
			Err:        baseErr,
			StatusCode: statusCode,
			Message:    "model runtime timed out",
		}
	case statusCode >= 400 && statusCode < 500:
		return &errors.PermanentError{
			Err:        baseErr,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("model runtime rejected request: %s", msg),
		}
	default:
		return &errors.TransientError{
			Err:        baseErr,
			StatusCode: statusCode,
			Message:    "model runtime error",
		}
	}
}

// parseRetryAfter parses an integer-seconds Retry-After value. Dates and
// garbage yield 0.
func parseRetryAfter(value string) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}
