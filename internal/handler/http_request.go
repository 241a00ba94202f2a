package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/scheduler"
)

// maxResponseBody caps how much of a response is read for error reporting
const maxResponseBody = 64 << 10

// HTTPRequestPayload represents the payload for HTTP request jobs
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPRequestHandler calls an HTTP endpoint on every run
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler. Requests are
// bounded by the job timeout through the context.
func NewHTTPRequestHandler(logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger:     logger.Named("http-request-handler"),
		httpClient: &http.Client{},
	}
}

// Build validates payload and returns the job handler
func (h *HTTPRequestHandler) Build(payload json.RawMessage) (scheduler.Handler, error) {
	var p HTTPRequestPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Newf("url must be an absolute http(s) URL, got %q", p.URL)
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	p.Method = strings.ToUpper(p.Method)

	return scheduler.HandlerFunc(func(ctx context.Context) error {
		return h.Execute(ctx, p)
	}), nil
}

// Execute performs the HTTP request. Responses with status >= 400 fail the run.
func (h *HTTPRequestHandler) Execute(ctx context.Context, p HTTPRequestPayload) error {
	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	for key, value := range p.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Debug("Executing HTTP request",
		zap.String("method", p.Method),
		zap.String("url", p.URL))

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 400 {
		return errors.Newf("HTTP request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	h.logger.Debug("HTTP request succeeded",
		zap.String("url", p.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
