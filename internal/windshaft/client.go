package windshaft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tilegate/tilegate/internal/observability"
	"github.com/tilegate/tilegate/internal/resolver"
)

// Client instantiates map definitions against the rendering backend.
type Client interface {
	Instantiate(ctx context.Context, definition json.RawMessage, params Params) (*Response, error)
}

// ClientConfig configures the HTTP backend client.
type ClientConfig struct {
	// Endpoint is the instantiation origin, e.g. "https://acme.example.com".
	Endpoint string
	// BasePath defaults to the maps API base path.
	BasePath string
	Timeout  time.Duration
	// MaxRetries bounds transport-level retry attempts. Zero disables retries;
	// backend-reported failures are never retried here.
	MaxRetries int
	// RequestsPerSecond caps the outbound request rate. Zero means unlimited.
	RequestsPerSecond float64
	RateBurst         int
	// HTTPClient overrides the underlying client, primarily for tests.
	HTTPClient *http.Client
}

// HTTPClient is the production Client implementation: a rate-limited JSON POST
// of the definition with params encoded as query values.
type HTTPClient struct {
	endpoint   string
	basePath   string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewHTTPClient constructs a backend client from the provided configuration.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = new(http.Client)
		httpClient.Timeout = timeout
	}
	basePath := strings.Trim(cfg.BasePath, "/")
	if basePath == "" {
		basePath = resolver.DefaultBasePath
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &HTTPClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		basePath:   basePath,
		httpClient: httpClient,
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
	}
}

// Instantiate submits the definition and returns the parsed response. Failures
// of any kind surface as *Error so callers normalize them through one channel.
func (c *HTTPClient) Instantiate(ctx context.Context, definition json.RawMessage, params Params) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, transportError(fmt.Errorf("rate limiter: %w", err))
		}
	}

	target, err := c.requestURL(params)
	if err != nil {
		return nil, transportError(fmt.Errorf("build request url: %w", err))
	}

	body, status, err := c.post(ctx, target, definition)
	if err != nil {
		return nil, transportError(err)
	}

	if status < 200 || status >= 300 {
		var payload ErrorPayload
		if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil || (len(payload.Errors) == 0 && len(payload.ErrorsWithContext) == 0) {
			payload = ErrorPayload{Errors: []string{fmt.Sprintf("unexpected status %d", status)}}
		}
		return nil, &Error{Status: status, Payload: payload}
	}

	var response Response
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, transportError(fmt.Errorf("decode response: %w", err))
	}
	return &response, nil
}

// post performs the HTTP exchange, retrying transport-level failures with
// exponential backoff when retries are enabled. Backend status codes are never
// retried: retry policy for application errors belongs to the caller.
func (c *HTTPClient) post(ctx context.Context, target string, definition json.RawMessage) ([]byte, int, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			observability.Log().Debug("retrying instantiation transport",
				observability.F("attempt", attempt),
				observability.F("cause", lastErr))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoffCfg.NextBackOff()):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(definition))
		if err != nil {
			return nil, 0, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("instantiate: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}
		return body, resp.StatusCode, nil
	}
	return nil, 0, lastErr
}

func (c *HTTPClient) requestURL(params Params) (string, error) {
	values, err := params.QueryValues()
	if err != nil {
		return "", err
	}
	query := url.Values{}
	for key, value := range values {
		query.Set(key, value)
	}
	target := c.endpoint + "/" + c.basePath
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target, nil
}

// transportError folds a network-level failure into the backend error shape so
// the orchestrator handles both identically.
func transportError(err error) *Error {
	return &Error{Status: 0, Payload: ErrorPayload{Errors: []string{err.Error()}}}
}
