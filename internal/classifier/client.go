// Package classifier is the client for the remote page classification service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL  = "https://lockin-web.onrender.com"
	DefaultTimeout  = 15 * time.Second
	maxAttempts     = 3
	classifyPath    = "/api/classify-tab"
	secretHeader    = "X-Extension-Secret"
	maxErrorBodyLen = 512
)

// backoffStep is the linear retry delay unit: attempt n waits (n+1)*backoffStep.
var backoffStep = 500 * time.Millisecond

// ErrRetriesExhausted is wrapped into the error returned when every attempt
// failed with a retryable status.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Label is a page classification.
type Label string

const (
	Conducive   Label = "CONDUCIVE"
	Distracting Label = "DISTRACTING"
	Mixed       Label = "MIXED"
)

// Request is the body sent to the classification endpoint.
type Request struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	PageSnippet string `json:"pageSnippet"`
}

type response struct {
	Classification string `json:"classification"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed if repeated: rate
// limiting and server errors only.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func isRetryable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Retryable()
}

// Client talks to the classification backend.
type Client struct {
	baseURL    string
	secret     string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithSharedSecret sets the value of the shared-secret header. Empty disables it.
func WithSharedSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// WithTimeout bounds a whole Classify call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the backend at baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify asks the backend for a label. Rate limiting and 5xx responses are
// retried up to three attempts in total; any other failure returns at once.
func (c *Client) Classify(ctx context.Context, req Request) (Label, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := range maxAttempts {
		label, err := c.do(ctx, body)
		if err == nil {
			return label, nil
		}
		if !isRetryable(err) {
			return "", err
		}

		lastErr = err
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt+1) * backoffStep):
			}
		}
	}

	return "", fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, body []byte) (Label, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+classifyPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		httpReq.Header.Set(secretHeader, c.secret)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return Normalize(out.Classification), nil
}

// Normalize maps free-form backend text onto a Label. Anything unrecognised,
// including an empty string, is Mixed.
func Normalize(raw string) Label {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case strings.Contains(s, "DISTRACT"):
		return Distracting
	case strings.Contains(s, "CON"):
		return Conducive
	default:
		return Mixed
	}
}
