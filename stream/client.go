package stream

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

	"github.com/williamcory/chatstream/logging"
	"github.com/williamcory/chatstream/retry"
)

// Default startup retry policy: a freshly created session may not be
// visible to the streaming endpoint yet, which answers 404 meanwhile.
const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultPath       = "/chat/stream"
)

// Request is the body of a streaming chat request.
type Request struct {
	SessionID     string
	Query         string
	ExplicitAgent string
}

type wireRequest struct {
	SessionID     string `json:"session_id"`
	Query         string `json:"query"`
	ExplicitAgent string `json:"explicit_agent,omitempty"`
	Stream        bool   `json:"stream"`
}

// TokenSource returns the bearer token to attach, or "" for none. It is
// called once per request attempt.
type TokenSource func() string

// Client opens streaming chat requests against a backend.
type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
	token      TokenSource
	maxRetries int
	retryDelay time.Duration
	readSize   int
	log        *logging.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. It should not set a Timeout,
// which would cut long streams short; use the request context instead.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTokenSource sets the bearer token source.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(client *Client) {
		client.token = ts
	}
}

// WithRetry overrides the startup retry policy for 404 responses.
func WithRetry(maxRetries int, delay time.Duration) ClientOption {
	return func(client *Client) {
		client.maxRetries = maxRetries
		client.retryDelay = delay
	}
}

// WithPath sets the streaming endpoint path.
func WithPath(path string) ClientOption {
	return func(client *Client) {
		client.path = "/" + strings.TrimPrefix(path, "/")
	}
}

// WithReadSize sets the size of each body read.
func WithReadSize(n int) ClientOption {
	return func(client *Client) {
		if n > 0 {
			client.readSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(client *Client) {
		client.log = l
	}
}

// NewClient creates a streaming client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		path:       DefaultPath,
		httpClient: &http.Client{},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		readSize:   defaultReadSize,
		log:        logging.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Open sends the request and returns the response once the backend has
// answered 2xx. 404 answers are retried per the retry policy; everything
// else fails with a ConnectionError.
func (c *Client) Open(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(wireRequest{
		SessionID:     req.SessionID,
		Query:         req.Query,
		ExplicitAgent: req.ExplicitAgent,
		Stream:        true,
	})
	if err != nil {
		return nil, &Error{Kind: NotSentError, Message: "encode request", Err: err}
	}

	var resp *http.Response
	res := retry.Attempt(ctx, func(ctx context.Context) error {
		r, err := c.do(ctx, body)
		if err != nil {
			if isNotFound(err) {
				c.log.Info("session not ready, retrying", "session", req.SessionID)
			}
			return err
		}
		resp = r
		return nil
	}, c.maxRetries, c.retryDelay, isNotFound)

	if res.OK() {
		return resp, nil
	}

	var se *Error
	if errors.As(res.Err, &se) {
		if res.Exhausted {
			se.Message = fmt.Sprintf("session %q not found after %d attempts", req.SessionID, res.Attempts)
		}
		return nil, se
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, contextError(cerr, ConnectionError)
	}
	return nil, &Error{Kind: NotSentError, Err: res.Err}
}

// Stream opens the request and pushes every decoded event to emit until
// the backend ends the stream, emit fails or ctx is canceled.
func (c *Client) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	resp, err := c.Open(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return consume(ctx, resp.Body, c.readSize, c.log, emit)
}

func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	url := c.baseURL + c.path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: NotSentError, Message: "create request", Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	reqLog := c.log.StartRequest(http.MethodPost, url)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reqLog.Error(err)
		return nil, &Error{Kind: ConnectionError, Message: "backend unreachable", Err: err}
	}
	reqLog.Success(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &Error{
			Kind:    ConnectionError,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(raw)),
		}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "text/event-stream") {
		c.log.Warn("unexpected content type for stream", "content_type", ct)
	}
	return resp, nil
}

// contextError maps a context error: cancellation is a normal exit, an
// expired deadline is reported as kind.
func contextError(err error, kind ErrorKind) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Canceled, Err: err}
	}
	return &Error{Kind: kind, Message: "deadline exceeded", Err: err}
}

func isNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == ConnectionError && se.Status == http.StatusNotFound
}
