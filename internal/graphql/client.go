// Package graphql is the single transport for remote operations of the auth client.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/ids"
	"github.com/and161185/shepherd/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 4 << 20

// Authenticator supplies bearer tokens and a second chance after an auth failure.
type Authenticator interface {
	// Token returns the bearer token to attach. An empty token sends the request anonymously.
	Token(ctx context.Context) (string, error)
	// Recover is called once after the server rejected the token. It reports
	// whether a fresh token is available and the request should be replayed.
	Recover(ctx context.Context) bool
}

// HeaderProvider contributes one header to every request.
type HeaderProvider interface {
	Header(ctx context.Context) (name, value string, ok bool)
}

// Config configures the transport.
type Config struct {
	URL       string
	Timeout   time.Duration
	RateLimit float64 // requests per second; zero disables limiting
	Burst     int
	UserAgent string
}

// Client posts GraphQL operations to the API.
type Client struct {
	url     string
	ua      string
	http    *http.Client
	cat     *Catalog
	lim     *rate.Limiter
	log     *zap.Logger
	metrics *metrics.Metrics
	headers []HeaderProvider

	mu   sync.RWMutex
	auth Authenticator
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client, for example one with a cookie jar.
func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.http = hc } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption { return func(c *Client) { c.log = l } }

// WithMetrics records each call.
func WithMetrics(m *metrics.Metrics) ClientOption { return func(c *Client) { c.metrics = m } }

// WithHeaders adds header providers.
func WithHeaders(hp ...HeaderProvider) ClientOption {
	return func(c *Client) { c.headers = append(c.headers, hp...) }
}

// WithCatalog replaces the embedded operation catalog.
func WithCatalog(cat *Catalog) ClientOption { return func(c *Client) { c.cat = cat } }

// NewClient validates the operation catalog and builds a client.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("graphql: empty endpoint url")
	}
	c := &Client{url: cfg.URL, ua: cfg.UserAgent}
	for _, o := range opts {
		o(c)
	}
	if c.cat == nil {
		cat, err := LoadCatalog()
		if err != nil {
			return nil, err
		}
		c.cat = cat
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if cfg.Timeout > 0 && c.http.Timeout == 0 {
		c.http.Timeout = cfg.Timeout
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.ua == "" {
		c.ua = "shepherd"
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.lim = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// SetAuthenticator installs the token source. It is set after construction
// because the refresh path itself goes through this client.
func (c *Client) SetAuthenticator(a Authenticator) {
	c.mu.Lock()
	c.auth = a
	c.mu.Unlock()
}

func (c *Client) authenticator() Authenticator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

// Catalog returns the validated operations.
func (c *Client) Catalog() *Catalog { return c.cat }

type callOptions struct {
	noAuth bool
}

// CallOption customises a single call.
type CallOption func(*callOptions)

// WithoutAuth sends the request without a bearer token and without the replay path.
func WithoutAuth() CallOption { return func(o *callOptions) { o.noAuth = true } }

type request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []Error         `json:"errors"`
}

// Do executes the named operation and decodes its data into out.
func (c *Client) Do(ctx context.Context, opName string, vars map[string]any, out any, opts ...CallOption) (err error) {
	op, ok := c.cat.Op(opName)
	if !ok {
		return fmt.Errorf("graphql: unknown operation %q", opName)
	}
	var co callOptions
	for _, o := range opts {
		o(&co)
	}

	reqID, ok := RequestIDFromCtx(ctx)
	if !ok {
		reqID = ids.New()
	}
	start := time.Now()
	replayed := false
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = outcomeOf(err)
		}
		c.metrics.Request(op.Name, outcome, time.Since(start))
		fields := []zap.Field{
			zap.String("op", op.Name),
			zap.String("request_id", reqID),
			zap.String("outcome", outcome),
			zap.Bool("replayed", replayed),
			zap.Duration("dur", time.Since(start)),
		}
		if err != nil {
			c.log.Warn("graphql", append(fields, zap.Error(err))...)
			return
		}
		c.log.Debug("graphql", fields...)
	}()

	body, err := json.Marshal(request{Query: op.Query, OperationName: op.Name, Variables: vars})
	if err != nil {
		return fmt.Errorf("graphql: encode %s: %w", op.Name, err)
	}

	auth := c.authenticator()
	if co.noAuth {
		auth = nil
	}

	err = c.roundTrip(ctx, op.Name, reqID, body, auth, out)
	if err != nil && auth != nil && IsAuthFailure(err) {
		if auth.Recover(ctx) {
			replayed = true
			err = c.roundTrip(ctx, op.Name, reqID, body, auth, out)
		}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, reqID string, body []byte, auth Authenticator, out any) error {
	if c.lim != nil {
		if err := c.lim.Wait(ctx); err != nil {
			return &NetworkError{Op: op, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("X-Request-ID", reqID)
	if auth != nil {
		tok, terr := auth.Token(ctx)
		if terr != nil {
			// The session has been ended; sending the request would only earn a 401.
			if !errs.IsRecoverable(terr) {
				return terr
			}
			c.log.Debug("graphql token", zap.String("op", op), zap.Error(terr))
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	for _, hp := range c.headers {
		if name, value, ok := hp.Header(ctx); ok {
			req.Header.Set(name, value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if decodeErr == nil && len(env.Errors) > 0 {
		return &ResponseError{Op: op, Status: resp.StatusCode, Errors: env.Errors}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &NetworkError{Op: op, Err: &HTTPError{Op: op, Status: resp.StatusCode}}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Op: op, Status: resp.StatusCode}
	}
	if decodeErr != nil {
		return fmt.Errorf("graphql: %s: %w: %v", op, ErrMalformedResponse, decodeErr)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("graphql: %s: %w: no data", op, ErrMalformedResponse)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("graphql: %s: %w: %v", op, ErrMalformedResponse, err)
	}
	return nil
}

func outcomeOf(err error) string {
	var ne *NetworkError
	var re *ResponseError
	var he *HTTPError
	if ae, ok := errs.As(err); ok {
		return string(ae.Code)
	}
	switch {
	case errors.As(err, &ne):
		return "network_error"
	case errors.As(err, &re):
		if code := re.Code(); code != "" {
			return code
		}
		return "graphql_error"
	case errors.As(err, &he):
		return fmt.Sprintf("http_%d", he.Status)
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	}
	return "error"
}
