// Package client provides the HTTP transport used by remotefs: GET and HEAD
// with optional retry, JSON decoding and bearer auth.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fruitsalade/remotefs/internal/logging"
	"github.com/fruitsalade/remotefs/internal/metrics"
	"github.com/fruitsalade/remotefs/pkg/retry"
)

// Client performs HTTP requests for remote file content and listings.
type Client struct {
	httpClient  *http.Client
	retryConfig retry.Config
	userAgent   string

	mu        sync.RWMutex
	online    bool
	lastPing  time.Time
	authToken string
}

// Config holds client configuration.
type Config struct {
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	UserAgent   string

	// Transport overrides the default transport, mainly for tests.
	Transport http.RoundTripper
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentLength parses the Content-Length header. It returns -1 when the
// header is absent or unparsable.
func (r *Response) ContentLength() int64 {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: server returned %d", e.Method, e.URL, e.StatusCode)
}

// Available reports whether an HTTP transport exists in this process. Hosts
// call it before registering a remotefs backend.
func Available() bool {
	return http.DefaultTransport != nil
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "remotefs"
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  false,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		retryConfig: cfg.RetryConfig,
		userAgent:   cfg.UserAgent,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token sent with every request.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline reports whether the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// LastContact returns when a request last completed or failed.
func (c *Client) LastContact() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("remote is back online")
		} else {
			logging.Warn("remote is offline")
		}
	}
	c.online = online
	c.lastPing = time.Now()
	metrics.SetRemoteOnline(online)
}

// Get fetches url and reads the whole body.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url)
}

// Head issues a HEAD request for url.
func (c *Client) Head(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodHead, url)
}

// GetJSON fetches url and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v interface{}) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string) (*Response, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		c.applyAuth(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		logging.Debug("http request",
			logging.String("method", method),
			logging.String("url", url),
			logging.Int("status", resp.StatusCode),
			logging.Duration("duration", time.Since(start)))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			c.setOnline(resp.StatusCode < 500)
			io.Copy(io.Discard, resp.Body)
			statusErr := &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return nil, retry.Retryable(statusErr)
			}
			return nil, statusErr
		}

		c.setOnline(true)

		out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
		if method == http.MethodHead {
			return out, nil
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("read body: %w", err))
		}
		out.Body = body
		return out, nil
	})
}
