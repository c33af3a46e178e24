package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"finbench/internal/config"
	"finbench/internal/util"
)

// DefaultNoProxyHosts are mainland endpoints that must be reached directly.
var DefaultNoProxyHosts = []string{
	"eastmoney.com", "sina.com.cn", "sinajs.cn", "sina.cn", "gtimg.cn", "qq.com",
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", redact(e.URL), e.Code)
}

var errEmptyBody = errors.New("empty response body")

// Client is the outbound HTTP client shared by adapters: per-call timeouts,
// retries with exponential backoff, and proxy bypass for mainland hosts.
type Client struct {
	http           *http.Client
	policy         util.RetryPolicy
	timeout        time.Duration
	historyTimeout time.Duration
	userAgent      string
	log            *slog.Logger
}

// NewClient builds a Client from the http section of the config.
func NewClient(cfg config.HTTPClient, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	noProxy := append(append([]string{}, DefaultNoProxyHosts...), cfg.NoProxyHosts...)
	transport := &http.Transport{
		Proxy:               ProxyFunc(noProxy),
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	c := &Client{
		http:           &http.Client{Transport: transport},
		timeout:        cfg.Timeout,
		historyTimeout: cfg.HistoryTimeout,
		userAgent:      cfg.UserAgent,
		log:            logger.With("component", "http"),
		policy: util.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBase,
			MaxDelay:    cfg.RetryMax,
			Retryable:   retryable,
		},
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.historyTimeout <= 0 {
		c.historyTimeout = 30 * time.Second
	}
	return c
}

// WithRetry returns a copy using policy p.
func (c *Client) WithRetry(p util.RetryPolicy) *Client {
	cp := *c
	if p.Retryable == nil {
		p.Retryable = retryable
	}
	cp.policy = p
	return &cp
}

// ProxyFunc resolves the environment proxy except for hosts matching one of
// noProxy (exact or subdomain).
func ProxyFunc(noProxy []string) func(*http.Request) (*url.URL, error) {
	return func(r *http.Request) (*url.URL, error) {
		host := strings.ToLower(r.URL.Hostname())
		for _, h := range noProxy {
			h = strings.ToLower(strings.TrimPrefix(h, "."))
			if host == h || strings.HasSuffix(host, "."+h) {
				return nil, nil
			}
		}
		return http.ProxyFromEnvironment(r)
	}
}

// Call is one GET request.
type Call struct {
	URL    string
	Header map[string]string
	// History selects the longer timeout used for history downloads.
	History bool
}

// Get performs call and returns the response body.
func (c *Client) Get(ctx context.Context, call Call) ([]byte, error) {
	timeout := c.timeout
	if call.History {
		timeout = c.historyTimeout
	}

	var body []byte
	attempt := 0
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		b, err := c.once(ctx, call, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return util.Permanent(err)
			}
			c.log.Debug("provider call failed", "url", redact(call.URL), "attempt", attempt, "error", err)
			return err
		}
		body = b
		return nil
	})
	return body, err
}

func (c *Client) once(ctx context.Context, call Call, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, call.URL, nil)
	if err != nil {
		return nil, util.Permanent(err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	for k, v := range call.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, URL: call.URL}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errEmptyBody
	}
	return body, nil
}

// retryable classifies transient failures: timeouts, transport errors, 5xx,
// 429 and empty bodies. Other 4xx fail fast.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

// redact drops credentials from a URL before it is logged.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for _, k := range []string{"apikey", "api_key", "token"} {
		if q.Has(k) {
			q.Set(k, "xxx")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
