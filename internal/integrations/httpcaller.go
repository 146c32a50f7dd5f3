package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"admitflow/internal/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns a client whose transport is traced with otelhttp.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPCaller performs CALL_API requests. Each host has its own circuit breaker.
type HTTPCaller struct {
	client   *http.Client
	breakers *Breakers
	logger   *logrus.Logger
}

func NewHTTPCaller(cfg config.HTTPClientConfig, logger *logrus.Logger) *HTTPCaller {
	c := &HTTPCaller{client: NewHTTPClient(cfg.Timeout), logger: logger}
	if cfg.CircuitBreaker.Enabled {
		c.breakers = NewBreakers(cfg.CircuitBreaker, nil)
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	return c
}

// WithClient swaps the underlying client, mainly for tests.
func (c *HTTPCaller) WithClient(client *http.Client) *HTTPCaller {
	c.client = client
	return c
}

// Breakers exposes per-host breaker state, nil when disabled.
func (c *HTTPCaller) Breakers() *Breakers { return c.breakers }

func (c *HTTPCaller) Call(ctx context.Context, rawURL, method string, body interface{}) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, fmt.Errorf("invalid api url %q", rawURL)
	}
	if method == "" {
		method = http.MethodPost
	}
	method = strings.ToUpper(method)

	if c.breakers != nil && !c.breakers.Allow(u.Host) {
		return 0, fmt.Errorf("circuit open for %s", u.Host)
	}

	reader, contentType, err := encodeBody(method, body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "admitflow")

	resp, err := c.client.Do(req)
	if err != nil {
		c.record(u.Host, false)
		return 0, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	c.record(u.Host, resp.StatusCode < 500)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%s %s returned %d", method, u.Redacted(), resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (c *HTTPCaller) record(host string, ok bool) {
	if c.breakers == nil {
		return
	}
	before := c.breakers.State(host)
	c.breakers.Record(host, ok)
	if after := c.breakers.State(host); after != before {
		c.logger.WithField("host", host).Warnf("http: circuit %s -> %s", before, after)
	}
}

// encodeBody sends strings verbatim and JSON-encodes everything else.
func encodeBody(method string, body interface{}) (io.Reader, string, error) {
	if body == nil || method == http.MethodGet {
		return nil, "", nil
	}
	switch v := body.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, "", nil
		}
		if json.Valid([]byte(v)) {
			return strings.NewReader(v), "application/json", nil
		}
		return strings.NewReader(v), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("encode api body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}
