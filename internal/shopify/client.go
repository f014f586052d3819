// Package shopify is the commerce platform client: Admin REST calls for
// products, variants and discount codes, and the Storefront GraphQL cart
// mutation.
package shopify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/party-discounts/internal/domain/discount"
)

const maxResponseSize = 4 << 20

// Config holds the platform endpoints and credentials.
type Config struct {
	// AdminURL is the shop base URL, e.g. https://shop.myshopify.com.
	AdminURL   string
	AdminToken string
	// StorefrontURL defaults to AdminURL.
	StorefrontURL   string
	StorefrontToken string
	APIVersion      string
	// Timeout bounds every single HTTP call.
	Timeout time.Duration
	// PriceConcurrency caps parallel variant price requests.
	PriceConcurrency int
	// PriceRetries is the retry budget of one variant price request.
	PriceRetries uint64
}

func (c *Config) setDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = "2024-10"
	}
	if c.StorefrontURL == "" {
		c.StorefrontURL = c.AdminURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.PriceConcurrency <= 0 {
		c.PriceConcurrency = 4
	}
	if c.PriceRetries == 0 {
		c.PriceRetries = 3
	}
	c.AdminURL = strings.TrimRight(c.AdminURL, "/")
	c.StorefrontURL = strings.TrimRight(c.StorefrontURL, "/")
}

// APIError is a non-2xx platform response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shopify %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Option configures a Client.
type Option func(*options)

type options struct {
	base           http.RoundTripper
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTransport sets the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// WithTelemetry instruments outgoing calls with the given providers.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
		o.meterProvider = mp
	}
}

var _ discount.Commerce = (*Client)(nil)

// Client implements discount.Commerce. Writes are sent once; only variant
// price reads are retried.
type Client struct {
	cfg  Config
	http *http.Client

	newBackOff func() backoff.BackOff
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	cfg.setDefaults()
	o := options{base: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}
	var otelOpts []otelhttp.Option
	if o.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(o.tracerProvider))
	}
	if o.meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(o.meterProvider))
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(o.base, otelOpts...),
		},
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(200*time.Millisecond),
				backoff.WithMaxElapsedTime(cfg.Timeout*time.Duration(cfg.PriceRetries+1)),
			)
		},
	}
}

func (c *Client) adminURL(path string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", c.cfg.AdminURL, c.cfg.APIVersion, path)
}

// do sends one request and returns the response body. Non-2xx responses are
// returned as *APIError.
func (c *Client) do(ctx context.Context, op, method, url string, body []byte, header http.Header) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: create request", op)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: send request", op)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: read response", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Client) admin(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	h := http.Header{}
	h.Set("X-Shopify-Access-Token", c.cfg.AdminToken)
	return c.do(ctx, op, method, c.adminURL(path), body, h)
}

// retryable reports whether a failed read may succeed when repeated.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}
