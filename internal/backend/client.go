// Package backend is the REST client for the business API that owns
// customers, tickets, appointments, offers and per-store call settings.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/metrics"
)

const scopeName = "github.com/soyeahso/callrelay/internal/backend"

var tracer = otel.Tracer(scopeName)

// maxErrorBody bounds how much of a failed response is kept in errors.
const maxErrorBody = 512

// Client talks to the backend business API. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New creates a backend client from configuration.
func New(cfg config.BackendConfig, log *logging.Logger, m *metrics.Metrics) *Client {
	sub := log.Sub("backend")

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient = &http.Client{
		Timeout: cfg.Timeout(),
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, r *http.Request) string {
				return operationName + " " + r.URL.Path
			}),
		),
	}
	rc.Logger = sub.Leveled()
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    rc,
		log:     sub,
		metrics: m,
	}
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var te *domain.TransportError
	return errors.As(err, &te) && te.Status == http.StatusNotFound
}

// do performs one JSON request. endpoint is a stable label for spans and
// metrics; path is the concrete URL path.
func (c *Client) do(ctx context.Context, cc domain.CallContext, endpoint, method, path string, query url.Values, body, out any) error {
	ctx, span := tracer.Start(ctx, "backend "+endpoint)
	defer span.End()
	span.SetAttributes(
		attribute.String("backend.endpoint", endpoint),
		attribute.String("call.id", cc.CallID),
		attribute.String("tenant.id", cc.TenantID),
	)

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fail(fmt.Errorf("encoding %s request: %w", endpoint, err))
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return fail(&domain.TransportError{Op: endpoint, Err: err})
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if cc.TenantID != "" {
		req.Header.Set("X-Tenant-ID", cc.TenantID)
	}
	if cc.StoreID != "" {
		req.Header.Set("X-Store-ID", cc.StoreID)
	}
	if cc.CallID != "" {
		req.Header.Set("X-Call-ID", cc.CallID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordBackendRequest(endpoint, 0, time.Since(start).Seconds())
		return fail(&domain.TransportError{Op: endpoint, Err: err})
	}
	defer resp.Body.Close()
	c.metrics.RecordBackendRequest(endpoint, resp.StatusCode, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fail(&domain.TransportError{Op: endpoint, Status: resp.StatusCode, Err: errors.New(msg)})
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(&domain.TransportError{Op: endpoint, Status: resp.StatusCode, Err: err})
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fail(&domain.TransportError{Op: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)})
	}
	return nil
}
