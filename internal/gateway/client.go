package gateway

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-inbox/internal/cache"
	"github.com/capitalize-ai/lead-inbox/pkg/logger"
	"github.com/capitalize-ai/lead-inbox/pkg/metrics"
)

const maxResponseBytes = 16 << 20

// TokenSource yields the bearer token for outgoing requests.
type TokenSource interface {
	Token() (string, bool)
}

// Config holds gateway client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// DedupTTL collapses identical GET requests within the window. Zero
	// disables deduplication.
	DedupTTL   time.Duration
	DedupSize  int
	Tokens     TokenSource
	HTTPClient *http.Client
}

// Client is the HTTP Requester for the backend gateway.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	dedup   *cache.Cache[Response]
	tracer  trace.Tracer
	logger  *logger.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL: base,
		http:    httpClient,
		tokens:  cfg.Tokens,
		tracer:  otel.Tracer("github.com/capitalize-ai/lead-inbox/internal/gateway"),
		logger:  logger.OrNop(log).Named("gateway"),
	}
	if cfg.DedupTTL > 0 {
		c.dedup = cache.New[Response](cache.Options{
			Name:       "gateway_dedup",
			MaxSize:    cfg.DedupSize,
			DefaultTTL: cfg.DedupTTL,
		})
	}
	return c, nil
}

// Request implements Requester.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions) (Response, error) {
	method := opts.MethodOrDefault()
	url := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")

	ctx, span := c.tracer.Start(ctx, "gateway.request", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("gateway.endpoint", endpoint),
	))
	defer span.End()

	cacheKey := ""
	if c.dedup != nil && method == http.MethodGet {
		cacheKey = method + " " + url
	}
	if cacheKey != "" && !dedupBypassed(ctx) {
		if resp, ok := c.dedup.Get(cacheKey); ok {
			span.SetAttributes(attribute.Bool("gateway.dedup_hit", true))
			metrics.GatewayRequestsTotal.WithLabelValues(method, "dedup").Inc()
			return resp, nil
		}
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if c.tokens != nil {
		if token, ok := c.tokens.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		metrics.GatewayRequestsTotal.WithLabelValues(method, "transport_error").Inc()
		c.logger.Warn("gateway request failed", zap.String("method", method), zap.String("endpoint", endpoint), zap.Error(err))
		return Response{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer httpResp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		span.RecordError(err)
		metrics.GatewayRequestsTotal.WithLabelValues(method, "transport_error").Inc()
		return Response{}, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}

	resp := decodeEnvelope(httpResp.StatusCode, raw)
	if !resp.Success {
		span.SetStatus(codes.Error, resp.Error)
		metrics.GatewayRequestsTotal.WithLabelValues(method, "failure").Inc()
		return resp, nil
	}

	metrics.GatewayRequestsTotal.WithLabelValues(method, "success").Inc()
	if cacheKey != "" {
		c.dedup.Set(cacheKey, resp)
	}
	return resp, nil
}

func decodeEnvelope(status int, raw []byte) Response {
	var env Response
	decodeErr := json.Unmarshal(raw, &env)
	env.Status = status

	if status < 200 || status >= 300 {
		env.Success = false
		if decodeErr != nil || env.Error == "" {
			env.Error = fmt.Sprintf("gateway returned %d %s", status, http.StatusText(status))
		}
		return env
	}

	if decodeErr != nil {
		return Response{
			Success: false,
			Status:  status,
			Error:   fmt.Sprintf("malformed gateway response: %v", decodeErr),
		}
	}
	if !env.Success && env.Error == "" {
		env.Error = "gateway reported failure"
	}
	return env
}
