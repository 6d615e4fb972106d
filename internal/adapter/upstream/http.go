// Package upstream opens chat streams against the model service over HTTP.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/tracer"
)

// maxErrorBody bounds how much of a failed response is kept for reporting.
const maxErrorBody = 4096

// HTTPUpstream posts a ChatRequest and streams the response body.
type HTTPUpstream struct {
	client  *http.Client
	url     string
	apiKey  string
	headers map[string]string
	bufSize int
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *slog.Logger
}

// NewHTTPUpstream creates an upstream from config. A nil client selects the
// pooled client from NewHTTPClient.
func NewHTTPUpstream(cfg config.UpstreamConfig, client *http.Client, logger *slog.Logger) *HTTPUpstream {
	if client == nil {
		client = NewHTTPClient(cfg)
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/api/chat"
	}
	return &HTTPUpstream{
		client:  client,
		url:     strings.TrimRight(cfg.BaseURL, "/") + path,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		bufSize: cfg.ReadBufferBytes,
		breaker: newBreaker[*http.Response](cfg.BaseURL, cfg.CircuitBreaker, logger),
		logger:  logger,
	}
}

// Open implements domain.Upstream. The returned source reads the body as it
// arrives; ctx governs the whole exchange, so cancelling it aborts the read.
func (u *HTTPUpstream) Open(ctx context.Context, req domain.ChatRequest) (domain.ByteSource, error) {
	ctx, span := tracer.StartSpan(ctx, "upstream.open", trace.WithAttributes(
		tracer.StringAttr("conversation_id", req.ConversationID),
		tracer.StringAttr("http.url", u.url),
	))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		err = domain.NewSubSystemError("upstream", "Upstream.Open", domain.ErrInvalidInput, err.Error())
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp *http.Response
	if u.breaker != nil {
		resp, err = u.breaker.Execute(func() (*http.Response, error) { return u.do(ctx, body) })
		err = breakerError("Upstream.Open", err)
	} else {
		resp, err = u.do(ctx, body)
	}
	if err != nil {
		u.logger.Warn("upstream open failed",
			"conversation_id", req.ConversationID,
			"code", domain.ErrorCodeOf(err),
			"error", err,
		)
		tracer.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(tracer.IntAttr("http.status_code", resp.StatusCode))
	tracer.SetOK(span)
	return NewReaderSource(resp.Body, u.bufSize), nil
}

func (u *HTTPUpstream) do(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")
	if u.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.apiKey)
	}
	for k, v := range u.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, &domain.UpstreamError{Err: fmt.Errorf("%w: %v", domain.ErrTimeout, err)}
		}
		return nil, &domain.UpstreamError{Err: err}
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return httpResp, nil
}

// mapHTTPError converts a non-200 response to an UpstreamError carrying the
// category sentinel for statuses that have one.
func mapHTTPError(statusCode int, body []byte) error {
	ue := &domain.UpstreamError{StatusCode: statusCode, Body: strings.TrimSpace(string(body))}
	switch statusCode {
	case http.StatusTooManyRequests:
		ue.Err = domain.ErrRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		ue.Err = domain.ErrAuthInvalid
	}
	return ue
}

// State reports the breaker state for status endpoints. Without a breaker
// it is always closed.
func (u *HTTPUpstream) State() gobreaker.State {
	if u.breaker == nil {
		return gobreaker.StateClosed
	}
	return u.breaker.State()
}

var _ domain.Upstream = (*HTTPUpstream)(nil)
