// internal/pkg/httpclient/client.go

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StatusError 表示下游返回了非 2xx 状态码
type StatusError struct {
	StatusCode int
	Code       string // 响应体中的业务错误码，可能为空
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Client 是一个可追踪的 JSON HTTP 客户端，每次调用都会注入 trace context
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	BaseURL    string
}

// NewClient 创建客户端。http.Client 不设 Timeout，完全由每次请求的 ctx 控制
func NewClient(baseURL string, tracer trace.Tracer, maxConns int) *Client {
	if tracer == nil {
		tracer = otel.Tracer("httpclient")
	}
	if maxConns <= 0 {
		maxConns = 100
	}
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        maxConns,
				MaxIdleConnsPerHost: maxConns,
			},
		},
		BaseURL: strings.TrimRight(baseURL, "/"),
	}
}

// DoJSON 发送请求并把 2xx 响应体解码到 out（out 为 nil 时丢弃）。
// 非 2xx 返回 *StatusError，响应体按 {code, message} 解析。
func (c *Client) DoJSON(ctx context.Context, method, path string, header http.Header, body, out any) (int, error) {
	ctx, span := c.Tracer.Start(ctx, method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	span.SetAttributes(
		attribute.String("http.url", req.URL.String()),
		attribute.String("http.method", method),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil {
			se.Code, se.Message = payload.Code, payload.Message
		}
		// 4xx 是业务结果，不标记 span 错误
		if resp.StatusCode >= 500 {
			span.SetStatus(codes.Error, se.Error())
		}
		return resp.StatusCode, se
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return resp.StatusCode, fmt.Errorf("decode response of %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}
