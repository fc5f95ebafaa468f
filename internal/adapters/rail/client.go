// Package rail is the HTTP client of the payment rail that moves escrowed funds.
package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
)

const (
	transfersPath = "/v1/transfers"
	refundsPath   = "/v1/refunds"
)

type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ ports.PaymentRail = (*HTTPClient)(nil)

func NewHTTPClient(cfg config.RailConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.ConnTimeout,
		},
	}
}

func (c *HTTPClient) Transfer(ctx context.Context, req domain.RailTransferRequest, idempotencyKey string) (*domain.RailResult, error) {
	return doJSON[domain.RailResult](c, ctx, http.MethodPost, transfersPath, req, idempotencyKey)
}

func (c *HTTPClient) Refund(ctx context.Context, req domain.RailRefundRequest, idempotencyKey string) (*domain.RailResult, error) {
	return doJSON[domain.RailResult](c, ctx, http.MethodPost, refundsPath, req, idempotencyKey)
}

// Status looks a transfer or refund up by the idempotency key it was sent with.
func (c *HTTPClient) Status(ctx context.Context, idempotencyKey string) (*domain.RailResult, error) {
	return doJSON[domain.RailResult](c, ctx, http.MethodGet, transfersPath+"/"+url.PathEscape(idempotencyKey), nil, idempotencyKey)
}

// doJSON sends body (if any) as JSON and decodes a 2xx answer into Resp.
// Any other status becomes a *RailError.
func doJSON[Resp any](c *HTTPClient, ctx context.Context, method, path string, body any, idempotencyKey string) (*Resp, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshalling json: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}

	var out Resp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("error decoding json response: %w", err)
	}
	return &out, nil
}

func decodeError(resp *http.Response) *RailError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	railErr := &RailError{StatusCode: resp.StatusCode}

	var body ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Err != "" {
		railErr.Code = body.Err
		railErr.Message = body.Message
	} else {
		railErr.Code = http.StatusText(resp.StatusCode)
		railErr.Message = strings.TrimSpace(string(raw))
	}
	return railErr
}
