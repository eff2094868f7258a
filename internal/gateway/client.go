package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/smskit/campaign-dispatch/internal/config"
	"github.com/smskit/campaign-dispatch/internal/model"
)

// BulkMessage is one entry in the bulk-send request array.
type BulkMessage struct {
	Destination string `json:"destination"`
	Text        string `json:"text"`
	Sender      string `json:"sender"`
	TraceID     string `json:"traceId"` // our message id, echoed back per result
}

// BulkResult is the gateway's per-message outcome inside a bulk response.
type BulkResult struct {
	TraceID          string `json:"traceId"`
	GatewayMessageID string `json:"gatewayMessageId"`
	Accepted         bool   `json:"accepted"`
	ErrorCode        string `json:"errorCode,omitempty"`
}

type BulkResponse struct {
	BatchID string       `json:"batchId"`
	Results []BulkResult `json:"results"`
}

type statusResponse struct {
	GatewayMessageID string              `json:"gatewayMessageId"`
	DeliveryState    model.DeliveryState `json:"deliveryState"`
	Timestamp        time.Time           `json:"timestamp"`
}

// Client is the adapter boundary to the external SMS gateway.
type Client interface {
	// BulkSend submits one batch. A non-nil error is batch-level
	// (classified by Kind); per-message failures come back inside the
	// response with Accepted=false.
	BulkSend(ctx context.Context, msgs []BulkMessage) (*BulkResponse, error)
	GetStatus(ctx context.Context, gatewayMessageID string) (model.DeliveryState, error)
}

// HTTPClient talks JSON to the gateway. A micro circuit breaker guards
// it: while open, calls short-circuit into a retryable error without
// touching the network.
type HTTPClient struct {
	baseURL    string
	bulkPath   string
	statusPath string
	apiKey     string
	client     *http.Client
	br         *MicroBreaker
}

func NewHTTPClient(cfg config.GatewayConfig) *HTTPClient {
	timeout := cfg.TimeoutMs
	if timeout <= 0 {
		timeout = 5000
	}
	failThreshold := cfg.Breaker.FailThreshold
	if failThreshold <= 0 {
		failThreshold = 3
	}
	openFor := cfg.Breaker.OpenForMs
	if openFor <= 0 {
		openFor = 15000
	}

	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		bulkPath:   cfg.BulkPath,
		statusPath: cfg.StatusPath,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: time.Duration(timeout) * time.Millisecond},
		br:         NewMicroBreaker(failThreshold, time.Duration(openFor)*time.Millisecond),
	}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) BulkSend(ctx context.Context, msgs []BulkMessage) (*BulkResponse, error) {
	if !c.br.TryAcquire() {
		return nil, retryable(CodeBreakerOpen, 0, nil)
	}

	body, err := json.Marshal(msgs)
	if err != nil {
		c.br.OnSuccess() // marshal failure says nothing about the gateway
		return nil, nonRetryable(CodeRejected, 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.bulkPath, bytes.NewReader(body))
	if err != nil {
		c.br.OnSuccess()
		return nil, nonRetryable(CodeRejected, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		c.br.OnFailure()
		return nil, retryable(CodeTransient, 0, err)
	}
	defer res.Body.Close()

	if err := classifyStatus(res.StatusCode); err != nil {
		c.br.OnFailure()
		return nil, err
	}

	var out BulkResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		c.br.OnFailure()
		return nil, retryable(CodeTransient, res.StatusCode, fmt.Errorf("decode bulk response: %w", err))
	}

	c.br.OnSuccess()
	return &out, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, gatewayMessageID string) (model.DeliveryState, error) {
	u := c.baseURL + c.statusPath + "?id=" + url.QueryEscape(gatewayMessageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", nonRetryable(CodeRejected, 0, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return "", retryable(CodeTransient, 0, err)
	}
	defer res.Body.Close()

	if err := classifyStatus(res.StatusCode); err != nil {
		return "", err
	}

	var out statusResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", retryable(CodeTransient, res.StatusCode, fmt.Errorf("decode status response: %w", err))
	}
	return out.DeliveryState, nil
}

// classifyStatus maps an HTTP status onto the failure taxonomy; nil for 2xx.
func classifyStatus(status int) *Error {
	switch {
	case status/100 == 2:
		return nil
	case status == http.StatusTooManyRequests:
		return retryable(CodeRateLimited, status, nil)
	case status/100 == 5:
		return retryable(CodeTransient, status, nil)
	default:
		// 400/401/403/413 and friends: retrying the same payload cannot help
		return nonRetryable(CodeRejected, status, nil)
	}
}
