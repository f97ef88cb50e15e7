package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/escrowd/internal/domain"
)

var (
	gatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_gateway_calls_total",
		Help: "Payment gateway calls, labeled by outcome",
	}, []string{"operation", "outcome"})

	gatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_gateway_call_duration_seconds",
		Help:    "Latency distribution of payment gateway calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation"})
)

// LinkRequest asks the gateway for a hosted payment page.
type LinkRequest struct {
	Reference   string    `json:"reference"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	ReturnURL   string    `json:"return_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type LinkResponse struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

// Pending reports whether the gateway already considers the link awaiting
// the payer (as opposed to merely created).
func (r LinkResponse) Pending() bool {
	return strings.EqualFold(r.Status, "pending")
}

// Client is the outbound half of the gateway. It is stateless and safe for
// concurrent use; one instance is built in main and injected.
type Client interface {
	CreatePaymentLink(ctx context.Context, req LinkRequest) (LinkResponse, error)
}

type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// CreatePaymentLink maps transport failures and 5xx/429 answers to
// domain.ErrGatewayUnavailable. Other non-2xx answers are ErrInternal: retrying
// the same request would not help.
func (c *HTTPClient) CreatePaymentLink(ctx context.Context, req LinkRequest) (LinkResponse, error) {
	timer := prometheus.NewTimer(gatewayCallDuration.WithLabelValues("create_link"))
	defer timer.ObserveDuration()

	body, err := json.Marshal(req)
	if err != nil {
		return LinkResponse{}, fmt.Errorf("encode link request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payment_links", bytes.NewReader(body))
	if err != nil {
		return LinkResponse{}, fmt.Errorf("build link request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.Reference)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		gatewayCallsTotal.WithLabelValues("create_link", "unavailable").Inc()
		return LinkResponse{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		gatewayCallsTotal.WithLabelValues("create_link", "unavailable").Inc()
		return LinkResponse{}, fmt.Errorf("%w: read response: %v", domain.ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		gatewayCallsTotal.WithLabelValues("create_link", "unavailable").Inc()
		return LinkResponse{}, fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		gatewayCallsTotal.WithLabelValues("create_link", "rejected").Inc()
		return LinkResponse{}, fmt.Errorf("%w: gateway rejected link request: status %d: %s", domain.ErrInternal, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out LinkResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		gatewayCallsTotal.WithLabelValues("create_link", "bad_response").Inc()
		return LinkResponse{}, fmt.Errorf("%w: decode link response: %v", domain.ErrGatewayUnavailable, err)
	}
	if out.ID == "" || out.URL == "" {
		gatewayCallsTotal.WithLabelValues("create_link", "bad_response").Inc()
		return LinkResponse{}, fmt.Errorf("%w: link response missing id or url", domain.ErrGatewayUnavailable)
	}
	gatewayCallsTotal.WithLabelValues("create_link", "ok").Inc()
	return out, nil
}
