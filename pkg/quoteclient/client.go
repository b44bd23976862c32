/**
 * @description
 * Client for the quote-service. Quotes it creates are persisted in the shared
 * database, so the returned quote can be consumed by a payment right away.
 */
package quoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/app"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

// Client is a client for the quote service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new quote service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type createQuoteRequest struct {
	WalletAddressID uuid.UUID      `json:"walletAddressId"`
	Receiver        string         `json:"receiver"`
	DebitAmount     *domain.Amount `json:"debitAmount,omitempty"`
	ReceiveAmount   *domain.Amount `json:"receiveAmount,omitempty"`
	Method          string         `json:"method"`
}

// Create asks the quote service for a quote.
func (c *Client) Create(ctx context.Context, request app.QuoteRequest) (*domain.Quote, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("quote service base url is empty")
	}

	body, err := json.Marshal(createQuoteRequest{
		WalletAddressID: request.WalletAddressID,
		Receiver:        request.Receiver,
		DebitAmount:     request.DebitAmount,
		ReceiveAmount:   request.ReceiveAmount,
		Method:          request.Method,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/quotes", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to quote service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("quote service returned error status %d", resp.StatusCode)
	}

	var quote domain.Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if quote.ID == uuid.Nil {
		return nil, fmt.Errorf("quote service returned a quote without id")
	}
	return &quote, nil
}
