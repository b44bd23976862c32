/**
 * @description
 * Client for resolving a receiver (an incoming payment URL, local or remote)
 * into its current state through the receiver-service.
 */
package receiverclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/transfa/outgoing-payment-service/internal/domain"
)

// Client is a client for the receiver service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new receiver service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Get resolves receiverURL. It returns nil, nil when the receiver cannot be found.
func (c *Client) Get(ctx context.Context, receiverURL string) (*domain.Receiver, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("receiver service base url is empty")
	}

	endpoint := fmt.Sprintf("%s/internal/receivers?url=%s", c.baseURL, url.QueryEscape(receiverURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to receiver service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("receiver service returned error status %d", resp.StatusCode)
	}

	var receiver domain.Receiver
	if err := json.NewDecoder(resp.Body).Decode(&receiver); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if receiver.URL == "" {
		receiver.URL = receiverURL
	}
	return &receiver, nil
}
