/**
 * @description
 * This package provides a client for the accounting-service, the double-entry
 * ledger that owns every payment's liquidity account. The outgoing-payment-service
 * never stores sent amounts itself; it asks this service.
 */
package accountingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/app"
)

// Error is returned for any non-2xx response from the accounting service.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("accounting service returned error status %d", e.StatusCode)
	}
	return fmt.Sprintf("accounting service returned error status %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed when repeated.
func (e *Error) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client is a client for the accounting service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new accounting service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type createLiquidityAccountRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	AssetID   uuid.UUID `json:"asset_id"`
}

type createDepositRequest struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	AssetID   uuid.UUID `json:"asset_id"`
	Amount    int64     `json:"amount"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

type totalSentResponse struct {
	TotalSent int64 `json:"total_sent"`
}

type accountsTotalSentRequest struct {
	AccountIDs []uuid.UUID `json:"account_ids"`
}

type accountsTotalSentResponse struct {
	Totals map[uuid.UUID]int64 `json:"totals"`
}

// CreateLiquidityAccount opens the ledger account a payment sends from. An
// account that already exists is not an error.
func (c *Client) CreateLiquidityAccount(ctx context.Context, accountID uuid.UUID, assetID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, "/internal/accounts/liquidity", createLiquidityAccountRequest{
		AccountID: accountID,
		AssetID:   assetID,
	}, nil, http.StatusConflict)
	return err
}

// CreateDeposit credits a payment's liquidity account.
func (c *Client) CreateDeposit(ctx context.Context, deposit app.Deposit) error {
	_, err := c.do(ctx, http.MethodPost, "/internal/deposits", createDepositRequest{
		ID:        deposit.ID,
		AccountID: deposit.AccountID,
		AssetID:   deposit.AssetID,
		Amount:    deposit.Amount,
	}, nil)
	return err
}

// GetBalance returns the unsent liquidity on an account. ok is false when the
// account does not exist.
func (c *Client) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, bool, error) {
	var response balanceResponse
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/internal/accounts/%s/balance", accountID), nil, &response, http.StatusNotFound)
	if err != nil {
		return 0, false, err
	}
	if status == http.StatusNotFound {
		return 0, false, nil
	}
	return response.Balance, true, nil
}

// GetTotalSent returns how much has left an account. ok is false when the
// account does not exist.
func (c *Client) GetTotalSent(ctx context.Context, accountID uuid.UUID) (int64, bool, error) {
	var response totalSentResponse
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/internal/accounts/%s/total-sent", accountID), nil, &response, http.StatusNotFound)
	if err != nil {
		return 0, false, err
	}
	if status == http.StatusNotFound {
		return 0, false, nil
	}
	return response.TotalSent, true, nil
}

// GetAccountsTotalSent looks up many accounts at once. Unknown accounts are
// absent from the result.
func (c *Client) GetAccountsTotalSent(ctx context.Context, accountIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	if len(accountIDs) == 0 {
		return map[uuid.UUID]int64{}, nil
	}
	var response accountsTotalSentResponse
	if _, err := c.do(ctx, http.MethodPost, "/internal/accounts/total-sent", accountsTotalSentRequest{AccountIDs: accountIDs}, &response); err != nil {
		return nil, err
	}
	if response.Totals == nil {
		response.Totals = map[uuid.UUID]int64{}
	}
	return response.Totals, nil
}

// do executes a request. Statuses listed in tolerated are returned without an
// error and without decoding the body.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}, tolerated ...int) (int, error) {
	if c.baseURL == "" {
		return 0, fmt.Errorf("accounting service base url is empty")
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request to accounting service: %w", err)
	}
	defer resp.Body.Close()

	for _, status := range tolerated {
		if resp.StatusCode == status {
			return status, nil
		}
	}

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
