/**
 * @description
 * Client for the payment-method service that executes one send attempt of an
 * outgoing payment over the configured method (ILP, local ledger, ...).
 *
 * @notes
 * - Failures carry a code and a retryable flag. The code "RatesUnavailable" is
 *   surfaced as domain.ErrRatesUnavailable so the worker retries it.
 */
package paymentclient

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

	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/app"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

const codeRatesUnavailable = "RatesUnavailable"

// Error describes a failed payment attempt.
type Error struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Retryable   bool   `json:"retryable"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("payment method returned error status %d", e.StatusCode)
	}
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// IsRetryable reports whether another attempt may succeed.
func (e *Error) IsRetryable() bool {
	return e.Retryable || e.StatusCode >= 500
}

// Client is a client for the payment-method service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new payment-method client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type payRequest struct {
	OutgoingPaymentID  uuid.UUID     `json:"outgoing_payment_id"`
	WalletAddressID    uuid.UUID     `json:"wallet_address_id"`
	Receiver           string        `json:"receiver"`
	FinalDebitAmount   domain.Amount `json:"final_debit_amount"`
	FinalReceiveAmount domain.Amount `json:"final_receive_amount"`
}

type payResponse struct {
	Debit   int64 `json:"debit"`
	Receive int64 `json:"receive"`
}

// Pay runs one attempt and reports what actually settled.
func (c *Client) Pay(ctx context.Context, method string, args app.PayArgs) (*app.PayResult, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("payment method base url is empty")
	}
	if args.OutgoingPayment == nil {
		return nil, fmt.Errorf("payment is required")
	}

	payload := payRequest{
		OutgoingPaymentID:  args.OutgoingPayment.ID,
		WalletAddressID:    args.OutgoingPayment.WalletAddressID,
		Receiver:           args.OutgoingPayment.Receiver(),
		FinalDebitAmount:   args.FinalDebitAmount,
		FinalReceiveAmount: args.FinalReceiveAmount,
	}
	if args.Receiver != nil {
		payload.Receiver = args.Receiver.URL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/internal/payments/%s", c.baseURL, url.PathEscape(method))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to payment method: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	var response payResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &app.PayResult{Debit: response.Debit, Receive: response.Receive}, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, apiErr); err != nil {
			apiErr.Description = strings.TrimSpace(string(raw))
		}
	}
	if apiErr.Code == codeRatesUnavailable {
		return fmt.Errorf("%w: %s", domain.ErrRatesUnavailable, apiErr.Description)
	}
	return apiErr
}

// AsError unwraps a payment-method failure, if err is one.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
