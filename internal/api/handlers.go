/**
 * @description
 * This file contains the HTTP handlers for the outgoing-payment-service's API
 * endpoints. Handlers parse requests, call the application service and map its
 * typed errors onto status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For route parameters.
 * - internal/app, internal/domain: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/app"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// PaymentService is the part of app.Service the handlers call.
type PaymentService interface {
	Create(ctx context.Context, opts app.CreateOptions) (*domain.OutgoingPayment, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.OutgoingPayment, error)
	GetPage(ctx context.Context, opts app.ListOptions) ([]domain.OutgoingPayment, error)
	GetGrantSpentAmounts(ctx context.Context, grant *domain.Grant) (*domain.GrantSpentTotals, error)
	Fund(ctx context.Context, opts app.FundOptions) (*domain.OutgoingPayment, error)
	Cancel(ctx context.Context, opts app.CancelOptions) (*domain.OutgoingPayment, error)
	ProcessNext(ctx context.Context) (*uuid.UUID, error)
}

// OutgoingPaymentHandlers holds the application service that handlers will use.
type OutgoingPaymentHandlers struct {
	service PaymentService
}

// NewOutgoingPaymentHandlers creates a new instance of OutgoingPaymentHandlers.
func NewOutgoingPaymentHandlers(service PaymentService) *OutgoingPaymentHandlers {
	return &OutgoingPaymentHandlers{service: service}
}

type createPaymentRequest struct {
	WalletAddressID string         `json:"wallet_address_id"`
	QuoteID         string         `json:"quote_id,omitempty"`
	IncomingPayment string         `json:"incoming_payment,omitempty"`
	DebitAmount     *domain.Amount `json:"debit_amount,omitempty"`
	ReceiveAmount   *domain.Amount `json:"receive_amount,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type createInternalPaymentRequest struct {
	createPaymentRequest
	Client string `json:"client,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
}

type fundPaymentRequest struct {
	Amount     int64  `json:"amount"`
	TransferID string `json:"transfer_id"`
}

type cancelPaymentRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type processNextResponse struct {
	Processed *uuid.UUID `json:"processed"`
}

func (req createPaymentRequest) options() (app.CreateOptions, error) {
	walletID, err := uuid.Parse(strings.TrimSpace(req.WalletAddressID))
	if err != nil {
		return app.CreateOptions{}, errors.New("invalid wallet_address_id")
	}
	opts := app.CreateOptions{WalletAddressID: walletID, Metadata: req.Metadata}

	switch {
	case req.QuoteID != "" && req.IncomingPayment != "":
		return app.CreateOptions{}, errors.New("quote_id and incoming_payment are mutually exclusive")
	case req.QuoteID != "":
		quoteID, err := uuid.Parse(strings.TrimSpace(req.QuoteID))
		if err != nil {
			return app.CreateOptions{}, errors.New("invalid quote_id")
		}
		opts.Source = app.CreateFromQuote{QuoteID: quoteID}
	case req.IncomingPayment != "":
		opts.Source = app.CreateFromIncomingPayment{
			IncomingPayment: req.IncomingPayment,
			DebitAmount:     req.DebitAmount,
			ReceiveAmount:   req.ReceiveAmount,
		}
	default:
		return app.CreateOptions{}, errors.New("quote_id or incoming_payment is required")
	}
	return opts, nil
}

// CreateHandler creates a payment under the caller's grant.
func (h *OutgoingPaymentHandlers) CreateHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetGrantClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get grant from context")
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	opts, err := req.options()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !claimsAllowWallet(claims, opts.WalletAddressID) {
		h.writeError(w, http.StatusForbidden, "Grant does not cover this wallet address")
		return
	}

	opts.Grant = claims.Grant()
	if claims.Client != "" {
		client := claims.Client
		opts.Client = &client
	}

	payment, err := h.service.Create(r.Context(), opts)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_outgoing_payment outcome=failed grant_id=%s wallet_address_id=%s err=%v", claims.GrantID, opts.WalletAddressID, err)
		h.writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=create_outgoing_payment outcome=created payment_id=%s grant_id=%s", payment.ID, claims.GrantID)
	h.writeJSON(w, http.StatusCreated, payment)
}

// CreateInternalHandler creates a payment without a grant.
func (h *OutgoingPaymentHandlers) CreateInternalHandler(w http.ResponseWriter, r *http.Request) {
	var req createInternalPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	opts, err := req.options()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Client != "" {
		client := req.Client
		opts.Client = &client
	}
	if req.PeerID != "" {
		peerID, err := uuid.Parse(req.PeerID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid peer_id")
			return
		}
		opts.PeerID = &peerID
	}

	payment, err := h.service.Create(r.Context(), opts)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_internal_outgoing_payment outcome=failed wallet_address_id=%s err=%v", opts.WalletAddressID, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, payment)
}

// GetHandler returns one payment with its sent amount.
func (h *OutgoingPaymentHandlers) GetHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetGrantClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get grant from context")
		return
	}
	id, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	payment, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !claimsAllowWallet(claims, payment.WalletAddressID) {
		h.writeServiceError(w, app.ErrUnknownPayment)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// ListHandler lists payments of the wallet address the caller's grant covers.
func (h *OutgoingPaymentHandlers) ListHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetGrantClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get grant from context")
		return
	}

	query := r.URL.Query()
	opts := app.ListOptions{
		Receiver: strings.TrimSpace(query.Get("receiver")),
		Limit:    defaultPageLimit,
	}

	walletParam := strings.TrimSpace(query.Get("wallet_address_id"))
	if walletParam == "" {
		walletParam = claims.WalletAddressID
	}
	if walletParam == "" {
		h.writeError(w, http.StatusBadRequest, "wallet_address_id is required")
		return
	}
	walletID, err := uuid.Parse(walletParam)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid wallet_address_id")
		return
	}
	if !claimsAllowWallet(claims, walletID) {
		h.writeError(w, http.StatusForbidden, "Grant does not cover this wallet address")
		return
	}
	opts.WalletAddressID = &walletID

	for _, raw := range query["state"] {
		for _, part := range strings.Split(raw, ",") {
			state := domain.PaymentState(strings.ToUpper(strings.TrimSpace(part)))
			if state == "" {
				continue
			}
			if !state.Valid() {
				h.writeError(w, http.StatusBadRequest, "invalid state filter")
				return
			}
			opts.States = append(opts.States, state)
		}
	}

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
		opts.Limit = limit
	}
	if v := query.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = offset
	}

	payments, err := h.service.GetPage(r.Context(), opts)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_outgoing_payments outcome=failed wallet_address_id=%s err=%v", walletID, err)
		h.writeServiceError(w, err)
		return
	}
	if payments == nil {
		payments = []domain.OutgoingPayment{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   payments,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// GrantSpentAmountsHandler reports what the caller's grant has spent.
func (h *OutgoingPaymentHandlers) GrantSpentAmountsHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetGrantClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get grant from context")
		return
	}

	totals, err := h.service.GetGrantSpentAmounts(r.Context(), claims.Grant())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, totals)
}

// FundHandler funds a FUNDING payment.
func (h *OutgoingPaymentHandlers) FundHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	var req fundPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	transferID, err := uuid.Parse(strings.TrimSpace(req.TransferID))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid transfer_id")
		return
	}

	payment, err := h.service.Fund(r.Context(), app.FundOptions{ID: id, Amount: req.Amount, TransferID: transferID})
	if err != nil {
		log.Printf("level=warn component=api endpoint=fund_outgoing_payment outcome=failed payment_id=%s err=%v", id, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// CancelHandler cancels a FUNDING payment.
func (h *OutgoingPaymentHandlers) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	var req cancelPaymentRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	payment, err := h.service.Cancel(r.Context(), app.CancelOptions{ID: id, Reason: req.Reason})
	if err != nil {
		log.Printf("level=warn component=api endpoint=cancel_outgoing_payment outcome=failed payment_id=%s err=%v", id, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// ProcessNextHandler runs one worker step.
func (h *OutgoingPaymentHandlers) ProcessNextHandler(w http.ResponseWriter, r *http.Request) {
	processed, err := h.service.ProcessNext(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=process_next outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to process payment")
		return
	}
	h.writeJSON(w, http.StatusOK, processNextResponse{Processed: processed})
}

func (h *OutgoingPaymentHandlers) paymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID")
		return uuid.Nil, false
	}
	return id, true
}

func claimsAllowWallet(claims *GrantClaims, walletID uuid.UUID) bool {
	if claims.WalletAddressID == "" {
		return true
	}
	return strings.EqualFold(claims.WalletAddressID, walletID.String())
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, app.ErrUnknownWalletAddress),
		errors.Is(err, app.ErrUnknownQuote),
		errors.Is(err, app.ErrUnknownPayment):
		return http.StatusNotFound
	case errors.Is(err, app.ErrWrongState):
		return http.StatusConflict
	case errors.Is(err, app.ErrInvalidQuote),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInactiveWalletAddress):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrInsufficientGrant):
		return http.StatusForbidden
	case errors.Is(err, app.ErrGrantLocked):
		return http.StatusLocked
	case errors.Is(err, app.ErrCreateRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, app.ErrSentAmountUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *OutgoingPaymentHandlers) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.writeError(w, status, "Internal server error")
		return
	}
	h.writeError(w, status, err.Error())
}

// writeJSON is a helper for writing JSON responses.
func (h *OutgoingPaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *OutgoingPaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
