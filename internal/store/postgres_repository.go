/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Queries run against either the pool or an open transaction through the shared
 * querier interface, so the same code serves reads and locked lifecycle updates.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Exchange rates stored as NUMERIC.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

const (
	pgUniqueViolation   = "23505"
	pgLockNotAvailable  = "55P03"
	pgQueryCanceled     = "57014"
	maxWebhookErrorSize = 2000
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	queries
}

type queries struct {
	db querier
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, queries: queries{db: pool}}
}

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx PaymentStore) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (q *queries) GetWalletAddress(ctx context.Context, id uuid.UUID) (*domain.WalletAddress, error) {
	var w domain.WalletAddress
	err := q.db.QueryRow(ctx, `
		SELECT id, url, asset_id, asset_code, asset_scale, deactivated_at
		FROM wallet_addresses
		WHERE id = $1
	`, id).Scan(&w.ID, &w.URL, &w.AssetID, &w.AssetCode, &w.AssetScale, &w.DeactivatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletAddressNotFound
		}
		return nil, err
	}
	return &w, nil
}

const quoteColumns = `
	q.id, q.wallet_address_id, q.receiver,
	q.debit_amount_value, q.debit_asset_code, q.debit_asset_scale,
	q.receive_amount_value, q.receive_asset_code, q.receive_asset_scale,
	q.asset_id, q.estimated_exchange_rate::text, q.method, q.expires_at, q.created_at`

func quoteScanTargets(quote *domain.Quote, rate *string) []any {
	return []any{
		&quote.ID, &quote.WalletAddressID, &quote.Receiver,
		&quote.DebitAmount.Value, &quote.DebitAmount.AssetCode, &quote.DebitAmount.AssetScale,
		&quote.ReceiveAmount.Value, &quote.ReceiveAmount.AssetCode, &quote.ReceiveAmount.AssetScale,
		&quote.AssetID, rate, &quote.Method, &quote.ExpiresAt, &quote.CreatedAt,
	}
}

func (q *queries) GetQuote(ctx context.Context, id uuid.UUID) (*domain.Quote, error) {
	var (
		quote domain.Quote
		rate  string
	)
	err := q.db.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes q WHERE q.id = $1`, id).
		Scan(quoteScanTargets(&quote, &rate)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuoteNotFound
		}
		return nil, err
	}
	if quote.EstimatedExchangeRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("parse exchange rate for quote %s: %w", id, err)
	}
	return &quote, nil
}

func (q *queries) InsertOutgoingPayment(ctx context.Context, payment *domain.OutgoingPayment) error {
	metadata, err := marshalMetadata(payment.Metadata)
	if err != nil {
		return err
	}
	err = q.db.QueryRow(ctx, `
		INSERT INTO outgoing_payments (
			id, quote_id, wallet_address_id, grant_id, asset_id, state, state_attempts,
			error, client, metadata, peer_id, created_at, updated_at
		) VALUES ($1, $1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, COALESCE($11::timestamptz, NOW()), COALESCE($11::timestamptz, NOW()))
		RETURNING created_at, updated_at
	`,
		payment.ID, payment.WalletAddressID, payment.GrantID, payment.Quote.AssetID, string(payment.State),
		payment.StateAttempts, payment.Error, payment.Client, metadata, payment.PeerID, nullableTime(payment.CreatedAt),
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrPaymentExists
		}
		return fmt.Errorf("insert outgoing payment: %w", err)
	}
	return nil
}

const paymentSelect = `
	SELECT p.id, p.wallet_address_id, p.grant_id, p.state, p.state_attempts, p.error,
		p.client, p.metadata::text, p.peer_id, p.created_at, p.updated_at, ` + quoteColumns + `
	FROM outgoing_payments p
	JOIN quotes q ON q.id = p.quote_id`

func scanPayment(row pgx.Row) (*domain.OutgoingPayment, error) {
	var (
		p        domain.OutgoingPayment
		state    string
		metadata *string
		rate     string
	)
	targets := []any{
		&p.ID, &p.WalletAddressID, &p.GrantID, &state, &p.StateAttempts, &p.Error,
		&p.Client, &metadata, &p.PeerID, &p.CreatedAt, &p.UpdatedAt,
	}
	targets = append(targets, quoteScanTargets(&p.Quote, &rate)...)
	if err := row.Scan(targets...); err != nil {
		return nil, err
	}
	p.State = domain.PaymentState(state)
	if metadata != nil && *metadata != "" && *metadata != "null" {
		if err := json.Unmarshal([]byte(*metadata), &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for payment %s: %w", p.ID, err)
		}
	}
	var err error
	if p.Quote.EstimatedExchangeRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("parse exchange rate for payment %s: %w", p.ID, err)
	}
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]domain.OutgoingPayment, error) {
	defer rows.Close()
	var payments []domain.OutgoingPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (q *queries) GetOutgoingPayment(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.OutgoingPayment, error) {
	query := paymentSelect + ` WHERE p.id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF p`
	}
	p, err := scanPayment(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (q *queries) ListOutgoingPayments(ctx context.Context, filter PaymentFilter) ([]domain.OutgoingPayment, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.WalletAddressID != nil {
		args = append(args, *filter.WalletAddressID)
		conditions = append(conditions, fmt.Sprintf("p.wallet_address_id = $%d", len(args)))
	}
	if receiver := strings.TrimSpace(filter.Receiver); receiver != "" {
		args = append(args, receiver)
		conditions = append(conditions, fmt.Sprintf("q.receiver = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, s := range filter.States {
			states = append(states, string(s))
		}
		args = append(args, states)
		conditions = append(conditions, fmt.Sprintf("p.state = ANY($%d)", len(args)))
	}

	query := paymentSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY p.created_at DESC, p.id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outgoing payments: %w", err)
	}
	return collectPayments(rows)
}

func (q *queries) ListGrantPayments(ctx context.Context, grantID string) ([]domain.OutgoingPayment, error) {
	rows, err := q.db.Query(ctx, paymentSelect+` WHERE p.grant_id = $1 ORDER BY p.created_at ASC`, grantID)
	if err != nil {
		return nil, fmt.Errorf("list grant payments: %w", err)
	}
	return collectPayments(rows)
}

func (q *queries) UpdateOutgoingPayment(ctx context.Context, payment *domain.OutgoingPayment) error {
	metadata, err := marshalMetadata(payment.Metadata)
	if err != nil {
		return err
	}
	err = q.db.QueryRow(ctx, `
		UPDATE outgoing_payments
		SET state = $2,
			state_attempts = $3,
			error = $4,
			metadata = $5::jsonb,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, payment.ID, string(payment.State), payment.StateAttempts, payment.Error, metadata).Scan(&payment.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPaymentNotFound
		}
		return fmt.Errorf("update outgoing payment: %w", err)
	}
	return nil
}

func (q *queries) ClaimNextSendingPayment(ctx context.Context, now time.Time, backoffUnit time.Duration, maxBackoffSteps int) (*domain.OutgoingPayment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, paymentSelect+`
		WHERE p.state = $1
			AND (
				p.state_attempts = 0
				OR p.updated_at + LEAST(p.state_attempts, $2) * ($3 * INTERVAL '1 millisecond') < $4
			)
		ORDER BY p.updated_at ASC
		LIMIT 1
		FOR UPDATE OF p SKIP LOCKED
	`, string(domain.PaymentStateSending), maxBackoffSteps, backoffUnit.Milliseconds(), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim sending payment: %w", err)
	}
	return p, nil
}

func (q *queries) LockGrant(ctx context.Context, grantID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if _, err := q.db.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", timeout.Milliseconds())); err != nil {
		return fmt.Errorf("set grant lock timeout: %w", err)
	}

	if _, err := q.db.Exec(ctx, `INSERT INTO outgoing_payment_grants (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, grantID); err != nil {
		return mapLockError(err)
	}
	var locked string
	if err := q.db.QueryRow(ctx, `SELECT id FROM outgoing_payment_grants WHERE id = $1 FOR UPDATE`, grantID).Scan(&locked); err != nil {
		return mapLockError(err)
	}

	if _, err := q.db.Exec(ctx, `SELECT set_config('lock_timeout', '0', true)`); err != nil {
		return fmt.Errorf("reset grant lock timeout: %w", err)
	}
	return nil
}

func mapLockError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgLockNotAvailable || pgErr.Code == pgQueryCanceled) {
		return ErrGrantLockTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrGrantLockTimeout
	}
	return fmt.Errorf("lock grant: %w", err)
}

const grantSpentColumns = `
	id, grant_id, outgoing_payment_id,
	debit_amount_code, debit_amount_scale,
	payment_debit_amount_value, interval_debit_amount_value, grant_total_debit_amount_value,
	receive_amount_code, receive_amount_scale,
	payment_receive_amount_value, interval_receive_amount_value, grant_total_receive_amount_value,
	payment_state, interval_start, interval_end, created_at`

func (q *queries) LatestGrantSpentAmounts(ctx context.Context, filter GrantSpentFilter) (*domain.GrantSpentAmounts, error) {
	args := []any{filter.GrantID}
	conditions := []string{"grant_id = $1"}
	if filter.OutgoingPaymentID != nil {
		args = append(args, *filter.OutgoingPaymentID)
		conditions = append(conditions, fmt.Sprintf("outgoing_payment_id = $%d", len(args)))
	}
	if filter.IntervalStart != nil && filter.IntervalEnd != nil {
		args = append(args, *filter.IntervalStart, *filter.IntervalEnd)
		conditions = append(conditions, fmt.Sprintf("interval_start = $%d AND interval_end = $%d", len(args)-1, len(args)))
	}

	var (
		row   domain.GrantSpentAmounts
		state string
	)
	err := q.db.QueryRow(ctx, `SELECT `+grantSpentColumns+`
		FROM outgoing_payment_grant_spent_amounts
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, args...).Scan(
		&row.ID, &row.GrantID, &row.OutgoingPaymentID,
		&row.DebitAmountCode, &row.DebitAmountScale,
		&row.PaymentDebitAmountValue, &row.IntervalDebitAmountValue, &row.GrantTotalDebitAmountValue,
		&row.ReceiveAmountCode, &row.ReceiveAmountScale,
		&row.PaymentReceiveAmountValue, &row.IntervalReceiveAmountValue, &row.GrantTotalReceiveAmountValue,
		&state, &row.IntervalStart, &row.IntervalEnd, &row.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest grant spent amounts: %w", err)
	}
	row.PaymentState = domain.PaymentState(state)
	return &row, nil
}

func (q *queries) InsertGrantSpentAmounts(ctx context.Context, row *domain.GrantSpentAmounts) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO outgoing_payment_grant_spent_amounts (
			id, grant_id, outgoing_payment_id,
			debit_amount_code, debit_amount_scale,
			payment_debit_amount_value, interval_debit_amount_value, grant_total_debit_amount_value,
			receive_amount_code, receive_amount_scale,
			payment_receive_amount_value, interval_receive_amount_value, grant_total_receive_amount_value,
			payment_state, interval_start, interval_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at
	`,
		row.ID, row.GrantID, row.OutgoingPaymentID,
		row.DebitAmountCode, row.DebitAmountScale,
		row.PaymentDebitAmountValue, row.IntervalDebitAmountValue, row.GrantTotalDebitAmountValue,
		row.ReceiveAmountCode, row.ReceiveAmountScale,
		row.PaymentReceiveAmountValue, row.IntervalReceiveAmountValue, row.GrantTotalReceiveAmountValue,
		string(row.PaymentState), row.IntervalStart, row.IntervalEnd,
	).Scan(&row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert grant spent amounts: %w", err)
	}
	return nil
}

func (q *queries) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	var withdrawal *string
	if event.Withdrawal != nil {
		blob, err := json.Marshal(event.Withdrawal)
		if err != nil {
			return err
		}
		encoded := string(blob)
		withdrawal = &encoded
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO webhook_events (id, type, outgoing_payment_id, data, withdrawal, status, next_attempt_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, 'pending', NOW())
		RETURNING created_at
	`, event.ID, string(event.Type), event.OutgoingPaymentID, string(event.Data), withdrawal).Scan(&event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (q *queries) ClaimWebhookEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := q.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM webhook_events
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_events AS e
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = e.attempts + 1
		FROM candidates
		WHERE e.id = candidates.id
		RETURNING e.id, e.type, e.outgoing_payment_id, e.data::text, e.withdrawal::text, e.attempts, e.created_at
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.WebhookEvent, 0, limit)
	for rows.Next() {
		var (
			event      domain.WebhookEvent
			eventType  string
			data       string
			withdrawal *string
		)
		if err := rows.Scan(&event.ID, &eventType, &event.OutgoingPaymentID, &data, &withdrawal, &event.Attempts, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Type = domain.WebhookEventType(eventType)
		event.Data = json.RawMessage(data)
		if withdrawal != nil {
			var w domain.Withdrawal
			if err := json.Unmarshal([]byte(*withdrawal), &w); err != nil {
				return nil, err
			}
			event.Withdrawal = &w
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (q *queries) MarkWebhookEventPublished(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (q *queries) MarkWebhookEventFailed(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > maxWebhookErrorSize {
		reason = reason[:maxWebhookErrorSize]
	}
	_, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

func marshalMetadata(metadata map[string]any) (*string, error) {
	if metadata == nil {
		return nil, nil
	}
	blob, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	encoded := string(blob)
	return &encoded, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
