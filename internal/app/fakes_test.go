package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/outgoing-payment-service/internal/domain"
	"github.com/transfa/outgoing-payment-service/internal/store"
)

// memoryState is the committed content of memoryRepo.
type memoryState struct {
	wallets   map[uuid.UUID]domain.WalletAddress
	quotes    map[uuid.UUID]domain.Quote
	payments  map[uuid.UUID]domain.OutgoingPayment
	spent     []domain.GrantSpentAmounts
	events    []domain.WebhookEvent
	published map[uuid.UUID]bool
}

func newMemoryState() *memoryState {
	return &memoryState{
		wallets:   map[uuid.UUID]domain.WalletAddress{},
		quotes:    map[uuid.UUID]domain.Quote{},
		payments:  map[uuid.UUID]domain.OutgoingPayment{},
		published: map[uuid.UUID]bool{},
	}
}

func clonePayment(p domain.OutgoingPayment) domain.OutgoingPayment {
	if p.Metadata != nil {
		metadata := make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			metadata[k] = v
		}
		p.Metadata = metadata
	}
	if p.Error != nil {
		message := *p.Error
		p.Error = &message
	}
	p.SentAmount = nil
	p.Balance = nil
	return p
}

// memoryRepo is an in-memory store.Repository that behaves like Postgres at
// READ COMMITTED. Every statement sees committed rows plus the transaction's own
// writes, writes become visible on commit, and payment rows and grant markers stay
// locked until the transaction ends. Transaction bodies run concurrently.
type memoryRepo struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	lockGrantErr error
	// beforeSpentInsert runs inside the caller's transaction, with no repo mutex
	// held, before a grant spent row is written.
	beforeSpentInsert func(row *domain.GrantSpentAmounts)
}

func newMemoryRepo(now func() time.Time) *memoryRepo {
	return &memoryRepo{
		state: newMemoryState(),
		now:   now,
		locks: map[string]chan struct{}{},
	}
}

func (r *memoryRepo) rowLock(key string) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		r.locks[key] = lock
	}
	return lock
}

func (r *memoryRepo) begin() *memoryTx {
	return &memoryTx{
		repo:     r,
		payments: map[uuid.UUID]domain.OutgoingPayment{},
		held:     map[string]bool{},
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(tx store.PaymentStore) error) error {
	return r.autocommit(func(tx *memoryTx) error { return fn(tx) })
}

// autocommit runs fn in a new transaction, committing only when it succeeds.
func (r *memoryRepo) autocommit(fn func(tx *memoryTx) error) error {
	tx := r.begin()
	if err := fn(tx); err != nil {
		tx.release()
		return err
	}
	tx.commit()
	return nil
}

func (r *memoryRepo) GetWalletAddress(ctx context.Context, id uuid.UUID) (wallet *domain.WalletAddress, err error) {
	err = r.autocommit(func(tx *memoryTx) error {
		wallet, err = tx.GetWalletAddress(ctx, id)
		return err
	})
	return wallet, err
}

func (r *memoryRepo) GetQuote(ctx context.Context, id uuid.UUID) (quote *domain.Quote, err error) {
	err = r.autocommit(func(tx *memoryTx) error {
		quote, err = tx.GetQuote(ctx, id)
		return err
	})
	return quote, err
}

func (r *memoryRepo) InsertOutgoingPayment(ctx context.Context, payment *domain.OutgoingPayment) error {
	return r.autocommit(func(tx *memoryTx) error {
		return tx.InsertOutgoingPayment(ctx, payment)
	})
}

func (r *memoryRepo) GetOutgoingPayment(ctx context.Context, id uuid.UUID, forUpdate bool) (payment *domain.OutgoingPayment, err error) {
	err = r.autocommit(func(tx *memoryTx) error {
		payment, err = tx.GetOutgoingPayment(ctx, id, forUpdate)
		return err
	})
	return payment, err
}

func (r *memoryRepo) ListOutgoingPayments(ctx context.Context, filter store.PaymentFilter) (payments []domain.OutgoingPayment, err error) {
	err = r.autocommit(func(tx *memoryTx) error {
		payments, err = tx.ListOutgoingPayments(ctx, filter)
		return err
	})
	return payments, err
}

func (r *memoryRepo) ListGrantPayments(ctx context.Context, grantID string) (payments []domain.OutgoingPayment, err error) {
	err = r.autocommit(func(tx *memoryTx) error {
		payments, err = tx.ListGrantPayments(ctx, grantID)
		return err
	})
	return payments, err
}

func (r *memoryRepo) UpdateOutgoingPayment(ctx context.Context, payment *domain.OutgoingPayment) error {
	return r.autocommit(func(tx *memoryTx) error {
		return tx.UpdateOutgoingPayment(ctx, payment)
	})
}

func (r *memoryRepo) ClaimNextSendingPayment(ctx context.Context, now time.Time, backoffUnit time.Duration, maxBackoffSteps int) (payment *domain.OutgoingPayment, err error) {
	err = r.autocommit(func(tx *memoryTx) error {
		payment, err = tx.ClaimNextSendingPayment(ctx, now, backoffUnit, maxBackoffSteps)
		return err
	})
	return payment, err
}

func (r *memoryRepo) LockGrant(ctx context.Context, grantID string, timeout time.Duration) error {
	return r.autocommit(func(tx *memoryTx) error {
		return tx.LockGrant(ctx, grantID, timeout)
	})
}

func (r *memoryRepo) LatestGrantSpentAmounts(ctx context.Context, filter store.GrantSpentFilter) (row *domain.GrantSpentAmounts, err error) {
	err = r.autocommit(func(tx *memoryTx) error {
		row, err = tx.LatestGrantSpentAmounts(ctx, filter)
		return err
	})
	return row, err
}

func (r *memoryRepo) InsertGrantSpentAmounts(ctx context.Context, row *domain.GrantSpentAmounts) error {
	return r.autocommit(func(tx *memoryTx) error {
		return tx.InsertGrantSpentAmounts(ctx, row)
	})
}

func (r *memoryRepo) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	return r.autocommit(func(tx *memoryTx) error {
		return tx.InsertWebhookEvent(ctx, event)
	})
}

func (r *memoryRepo) ClaimWebhookEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.WebhookEvent, error) {
	return r.begin().ClaimWebhookEvents(ctx, limit, staleAfterSeconds)
}

func (r *memoryRepo) MarkWebhookEventPublished(ctx context.Context, id uuid.UUID) error {
	return r.begin().MarkWebhookEventPublished(ctx, id)
}

func (r *memoryRepo) MarkWebhookEventFailed(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error {
	return r.begin().MarkWebhookEventFailed(ctx, id, retryAfterSeconds, reason)
}

// Test accessors read committed state.

func (r *memoryRepo) addWallet(w domain.WalletAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.wallets[w.ID] = w
}

func (r *memoryRepo) addQuote(q domain.Quote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.quotes[q.ID] = q
}

func (r *memoryRepo) payment(t *testing.T, id uuid.UUID) domain.OutgoingPayment {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.payments[id]
	if !ok {
		t.Fatalf("payment %s not stored", id)
	}
	return clonePayment(p)
}

func (r *memoryRepo) spentRows(paymentID uuid.UUID) []domain.GrantSpentAmounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rows []domain.GrantSpentAmounts
	for _, row := range r.state.spent {
		if row.OutgoingPaymentID == paymentID {
			rows = append(rows, row)
		}
	}
	return rows
}

func (r *memoryRepo) allSpentRows() []domain.GrantSpentAmounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.GrantSpentAmounts(nil), r.state.spent...)
}

func (r *memoryRepo) latestGrantRow(grantID string) *domain.GrantSpentAmounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.state.spent) - 1; i >= 0; i-- {
		if r.state.spent[i].GrantID == grantID {
			row := r.state.spent[i]
			return &row
		}
	}
	return nil
}

func (r *memoryRepo) eventsFor(paymentID uuid.UUID) []domain.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []domain.WebhookEvent
	for _, e := range r.state.events {
		if e.OutgoingPaymentID == paymentID {
			events = append(events, e)
		}
	}
	return events
}

// memoryTx buffers one transaction's writes and tracks the locks it holds.
type memoryTx struct {
	repo     *memoryRepo
	payments map[uuid.UUID]domain.OutgoingPayment
	spent    []domain.GrantSpentAmounts
	events   []domain.WebhookEvent
	held     map[string]bool
}

// lock blocks until key is free, ctx ends or timeout elapses. A zero timeout
// waits indefinitely. Locks are reentrant within a transaction.
func (tx *memoryTx) lock(ctx context.Context, key string, timeout time.Duration) error {
	if tx.held[key] {
		return nil
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case tx.repo.rowLock(key) <- struct{}{}:
		tx.held[key] = true
		return nil
	case <-expired:
		return store.ErrGrantLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tx *memoryTx) tryLock(key string) bool {
	if tx.held[key] {
		return true
	}
	select {
	case tx.repo.rowLock(key) <- struct{}{}:
		tx.held[key] = true
		return true
	default:
		return false
	}
}

func (tx *memoryTx) release() {
	for key := range tx.held {
		<-tx.repo.rowLock(key)
	}
	tx.held = map[string]bool{}
}

func (tx *memoryTx) commit() {
	tx.repo.mu.Lock()
	state := tx.repo.state
	for id, p := range tx.payments {
		state.payments[id] = p
	}
	state.spent = append(state.spent, tx.spent...)
	state.events = append(state.events, tx.events...)
	tx.repo.mu.Unlock()
	tx.release()
}

func paymentLockKey(id uuid.UUID) string {
	return "payment:" + id.String()
}

// visiblePayment returns the row this transaction sees for id.
func (tx *memoryTx) visiblePayment(id uuid.UUID) (domain.OutgoingPayment, bool) {
	if p, ok := tx.payments[id]; ok {
		return p, true
	}
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	p, ok := tx.repo.state.payments[id]
	return p, ok
}

// visiblePayments lists committed payments overlaid with this transaction's writes.
func (tx *memoryTx) visiblePayments() []domain.OutgoingPayment {
	tx.repo.mu.Lock()
	merged := make(map[uuid.UUID]domain.OutgoingPayment, len(tx.repo.state.payments))
	for id, p := range tx.repo.state.payments {
		merged[id] = p
	}
	tx.repo.mu.Unlock()
	for id, p := range tx.payments {
		merged[id] = p
	}
	out := make([]domain.OutgoingPayment, 0, len(merged))
	for _, p := range merged {
		out = append(out, clonePayment(p))
	}
	return out
}

func (tx *memoryTx) GetWalletAddress(ctx context.Context, id uuid.UUID) (*domain.WalletAddress, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	w, ok := tx.repo.state.wallets[id]
	if !ok {
		return nil, store.ErrWalletAddressNotFound
	}
	return &w, nil
}

func (tx *memoryTx) GetQuote(ctx context.Context, id uuid.UUID) (*domain.Quote, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	q, ok := tx.repo.state.quotes[id]
	if !ok {
		return nil, store.ErrQuoteNotFound
	}
	return &q, nil
}

// InsertOutgoingPayment locks the new key first, so a concurrent insert of the
// same id waits for this transaction and then sees the conflict.
func (tx *memoryTx) InsertOutgoingPayment(ctx context.Context, payment *domain.OutgoingPayment) error {
	if err := tx.lock(ctx, paymentLockKey(payment.ID), 0); err != nil {
		return err
	}
	if _, exists := tx.visiblePayment(payment.ID); exists {
		return store.ErrPaymentExists
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = tx.repo.now()
	}
	payment.UpdatedAt = payment.CreatedAt
	tx.payments[payment.ID] = clonePayment(*payment)
	return nil
}

func (tx *memoryTx) GetOutgoingPayment(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.OutgoingPayment, error) {
	if forUpdate {
		if err := tx.lock(ctx, paymentLockKey(id), 0); err != nil {
			return nil, err
		}
	}
	p, ok := tx.visiblePayment(id)
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	p = clonePayment(p)
	return &p, nil
}

func (tx *memoryTx) ListOutgoingPayments(ctx context.Context, filter store.PaymentFilter) ([]domain.OutgoingPayment, error) {
	var out []domain.OutgoingPayment
	for _, p := range tx.visiblePayments() {
		if filter.WalletAddressID != nil && p.WalletAddressID != *filter.WalletAddressID {
			continue
		}
		if filter.Receiver != "" && p.Receiver() != filter.Receiver {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, p.State) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsState(states []domain.PaymentState, state domain.PaymentState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func (tx *memoryTx) ListGrantPayments(ctx context.Context, grantID string) ([]domain.OutgoingPayment, error) {
	var out []domain.OutgoingPayment
	for _, p := range tx.visiblePayments() {
		if p.GrantID != nil && *p.GrantID == grantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *memoryTx) UpdateOutgoingPayment(ctx context.Context, payment *domain.OutgoingPayment) error {
	if err := tx.lock(ctx, paymentLockKey(payment.ID), 0); err != nil {
		return err
	}
	if _, ok := tx.visiblePayment(payment.ID); !ok {
		return store.ErrPaymentNotFound
	}
	payment.UpdatedAt = tx.repo.now()
	tx.payments[payment.ID] = clonePayment(*payment)
	return nil
}

// ClaimNextSendingPayment skips rows locked by other transactions.
func (tx *memoryTx) ClaimNextSendingPayment(ctx context.Context, now time.Time, backoffUnit time.Duration, maxBackoffSteps int) (*domain.OutgoingPayment, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()

	var due []domain.OutgoingPayment
	for _, p := range tx.repo.state.payments {
		if p.State != domain.PaymentStateSending {
			continue
		}
		if p.StateAttempts > 0 {
			steps := p.StateAttempts
			if steps > maxBackoffSteps {
				steps = maxBackoffSteps
			}
			if !p.UpdatedAt.Add(time.Duration(steps) * backoffUnit).Before(now) {
				continue
			}
		}
		due = append(due, p)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UpdatedAt.Before(due[j].UpdatedAt) })
	for _, p := range due {
		if !tx.tryLock(paymentLockKey(p.ID)) {
			continue
		}
		claimed := clonePayment(p)
		return &claimed, nil
	}
	return nil, nil
}

func (tx *memoryTx) LockGrant(ctx context.Context, grantID string, timeout time.Duration) error {
	if tx.repo.lockGrantErr != nil {
		return tx.repo.lockGrantErr
	}
	return tx.lock(ctx, "grant:"+grantID, timeout)
}

func (tx *memoryTx) LatestGrantSpentAmounts(ctx context.Context, filter store.GrantSpentFilter) (*domain.GrantSpentAmounts, error) {
	if row := latestSpentMatch(tx.spent, filter); row != nil {
		return row, nil
	}
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	return latestSpentMatch(tx.repo.state.spent, filter), nil
}

func latestSpentMatch(rows []domain.GrantSpentAmounts, filter store.GrantSpentFilter) *domain.GrantSpentAmounts {
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if row.GrantID != filter.GrantID {
			continue
		}
		if filter.OutgoingPaymentID != nil && row.OutgoingPaymentID != *filter.OutgoingPaymentID {
			continue
		}
		if filter.IntervalStart != nil && (row.IntervalStart == nil || !row.IntervalStart.Equal(*filter.IntervalStart)) {
			continue
		}
		if filter.IntervalEnd != nil && (row.IntervalEnd == nil || !row.IntervalEnd.Equal(*filter.IntervalEnd)) {
			continue
		}
		return &row
	}
	return nil
}

func (tx *memoryTx) InsertGrantSpentAmounts(ctx context.Context, row *domain.GrantSpentAmounts) error {
	if tx.repo.beforeSpentInsert != nil {
		tx.repo.beforeSpentInsert(row)
	}
	row.ID = uuid.New()
	row.CreatedAt = tx.repo.now()
	tx.spent = append(tx.spent, *row)
	return nil
}

func (tx *memoryTx) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	event.CreatedAt = tx.repo.now()
	tx.events = append(tx.events, *event)
	return nil
}

func (tx *memoryTx) ClaimWebhookEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.WebhookEvent, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	state := tx.repo.state
	var claimed []domain.WebhookEvent
	for i := range state.events {
		if len(claimed) == limit {
			break
		}
		if state.published[state.events[i].ID] {
			continue
		}
		state.events[i].Attempts++
		claimed = append(claimed, state.events[i])
	}
	return claimed, nil
}

func (tx *memoryTx) MarkWebhookEventPublished(ctx context.Context, id uuid.UUID) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.state.published[id] = true
	return nil
}

func (tx *memoryTx) MarkWebhookEventFailed(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error {
	return nil
}

// fakeAccounting is an in-memory ledger keyed by account id.
type fakeAccount struct {
	assetID uuid.UUID
	balance int64
	sent    int64
}

type fakeAccounting struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*fakeAccount
	deposits []Deposit

	depositErr error
	sentErr    error
}

func newFakeAccounting() *fakeAccounting {
	return &fakeAccounting{accounts: map[uuid.UUID]*fakeAccount{}}
}

func (a *fakeAccounting) CreateLiquidityAccount(ctx context.Context, accountID uuid.UUID, assetID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.accounts[accountID]; !ok {
		a.accounts[accountID] = &fakeAccount{assetID: assetID}
	}
	return nil
}

func (a *fakeAccounting) CreateDeposit(ctx context.Context, deposit Deposit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.depositErr != nil {
		return a.depositErr
	}
	account, ok := a.accounts[deposit.AccountID]
	if !ok {
		return errors.New("unknown account")
	}
	account.balance += deposit.Amount
	a.deposits = append(a.deposits, deposit)
	return nil
}

func (a *fakeAccounting) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	account, ok := a.accounts[accountID]
	if !ok {
		return 0, false, nil
	}
	return account.balance, true, nil
}

func (a *fakeAccounting) GetTotalSent(ctx context.Context, accountID uuid.UUID) (int64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sentErr != nil {
		return 0, false, a.sentErr
	}
	account, ok := a.accounts[accountID]
	if !ok {
		return 0, false, nil
	}
	return account.sent, true, nil
}

func (a *fakeAccounting) GetAccountsTotalSent(ctx context.Context, accountIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sentErr != nil {
		return nil, a.sentErr
	}
	totals := map[uuid.UUID]int64{}
	for _, id := range accountIDs {
		if account, ok := a.accounts[id]; ok {
			totals[id] = account.sent
		}
	}
	return totals, nil
}

// send moves amount out of an account's liquidity.
func (a *fakeAccounting) send(accountID uuid.UUID, amount int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	account := a.accounts[accountID]
	account.balance -= amount
	account.sent += amount
}

type fakeReceivers struct {
	mu        sync.Mutex
	receivers map[string]*domain.Receiver
	err       error
}

func (r *fakeReceivers) Get(ctx context.Context, url string) (*domain.Receiver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	receiver, ok := r.receivers[url]
	if !ok {
		return nil, nil
	}
	copied := *receiver
	return &copied, nil
}

// fakePaymentMethod settles the full final amounts unless pay is set.
type fakePaymentMethod struct {
	accounting *fakeAccounting
	receivers  *fakeReceivers
	pay        func(args PayArgs) (*PayResult, error)

	mu    sync.Mutex
	calls []PayArgs
}

func (m *fakePaymentMethod) Pay(ctx context.Context, method string, args PayArgs) (*PayResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	m.mu.Unlock()
	result := &PayResult{Debit: args.FinalDebitAmount.Value, Receive: args.FinalReceiveAmount.Value}
	if m.pay != nil {
		var err error
		if result, err = m.pay(args); err != nil {
			return nil, err
		}
	}
	m.accounting.send(args.OutgoingPayment.ID, result.Debit)
	m.receivers.mu.Lock()
	if receiver, ok := m.receivers.receivers[args.Receiver.URL]; ok {
		receiver.ReceivedAmount += result.Receive
	}
	m.receivers.mu.Unlock()
	return result, nil
}

type fakeQuotes struct {
	repo  *memoryRepo
	now   func() time.Time
	rate  decimal.Decimal
	asset uuid.UUID
}

func (q *fakeQuotes) Create(ctx context.Context, req QuoteRequest) (*domain.Quote, error) {
	quote := domain.Quote{
		ID:                    uuid.New(),
		WalletAddressID:       req.WalletAddressID,
		Receiver:              req.Receiver,
		AssetID:               q.asset,
		EstimatedExchangeRate: q.rate,
		Method:                req.Method,
		ExpiresAt:             q.now().Add(time.Minute),
		CreatedAt:             q.now(),
	}
	switch {
	case req.DebitAmount != nil:
		quote.DebitAmount = *req.DebitAmount
		quote.ReceiveAmount = domain.Amount{
			Value:      decimal.NewFromInt(req.DebitAmount.Value).Mul(q.rate).IntPart(),
			AssetCode:  "EUR",
			AssetScale: 2,
		}
	case req.ReceiveAmount != nil:
		quote.ReceiveAmount = *req.ReceiveAmount
		quote.DebitAmount = domain.Amount{
			Value:      decimal.NewFromInt(req.ReceiveAmount.Value).Div(q.rate).Ceil().IntPart(),
			AssetCode:  "USD",
			AssetScale: 2,
		}
	default:
		return nil, errors.New("amount required")
	}
	q.repo.addQuote(quote)
	return &quote, nil
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testReceiverURL = "https://wallet.example/bob/incoming-payments/1"

type testEnv struct {
	clock      *testClock
	repo       *memoryRepo
	accounting *fakeAccounting
	receivers  *fakeReceivers
	method     *fakePaymentMethod
	service    *Service
	wallet     domain.WalletAddress
	quoteTTL   time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2022, 8, 10, 13, 0, 0, 0, time.UTC)}
	repo := newMemoryRepo(clock.Now)
	accounting := newFakeAccounting()
	incoming := int64(100000)
	receivers := &fakeReceivers{receivers: map[string]*domain.Receiver{
		testReceiverURL: {URL: testReceiverURL, AssetCode: "EUR", AssetScale: 2, IncomingAmount: &incoming},
	}}
	method := &fakePaymentMethod{accounting: accounting, receivers: receivers}

	wallet := domain.WalletAddress{
		ID:         uuid.New(),
		URL:        "https://wallet.example/alice",
		AssetID:    uuid.New(),
		AssetCode:  "USD",
		AssetScale: 2,
	}
	repo.addWallet(wallet)

	quotes := &fakeQuotes{repo: repo, now: clock.Now, rate: decimal.RequireFromString("0.9"), asset: wallet.AssetID}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := NewService(repo, accounting, receivers, quotes, method, logger)
	service.setClock(clock.Now)

	return &testEnv{
		clock:      clock,
		repo:       repo,
		accounting: accounting,
		receivers:  receivers,
		method:     method,
		service:    service,
		wallet:     wallet,
		quoteTTL:   time.Hour,
	}
}

// newQuote stores a quote for the env's wallet with the given debit and receive values.
func (e *testEnv) newQuote(debit, receive int64, rate string) domain.Quote {
	quote := domain.Quote{
		ID:                    uuid.New(),
		WalletAddressID:       e.wallet.ID,
		Receiver:              testReceiverURL,
		DebitAmount:           domain.Amount{Value: debit, AssetCode: "USD", AssetScale: 2},
		ReceiveAmount:         domain.Amount{Value: receive, AssetCode: "EUR", AssetScale: 2},
		AssetID:               e.wallet.AssetID,
		EstimatedExchangeRate: decimal.RequireFromString(rate),
		Method:                "ilp",
		ExpiresAt:             e.clock.Now().Add(e.quoteTTL),
		CreatedAt:             e.clock.Now(),
	}
	e.repo.addQuote(quote)
	return quote
}

func (e *testEnv) create(t *testing.T, quote domain.Quote, grant *domain.Grant) *domain.OutgoingPayment {
	t.Helper()
	payment, err := e.service.Create(context.Background(), CreateOptions{
		WalletAddressID: e.wallet.ID,
		Source:          CreateFromQuote{QuoteID: quote.ID},
		Grant:           grant,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return payment
}

func (e *testEnv) fund(t *testing.T, payment *domain.OutgoingPayment) {
	t.Helper()
	if _, err := e.service.Fund(context.Background(), FundOptions{
		ID:         payment.ID,
		Amount:     payment.DebitAmount().Value,
		TransferID: uuid.New(),
	}); err != nil {
		t.Fatalf("fund payment: %v", err)
	}
}

func (e *testEnv) processNext(t *testing.T) *uuid.UUID {
	t.Helper()
	id, err := e.service.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process next: %v", err)
	}
	return id
}

func amount(value int64, code string) *domain.Amount {
	return &domain.Amount{Value: value, AssetCode: code, AssetScale: 2}
}
