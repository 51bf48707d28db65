// Package pgstore implements rewards.Store directly on PostgreSQL via pgx,
// for deployments that skip the ORM layer.
package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
	"github.com/MarkoPoloResearchLab/perkpay/pkg/rewards"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"

	errorOperationStore    = "store"
	errorSubjectBalance    = "balance"
	errorSubjectEvent      = "event"
	errorSubjectMerchant   = "merchant"
	errorSubjectPending    = "pending_transaction"
	errorSubjectSettlement = "settlement"
	errorSubjectTx         = "transaction"
	errorCodeBegin         = "begin"
	errorCodeCommit        = "commit"
	errorCodeDelta         = "delta"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeLookup        = "lookup"
	errorCodeSum           = "sum"
	errorCodeUpdate        = "update"
	errorCodeUpdateStatus  = "update_status"

	sqlUpsertBalanceRow = `
		insert into credit_balances(customer_id, merchant_id, local_cents, network_cents, created_at, updated_at)
		values($1, $2, 0, 0, now(), now())
		on conflict (customer_id, merchant_id) do nothing
	`

	sqlApplyBalanceDelta = `
		update credit_balances
		set local_cents = local_cents + $3, network_cents = network_cents + $4, updated_at = now()
		where customer_id = $1 and merchant_id = $2
		and local_cents + $3 >= 0 and network_cents + $4 >= 0
	`

	sqlSelectBalance = `
		select local_cents, network_cents from credit_balances
		where customer_id = $1 and merchant_id = $2
	`

	sqlInsertEvent = `
		insert into credit_events(
			event_id, customer_id, merchant_id, type, local_cents, network_cents, description, reference, created_at
		)
		values(coalesce(nullif($1,''),gen_random_uuid()::text)::uuid, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9))
	`

	sqlListEventsBefore = `
		select
			event_id::text, customer_id, merchant_id, type, local_cents, network_cents,
			coalesce(description,''), coalesce(reference,''),
			extract(epoch from created_at)::bigint
		from credit_events
		where customer_id = $1 and merchant_id = $2 and created_at < to_timestamp($3)
		order by created_at desc
		limit $4
	`

	sqlSelectMerchant = `
		select merchant_id, name, fee_basis_points, fee_fixed_cents, cashback_pct, cashback_local_bps, active
		from merchants
		where merchant_id = $1
	`

	sqlListActiveMerchants = `
		select merchant_id from merchants where active order by merchant_id
	`

	sqlInsertTransaction = `
		insert into pending_transactions(
			transaction_id, merchant_id, terminal_id, customer_id, deal_ref,
			original_amount_cents, final_amount_cents,
			local_credits_used, network_credits_used,
			local_credits_earned, network_credits_earned,
			selected_local_cents, selected_network_cents, live_net_amount_cents,
			payment_code, customer_code, lane_token, status, expires_at, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, to_timestamp($19), to_timestamp($20))
	`

	sqlTransactionColumns = `
		transaction_id::text, merchant_id, coalesce(terminal_id,''), coalesce(customer_id,''), coalesce(deal_ref,''),
		original_amount_cents, final_amount_cents,
		local_credits_used, network_credits_used,
		local_credits_earned, network_credits_earned,
		selected_local_cents, selected_network_cents, live_net_amount_cents,
		coalesce(extract(epoch from selected_at)::bigint,0),
		payment_code, coalesce(customer_code,''), coalesce(lane_token,''), status,
		extract(epoch from expires_at)::bigint,
		extract(epoch from created_at)::bigint,
		coalesce(extract(epoch from captured_at)::bigint,0),
		coalesce(extract(epoch from voided_at)::bigint,0),
		coalesce(void_reason,'')
	`

	sqlSelectTransaction = `
		select ` + sqlTransactionColumns + `
		from pending_transactions
		where transaction_id = $1
	`

	sqlSelectTransactionByCode = `
		select ` + sqlTransactionColumns + `
		from pending_transactions
		where payment_code = $1
	`

	sqlListOpenForTerminal = `
		select ` + sqlTransactionColumns + `
		from pending_transactions
		where merchant_id = $1 and terminal_id = $2
		and status in ('awaiting_customer','awaiting_merchant_confirm')
		order by created_at asc
	`

	sqlUpdateStatus = `
		update pending_transactions
		set status = $3
		where transaction_id = $1 and status = $2
	`

	sqlUpdateSelection = `
		update pending_transactions
		set customer_id = $2, selected_local_cents = $3, selected_network_cents = $4,
		    live_net_amount_cents = $5, customer_code = $6, selected_at = to_timestamp($7)
		where transaction_id = $1 and status = 'awaiting_customer'
	`

	sqlUpdateReserved = `
		update pending_transactions
		set local_credits_used = selected_local_cents, network_credits_used = selected_network_cents
		where transaction_id = $1
	`

	sqlMarkCompleted = `
		update pending_transactions
		set captured_at = to_timestamp($2), local_credits_earned = $3, network_credits_earned = $4
		where transaction_id = $1
	`

	sqlMarkVoided = `
		update pending_transactions
		set voided_at = to_timestamp($2), void_reason = $3
		where transaction_id = $1
	`

	sqlSettlementExists = `
		select count(*) from settlements
		where merchant_id = $1 and period_start = to_timestamp($2) and period_end = to_timestamp($3)
	`

	sqlInsertSettlement = `
		insert into settlements(
			settlement_id, merchant_id, period_start, period_end,
			gross_cents, fees_cents, net_cents, transaction_count, status, created_at
		)
		values($1::uuid, $2, to_timestamp($3), to_timestamp($4), $5, $6, $7, $8, $9, to_timestamp($10))
	`

	sqlSumCompleted = `
		select coalesce(sum(final_amount_cents),0), count(*)
		from pending_transactions
		where merchant_id = $1 and status = 'completed'
		and captured_at >= to_timestamp($2) and captured_at < to_timestamp($3)
	`
)

// runner is the subset of pgx shared by pgxpool.Pool and pgx.Tx, so one
// Store implementation serves both autocommit and transactional calls.
type runner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements rewards.Store using a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	runner runner
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, runner: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rewards.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; reuse it.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{runner: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, customerID rewards.CustomerID, merchantID rewards.MerchantID) (rewards.CreditBalance, error) {
	var localCents, networkCents int64
	err := store.runner.QueryRow(ctx, sqlSelectBalance, customerID.String(), merchantID.String()).Scan(&localCents, &networkCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.CreditBalance{CustomerID: customerID.String(), MerchantID: merchantID.String()}, nil
	}
	if err != nil {
		return rewards.CreditBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return rewards.CreditBalance{
		CustomerID:   customerID.String(),
		MerchantID:   merchantID.String(),
		LocalCents:   money.Cents(localCents),
		NetworkCents: money.Cents(networkCents),
	}, nil
}

func (store *Store) AddToBalance(ctx context.Context, customerID rewards.CustomerID, merchantID rewards.MerchantID, localDelta money.Cents, networkDelta money.Cents) error {
	if _, err := store.runner.Exec(ctx, sqlUpsertBalanceRow, customerID.String(), merchantID.String()); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeInsert, err)
	}
	tag, err := store.runner.Exec(ctx, sqlApplyBalanceDelta, customerID.String(), merchantID.String(), localDelta.Int64(), networkDelta.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDelta, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeDelta, rewards.ErrInsufficientBalance)
	}
	return nil
}

func (store *Store) InsertEvent(ctx context.Context, event rewards.CreditEvent) error {
	_, err := store.runner.Exec(ctx, sqlInsertEvent,
		event.EventID,
		event.CustomerID,
		event.MerchantID,
		event.Type.String(),
		event.LocalDelta.Int64(),
		event.NetworkDelta.Int64(),
		event.Description,
		event.Reference,
		event.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEvents(ctx context.Context, customerID rewards.CustomerID, merchantID rewards.MerchantID, beforeUnixUTC int64, limit int) ([]rewards.CreditEvent, error) {
	rows, err := store.runner.Query(ctx, sqlListEventsBefore, customerID.String(), merchantID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	defer rows.Close()
	var events []rewards.CreditEvent
	for rows.Next() {
		var (
			event     rewards.CreditEvent
			typeValue string
			local     int64
			network   int64
		)
		if err := rows.Scan(&event.EventID, &event.CustomerID, &event.MerchantID, &typeValue, &local, &network, &event.Description, &event.Reference, &event.CreatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
		}
		eventType, err := rewards.ParseEventType(typeValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		event.Type = eventType
		event.LocalDelta = money.Cents(local)
		event.NetworkDelta = money.Cents(network)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	return events, nil
}

func (store *Store) GetMerchant(ctx context.Context, merchantID rewards.MerchantID) (rewards.Merchant, error) {
	var (
		merchant      rewards.Merchant
		feeFixedCents int64
	)
	err := store.runner.QueryRow(ctx, sqlSelectMerchant, merchantID.String()).Scan(
		&merchant.MerchantID,
		&merchant.Name,
		&merchant.FeeBasisPoints,
		&feeFixedCents,
		&merchant.CashbackPct,
		&merchant.CashbackLocalBps,
		&merchant.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.Merchant{}, wrapStoreError(errorSubjectMerchant, errorCodeGet, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.Merchant{}, wrapStoreError(errorSubjectMerchant, errorCodeGet, err)
	}
	merchant.FeeFixedCents = money.Cents(feeFixedCents)
	return merchant, nil
}

func (store *Store) ListActiveMerchantIDs(ctx context.Context) ([]rewards.MerchantID, error) {
	rows, err := store.runner.Query(ctx, sqlListActiveMerchants)
	if err != nil {
		return nil, wrapStoreError(errorSubjectMerchant, errorCodeList, err)
	}
	defer rows.Close()
	var merchantIDs []rewards.MerchantID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapStoreError(errorSubjectMerchant, errorCodeList, err)
		}
		merchantID, err := rewards.NewMerchantID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMerchant, errorCodeInvalid, err)
		}
		merchantIDs = append(merchantIDs, merchantID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectMerchant, errorCodeList, err)
	}
	return merchantIDs, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction rewards.PendingTransaction) error {
	_, err := store.runner.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.MerchantID,
		transaction.TerminalID,
		transaction.CustomerID,
		transaction.DealRef,
		transaction.OriginalAmount.Int64(),
		transaction.FinalAmount.Int64(),
		transaction.LocalCreditsUsed.Int64(),
		transaction.NetworkCreditsUsed.Int64(),
		transaction.LocalCreditsEarned.Int64(),
		transaction.NetworkCreditsEarned.Int64(),
		transaction.SelectedLocalCents.Int64(),
		transaction.SelectedNetworkCents.Int64(),
		transaction.LiveNetAmount.Int64(),
		transaction.PaymentCode,
		transaction.CustomerCode,
		transaction.LaneToken,
		transaction.Status.String(),
		transaction.ExpiresAtUnixUTC,
		transaction.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPending, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPending, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (rewards.PendingTransaction, error) {
	return store.scanTransaction(store.runner.QueryRow(ctx, sqlSelectTransaction, transactionID), errorCodeGet)
}

func (store *Store) GetTransactionByPaymentCode(ctx context.Context, paymentCode string) (rewards.PendingTransaction, error) {
	return store.scanTransaction(store.runner.QueryRow(ctx, sqlSelectTransactionByCode, paymentCode), errorCodeLookup)
}

func (store *Store) ListOpenForTerminal(ctx context.Context, merchantID rewards.MerchantID, terminalID rewards.TerminalID) ([]rewards.PendingTransaction, error) {
	rows, err := store.runner.Query(ctx, sqlListOpenForTerminal, merchantID.String(), terminalID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectPending, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []rewards.PendingTransaction
	for rows.Next() {
		transaction, err := store.scanTransaction(rows, errorCodeList)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPending, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, from rewards.TransactionStatus, to rewards.TransactionStatus) error {
	tag, err := store.runner.Exec(ctx, sqlUpdateStatus, transactionID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdateStatus, rewards.ErrTransactionClosed)
	}
	return nil
}

func (store *Store) UpdateSelection(ctx context.Context, transactionID string, customerID rewards.CustomerID, localCents money.Cents, networkCents money.Cents, liveNetAmount money.Cents, customerCode string, selectedAtUnixUTC int64) error {
	tag, err := store.runner.Exec(ctx, sqlUpdateSelection,
		transactionID,
		customerID.String(),
		localCents.Int64(),
		networkCents.Int64(),
		liveNetAmount.Int64(),
		customerCode,
		selectedAtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, rewards.ErrTransactionClosed)
	}
	return nil
}

// UpdateReservedCredits copies the selection columns into the used columns
// in one statement, so the reservation matches whatever selection was
// current when the confirming status transition landed.
func (store *Store) UpdateReservedCredits(ctx context.Context, transactionID string) error {
	tag, err := store.runner.Exec(ctx, sqlUpdateReserved, transactionID)
	if err != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, rewards.ErrNotFound)
	}
	return nil
}

func (store *Store) MarkCompleted(ctx context.Context, transactionID string, capturedAtUnixUTC int64, localEarned money.Cents, networkEarned money.Cents) error {
	tag, err := store.runner.Exec(ctx, sqlMarkCompleted, transactionID, capturedAtUnixUTC, localEarned.Int64(), networkEarned.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, rewards.ErrNotFound)
	}
	return nil
}

func (store *Store) MarkVoided(ctx context.Context, transactionID string, reason string, voidedAtUnixUTC int64) error {
	tag, err := store.runner.Exec(ctx, sqlMarkVoided, transactionID, voidedAtUnixUTC, reason)
	if err != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, rewards.ErrNotFound)
	}
	return nil
}

func (store *Store) SettlementExists(ctx context.Context, merchantID rewards.MerchantID, periodStartUnixUTC int64, periodEndUnixUTC int64) (bool, error) {
	var count int64
	err := store.runner.QueryRow(ctx, sqlSettlementExists, merchantID.String(), periodStartUnixUTC, periodEndUnixUTC).Scan(&count)
	if err != nil {
		return false, wrapStoreError(errorSubjectSettlement, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertSettlement(ctx context.Context, settlement rewards.Settlement) error {
	_, err := store.runner.Exec(ctx, sqlInsertSettlement,
		settlement.SettlementID,
		settlement.MerchantID,
		settlement.PeriodStartUnixUTC,
		settlement.PeriodEndUnixUTC,
		settlement.GrossCents.Int64(),
		settlement.FeesCents.Int64(),
		settlement.NetCents.Int64(),
		settlement.TransactionCount,
		settlement.Status,
		settlement.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectSettlement, errorCodeDuplicate, rewards.ErrSettlementExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSettlement, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumCompletedForMerchant(ctx context.Context, merchantID rewards.MerchantID, periodStartUnixUTC int64, periodEndUnixUTC int64) (money.Cents, int64, error) {
	var gross, count int64
	err := store.runner.QueryRow(ctx, sqlSumCompleted, merchantID.String(), periodStartUnixUTC, periodEndUnixUTC).Scan(&gross, &count)
	if err != nil {
		return 0, 0, wrapStoreError(errorSubjectSettlement, errorCodeSum, err)
	}
	return money.Cents(gross), count, nil
}

func (store *Store) scanTransaction(row pgx.Row, code string) (rewards.PendingTransaction, error) {
	var (
		transaction rewards.PendingTransaction
		statusValue string
		amounts     [9]int64
	)
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.MerchantID,
		&transaction.TerminalID,
		&transaction.CustomerID,
		&transaction.DealRef,
		&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4], &amounts[5], &amounts[6], &amounts[7], &amounts[8],
		&transaction.SelectedAtUnixUTC,
		&transaction.PaymentCode,
		&transaction.CustomerCode,
		&transaction.LaneToken,
		&statusValue,
		&transaction.ExpiresAtUnixUTC,
		&transaction.CreatedUnixUTC,
		&transaction.CapturedAtUnixUTC,
		&transaction.VoidedAtUnixUTC,
		&transaction.VoidReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.PendingTransaction{}, wrapStoreError(errorSubjectPending, code, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.PendingTransaction{}, wrapStoreError(errorSubjectPending, code, err)
	}
	status, err := rewards.ParseTransactionStatus(statusValue)
	if err != nil {
		return rewards.PendingTransaction{}, wrapStoreError(errorSubjectPending, errorCodeInvalid, err)
	}
	transaction.OriginalAmount = money.Cents(amounts[0])
	transaction.FinalAmount = money.Cents(amounts[1])
	transaction.LocalCreditsUsed = money.Cents(amounts[2])
	transaction.NetworkCreditsUsed = money.Cents(amounts[3])
	transaction.LocalCreditsEarned = money.Cents(amounts[4])
	transaction.NetworkCreditsEarned = money.Cents(amounts[5])
	transaction.SelectedLocalCents = money.Cents(amounts[6])
	transaction.SelectedNetworkCents = money.Cents(amounts[7])
	transaction.LiveNetAmount = money.Cents(amounts[8])
	transaction.Status = status
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return rewards.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
