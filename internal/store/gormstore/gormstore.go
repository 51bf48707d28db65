package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
	"github.com/MarkoPoloResearchLab/perkpay/pkg/rewards"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore    = "store"
	errorSubjectBalance    = "balance"
	errorSubjectEvent      = "event"
	errorSubjectMerchant   = "merchant"
	errorSubjectPending    = "pending_transaction"
	errorSubjectSettlement = "settlement"
	errorCodeCreate        = "create"
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
)

// Store implements rewards.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Models lists every table for schema migration.
func Models() []interface{} {
	return []interface{}{
		&Merchant{},
		&CreditBalance{},
		&CreditEvent{},
		&PendingTransaction{},
		&Settlement{},
	}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rewards.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, customerID rewards.CustomerID, merchantID rewards.MerchantID) (rewards.CreditBalance, error) {
	var row CreditBalance
	err := store.db.WithContext(ctx).
		Where("customer_id = ? AND merchant_id = ?", customerID.String(), merchantID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Balances are created lazily; absent means zero.
		return rewards.CreditBalance{CustomerID: customerID.String(), MerchantID: merchantID.String()}, nil
	}
	if err != nil {
		return rewards.CreditBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return rewards.CreditBalance{
		CustomerID:   row.CustomerID,
		MerchantID:   row.MerchantID,
		LocalCents:   money.Cents(row.LocalCents),
		NetworkCents: money.Cents(row.NetworkCents),
	}, nil
}

// AddToBalance applies both deltas in one guarded update so concurrent
// redemption attempts can never drive a balance negative or lose an update.
func (store *Store) AddToBalance(ctx context.Context, customerID rewards.CustomerID, merchantID rewards.MerchantID, localDelta money.Cents, networkDelta money.Cents) error {
	row := CreditBalance{CustomerID: customerID.String(), MerchantID: merchantID.String()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil && !isUniqueViolation(err) {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("customer_id = ? AND merchant_id = ?", customerID.String(), merchantID.String()).
		Where("local_cents + ? >= 0 AND network_cents + ? >= 0", localDelta.Int64(), networkDelta.Int64()).
		Updates(map[string]interface{}{
			"local_cents":   gorm.Expr("local_cents + ?", localDelta.Int64()),
			"network_cents": gorm.Expr("network_cents + ?", networkDelta.Int64()),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDelta, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeDelta, rewards.ErrInsufficientBalance)
	}
	return nil
}

func (store *Store) InsertEvent(ctx context.Context, event rewards.CreditEvent) error {
	row := CreditEvent{
		EventID:      event.EventID,
		CustomerID:   event.CustomerID,
		MerchantID:   event.MerchantID,
		Type:         event.Type.String(),
		LocalCents:   event.LocalDelta.Int64(),
		NetworkCents: event.NetworkDelta.Int64(),
		Description:  event.Description,
		Reference:    event.Reference,
		CreatedAt:    time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEvents(ctx context.Context, customerID rewards.CustomerID, merchantID rewards.MerchantID, beforeUnixUTC int64, limit int) ([]rewards.CreditEvent, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []CreditEvent
	err := store.db.WithContext(ctx).
		Where("customer_id = ? AND merchant_id = ? AND created_at < ?", customerID.String(), merchantID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]rewards.CreditEvent, 0, len(rows))
	for _, row := range rows {
		event, err := mapCreditEvent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (store *Store) GetMerchant(ctx context.Context, merchantID rewards.MerchantID) (rewards.Merchant, error) {
	var row Merchant
	err := store.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.Merchant{}, wrapStoreError(errorSubjectMerchant, errorCodeGet, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.Merchant{}, wrapStoreError(errorSubjectMerchant, errorCodeGet, err)
	}
	return rewards.Merchant{
		MerchantID:       row.MerchantID,
		Name:             row.Name,
		FeeBasisPoints:   row.FeeBasisPoints,
		FeeFixedCents:    money.Cents(row.FeeFixedCents),
		CashbackPct:      row.CashbackPct,
		CashbackLocalBps: row.CashbackLocalBps,
		Active:           row.Active,
	}, nil
}

func (store *Store) ListActiveMerchantIDs(ctx context.Context) ([]rewards.MerchantID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&Merchant{}).
		Where("active = ?", true).
		Order("merchant_id").
		Pluck("merchant_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectMerchant, errorCodeList, err)
	}
	merchantIDs := make([]rewards.MerchantID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		merchantID, err := rewards.NewMerchantID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMerchant, errorCodeInvalid, err)
		}
		merchantIDs = append(merchantIDs, merchantID)
	}
	return merchantIDs, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction rewards.PendingTransaction) error {
	row := toTransactionRow(transaction)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPending, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPending, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (rewards.PendingTransaction, error) {
	var row PendingTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.PendingTransaction{}, wrapStoreError(errorSubjectPending, errorCodeGet, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.PendingTransaction{}, wrapStoreError(errorSubjectPending, errorCodeGet, err)
	}
	return mapTransaction(row)
}

func (store *Store) GetTransactionByPaymentCode(ctx context.Context, paymentCode string) (rewards.PendingTransaction, error) {
	var row PendingTransaction
	err := store.db.WithContext(ctx).
		Where("payment_code = ?", paymentCode).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.PendingTransaction{}, wrapStoreError(errorSubjectPending, errorCodeLookup, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.PendingTransaction{}, wrapStoreError(errorSubjectPending, errorCodeLookup, err)
	}
	return mapTransaction(row)
}

func (store *Store) ListOpenForTerminal(ctx context.Context, merchantID rewards.MerchantID, terminalID rewards.TerminalID) ([]rewards.PendingTransaction, error) {
	var rows []PendingTransaction
	err := store.db.WithContext(ctx).
		Where("merchant_id = ? AND terminal_id = ?", merchantID.String(), terminalID.String()).
		Where("status in ?", []string{rewards.StatusAwaitingCustomer.String(), rewards.StatusAwaitingMerchantConfirm.String()}).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPending, errorCodeList, err)
	}
	transactions := make([]rewards.PendingTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, from rewards.TransactionStatus, to rewards.TransactionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&PendingTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdateStatus, rewards.ErrTransactionClosed)
	}
	return nil
}

func (store *Store) UpdateSelection(ctx context.Context, transactionID string, customerID rewards.CustomerID, localCents money.Cents, networkCents money.Cents, liveNetAmount money.Cents, customerCode string, selectedAtUnixUTC int64) error {
	selectedAt := time.Unix(selectedAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&PendingTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, rewards.StatusAwaitingCustomer.String()).
		Updates(map[string]interface{}{
			"customer_id":            customerID.String(),
			"selected_local_cents":   localCents.Int64(),
			"selected_network_cents": networkCents.Int64(),
			"live_net_amount_cents":  liveNetAmount.Int64(),
			"customer_code":          customerCode,
			"selected_at":            selectedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, rewards.ErrTransactionClosed)
	}
	return nil
}

// UpdateReservedCredits copies the selection columns into the used columns
// in the database, so the reservation matches whatever selection was
// current when the confirming status transition landed.
func (store *Store) UpdateReservedCredits(ctx context.Context, transactionID string) error {
	result := store.db.WithContext(ctx).
		Model(&PendingTransaction{}).
		Where("transaction_id = ?", transactionID).
		Updates(map[string]interface{}{
			"local_credits_used":   gorm.Expr("selected_local_cents"),
			"network_credits_used": gorm.Expr("selected_network_cents"),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, rewards.ErrNotFound)
	}
	return nil
}

func (store *Store) MarkCompleted(ctx context.Context, transactionID string, capturedAtUnixUTC int64, localEarned money.Cents, networkEarned money.Cents) error {
	capturedAt := time.Unix(capturedAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&PendingTransaction{}).
		Where("transaction_id = ?", transactionID).
		Updates(map[string]interface{}{
			"captured_at":            capturedAt,
			"local_credits_earned":   localEarned.Int64(),
			"network_credits_earned": networkEarned.Int64(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, rewards.ErrNotFound)
	}
	return nil
}

func (store *Store) MarkVoided(ctx context.Context, transactionID string, reason string, voidedAtUnixUTC int64) error {
	voidedAt := time.Unix(voidedAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&PendingTransaction{}).
		Where("transaction_id = ?", transactionID).
		Updates(map[string]interface{}{
			"voided_at":   voidedAt,
			"void_reason": reason,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPending, errorCodeUpdate, rewards.ErrNotFound)
	}
	return nil
}

func (store *Store) SettlementExists(ctx context.Context, merchantID rewards.MerchantID, periodStartUnixUTC int64, periodEndUnixUTC int64) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Settlement{}).
		Where("merchant_id = ? AND period_start = ? AND period_end = ?",
			merchantID.String(),
			time.Unix(periodStartUnixUTC, 0).UTC(),
			time.Unix(periodEndUnixUTC, 0).UTC()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectSettlement, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertSettlement(ctx context.Context, settlement rewards.Settlement) error {
	row := Settlement{
		SettlementID:     settlement.SettlementID,
		MerchantID:       settlement.MerchantID,
		PeriodStart:      time.Unix(settlement.PeriodStartUnixUTC, 0).UTC(),
		PeriodEnd:        time.Unix(settlement.PeriodEndUnixUTC, 0).UTC(),
		GrossCents:       settlement.GrossCents.Int64(),
		FeesCents:        settlement.FeesCents.Int64(),
		NetCents:         settlement.NetCents.Int64(),
		TransactionCount: settlement.TransactionCount,
		Status:           settlement.Status,
		CreatedAt:        time.Unix(settlement.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectSettlement, errorCodeDuplicate, rewards.ErrSettlementExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSettlement, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumCompletedForMerchant(ctx context.Context, merchantID rewards.MerchantID, periodStartUnixUTC int64, periodEndUnixUTC int64) (money.Cents, int64, error) {
	var sum struct {
		Gross int64
		Count int64
	}
	err := store.db.WithContext(ctx).
		Model(&PendingTransaction{}).
		Select("coalesce(sum(final_amount_cents),0) as gross, count(*) as count").
		Where("merchant_id = ? AND status = ?", merchantID.String(), rewards.StatusCompleted.String()).
		Where("captured_at >= ? AND captured_at < ?",
			time.Unix(periodStartUnixUTC, 0).UTC(),
			time.Unix(periodEndUnixUTC, 0).UTC()).
		Scan(&sum).Error
	if err != nil {
		return 0, 0, wrapStoreError(errorSubjectSettlement, errorCodeSum, err)
	}
	return money.Cents(sum.Gross), sum.Count, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return rewards.WrapError(errorOperationStore, subject, code, err)
}

func toTransactionRow(transaction rewards.PendingTransaction) PendingTransaction {
	row := PendingTransaction{
		TransactionID:        transaction.TransactionID,
		MerchantID:           transaction.MerchantID,
		TerminalID:           transaction.TerminalID,
		CustomerID:           transaction.CustomerID,
		DealRef:              transaction.DealRef,
		OriginalAmountCents:  transaction.OriginalAmount.Int64(),
		FinalAmountCents:     transaction.FinalAmount.Int64(),
		LocalCreditsUsed:     transaction.LocalCreditsUsed.Int64(),
		NetworkCreditsUsed:   transaction.NetworkCreditsUsed.Int64(),
		LocalCreditsEarned:   transaction.LocalCreditsEarned.Int64(),
		NetworkCreditsEarned: transaction.NetworkCreditsEarned.Int64(),
		SelectedLocalCents:   transaction.SelectedLocalCents.Int64(),
		SelectedNetworkCents: transaction.SelectedNetworkCents.Int64(),
		LiveNetAmountCents:   transaction.LiveNetAmount.Int64(),
		PaymentCode:          transaction.PaymentCode,
		CustomerCode:         transaction.CustomerCode,
		LaneToken:            transaction.LaneToken,
		Status:               transaction.Status.String(),
		ExpiresAt:            time.Unix(transaction.ExpiresAtUnixUTC, 0).UTC(),
		CreatedAt:            time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if transaction.SelectedAtUnixUTC != 0 {
		value := time.Unix(transaction.SelectedAtUnixUTC, 0).UTC()
		row.SelectedAt = &value
	}
	if transaction.CapturedAtUnixUTC != 0 {
		value := time.Unix(transaction.CapturedAtUnixUTC, 0).UTC()
		row.CapturedAt = &value
	}
	if transaction.VoidedAtUnixUTC != 0 {
		value := time.Unix(transaction.VoidedAtUnixUTC, 0).UTC()
		row.VoidedAt = &value
		row.VoidReason = transaction.VoidReason
	}
	return row
}

func mapTransaction(row PendingTransaction) (rewards.PendingTransaction, error) {
	status, err := rewards.ParseTransactionStatus(row.Status)
	if err != nil {
		return rewards.PendingTransaction{}, wrapStoreError(errorSubjectPending, errorCodeInvalid, err)
	}
	return rewards.PendingTransaction{
		TransactionID:        row.TransactionID,
		MerchantID:           row.MerchantID,
		TerminalID:           row.TerminalID,
		CustomerID:           row.CustomerID,
		DealRef:              row.DealRef,
		OriginalAmount:       money.Cents(row.OriginalAmountCents),
		FinalAmount:          money.Cents(row.FinalAmountCents),
		LocalCreditsUsed:     money.Cents(row.LocalCreditsUsed),
		NetworkCreditsUsed:   money.Cents(row.NetworkCreditsUsed),
		LocalCreditsEarned:   money.Cents(row.LocalCreditsEarned),
		NetworkCreditsEarned: money.Cents(row.NetworkCreditsEarned),
		SelectedLocalCents:   money.Cents(row.SelectedLocalCents),
		SelectedNetworkCents: money.Cents(row.SelectedNetworkCents),
		LiveNetAmount:        money.Cents(row.LiveNetAmountCents),
		SelectedAtUnixUTC:    timeOrZero(row.SelectedAt),
		PaymentCode:          row.PaymentCode,
		CustomerCode:         row.CustomerCode,
		LaneToken:            row.LaneToken,
		Status:               status,
		ExpiresAtUnixUTC:     row.ExpiresAt.Unix(),
		CreatedUnixUTC:       row.CreatedAt.Unix(),
		CapturedAtUnixUTC:    timeOrZero(row.CapturedAt),
		VoidedAtUnixUTC:      timeOrZero(row.VoidedAt),
		VoidReason:           row.VoidReason,
	}, nil
}

func mapCreditEvent(row CreditEvent) (rewards.CreditEvent, error) {
	eventType, err := rewards.ParseEventType(row.Type)
	if err != nil {
		return rewards.CreditEvent{}, err
	}
	return rewards.CreditEvent{
		EventID:        row.EventID,
		CustomerID:     row.CustomerID,
		MerchantID:     row.MerchantID,
		Type:           eventType,
		LocalDelta:     money.Cents(row.LocalCents),
		NetworkDelta:   money.Cents(row.NetworkCents),
		Description:    row.Description,
		Reference:      row.Reference,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
