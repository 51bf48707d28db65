package rewards

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
)

// MerchantID identifies a participating merchant.
type MerchantID struct {
	value string
}

// CustomerID identifies a customer account.
type CustomerID struct {
	value string
}

// TerminalID identifies one point-of-sale lane at a merchant.
type TerminalID struct {
	value string
}

// NewMerchantID validates and normalizes a merchant id.
func NewMerchantID(raw string) (MerchantID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MerchantID{}, fmt.Errorf("%w: empty value", ErrInvalidMerchantID)
	}
	return MerchantID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id MerchantID) String() string {
	return id.value
}

// NewCustomerID validates and normalizes a customer id.
func NewCustomerID(raw string) (CustomerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CustomerID{}, fmt.Errorf("%w: empty value", ErrInvalidCustomerID)
	}
	return CustomerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CustomerID) String() string {
	return id.value
}

// IsZero reports whether the customer id is unset (anonymous transaction).
func (id CustomerID) IsZero() bool {
	return id.value == ""
}

// NewTerminalID validates and normalizes a terminal id.
func NewTerminalID(raw string) (TerminalID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TerminalID{}, fmt.Errorf("%w: empty value", ErrInvalidTerminalID)
	}
	return TerminalID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TerminalID) String() string {
	return id.value
}

// IsZero reports whether no terminal was supplied.
func (id TerminalID) IsZero() bool {
	return id.value == ""
}

// TransactionStatus defines the pending-transaction lifecycle.
type TransactionStatus string

const (
	StatusAwaitingCustomer        TransactionStatus = "awaiting_customer"
	StatusAwaitingMerchantConfirm TransactionStatus = "awaiting_merchant_confirm"
	StatusCompleted               TransactionStatus = "completed"
	StatusVoided                  TransactionStatus = "voided"
	StatusExpired                 TransactionStatus = "expired"
)

// String returns the stored status value.
func (status TransactionStatus) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is permitted.
func (status TransactionStatus) IsTerminal() bool {
	switch status {
	case StatusCompleted, StatusVoided, StatusExpired:
		return true
	}
	return false
}

// ParseTransactionStatus validates a stored status value.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	status := TransactionStatus(raw)
	switch status {
	case StatusAwaitingCustomer, StatusAwaitingMerchantConfirm, StatusCompleted, StatusVoided, StatusExpired:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// EventType enumerates credit ledger event kinds.
type EventType string

const (
	EventCreditEarned   EventType = "credit_earned"
	EventCreditUsed     EventType = "credit_used"
	EventCreditRestored EventType = "credit_restored"
)

// String returns the stored event type value.
func (eventType EventType) String() string {
	return string(eventType)
}

// ParseEventType validates a stored event type value.
func ParseEventType(raw string) (EventType, error) {
	eventType := EventType(raw)
	switch eventType {
	case EventCreditEarned, EventCreditUsed, EventCreditRestored:
		return eventType, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
}

// CreditBalance holds the per-customer-per-merchant credit position.
// Both fields are invariantly non-negative; mutations are delta-based.
type CreditBalance struct {
	CustomerID   string
	MerchantID   string
	LocalCents   money.Cents
	NetworkCents money.Cents
}

// CreditEvent is one immutable line in the credit audit trail.
type CreditEvent struct {
	EventID        string
	CustomerID     string
	MerchantID     string
	Type           EventType
	LocalDelta     money.Cents
	NetworkDelta   money.Cents
	Description    string
	Reference      string
	CreatedUnixUTC int64
}

// PendingTransaction tracks one in-progress payment attempt.
type PendingTransaction struct {
	TransactionID  string
	MerchantID     string
	TerminalID     string
	CustomerID     string
	DealRef        string
	OriginalAmount money.Cents
	// FinalAmount is the bill after the deal discount; it is always
	// recomputed server-side, never taken from the caller.
	FinalAmount money.Cents
	// Committed amounts, set when the confirmation reserves credits.
	LocalCreditsUsed   money.Cents
	NetworkCreditsUsed money.Cents
	// Cashback granted at completion, recorded so replays report the
	// amounts actually credited rather than recomputing from current rates.
	LocalCreditsEarned   money.Cents
	NetworkCreditsEarned money.Cents
	// Live, mutable pre-confirmation selection.
	SelectedLocalCents   money.Cents
	SelectedNetworkCents money.Cents
	LiveNetAmount        money.Cents
	SelectedAtUnixUTC    int64
	PaymentCode          string
	CustomerCode         string
	LaneToken            string
	Status               TransactionStatus
	ExpiresAtUnixUTC     int64
	CreatedUnixUTC       int64
	CapturedAtUnixUTC    int64
	VoidedAtUnixUTC      int64
	VoidReason           string
}

// ExpiredAt reports whether the transaction's TTL has elapsed at the given time.
func (transaction PendingTransaction) ExpiredAt(nowUnixUTC int64) bool {
	return nowUnixUTC > transaction.ExpiresAtUnixUTC
}

// Settlement aggregates one merchant's completed transactions for a period.
type Settlement struct {
	SettlementID       string
	MerchantID         string
	PeriodStartUnixUTC int64
	PeriodEndUnixUTC   int64
	GrossCents         money.Cents
	FeesCents          money.Cents
	NetCents           money.Cents
	TransactionCount   int64
	Status             string
	CreatedUnixUTC     int64
}

// Merchant is the external merchant profile consumed by the engine.
type Merchant struct {
	MerchantID       string
	Name             string
	FeeBasisPoints   int64
	FeeFixedCents    money.Cents
	CashbackPct      int64
	CashbackLocalBps int64
	Active           bool
}

// FlowVariant names a deployment's payment flow.
type FlowVariant string

const (
	FlowPinRedemption FlowVariant = "pin"
	FlowQRScan        FlowVariant = "qr"
	FlowMerchantKeyed FlowVariant = "keyed"
	FlowLaneToken     FlowVariant = "lane"
)

// ParseFlowVariant validates a raw flow variant string.
func ParseFlowVariant(raw string) (FlowVariant, error) {
	switch FlowVariant(raw) {
	case FlowPinRedemption, FlowQRScan, FlowMerchantKeyed, FlowLaneToken:
		return FlowVariant(raw), nil
	}
	return "", fmt.Errorf("%w: unknown flow variant %q", ErrInvalidFlowConfig, raw)
}

// FlowConfig parameterizes the state machine per deployed flow variant.
type FlowConfig struct {
	Variant FlowVariant
	// CapBasisPoints limits the share of a bill payable with credit;
	// 10000 means credits may cover the whole bill.
	CapBasisPoints int64
	TTL            time.Duration
}

// Validate checks the flow configuration.
func (config FlowConfig) Validate() error {
	if config.CapBasisPoints <= 0 || config.CapBasisPoints > basisPointsWhole {
		return fmt.Errorf("%w: cap basis points %d out of (0,%d]", ErrInvalidFlowConfig, config.CapBasisPoints, basisPointsWhole)
	}
	if config.TTL < 2*time.Minute || config.TTL > 5*time.Minute {
		return fmt.Errorf("%w: ttl %s outside 2m..5m", ErrInvalidFlowConfig, config.TTL)
	}
	return nil
}

// ExecutionMode selects live or simulated execution at wiring time.
type ExecutionMode string

const (
	ModeLive      ExecutionMode = "live"
	ModeSimulated ExecutionMode = "simulated"
)

// ParseExecutionMode validates a raw execution mode string.
func ParseExecutionMode(raw string) (ExecutionMode, error) {
	switch ExecutionMode(raw) {
	case ModeLive, ModeSimulated:
		return ExecutionMode(raw), nil
	}
	return "", fmt.Errorf("%w: unknown execution mode %q", ErrInvalidServiceConfig, raw)
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetBalance(ctx context.Context, customerID CustomerID, merchantID MerchantID) (CreditBalance, error)
	// AddToBalance applies deltas atomically and fails with
	// ErrInsufficientBalance when a delta would drive a field negative.
	AddToBalance(ctx context.Context, customerID CustomerID, merchantID MerchantID, localDelta money.Cents, networkDelta money.Cents) error
	InsertEvent(ctx context.Context, event CreditEvent) error
	ListEvents(ctx context.Context, customerID CustomerID, merchantID MerchantID, beforeUnixUTC int64, limit int) ([]CreditEvent, error)

	GetMerchant(ctx context.Context, merchantID MerchantID) (Merchant, error)
	ListActiveMerchantIDs(ctx context.Context) ([]MerchantID, error)

	InsertTransaction(ctx context.Context, transaction PendingTransaction) error
	GetTransaction(ctx context.Context, transactionID string) (PendingTransaction, error)
	GetTransactionByPaymentCode(ctx context.Context, paymentCode string) (PendingTransaction, error)
	ListOpenForTerminal(ctx context.Context, merchantID MerchantID, terminalID TerminalID) ([]PendingTransaction, error)
	// UpdateTransactionStatus performs a compare-and-set; it fails with
	// ErrTransactionClosed when the row is no longer in the from status.
	UpdateTransactionStatus(ctx context.Context, transactionID string, from TransactionStatus, to TransactionStatus) error
	UpdateSelection(ctx context.Context, transactionID string, customerID CustomerID, localCents money.Cents, networkCents money.Cents, liveNetAmount money.Cents, customerCode string, selectedAtUnixUTC int64) error
	// UpdateReservedCredits copies the live selection columns into the
	// committed used columns server-side, so the reservation can never
	// diverge from the selection that was current when the status flipped.
	UpdateReservedCredits(ctx context.Context, transactionID string) error
	MarkCompleted(ctx context.Context, transactionID string, capturedAtUnixUTC int64, localEarned money.Cents, networkEarned money.Cents) error
	MarkVoided(ctx context.Context, transactionID string, reason string, voidedAtUnixUTC int64) error

	SettlementExists(ctx context.Context, merchantID MerchantID, periodStartUnixUTC int64, periodEndUnixUTC int64) (bool, error)
	InsertSettlement(ctx context.Context, settlement Settlement) error
	SumCompletedForMerchant(ctx context.Context, merchantID MerchantID, periodStartUnixUTC int64, periodEndUnixUTC int64) (money.Cents, int64, error)
}
