package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Merchant represents the merchants table (external profile data the
// engine consumes: fees, cashback rate, active flag).
type Merchant struct {
	MerchantID       string `gorm:"primaryKey"`
	Name             string `gorm:"not null"`
	FeeBasisPoints   int64  `gorm:"not null"`
	FeeFixedCents    int64  `gorm:"not null"`
	CashbackPct      int64  `gorm:"not null"`
	CashbackLocalBps int64  `gorm:"not null"`
	Active           bool   `gorm:"not null;index"`
	CreatedAt        time.Time
}

func (Merchant) TableName() string { return "merchants" }

// CreditBalance mirrors the credit_balances table, keyed by
// (customer, merchant). Both cent columns stay non-negative.
type CreditBalance struct {
	CustomerID   string `gorm:"primaryKey"`
	MerchantID   string `gorm:"primaryKey"`
	LocalCents   int64  `gorm:"not null;check:local_cents >= 0"`
	NetworkCents int64  `gorm:"not null;check:network_cents >= 0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditEvent mirrors the append-only credit_events table.
type CreditEvent struct {
	EventID      string `gorm:"type:uuid;primaryKey"`
	CustomerID   string `gorm:"not null;index:idx_events_customer_merchant,priority:1"`
	MerchantID   string `gorm:"not null;index:idx_events_customer_merchant,priority:2"`
	Type         string `gorm:"not null"`
	LocalCents   int64  `gorm:"not null"`
	NetworkCents int64  `gorm:"not null"`
	Description  string
	Reference    string    `gorm:"index"`
	CreatedAt    time.Time `gorm:"not null;index:idx_events_customer_merchant,priority:3"`
}

func (CreditEvent) TableName() string { return "credit_events" }

func (event *CreditEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// PendingTransaction mirrors the pending_transactions table.
type PendingTransaction struct {
	TransactionID        string `gorm:"type:uuid;primaryKey"`
	MerchantID           string `gorm:"not null;index:idx_pending_merchant_terminal,priority:1"`
	TerminalID           string `gorm:"index:idx_pending_merchant_terminal,priority:2"`
	CustomerID           string
	DealRef              string
	OriginalAmountCents  int64 `gorm:"not null"`
	FinalAmountCents     int64 `gorm:"not null"`
	LocalCreditsUsed     int64 `gorm:"not null"`
	NetworkCreditsUsed   int64 `gorm:"not null"`
	LocalCreditsEarned   int64 `gorm:"not null"`
	NetworkCreditsEarned int64 `gorm:"not null"`
	SelectedLocalCents   int64 `gorm:"not null"`
	SelectedNetworkCents int64 `gorm:"not null"`
	LiveNetAmountCents   int64 `gorm:"not null"`
	SelectedAt           *time.Time
	PaymentCode          string `gorm:"not null;uniqueIndex"`
	CustomerCode         string
	LaneToken            string
	Status               string     `gorm:"not null;index:idx_pending_merchant_terminal,priority:3"`
	ExpiresAt            time.Time  `gorm:"not null"`
	CapturedAt           *time.Time `gorm:"index"`
	VoidedAt             *time.Time
	VoidReason           string
	CreatedAt            time.Time `gorm:"not null"`
}

func (PendingTransaction) TableName() string { return "pending_transactions" }

// Settlement mirrors the settlements table; at most one row per
// (merchant, period) pair.
type Settlement struct {
	SettlementID     string    `gorm:"type:uuid;primaryKey"`
	MerchantID       string    `gorm:"not null;index:uniq_settlement_period,unique,priority:1"`
	PeriodStart      time.Time `gorm:"not null;index:uniq_settlement_period,unique,priority:2"`
	PeriodEnd        time.Time `gorm:"not null;index:uniq_settlement_period,unique,priority:3"`
	GrossCents       int64     `gorm:"not null"`
	FeesCents        int64     `gorm:"not null"`
	NetCents         int64     `gorm:"not null"`
	TransactionCount int64     `gorm:"not null"`
	Status           string    `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (Settlement) TableName() string { return "settlements" }
