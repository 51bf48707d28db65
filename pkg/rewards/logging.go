package rewards

import (
	"context"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing rewards operation.
type OperationLog struct {
	Operation     string
	MerchantID    MerchantID
	CustomerID    CustomerID
	TransactionID string
	LocalCents    money.Cents
	NetworkCents  money.Cents
	Amount        money.Cents
	Status        string
	Error         error
}

// TransactionNotifier receives a snapshot after every committed transition.
// Delivery is at-least-once with no ordering guarantee; consumers treat each
// snapshot as authoritative as of receipt.
type TransactionNotifier interface {
	TransactionChanged(ctx context.Context, transaction PendingTransaction)
}

// CardCharger invokes the external card processor for the net remainder.
type CardCharger interface {
	Charge(ctx context.Context, transactionID string, amountCents money.Cents) error
}

// NopCharger accepts every charge. Used in simulated mode and for
// deployments where capture happens out of band.
type NopCharger struct{}

// Charge always succeeds.
func (NopCharger) Charge(ctx context.Context, transactionID string, amountCents money.Cents) error {
	return nil
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTransactionNotifier wires the realtime fan-out sink.
func WithTransactionNotifier(notifier TransactionNotifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithCardCharger wires the external card processor client.
func WithCardCharger(charger CardCharger) ServiceOption {
	return func(service *Service) {
		service.charger = charger
	}
}

// WithCodeSource wires the payment/customer code generator.
func WithCodeSource(codes CodeSource) ServiceOption {
	return func(service *Service) {
		service.codes = codes
	}
}

// WithExecutionMode selects live or simulated execution.
func WithExecutionMode(mode ExecutionMode) ServiceOption {
	return func(service *Service) {
		service.mode = mode
	}
}
