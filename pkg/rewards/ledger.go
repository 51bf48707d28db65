package rewards

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
)

// Balance returns the current local and network credit position.
// Customers without an earning history read as zero balances.
func (service *Service) Balance(ctx context.Context, customerID CustomerID, merchantID MerchantID) (CreditBalance, error) {
	return service.store.GetBalance(ctx, customerID, merchantID)
}

// ListEvents lists credit ledger events for a customer at a merchant.
func (service *Service) ListEvents(ctx context.Context, customerID CustomerID, merchantID MerchantID, beforeUnixUTC int64, limit int) ([]CreditEvent, error) {
	return service.store.ListEvents(ctx, customerID, merchantID, beforeUnixUTC, limit)
}

// Earn appends an earned event and credits the balance by its deltas.
// The balance row is created lazily on the first earning event.
func (service *Service) Earn(ctx context.Context, customerID CustomerID, merchantID MerchantID, localDelta money.Cents, networkDelta money.Cents, description string, reference string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if localDelta < 0 || networkDelta < 0 {
			return fmt.Errorf("%w: earn deltas must be non-negative", ErrInvalidAmountCents)
		}
		return appendEventAndApply(ctx, transactionStore, CreditEvent{
			CustomerID:     customerID.String(),
			MerchantID:     merchantID.String(),
			Type:           EventCreditEarned,
			LocalDelta:     localDelta,
			NetworkDelta:   networkDelta,
			Description:    description,
			Reference:      reference,
			CreatedUnixUTC: service.nowFn(),
		}, customerID, merchantID)
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationEarn,
		MerchantID:   merchantID,
		CustomerID:   customerID,
		LocalCents:   localDelta,
		NetworkCents: networkDelta,
		Error:        operationError,
	})
	return operationError
}

// Spend debits credits immediately. The store-level delta guard is the
// authoritative balance check: a race that drained the balance between an
// advisory selection check and this commit surfaces as ErrInsufficientBalance.
func (service *Service) Spend(ctx context.Context, customerID CustomerID, merchantID MerchantID, localDelta money.Cents, networkDelta money.Cents, description string, reference string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if localDelta < 0 || networkDelta < 0 {
			return fmt.Errorf("%w: spend deltas must be non-negative", ErrInvalidAmountCents)
		}
		return appendEventAndApply(ctx, transactionStore, CreditEvent{
			CustomerID:     customerID.String(),
			MerchantID:     merchantID.String(),
			Type:           EventCreditUsed,
			LocalDelta:     -localDelta,
			NetworkDelta:   -networkDelta,
			Description:    description,
			Reference:      reference,
			CreatedUnixUTC: service.nowFn(),
		}, customerID, merchantID)
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationSpend,
		MerchantID:   merchantID,
		CustomerID:   customerID,
		LocalCents:   localDelta,
		NetworkCents: networkDelta,
		Error:        operationError,
	})
	return operationError
}

// Restore reverses a prior spend, e.g. when a transaction is voided after
// its credits were reserved.
func (service *Service) Restore(ctx context.Context, customerID CustomerID, merchantID MerchantID, localDelta money.Cents, networkDelta money.Cents, description string, reference string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if localDelta < 0 || networkDelta < 0 {
			return fmt.Errorf("%w: restore deltas must be non-negative", ErrInvalidAmountCents)
		}
		return appendEventAndApply(ctx, transactionStore, CreditEvent{
			CustomerID:     customerID.String(),
			MerchantID:     merchantID.String(),
			Type:           EventCreditRestored,
			LocalDelta:     localDelta,
			NetworkDelta:   networkDelta,
			Description:    description,
			Reference:      reference,
			CreatedUnixUTC: service.nowFn(),
		}, customerID, merchantID)
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationRestore,
		MerchantID:   merchantID,
		CustomerID:   customerID,
		LocalCents:   localDelta,
		NetworkCents: networkDelta,
		Error:        operationError,
	})
	return operationError
}

// appendEventAndApply writes the audit row and applies its deltas to the
// balance inside the caller's transaction. Partial application (event
// without balance change or vice versa) is never possible.
func appendEventAndApply(ctx context.Context, transactionStore Store, event CreditEvent, customerID CustomerID, merchantID MerchantID) error {
	if err := transactionStore.InsertEvent(ctx, event); err != nil {
		return err
	}
	return transactionStore.AddToBalance(ctx, customerID, merchantID, event.LocalDelta, event.NetworkDelta)
}
