package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
	"github.com/google/uuid"
)

// CreateInput describes a new payment attempt. Terminal, customer and deal
// are optional: a deal grab supplies a customer up front, a counter bill
// does not know the customer yet.
type CreateInput struct {
	MerchantID  MerchantID
	TerminalID  TerminalID
	CustomerID  CustomerID
	AmountCents money.Cents
	DealRef     string
	// DiscountBasisPoints is the deal discount resolved at the boundary
	// from the grabbed deal record.
	DiscountBasisPoints int64
}

// LaneCandidate is one open bill a customer may claim at a busy terminal.
type LaneCandidate struct {
	Token       string
	AmountCents money.Cents
}

// TerminalMatch is the result of a customer lookup against a terminal.
type TerminalMatch struct {
	AutoMatch   bool
	Transaction PendingTransaction
	NeedsToken  bool
	Candidates  []LaneCandidate
}

// SelectResult reports the recomputed live figures after a credit selection.
type SelectResult struct {
	LiveNetAmount money.Cents
	CustomerCode  string
}

// ConfirmResult reports the net amount payable after confirmation.
type ConfirmResult struct {
	NetPayable money.Cents
}

// CreditsEarned is the cashback granted by a completed transaction.
type CreditsEarned struct {
	LocalCents   money.Cents
	NetworkCents money.Cents
	TotalCents   money.Cents
}

// CompleteResult reports a completion, replayed or not.
type CompleteResult struct {
	TransactionID      string
	CreditsEarned      CreditsEarned
	CompletedAtUnixUTC int64
	AlreadyProcessed   bool
}

// VoidResult reports a cancellation.
type VoidResult struct {
	TransactionID   string
	VoidedAtUnixUTC int64
}

// Create opens a pending transaction with the bill amount fixed. When a
// terminal is supplied every transaction gets a lane token, so concurrent
// bills at one terminal are always disambiguable.
func (service *Service) Create(ctx context.Context, input CreateInput) (PendingTransaction, error) {
	var transaction PendingTransaction
	operationError := func() error {
		if input.AmountCents <= 0 {
			return fmt.Errorf("%w: bill amount must be positive", ErrInvalidAmountCents)
		}
		if input.DiscountBasisPoints < 0 || input.DiscountBasisPoints >= basisPointsWhole {
			return fmt.Errorf("%w: discount basis points %d out of [0,%d)", ErrInvalidAmountCents, input.DiscountBasisPoints, basisPointsWhole)
		}
		merchant, err := service.store.GetMerchant(ctx, input.MerchantID)
		if err != nil {
			return err
		}
		if !merchant.Active {
			return ErrMerchantInactive
		}
		nowUnixUTC := service.nowFn()
		discount := money.Fraction(input.AmountCents, input.DiscountBasisPoints, basisPointsWhole)
		finalAmount := input.AmountCents - discount
		transaction = PendingTransaction{
			TransactionID:    uuid.NewString(),
			MerchantID:       input.MerchantID.String(),
			TerminalID:       input.TerminalID.String(),
			CustomerID:       input.CustomerID.String(),
			DealRef:          input.DealRef,
			OriginalAmount:   input.AmountCents,
			FinalAmount:      finalAmount,
			LiveNetAmount:    finalAmount,
			PaymentCode:      service.codes.PaymentCode(),
			Status:           StatusAwaitingCustomer,
			ExpiresAtUnixUTC: nowUnixUTC + int64(service.flow.TTL.Seconds()),
			CreatedUnixUTC:   nowUnixUTC,
		}
		if !input.TerminalID.IsZero() {
			transaction.LaneToken = service.codes.LaneToken()
		}
		return service.store.InsertTransaction(ctx, transaction)
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationCreate,
		MerchantID:    input.MerchantID,
		CustomerID:    input.CustomerID,
		TransactionID: transaction.TransactionID,
		Amount:        input.AmountCents,
		Error:         operationError,
	})
	if operationError != nil {
		return PendingTransaction{}, operationError
	}
	service.notifyChanged(ctx, transaction)
	return transaction, nil
}

// FindPendingForTerminal resolves a customer lookup against a terminal.
// Exactly one open bill auto-matches; two or more require the customer to
// supply a lane token before any bill can be claimed.
func (service *Service) FindPendingForTerminal(ctx context.Context, merchantID MerchantID, terminalID TerminalID) (TerminalMatch, error) {
	open, err := service.openAwaitingCustomer(ctx, merchantID, terminalID)
	if err != nil {
		return TerminalMatch{}, err
	}
	switch len(open) {
	case 0:
		return TerminalMatch{}, WrapError(operationFindPending, "terminal", "no_open_transactions", ErrNotFound)
	case 1:
		return TerminalMatch{AutoMatch: true, Transaction: open[0]}, nil
	}
	candidates := make([]LaneCandidate, 0, len(open))
	for _, transaction := range open {
		candidates = append(candidates, LaneCandidate{
			Token:       transaction.LaneToken,
			AmountCents: transaction.FinalAmount,
		})
	}
	return TerminalMatch{NeedsToken: true, Candidates: candidates}, nil
}

// ClaimWithToken binds a customer lookup to one specific open bill. A stale
// or foreign token fails with ErrNotFound.
func (service *Service) ClaimWithToken(ctx context.Context, merchantID MerchantID, terminalID TerminalID, token string) (PendingTransaction, error) {
	open, err := service.openAwaitingCustomer(ctx, merchantID, terminalID)
	if err != nil {
		return PendingTransaction{}, err
	}
	for _, transaction := range open {
		if transaction.LaneToken != "" && transaction.LaneToken == token {
			return transaction, nil
		}
	}
	return PendingTransaction{}, WrapError(operationClaim, "terminal", "token_mismatch", ErrNotFound)
}

// SelectCredits records a live, advisory credit selection. It validates
// against current balances and the flow cap, recomputes the live net
// amount, and publishes the row; no ledger mutation happens here.
func (service *Service) SelectCredits(ctx context.Context, transactionID string, customerID CustomerID, localCents money.Cents, networkCents money.Cents) (SelectResult, error) {
	var result SelectResult
	operationError := func() error {
		transaction, err := service.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if err := service.requireOpen(ctx, &transaction, StatusAwaitingCustomer); err != nil {
			return err
		}
		if transaction.CustomerID != "" && transaction.CustomerID != customerID.String() {
			// Another customer already claimed this bill.
			return WrapError(operationSelect, "transaction", "customer_mismatch", ErrNotFound)
		}
		merchantID, err := NewMerchantID(transaction.MerchantID)
		if err != nil {
			return err
		}
		balance, err := service.store.GetBalance(ctx, customerID, merchantID)
		if err != nil {
			return err
		}
		if err := ValidateSelection(transaction.FinalAmount, localCents, networkCents, balance.LocalCents, balance.NetworkCents, service.flow.CapBasisPoints); err != nil {
			return err
		}
		customerCode := transaction.CustomerCode
		if customerCode == "" {
			customerCode = service.codes.CustomerCode()
		}
		liveNetAmount := transaction.FinalAmount - localCents - networkCents
		selectedAt := service.nowFn()
		if err := service.store.UpdateSelection(ctx, transactionID, customerID, localCents, networkCents, liveNetAmount, customerCode, selectedAt); err != nil {
			return err
		}
		transaction.CustomerID = customerID.String()
		transaction.SelectedLocalCents = localCents
		transaction.SelectedNetworkCents = networkCents
		transaction.LiveNetAmount = liveNetAmount
		transaction.CustomerCode = customerCode
		transaction.SelectedAtUnixUTC = selectedAt
		service.notifyChanged(ctx, transaction)
		result = SelectResult{LiveNetAmount: liveNetAmount, CustomerCode: customerCode}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationSelect,
		CustomerID:    customerID,
		TransactionID: transactionID,
		LocalCents:    localCents,
		NetworkCents:  networkCents,
		Error:         operationError,
	})
	return result, operationError
}

// Confirm binds the presented code to the transaction and reserves the
// selected credits. A claimed bill requires the customer code; an unclaimed
// bill is confirmed by the merchant keying the payment code itself, with
// nothing to reserve. The balance guard inside the transaction is the
// authoritative check; balances may have changed since selection.
func (service *Service) Confirm(ctx context.Context, transactionID string, code string) (ConfirmResult, error) {
	var result ConfirmResult
	var transaction PendingTransaction
	operationError := func() error {
		var err error
		transaction, err = service.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if err := service.requireOpen(ctx, &transaction, StatusAwaitingCustomer); err != nil {
			return err
		}
		if transaction.CustomerID == "" {
			if code != transaction.PaymentCode {
				return ErrInvalidCode
			}
		} else if transaction.CustomerCode == "" || code != transaction.CustomerCode {
			return ErrInvalidCode
		}
		err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := transactionStore.UpdateTransactionStatus(ctx, transactionID, StatusAwaitingCustomer, StatusAwaitingMerchantConfirm); err != nil {
				return err
			}
			// The selection stays mutable until the status flips, so the
			// pre-transition read cannot be trusted for amounts. Re-read
			// now that the row is locked out of further selections.
			current, err := transactionStore.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			transaction = current
			if current.SelectedLocalCents == 0 && current.SelectedNetworkCents == 0 {
				return nil
			}
			customerID, err := NewCustomerID(current.CustomerID)
			if err != nil {
				return err
			}
			merchantID, err := NewMerchantID(current.MerchantID)
			if err != nil {
				return err
			}
			if err := appendEventAndApply(ctx, transactionStore, CreditEvent{
				CustomerID:     current.CustomerID,
				MerchantID:     current.MerchantID,
				Type:           EventCreditUsed,
				LocalDelta:     -current.SelectedLocalCents,
				NetworkDelta:   -current.SelectedNetworkCents,
				Description:    descriptionCreditsApplied,
				Reference:      current.PaymentCode,
				CreatedUnixUTC: service.nowFn(),
			}, customerID, merchantID); err != nil {
				return err
			}
			return transactionStore.UpdateReservedCredits(ctx, transactionID)
		})
		if err != nil {
			return err
		}
		transaction.LocalCreditsUsed = transaction.SelectedLocalCents
		transaction.NetworkCreditsUsed = transaction.SelectedNetworkCents
		service.notifyChanged(ctx, transaction)
		result = ConfirmResult{NetPayable: transaction.LiveNetAmount}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationConfirm,
		TransactionID: transactionID,
		Amount:        result.NetPayable,
		Error:         operationError,
	})
	return result, operationError
}

// Complete finishes a confirmed transaction. The status flip to completed
// is the claim: it happens before the card charge so a concurrent retry of
// the same payment code can never issue a second charge, and the loser of
// that race reports the replay success instead of an error. A declined
// charge releases the claim, leaving the transaction confirmed and
// retryable.
func (service *Service) Complete(ctx context.Context, paymentCode string) (CompleteResult, error) {
	var result CompleteResult
	operationError := func() error {
		transaction, err := service.store.GetTransactionByPaymentCode(ctx, paymentCode)
		if err != nil {
			return err
		}
		if transaction.Status == StatusCompleted {
			result = replayedCompletion(transaction)
			return nil
		}
		if err := service.requireOpen(ctx, &transaction, StatusAwaitingMerchantConfirm); err != nil {
			return err
		}
		merchantID, err := NewMerchantID(transaction.MerchantID)
		if err != nil {
			return err
		}
		merchant, err := service.store.GetMerchant(ctx, merchantID)
		if err != nil {
			return err
		}
		earned, err := earnedForTransaction(transaction, merchant)
		if err != nil {
			return err
		}
		if err := service.store.UpdateTransactionStatus(ctx, transaction.TransactionID, StatusAwaitingMerchantConfirm, StatusCompleted); err != nil {
			if errors.Is(err, ErrTransactionClosed) {
				current, readErr := service.store.GetTransactionByPaymentCode(ctx, paymentCode)
				if readErr == nil && current.Status == StatusCompleted {
					result = replayedCompletion(current)
					return nil
				}
			}
			return err
		}
		if transaction.LiveNetAmount > 0 {
			if chargeErr := service.charger.Charge(ctx, transaction.TransactionID, transaction.LiveNetAmount); chargeErr != nil {
				if releaseErr := service.store.UpdateTransactionStatus(ctx, transaction.TransactionID, StatusCompleted, StatusAwaitingMerchantConfirm); releaseErr != nil {
					return fmt.Errorf("%w: %v (claim release failed: %v)", ErrChargeDeclined, chargeErr, releaseErr)
				}
				return fmt.Errorf("%w: %v", ErrChargeDeclined, chargeErr)
			}
		}
		capturedAt := service.nowFn()
		err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := transactionStore.MarkCompleted(ctx, transaction.TransactionID, capturedAt, earned.LocalCents, earned.NetworkCents); err != nil {
				return err
			}
			if transaction.CustomerID == "" || earned.TotalCents == 0 {
				return nil
			}
			customerID, err := NewCustomerID(transaction.CustomerID)
			if err != nil {
				return err
			}
			return appendEventAndApply(ctx, transactionStore, CreditEvent{
				CustomerID:     transaction.CustomerID,
				MerchantID:     transaction.MerchantID,
				Type:           EventCreditEarned,
				LocalDelta:     earned.LocalCents,
				NetworkDelta:   earned.NetworkCents,
				Description:    descriptionCashbackEarned,
				Reference:      transaction.PaymentCode,
				CreatedUnixUTC: capturedAt,
			}, customerID, merchantID)
		})
		if err != nil {
			return err
		}
		transaction.Status = StatusCompleted
		transaction.CapturedAtUnixUTC = capturedAt
		transaction.LocalCreditsEarned = earned.LocalCents
		transaction.NetworkCreditsEarned = earned.NetworkCents
		service.notifyChanged(ctx, transaction)
		result = CompleteResult{
			TransactionID:      transaction.TransactionID,
			CreditsEarned:      earned,
			CompletedAtUnixUTC: capturedAt,
		}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationComplete,
		TransactionID: result.TransactionID,
		LocalCents:    result.CreditsEarned.LocalCents,
		NetworkCents:  result.CreditsEarned.NetworkCents,
		Error:         operationError,
	})
	return result, operationError
}

// Void cancels an open transaction, restoring any credits reserved at
// confirmation before the record turns terminal.
func (service *Service) Void(ctx context.Context, paymentCode string, reason string) (VoidResult, error) {
	var result VoidResult
	operationError := func() error {
		transaction, err := service.store.GetTransactionByPaymentCode(ctx, paymentCode)
		if err != nil {
			return err
		}
		if err := service.refuseTerminal(transaction); err != nil {
			return err
		}
		if err := service.expireIfDue(ctx, &transaction); err != nil {
			return err
		}
		voidedAt := service.nowFn()
		priorStatus := transaction.Status
		err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := transactionStore.UpdateTransactionStatus(ctx, transaction.TransactionID, priorStatus, StatusVoided); err != nil {
				return err
			}
			if err := transactionStore.MarkVoided(ctx, transaction.TransactionID, reason, voidedAt); err != nil {
				return err
			}
			return service.restoreReserved(ctx, transactionStore, transaction, priorStatus, descriptionCreditsRestored, voidedAt)
		})
		if err != nil {
			return err
		}
		transaction.Status = StatusVoided
		transaction.VoidedAtUnixUTC = voidedAt
		transaction.VoidReason = reason
		service.notifyChanged(ctx, transaction)
		result = VoidResult{TransactionID: transaction.TransactionID, VoidedAtUnixUTC: voidedAt}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationVoid,
		TransactionID: result.TransactionID,
		Error:         operationError,
	})
	return result, operationError
}

// openAwaitingCustomer lists claimable transactions for a terminal,
// flipping any past-TTL rows to expired along the way.
func (service *Service) openAwaitingCustomer(ctx context.Context, merchantID MerchantID, terminalID TerminalID) ([]PendingTransaction, error) {
	listed, err := service.store.ListOpenForTerminal(ctx, merchantID, terminalID)
	if err != nil {
		return nil, err
	}
	nowUnixUTC := service.nowFn()
	open := make([]PendingTransaction, 0, len(listed))
	for _, transaction := range listed {
		if transaction.ExpiredAt(nowUnixUTC) {
			if err := service.expireNow(ctx, transaction); err != nil {
				return nil, err
			}
			continue
		}
		if transaction.Status == StatusAwaitingCustomer {
			open = append(open, transaction)
		}
	}
	return open, nil
}

// requireOpen rejects terminal states, self-heals elapsed TTLs, and then
// demands the one status the attempted transition permits.
func (service *Service) requireOpen(ctx context.Context, transaction *PendingTransaction, required TransactionStatus) error {
	if err := service.refuseTerminal(*transaction); err != nil {
		return err
	}
	if err := service.expireIfDue(ctx, transaction); err != nil {
		return err
	}
	if transaction.Status != required {
		return fmt.Errorf("%w: status %s does not permit this transition", ErrTransactionClosed, transaction.Status)
	}
	return nil
}

func (service *Service) refuseTerminal(transaction PendingTransaction) error {
	switch transaction.Status {
	case StatusExpired:
		return ErrExpired
	case StatusCompleted, StatusVoided:
		return fmt.Errorf("%w: status %s", ErrTransactionClosed, transaction.Status)
	}
	return nil
}

// expireIfDue flips a past-TTL record to expired and fails the caller's
// transition closed.
func (service *Service) expireIfDue(ctx context.Context, transaction *PendingTransaction) error {
	if !transaction.ExpiredAt(service.nowFn()) {
		return nil
	}
	if err := service.expireNow(ctx, *transaction); err != nil {
		return err
	}
	transaction.Status = StatusExpired
	return ErrExpired
}

// expireNow transitions one overdue transaction to expired, restoring any
// credits that a confirmation had already reserved.
func (service *Service) expireNow(ctx context.Context, transaction PendingTransaction) error {
	expiredAt := service.nowFn()
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.UpdateTransactionStatus(ctx, transaction.TransactionID, transaction.Status, StatusExpired); err != nil {
			// Lost the race to another expiry sweep; the record is
			// already terminal.
			if errors.Is(err, ErrTransactionClosed) {
				return nil
			}
			return err
		}
		return service.restoreReserved(ctx, transactionStore, transaction, transaction.Status, descriptionExpiredRestore, expiredAt)
	})
	if err != nil {
		return err
	}
	transaction.Status = StatusExpired
	service.notifyChanged(ctx, transaction)
	return nil
}

// restoreReserved reverses the credit reservation taken at confirmation.
// Transactions that never reached confirmation hold no reservation.
func (service *Service) restoreReserved(ctx context.Context, transactionStore Store, transaction PendingTransaction, priorStatus TransactionStatus, description string, atUnixUTC int64) error {
	if priorStatus != StatusAwaitingMerchantConfirm {
		return nil
	}
	if transaction.LocalCreditsUsed == 0 && transaction.NetworkCreditsUsed == 0 {
		return nil
	}
	customerID, err := NewCustomerID(transaction.CustomerID)
	if err != nil {
		return err
	}
	merchantID, err := NewMerchantID(transaction.MerchantID)
	if err != nil {
		return err
	}
	return appendEventAndApply(ctx, transactionStore, CreditEvent{
		CustomerID:     transaction.CustomerID,
		MerchantID:     transaction.MerchantID,
		Type:           EventCreditRestored,
		LocalDelta:     transaction.LocalCreditsUsed,
		NetworkDelta:   transaction.NetworkCreditsUsed,
		Description:    description,
		Reference:      transaction.PaymentCode,
		CreatedUnixUTC: atUnixUTC,
	}, customerID, merchantID)
}

// replayedCompletion rebuilds the completion result from the stored row, so
// a replay reports the amounts actually granted even after rate changes.
func replayedCompletion(transaction PendingTransaction) CompleteResult {
	return CompleteResult{
		TransactionID: transaction.TransactionID,
		CreditsEarned: CreditsEarned{
			LocalCents:   transaction.LocalCreditsEarned,
			NetworkCents: transaction.NetworkCreditsEarned,
			TotalCents:   transaction.LocalCreditsEarned + transaction.NetworkCreditsEarned,
		},
		CompletedAtUnixUTC: transaction.CapturedAtUnixUTC,
		AlreadyProcessed:   true,
	}
}

func earnedForTransaction(transaction PendingTransaction, merchant Merchant) (CreditsEarned, error) {
	// Anonymous transactions have no account to credit.
	if transaction.CustomerID == "" {
		return CreditsEarned{}, nil
	}
	localEarned, networkEarned, err := EarnSplit(transaction.FinalAmount, merchant.CashbackPct, merchant.CashbackLocalBps)
	if err != nil {
		return CreditsEarned{}, err
	}
	return CreditsEarned{
		LocalCents:   localEarned,
		NetworkCents: networkEarned,
		TotalCents:   localEarned + networkEarned,
	}, nil
}
