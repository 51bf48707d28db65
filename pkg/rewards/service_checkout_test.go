package rewards

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
)

func TestCreateComputesDiscountedFinalAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	clock := &fakeClock{nowUnixUTC: 1_000}
	service := newTestService(test, store, clock, 5000)

	transaction, err := service.Create(context.Background(), CreateInput{
		MerchantID:          mustMerchantID(test, "merchant-1"),
		TerminalID:          mustTerminalID(test, "lane-1"),
		AmountCents:         2_000,
		DealRef:             "deal-42",
		DiscountBasisPoints: 1_000,
	})
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if transaction.OriginalAmount != 2_000 || transaction.FinalAmount != 1_800 {
		test.Fatalf("expected 2000 discounted to 1800, got %d/%d", transaction.OriginalAmount, transaction.FinalAmount)
	}
	if transaction.LiveNetAmount != 1_800 {
		test.Fatalf("expected live net to start at the final amount, got %d", transaction.LiveNetAmount)
	}
	if transaction.Status != StatusAwaitingCustomer {
		test.Fatalf("expected awaiting_customer, got %s", transaction.Status)
	}
	if transaction.PaymentCode == "" || transaction.LaneToken == "" {
		test.Fatalf("expected payment code and lane token, got %q/%q", transaction.PaymentCode, transaction.LaneToken)
	}
	if transaction.ExpiresAtUnixUTC != 1_000+180 {
		test.Fatalf("expected expiry at now+TTL, got %d", transaction.ExpiresAtUnixUTC)
	}
}

func TestCreateWithoutTerminalOmitsLaneToken(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)

	transaction, err := service.Create(context.Background(), CreateInput{
		MerchantID:  mustMerchantID(test, "merchant-1"),
		AmountCents: 500,
	})
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if transaction.LaneToken != "" {
		test.Fatalf("expected no lane token without a terminal, got %q", transaction.LaneToken)
	}
}

func TestCreateRejectsInactiveMerchant(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	merchant := defaultMerchant()
	merchant.Active = false
	store.addMerchant(merchant)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)

	_, err := service.Create(context.Background(), CreateInput{
		MerchantID:  mustMerchantID(test, "merchant-1"),
		AmountCents: 500,
	})
	if !errors.Is(err, ErrMerchantInactive) {
		test.Fatalf("expected ErrMerchantInactive, got %v", err)
	}
}

func TestCreateRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)

	_, err := service.Create(context.Background(), CreateInput{
		MerchantID:  mustMerchantID(test, "merchant-1"),
		AmountCents: 0,
	})
	if !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents, got %v", err)
	}
}

func TestFindPendingAutoMatchesSingleOpenBill(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	clock := &fakeClock{nowUnixUTC: 1_000}
	service := newTestService(test, store, clock, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 700)

	match, err := service.FindPendingForTerminal(context.Background(), mustMerchantID(test, "merchant-1"), mustTerminalID(test, "lane-1"))
	if err != nil {
		test.Fatalf("find pending: %v", err)
	}
	if !match.AutoMatch || match.Transaction.TransactionID != created.TransactionID {
		test.Fatalf("expected auto match of %s, got %+v", created.TransactionID, match)
	}
}

func TestFindPendingWithNoOpenBills(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)

	_, err := service.FindPendingForTerminal(context.Background(), mustMerchantID(test, "merchant-1"), mustTerminalID(test, "lane-1"))
	if !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindPendingRequiresTokenWithConcurrentBills(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	clock := &fakeClock{nowUnixUTC: 1_000}
	service := newTestService(test, store, clock, 5000)
	mustCreate(test, service, "merchant-1", "lane-1", 700)
	clock.nowUnixUTC++
	second := mustCreate(test, service, "merchant-1", "lane-1", 900)

	match, err := service.FindPendingForTerminal(context.Background(), mustMerchantID(test, "merchant-1"), mustTerminalID(test, "lane-1"))
	if err != nil {
		test.Fatalf("find pending: %v", err)
	}
	if !match.NeedsToken || len(match.Candidates) != 2 {
		test.Fatalf("expected two token candidates, got %+v", match)
	}

	claimed, err := service.ClaimWithToken(context.Background(), mustMerchantID(test, "merchant-1"), mustTerminalID(test, "lane-1"), second.LaneToken)
	if err != nil {
		test.Fatalf("claim: %v", err)
	}
	if claimed.TransactionID != second.TransactionID {
		test.Fatalf("expected claim of %s, got %s", second.TransactionID, claimed.TransactionID)
	}

	_, err = service.ClaimWithToken(context.Background(), mustMerchantID(test, "merchant-1"), mustTerminalID(test, "lane-1"), "ZZZZ")
	if !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound for a foreign token, got %v", err)
	}
}

func TestFindPendingExpiresOverdueBills(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	clock := &fakeClock{nowUnixUTC: 1_000}
	service := newTestService(test, store, clock, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 700)

	clock.nowUnixUTC = created.ExpiresAtUnixUTC + 1
	_, err := service.FindPendingForTerminal(context.Background(), mustMerchantID(test, "merchant-1"), mustTerminalID(test, "lane-1"))
	if !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound once the bill expired, got %v", err)
	}
	if got := store.mustTransaction(test, created.TransactionID).Status; got != StatusExpired {
		test.Fatalf("expected the overdue row flipped to expired, got %s", got)
	}
}

func TestSelectCreditsRecomputesLiveNetAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)

	result, err := service.SelectCredits(context.Background(), created.TransactionID, mustCustomerID(test, "customer-1"), 400, 100)
	if err != nil {
		test.Fatalf("select credits: %v", err)
	}
	if result.LiveNetAmount != 1_500 {
		test.Fatalf("expected live net 1500, got %d", result.LiveNetAmount)
	}
	if result.CustomerCode == "" {
		test.Fatalf("expected a customer code")
	}

	// Reselecting keeps the already-issued code stable.
	again, err := service.SelectCredits(context.Background(), created.TransactionID, mustCustomerID(test, "customer-1"), 0, 0)
	if err != nil {
		test.Fatalf("reselect: %v", err)
	}
	if again.CustomerCode != result.CustomerCode {
		test.Fatalf("expected stable customer code, got %q then %q", result.CustomerCode, again.CustomerCode)
	}
	if again.LiveNetAmount != 2_000 {
		test.Fatalf("expected live net back to 2000, got %d", again.LiveNetAmount)
	}
	if len(store.events) != 0 {
		test.Fatalf("selection must not touch the ledger, got %d events", len(store.events))
	}
}

func TestSelectCreditsRejectsOverdraw(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	customerID := mustCustomerID(test, "customer-1")

	_, err := service.SelectCredits(context.Background(), created.TransactionID, customerID, 1_300, 0)
	if !errors.Is(err, ErrExceedsBalance) {
		test.Fatalf("expected ErrExceedsBalance, got %v", err)
	}

	// Cap for a 2000-cent bill at 5000 bps is 1000.
	_, err = service.SelectCredits(context.Background(), created.TransactionID, customerID, 600, 401)
	if !errors.Is(err, ErrExceedsCap) {
		test.Fatalf("expected ErrExceedsCap, got %v", err)
	}
}

func TestSelectCreditsRejectsForeignCustomer(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 500, 0)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)

	if _, err := service.SelectCredits(context.Background(), created.TransactionID, mustCustomerID(test, "customer-1"), 100, 0); err != nil {
		test.Fatalf("select credits: %v", err)
	}
	_, err := service.SelectCredits(context.Background(), created.TransactionID, mustCustomerID(test, "customer-2"), 0, 0)
	if !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound for a foreign customer, got %v", err)
	}
}

func TestConfirmReservesSelectedCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 100)

	result, err := service.Confirm(context.Background(), created.TransactionID, selection.CustomerCode)
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if result.NetPayable != 1_500 {
		test.Fatalf("expected net payable 1500, got %d", result.NetPayable)
	}

	row := store.mustTransaction(test, created.TransactionID)
	if row.Status != StatusAwaitingMerchantConfirm {
		test.Fatalf("expected awaiting_merchant_confirm, got %s", row.Status)
	}
	if row.LocalCreditsUsed != 400 || row.NetworkCreditsUsed != 100 {
		test.Fatalf("expected reserved 400/100, got %d/%d", row.LocalCreditsUsed, row.NetworkCreditsUsed)
	}
	balance := store.mustBalance(test, "customer-1", "merchant-1")
	if balance.LocalCents != 800 || balance.NetworkCents != 500 {
		test.Fatalf("expected balance 800/500 after reservation, got %d/%d", balance.LocalCents, balance.NetworkCents)
	}
	if len(store.events) != 1 || store.events[0].Type != EventCreditUsed {
		test.Fatalf("expected one credit_used event, got %+v", store.events)
	}
	if store.events[0].LocalDelta != -400 || store.events[0].NetworkDelta != -100 {
		test.Fatalf("expected deltas -400/-100, got %+v", store.events[0])
	}
}

func TestConfirmRejectsWrongCode(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 500, 0)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	mustSelect(test, service, created.TransactionID, "customer-1", 100, 0)

	_, err := service.Confirm(context.Background(), created.TransactionID, "999999")
	if !errors.Is(err, ErrInvalidCode) {
		test.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if got := store.mustTransaction(test, created.TransactionID).Status; got != StatusAwaitingCustomer {
		test.Fatalf("expected the transaction untouched, got %s", got)
	}
}

func TestConfirmFailsWhenBalanceDrainedSinceSelection(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 500, 0)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 0)

	// Another device spends the credit between selection and confirmation.
	store.setBalance("customer-1", "merchant-1", 100, 0)

	_, err := service.Confirm(context.Background(), created.TransactionID, selection.CustomerCode)
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestConfirmReservesLatestSelection(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 100)

	// A last-moment reselection lands between the confirm read and the
	// status transition.
	store.beforeStatusUpdate = func() {
		mustSelect(test, service, created.TransactionID, "customer-1", 600, 0)
	}
	result, err := service.Confirm(context.Background(), created.TransactionID, selection.CustomerCode)
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if result.NetPayable != 1_400 {
		test.Fatalf("expected net payable 1400 after the reselection, got %d", result.NetPayable)
	}
	row := store.mustTransaction(test, created.TransactionID)
	if row.LocalCreditsUsed != 600 || row.NetworkCreditsUsed != 0 {
		test.Fatalf("expected the latest selection reserved, got %d/%d", row.LocalCreditsUsed, row.NetworkCreditsUsed)
	}
	balance := store.mustBalance(test, "customer-1", "merchant-1")
	if balance.LocalCents != 600 || balance.NetworkCents != 600 {
		test.Fatalf("expected balance debited by the latest selection, got %d/%d", balance.LocalCents, balance.NetworkCents)
	}
	if len(store.events) != 1 || store.events[0].LocalDelta != -600 || store.events[0].NetworkDelta != 0 {
		test.Fatalf("expected one credit_used event of -600/0, got %+v", store.events)
	}
}

func TestCompleteGrantsCashbackAtomically(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	clock := &fakeClock{nowUnixUTC: 1_000}
	service := newTestService(test, store, clock, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 100)
	mustConfirm(test, service, created.TransactionID, selection.CustomerCode)

	clock.nowUnixUTC = 1_050
	result, err := service.Complete(context.Background(), created.PaymentCode)
	if err != nil {
		test.Fatalf("complete: %v", err)
	}
	if result.AlreadyProcessed {
		test.Fatalf("first completion must not report a replay")
	}
	// 5% of the 2000-cent bill is 100; 70% of that is local.
	if result.CreditsEarned.LocalCents != 70 || result.CreditsEarned.NetworkCents != 30 || result.CreditsEarned.TotalCents != 100 {
		test.Fatalf("unexpected cashback: %+v", result.CreditsEarned)
	}
	if result.CompletedAtUnixUTC != 1_050 {
		test.Fatalf("expected completion stamp 1050, got %d", result.CompletedAtUnixUTC)
	}
	balance := store.mustBalance(test, "customer-1", "merchant-1")
	if balance.LocalCents != 870 || balance.NetworkCents != 530 {
		test.Fatalf("expected balance 870/530 after cashback, got %d/%d", balance.LocalCents, balance.NetworkCents)
	}
}

func TestCompleteReplayIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	clock := &fakeClock{nowUnixUTC: 1_000}
	service := newTestService(test, store, clock, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 100)
	mustConfirm(test, service, created.TransactionID, selection.CustomerCode)

	clock.nowUnixUTC = 1_050
	first, err := service.Complete(context.Background(), created.PaymentCode)
	if err != nil {
		test.Fatalf("complete: %v", err)
	}
	eventCount := len(store.events)
	balanceBefore := store.mustBalance(test, "customer-1", "merchant-1")

	clock.nowUnixUTC = 1_090
	replay, err := service.Complete(context.Background(), created.PaymentCode)
	if err != nil {
		test.Fatalf("replay complete: %v", err)
	}
	if !replay.AlreadyProcessed {
		test.Fatalf("expected replay to be flagged")
	}
	if replay.CreditsEarned != first.CreditsEarned {
		test.Fatalf("replay must report the original cashback: %+v vs %+v", replay.CreditsEarned, first.CreditsEarned)
	}
	if replay.CompletedAtUnixUTC != first.CompletedAtUnixUTC {
		test.Fatalf("replay must report the original completion stamp")
	}
	if len(store.events) != eventCount {
		test.Fatalf("replay must not append events, got %d then %d", eventCount, len(store.events))
	}
	if store.mustBalance(test, "customer-1", "merchant-1") != balanceBefore {
		test.Fatalf("replay must not touch the balance")
	}
}

func TestCompleteAnonymousBillEarnsNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "", 900)

	// No customer ever attached; the merchant keys the payment code
	// straight through.
	if _, err := service.Confirm(context.Background(), created.TransactionID, "999999"); !errors.Is(err, ErrInvalidCode) {
		test.Fatalf("expected ErrInvalidCode for a wrong keyed code, got %v", err)
	}
	confirm, err := service.Confirm(context.Background(), created.TransactionID, created.PaymentCode)
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if confirm.NetPayable != 900 {
		test.Fatalf("expected the full bill payable, got %d", confirm.NetPayable)
	}
	result, err := service.Complete(context.Background(), created.PaymentCode)
	if err != nil {
		test.Fatalf("complete: %v", err)
	}
	if result.CreditsEarned.TotalCents != 0 {
		test.Fatalf("anonymous bill must earn nothing, got %+v", result.CreditsEarned)
	}
	if len(store.events) != 0 {
		test.Fatalf("expected no ledger events, got %d", len(store.events))
	}
}

func TestCompleteConcurrentRetryChargesOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	clock := &fakeClock{nowUnixUTC: 1_000}
	charger := &reentrantCharger{}
	service := newTestService(test, store, clock, 5000, WithCardCharger(charger))
	charger.service = service
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	charger.paymentCode = created.PaymentCode
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 100)
	mustConfirm(test, service, created.TransactionID, selection.CustomerCode)

	result, err := service.Complete(context.Background(), created.PaymentCode)
	if err != nil {
		test.Fatalf("complete: %v", err)
	}
	if charger.charges != 1 {
		test.Fatalf("expected exactly one card charge, got %d", charger.charges)
	}
	if charger.innerErr != nil {
		test.Fatalf("a retry landing mid-charge must succeed, got %v", charger.innerErr)
	}
	if !charger.inner.AlreadyProcessed {
		test.Fatalf("a retry landing mid-charge must report a replay, got %+v", charger.inner)
	}
	if result.AlreadyProcessed || result.CreditsEarned.TotalCents != 100 {
		test.Fatalf("unexpected outer completion: %+v", result)
	}
	if len(store.events) != 2 {
		test.Fatalf("expected one reservation and one grant event, got %d", len(store.events))
	}
}

func TestCompleteReplayIgnoresRateChanges(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	clock := &fakeClock{nowUnixUTC: 1_000}
	service := newTestService(test, store, clock, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 100)
	mustConfirm(test, service, created.TransactionID, selection.CustomerCode)

	clock.nowUnixUTC = 1_050
	first, err := service.Complete(context.Background(), created.PaymentCode)
	if err != nil {
		test.Fatalf("complete: %v", err)
	}

	// The merchant doubles its cashback rate after the completion.
	raised := defaultMerchant()
	raised.CashbackPct = 10
	store.addMerchant(raised)

	replay, err := service.Complete(context.Background(), created.PaymentCode)
	if err != nil {
		test.Fatalf("replay complete: %v", err)
	}
	if !replay.AlreadyProcessed {
		test.Fatalf("expected replay to be flagged")
	}
	if replay.CreditsEarned != first.CreditsEarned {
		test.Fatalf("replay must report the amounts actually granted: %+v vs %+v", replay.CreditsEarned, first.CreditsEarned)
	}
}

func TestCompleteDeclinedChargeStaysRetryable(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 500, 0)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000,
		WithCardCharger(decliningCharger{}))
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 0)
	mustConfirm(test, service, created.TransactionID, selection.CustomerCode)

	_, err := service.Complete(context.Background(), created.PaymentCode)
	if !errors.Is(err, ErrChargeDeclined) {
		test.Fatalf("expected ErrChargeDeclined, got %v", err)
	}
	if got := store.mustTransaction(test, created.TransactionID).Status; got != StatusAwaitingMerchantConfirm {
		test.Fatalf("declined charge must leave the transaction confirmed, got %s", got)
	}
}

func TestVoidRestoresReservedCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 100)
	mustConfirm(test, service, created.TransactionID, selection.CustomerCode)

	result, err := service.Void(context.Background(), created.PaymentCode, "customer walked away")
	if err != nil {
		test.Fatalf("void: %v", err)
	}
	if result.TransactionID != created.TransactionID {
		test.Fatalf("unexpected void result: %+v", result)
	}
	row := store.mustTransaction(test, created.TransactionID)
	if row.Status != StatusVoided || row.VoidReason != "customer walked away" {
		test.Fatalf("expected voided row with reason, got %+v", row)
	}
	balance := store.mustBalance(test, "customer-1", "merchant-1")
	if balance.LocalCents != 1_200 || balance.NetworkCents != 600 {
		test.Fatalf("expected balance restored to 1200/600, got %d/%d", balance.LocalCents, balance.NetworkCents)
	}
	last := store.events[len(store.events)-1]
	if last.Type != EventCreditRestored || last.LocalDelta != 400 || last.NetworkDelta != 100 {
		test.Fatalf("expected restore event of 400/100, got %+v", last)
	}
}

func TestVoidBeforeConfirmationRestoresNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 500, 0)
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	mustSelect(test, service, created.TransactionID, "customer-1", 400, 0)

	if _, err := service.Void(context.Background(), created.PaymentCode, "rung up wrong"); err != nil {
		test.Fatalf("void: %v", err)
	}
	if len(store.events) != 0 {
		test.Fatalf("a selection-only void must not touch the ledger, got %d events", len(store.events))
	}
	balance := store.mustBalance(test, "customer-1", "merchant-1")
	if balance.LocalCents != 500 {
		test.Fatalf("expected balance untouched, got %d", balance.LocalCents)
	}
}

func TestVoidCompletedTransactionFails(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	service := newTestService(test, store, &fakeClock{nowUnixUTC: 1_000}, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 900)
	store.forceStatus(created.TransactionID, StatusCompleted)

	_, err := service.Void(context.Background(), created.PaymentCode, "too late")
	if !errors.Is(err, ErrTransactionClosed) {
		test.Fatalf("expected ErrTransactionClosed, got %v", err)
	}
}

func TestExpiryAfterConfirmationRestoresCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addMerchant(defaultMerchant())
	store.setBalance("customer-1", "merchant-1", 1_200, 600)
	clock := &fakeClock{nowUnixUTC: 1_000}
	service := newTestService(test, store, clock, 5000)
	created := mustCreate(test, service, "merchant-1", "lane-1", 2_000)
	selection := mustSelect(test, service, created.TransactionID, "customer-1", 400, 100)
	mustConfirm(test, service, created.TransactionID, selection.CustomerCode)

	clock.nowUnixUTC = created.ExpiresAtUnixUTC + 1
	_, err := service.Complete(context.Background(), created.PaymentCode)
	if !errors.Is(err, ErrExpired) {
		test.Fatalf("expected ErrExpired, got %v", err)
	}
	if got := store.mustTransaction(test, created.TransactionID).Status; got != StatusExpired {
		test.Fatalf("expected expired row, got %s", got)
	}
	balance := store.mustBalance(test, "customer-1", "merchant-1")
	if balance.LocalCents != 1_200 || balance.NetworkCents != 600 {
		test.Fatalf("expected reserved credits restored on expiry, got %d/%d", balance.LocalCents, balance.NetworkCents)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	flow := FlowConfig{Variant: FlowLaneToken, CapBasisPoints: 5000, TTL: 3 * time.Minute}
	if _, err := NewService(nil, func() int64 { return 0 }, flow); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	if _, err := NewService(newStubStore(), nil, flow); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	badFlow := FlowConfig{Variant: FlowLaneToken, CapBasisPoints: 0, TTL: 3 * time.Minute}
	if _, err := NewService(newStubStore(), func() int64 { return 0 }, badFlow); !errors.Is(err, ErrInvalidFlowConfig) {
		test.Fatalf("expected invalid flow config error, got %v", err)
	}
	if _, err := NewService(newStubStore(), func() int64 { return 0 }, flow, WithExecutionMode("dry-run")); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config for an unknown mode, got %v", err)
	}
}

// --- helpers ---

type fakeClock struct {
	nowUnixUTC int64
}

func (clock *fakeClock) Now() int64 {
	return clock.nowUnixUTC
}

type decliningCharger struct{}

func (decliningCharger) Charge(ctx context.Context, transactionID string, amountCents money.Cents) error {
	return errors.New("issuer declined")
}

// reentrantCharger re-submits the same payment code while the first charge
// is still in flight, standing in for a merchant double-tap.
type reentrantCharger struct {
	service     *Service
	paymentCode string
	charges     int
	inner       CompleteResult
	innerErr    error
}

func (charger *reentrantCharger) Charge(ctx context.Context, transactionID string, amountCents money.Cents) error {
	charger.charges++
	if charger.charges == 1 {
		charger.inner, charger.innerErr = charger.service.Complete(ctx, charger.paymentCode)
	}
	return nil
}

func defaultMerchant() Merchant {
	return Merchant{
		MerchantID:       "merchant-1",
		Name:             "Corner Coffee",
		FeeBasisPoints:   250,
		FeeFixedCents:    30,
		CashbackPct:      5,
		CashbackLocalBps: 7000,
		Active:           true,
	}
}

func newTestService(test *testing.T, store Store, clock *fakeClock, capBasisPoints int64, options ...ServiceOption) *Service {
	test.Helper()
	flow := FlowConfig{Variant: FlowLaneToken, CapBasisPoints: capBasisPoints, TTL: 3 * time.Minute}
	base := []ServiceOption{WithCodeSource(NewSequentialCodeSource()), WithExecutionMode(ModeSimulated)}
	service, err := NewService(store, clock.Now, flow, append(base, options...)...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustCreate(test *testing.T, service *Service, merchantID string, terminalID string, amountCents money.Cents) PendingTransaction {
	test.Helper()
	input := CreateInput{
		MerchantID:  mustMerchantID(test, merchantID),
		AmountCents: amountCents,
	}
	if terminalID != "" {
		input.TerminalID = mustTerminalID(test, terminalID)
	}
	transaction, err := service.Create(context.Background(), input)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	return transaction
}

func mustSelect(test *testing.T, service *Service, transactionID string, customerID string, localCents money.Cents, networkCents money.Cents) SelectResult {
	test.Helper()
	result, err := service.SelectCredits(context.Background(), transactionID, mustCustomerID(test, customerID), localCents, networkCents)
	if err != nil {
		test.Fatalf("select credits: %v", err)
	}
	return result
}

func mustConfirm(test *testing.T, service *Service, transactionID string, code string) ConfirmResult {
	test.Helper()
	result, err := service.Confirm(context.Background(), transactionID, code)
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	return result
}

func mustMerchantID(test *testing.T, raw string) MerchantID {
	test.Helper()
	value, err := NewMerchantID(raw)
	if err != nil {
		test.Fatalf("merchant id: %v", err)
	}
	return value
}

func mustCustomerID(test *testing.T, raw string) CustomerID {
	test.Helper()
	value, err := NewCustomerID(raw)
	if err != nil {
		test.Fatalf("customer id: %v", err)
	}
	return value
}

func mustTerminalID(test *testing.T, raw string) TerminalID {
	test.Helper()
	value, err := NewTerminalID(raw)
	if err != nil {
		test.Fatalf("terminal id: %v", err)
	}
	return value
}

// --- stub store ---

type stubStore struct {
	merchants    map[string]Merchant
	balances     map[string]CreditBalance
	events       []CreditEvent
	transactions map[string]PendingTransaction
	settlements  []Settlement
	eventSeq     int
	// beforeStatusUpdate runs once before the next status transition,
	// for wedging a concurrent mutation into a race window.
	beforeStatusUpdate func()
}

func newStubStore() *stubStore {
	return &stubStore{
		merchants:    make(map[string]Merchant),
		balances:     make(map[string]CreditBalance),
		transactions: make(map[string]PendingTransaction),
	}
}

func (s *stubStore) addMerchant(merchant Merchant) {
	s.merchants[merchant.MerchantID] = merchant
}

func (s *stubStore) setBalance(customerID string, merchantID string, localCents money.Cents, networkCents money.Cents) {
	s.balances[customerID+"|"+merchantID] = CreditBalance{
		CustomerID:   customerID,
		MerchantID:   merchantID,
		LocalCents:   localCents,
		NetworkCents: networkCents,
	}
}

func (s *stubStore) forceStatus(transactionID string, status TransactionStatus) {
	row := s.transactions[transactionID]
	row.Status = status
	s.transactions[transactionID] = row
}

func (s *stubStore) mustTransaction(test *testing.T, transactionID string) PendingTransaction {
	test.Helper()
	row, ok := s.transactions[transactionID]
	if !ok {
		test.Fatalf("transaction %s not found", transactionID)
	}
	return row
}

func (s *stubStore) mustBalance(test *testing.T, customerID string, merchantID string) CreditBalance {
	test.Helper()
	return s.balances[customerID+"|"+merchantID]
}

func (s *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, s)
}

func (s *stubStore) GetBalance(ctx context.Context, customerID CustomerID, merchantID MerchantID) (CreditBalance, error) {
	balance, ok := s.balances[customerID.String()+"|"+merchantID.String()]
	if !ok {
		return CreditBalance{CustomerID: customerID.String(), MerchantID: merchantID.String()}, nil
	}
	return balance, nil
}

func (s *stubStore) AddToBalance(ctx context.Context, customerID CustomerID, merchantID MerchantID, localDelta money.Cents, networkDelta money.Cents) error {
	key := customerID.String() + "|" + merchantID.String()
	balance, ok := s.balances[key]
	if !ok {
		balance = CreditBalance{CustomerID: customerID.String(), MerchantID: merchantID.String()}
	}
	if balance.LocalCents+localDelta < 0 || balance.NetworkCents+networkDelta < 0 {
		return ErrInsufficientBalance
	}
	balance.LocalCents += localDelta
	balance.NetworkCents += networkDelta
	s.balances[key] = balance
	return nil
}

func (s *stubStore) InsertEvent(ctx context.Context, event CreditEvent) error {
	s.eventSeq++
	if event.EventID == "" {
		event.EventID = fmt.Sprintf("event-%d", s.eventSeq)
	}
	s.events = append(s.events, event)
	return nil
}

func (s *stubStore) ListEvents(ctx context.Context, customerID CustomerID, merchantID MerchantID, beforeUnixUTC int64, limit int) ([]CreditEvent, error) {
	var out []CreditEvent
	for _, event := range s.events {
		if event.CustomerID != customerID.String() || event.MerchantID != merchantID.String() {
			continue
		}
		if event.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubStore) GetMerchant(ctx context.Context, merchantID MerchantID) (Merchant, error) {
	merchant, ok := s.merchants[merchantID.String()]
	if !ok {
		return Merchant{}, ErrNotFound
	}
	return merchant, nil
}

func (s *stubStore) ListActiveMerchantIDs(ctx context.Context) ([]MerchantID, error) {
	var raw []string
	for id, merchant := range s.merchants {
		if merchant.Active {
			raw = append(raw, id)
		}
	}
	sort.Strings(raw)
	out := make([]MerchantID, 0, len(raw))
	for _, id := range raw {
		merchantID, err := NewMerchantID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, merchantID)
	}
	return out, nil
}

func (s *stubStore) InsertTransaction(ctx context.Context, transaction PendingTransaction) error {
	s.transactions[transaction.TransactionID] = transaction
	return nil
}

func (s *stubStore) GetTransaction(ctx context.Context, transactionID string) (PendingTransaction, error) {
	row, ok := s.transactions[transactionID]
	if !ok {
		return PendingTransaction{}, ErrNotFound
	}
	return row, nil
}

func (s *stubStore) GetTransactionByPaymentCode(ctx context.Context, paymentCode string) (PendingTransaction, error) {
	for _, row := range s.transactions {
		if row.PaymentCode == paymentCode {
			return row, nil
		}
	}
	return PendingTransaction{}, ErrNotFound
}

func (s *stubStore) ListOpenForTerminal(ctx context.Context, merchantID MerchantID, terminalID TerminalID) ([]PendingTransaction, error) {
	var out []PendingTransaction
	for _, row := range s.transactions {
		if row.MerchantID != merchantID.String() || row.TerminalID != terminalID.String() {
			continue
		}
		if row.Status != StatusAwaitingCustomer && row.Status != StatusAwaitingMerchantConfirm {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedUnixUTC != out[j].CreatedUnixUTC {
			return out[i].CreatedUnixUTC < out[j].CreatedUnixUTC
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}

func (s *stubStore) UpdateTransactionStatus(ctx context.Context, transactionID string, from TransactionStatus, to TransactionStatus) error {
	if s.beforeStatusUpdate != nil {
		hook := s.beforeStatusUpdate
		s.beforeStatusUpdate = nil
		hook()
	}
	row, ok := s.transactions[transactionID]
	if !ok {
		return ErrNotFound
	}
	if row.Status != from {
		return fmt.Errorf("%w: status is %s", ErrTransactionClosed, row.Status)
	}
	row.Status = to
	s.transactions[transactionID] = row
	return nil
}

func (s *stubStore) UpdateSelection(ctx context.Context, transactionID string, customerID CustomerID, localCents money.Cents, networkCents money.Cents, liveNetAmount money.Cents, customerCode string, selectedAtUnixUTC int64) error {
	row, ok := s.transactions[transactionID]
	if !ok {
		return ErrNotFound
	}
	if row.Status != StatusAwaitingCustomer {
		return fmt.Errorf("%w: status is %s", ErrTransactionClosed, row.Status)
	}
	row.CustomerID = customerID.String()
	row.SelectedLocalCents = localCents
	row.SelectedNetworkCents = networkCents
	row.LiveNetAmount = liveNetAmount
	row.CustomerCode = customerCode
	row.SelectedAtUnixUTC = selectedAtUnixUTC
	s.transactions[transactionID] = row
	return nil
}

func (s *stubStore) UpdateReservedCredits(ctx context.Context, transactionID string) error {
	row, ok := s.transactions[transactionID]
	if !ok {
		return ErrNotFound
	}
	row.LocalCreditsUsed = row.SelectedLocalCents
	row.NetworkCreditsUsed = row.SelectedNetworkCents
	s.transactions[transactionID] = row
	return nil
}

func (s *stubStore) MarkCompleted(ctx context.Context, transactionID string, capturedAtUnixUTC int64, localEarned money.Cents, networkEarned money.Cents) error {
	row, ok := s.transactions[transactionID]
	if !ok {
		return ErrNotFound
	}
	row.CapturedAtUnixUTC = capturedAtUnixUTC
	row.LocalCreditsEarned = localEarned
	row.NetworkCreditsEarned = networkEarned
	s.transactions[transactionID] = row
	return nil
}

func (s *stubStore) MarkVoided(ctx context.Context, transactionID string, reason string, voidedAtUnixUTC int64) error {
	row, ok := s.transactions[transactionID]
	if !ok {
		return ErrNotFound
	}
	row.VoidReason = reason
	row.VoidedAtUnixUTC = voidedAtUnixUTC
	s.transactions[transactionID] = row
	return nil
}

func (s *stubStore) SettlementExists(ctx context.Context, merchantID MerchantID, periodStartUnixUTC int64, periodEndUnixUTC int64) (bool, error) {
	for _, settlement := range s.settlements {
		if settlement.MerchantID == merchantID.String() &&
			settlement.PeriodStartUnixUTC == periodStartUnixUTC &&
			settlement.PeriodEndUnixUTC == periodEndUnixUTC {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) InsertSettlement(ctx context.Context, settlement Settlement) error {
	merchantID, err := NewMerchantID(settlement.MerchantID)
	if err != nil {
		return err
	}
	exists, err := s.SettlementExists(ctx, merchantID, settlement.PeriodStartUnixUTC, settlement.PeriodEndUnixUTC)
	if err != nil {
		return err
	}
	if exists {
		return ErrSettlementExists
	}
	s.settlements = append(s.settlements, settlement)
	return nil
}

func (s *stubStore) SumCompletedForMerchant(ctx context.Context, merchantID MerchantID, periodStartUnixUTC int64, periodEndUnixUTC int64) (money.Cents, int64, error) {
	var gross money.Cents
	var count int64
	for _, row := range s.transactions {
		if row.MerchantID != merchantID.String() || row.Status != StatusCompleted {
			continue
		}
		if row.CapturedAtUnixUTC < periodStartUnixUTC || row.CapturedAtUnixUTC >= periodEndUnixUTC {
			continue
		}
		gross += row.FinalAmount
		count++
	}
	return gross, count, nil
}
