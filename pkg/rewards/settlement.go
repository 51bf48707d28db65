package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const settlementStatusPending = "pending"

// SettlementRun reports one batcher invocation.
type SettlementRun struct {
	SettlementsCreated int
	MerchantsSkipped   int
}

// GenerateSettlements aggregates completed transactions per active merchant
// into gross/fee/net records for the period. The job is idempotent: a
// merchant that already has a settlement for the exact period is skipped,
// so the batch can be re-run safely.
func (service *Service) GenerateSettlements(ctx context.Context, periodStartUnixUTC int64, periodEndUnixUTC int64) (SettlementRun, error) {
	var run SettlementRun
	operationError := func() error {
		if periodEndUnixUTC <= periodStartUnixUTC {
			return fmt.Errorf("%w: end %d not after start %d", ErrInvalidPeriod, periodEndUnixUTC, periodStartUnixUTC)
		}
		merchantIDs, err := service.store.ListActiveMerchantIDs(ctx)
		if err != nil {
			return err
		}
		for _, merchantID := range merchantIDs {
			created, err := service.settleMerchant(ctx, merchantID, periodStartUnixUTC, periodEndUnixUTC)
			if err != nil {
				return err
			}
			if created {
				run.SettlementsCreated++
			} else {
				run.MerchantsSkipped++
			}
		}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		Error:     operationError,
	})
	return run, operationError
}

func (service *Service) settleMerchant(ctx context.Context, merchantID MerchantID, periodStartUnixUTC int64, periodEndUnixUTC int64) (bool, error) {
	exists, err := service.store.SettlementExists(ctx, merchantID, periodStartUnixUTC, periodEndUnixUTC)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	gross, transactionCount, err := service.store.SumCompletedForMerchant(ctx, merchantID, periodStartUnixUTC, periodEndUnixUTC)
	if err != nil {
		return false, err
	}
	if transactionCount == 0 {
		return false, nil
	}
	merchant, err := service.store.GetMerchant(ctx, merchantID)
	if err != nil {
		return false, err
	}
	fees := settlementFees(gross, transactionCount, merchant.FeeBasisPoints, merchant.FeeFixedCents)
	settlement := Settlement{
		SettlementID:       uuid.NewString(),
		MerchantID:         merchantID.String(),
		PeriodStartUnixUTC: periodStartUnixUTC,
		PeriodEndUnixUTC:   periodEndUnixUTC,
		GrossCents:         gross,
		FeesCents:          fees,
		NetCents:           gross - fees,
		TransactionCount:   transactionCount,
		Status:             settlementStatusPending,
		CreatedUnixUTC:     service.nowFn(),
	}
	if err := service.store.InsertSettlement(ctx, settlement); err != nil {
		// Another batcher run won the (merchant, period) uniqueness race.
		if errors.Is(err, ErrSettlementExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// settlementFees computes round(gross * feeBps/10000) + count * feeFixed
// with exact decimal arithmetic; no floats touch the money path.
func settlementFees(gross money.Cents, transactionCount int64, feeBasisPoints int64, feeFixedCents money.Cents) money.Cents {
	percentage := decimal.NewFromInt(gross.Int64()).
		Mul(decimal.NewFromInt(feeBasisPoints)).
		Div(decimal.NewFromInt(basisPointsWhole)).
		Round(0)
	fixed := decimal.NewFromInt(transactionCount).Mul(decimal.NewFromInt(feeFixedCents.Int64()))
	return money.Cents(percentage.Add(fixed).IntPart())
}
