package rewards

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
)

// Allocation is the result of applying credit against a bill.
type Allocation struct {
	LocalUsed   money.Cents
	NetworkUsed money.Cents
	Remainder   money.Cents
}

// Allocate decides how much local and network credit to apply to a bill.
// Local credit is consumed first; network credit fills whatever cap room
// remains. The cap is floor(bill * capBasisPoints / 10000).
func Allocate(billCents money.Cents, availableLocal money.Cents, availableNetwork money.Cents, capBasisPoints int64) (Allocation, error) {
	if err := validateAllocationInputs(billCents, availableLocal, availableNetwork, capBasisPoints); err != nil {
		return Allocation{}, err
	}
	if billCents == 0 {
		return Allocation{}, nil
	}
	capCents := money.Fraction(billCents, capBasisPoints, basisPointsWhole)
	localUsed := minCents(availableLocal, capCents)
	networkUsed := minCents(availableNetwork, capCents-localUsed)
	return Allocation{
		LocalUsed:   localUsed,
		NetworkUsed: networkUsed,
		Remainder:   billCents - localUsed - networkUsed,
	}, nil
}

// ValidateSelection checks a live interactive credit selection against the
// available balances and the flow cap. Unlike Allocate it never truncates:
// a selection beyond availability or cap is rejected outright.
func ValidateSelection(billCents money.Cents, selectedLocal money.Cents, selectedNetwork money.Cents, availableLocal money.Cents, availableNetwork money.Cents, capBasisPoints int64) error {
	if err := validateAllocationInputs(billCents, availableLocal, availableNetwork, capBasisPoints); err != nil {
		return err
	}
	if selectedLocal < 0 || selectedNetwork < 0 {
		return fmt.Errorf("%w: negative selection", ErrInvalidAmountCents)
	}
	if selectedLocal > availableLocal || selectedNetwork > availableNetwork {
		return ErrExceedsBalance
	}
	capCents := money.Fraction(billCents, capBasisPoints, basisPointsWhole)
	if selectedLocal+selectedNetwork > capCents {
		return ErrExceedsCap
	}
	return nil
}

// EarnSplit divides a cashback grant between local and network credit.
// The split preserves the remainder: network takes whatever flooring the
// local share leaves behind, so the two halves always sum to the total.
func EarnSplit(finalAmountCents money.Cents, cashbackPct int64, localShareBasisPoints int64) (money.Cents, money.Cents, error) {
	if finalAmountCents < 0 {
		return 0, 0, fmt.Errorf("%w: negative final amount", ErrInvalidAmountCents)
	}
	if cashbackPct < 0 || cashbackPct > 100 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidCashbackPct, cashbackPct)
	}
	if localShareBasisPoints < 0 || localShareBasisPoints > basisPointsWhole {
		return 0, 0, fmt.Errorf("%w: local share %d out of [0,%d]", ErrInvalidCapFraction, localShareBasisPoints, basisPointsWhole)
	}
	total := money.Fraction(finalAmountCents, cashbackPct, 100)
	localEarned := money.Fraction(total, localShareBasisPoints, basisPointsWhole)
	return localEarned, total - localEarned, nil
}

func validateAllocationInputs(billCents money.Cents, availableLocal money.Cents, availableNetwork money.Cents, capBasisPoints int64) error {
	if billCents < 0 {
		return fmt.Errorf("%w: negative bill", ErrInvalidAmountCents)
	}
	if availableLocal < 0 || availableNetwork < 0 {
		return fmt.Errorf("%w: negative balance", ErrInvalidAmountCents)
	}
	if capBasisPoints <= 0 || capBasisPoints > basisPointsWhole {
		return fmt.Errorf("%w: cap basis points %d out of (0,%d]", ErrInvalidCapFraction, capBasisPoints, basisPointsWhole)
	}
	return nil
}

func minCents(first money.Cents, second money.Cents) money.Cents {
	if first < second {
		return first
	}
	return second
}
