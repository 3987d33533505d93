package reserves

import (
	"fmt"

	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// splitTolerance is how far the fractions of a policy may sum from 1.0.
var splitTolerance = decimal.NewFromFloat(1e-6)

// SplitEntry assigns a fraction of an amount to one reserve pool. Entry order
// matters: the last entry absorbs the rounding remainder.
type SplitEntry struct {
	Pool     string
	Fraction decimal.Decimal
}

// SplitPolicy is a named, versioned allocation of an amount across pools.
// The historical remediation scripts disagreed on the ratios (80/20, 85/15,
// equal quarters for the same categories), so the ratio is configuration,
// never code; see FeeSplitV1/FeeSplitV2.
type SplitPolicy struct {
	Version string
	Entries []SplitEntry
}

// PoolDelta is a signed increment to one reserve pool.
type PoolDelta struct {
	Pool  string
	Delta decimal.Decimal
}

var (
	// FeeSplitV1 is the legacy 80/20 withdrawal-fee split. Deprecated: kept
	// only so historical transactions can be re-derived; new withdrawals use
	// FeeSplitV2.
	FeeSplitV1 = SplitPolicy{
		Version: "v1",
		Entries: []SplitEntry{
			{Pool: domain.PoolOperationalReserve, Fraction: decimal.NewFromFloat(0.80)},
			{Pool: domain.PoolProfit, Fraction: decimal.NewFromFloat(0.20)},
		},
	}

	// FeeSplitV2 is the active 85/15 withdrawal-fee split.
	FeeSplitV2 = SplitPolicy{
		Version: "v2",
		Entries: []SplitEntry{
			{Pool: domain.PoolOperationalReserve, Fraction: decimal.NewFromFloat(0.85)},
			{Pool: domain.PoolProfit, Fraction: decimal.NewFromFloat(0.15)},
		},
	}

	// InterestSplitV1 routes the interest component of loan repayments.
	InterestSplitV1 = SplitPolicy{
		Version: "interest_v1",
		Entries: []SplitEntry{
			{Pool: domain.PoolProfit, Fraction: decimal.NewFromInt(1)},
		},
	}
)

// FeeSplitPolicy resolves a configured fee-split version.
func FeeSplitPolicy(version string) (SplitPolicy, error) {
	switch version {
	case "v1":
		return FeeSplitV1, nil
	case "v2":
		return FeeSplitV2, nil
	}
	return SplitPolicy{}, fmt.Errorf("%w: unknown fee split version %q", apperrors.ErrValidation, version)
}

// Validate checks that the policy fractions sum to 1.0 within tolerance.
func (p SplitPolicy) Validate() error {
	if len(p.Entries) == 0 {
		return fmt.Errorf("%w: split policy %s has no entries", apperrors.ErrValidation, p.Version)
	}
	sum := decimal.Zero
	for _, e := range p.Entries {
		sum = sum.Add(e.Fraction)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(splitTolerance) {
		return fmt.Errorf("%w: split policy %s fractions sum to %s", apperrors.ErrValidation, p.Version, sum)
	}
	return nil
}

// Allocate splits amount across the policy's pools. Each entry gets
// round2(amount * fraction) except the last, which absorbs the remainder so
// the increments sum exactly to amount.
func (p SplitPolicy) Allocate(amount decimal.Decimal) ([]PoolDelta, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	deltas := make([]PoolDelta, len(p.Entries))
	allocated := decimal.Zero
	for i, e := range p.Entries {
		var share decimal.Decimal
		if i == len(p.Entries)-1 {
			share = amount.Sub(allocated)
		} else {
			share = amount.Mul(e.Fraction).Round(2)
			allocated = allocated.Add(share)
		}
		deltas[i] = PoolDelta{Pool: e.Pool, Delta: share}
	}
	return deltas, nil
}

// WithdrawalFee computes max(amount*pct, fixed), rounded to 2 decimals.
func WithdrawalFee(amount, pct, fixed decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(pct).Round(2)
	if fee.LessThan(fixed) {
		return fixed.Round(2)
	}
	return fee
}
