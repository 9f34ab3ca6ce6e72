package recognition

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/money"
)

// Allocate splits total across ssps in proportion to each SSP, rounded to scale decimal places.
// Shares are floored first and the leftover minor units go to the largest remainders, ties to the
// later position, so the result sums to total exactly and no share is more than one minor unit away
// from its exact value. ok is false when the SSPs sum to zero.
func Allocate(total decimal.Decimal, ssps []decimal.Decimal, scale int32) ([]decimal.Decimal, bool) {
	totalSSP := money.Sum(ssps...)
	if !totalSSP.IsPositive() || len(ssps) == 0 {
		return nil, false
	}
	unit := decimal.New(1, -scale)
	shares := make([]decimal.Decimal, len(ssps))
	remainders := make([]decimal.Decimal, len(ssps))
	assigned := decimal.Zero
	for i, ssp := range ssps {
		if !ssp.IsPositive() {
			shares[i] = decimal.Zero
			remainders[i] = decimal.Zero
			continue
		}
		exact := total.Mul(ssp).DivRound(totalSSP, scale+12)
		shares[i] = exact.RoundFloor(scale)
		remainders[i] = exact.Sub(shares[i])
		assigned = assigned.Add(shares[i])
	}

	order := make([]int, 0, len(ssps))
	for i, ssp := range ssps {
		if ssp.IsPositive() {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := remainders[order[a]], remainders[order[b]]
		if !ra.Equal(rb) {
			return ra.GreaterThan(rb)
		}
		return order[a] > order[b]
	})

	leftover := total.Sub(assigned)
	for k := 0; leftover.GreaterThanOrEqual(unit) && len(order) > 0; k++ {
		i := order[k%len(order)]
		shares[i] = shares[i].Add(unit)
		leftover = leftover.Sub(unit)
	}
	if !leftover.IsZero() {
		// total carried more precision than scale; the last positive share absorbs the residue
		last := order[0]
		for _, i := range order {
			if i > last {
				last = i
			}
		}
		shares[last] = shares[last].Add(leftover)
	}
	return shares, true
}

// AllocationOutcome reports the allocated price per obligation id.
type AllocationOutcome struct {
	Amounts map[int64]decimal.Decimal
	Skipped bool
}

// AllocateContract re-runs relative-SSP allocation over every obligation of c inside tx and sets the
// contract's allocated total. When the SSPs sum to zero nothing is written and Skipped is true.
func AllocateContract(ctx context.Context, tx contracts.Tx, c contracts.Contract) (AllocationOutcome, error) {
	obligations, err := tx.ListObligations(ctx, c.ID)
	if err != nil {
		return AllocationOutcome{}, fmt.Errorf("recognition: list obligations: %w", err)
	}
	ssps := lo.Map(obligations, func(o contracts.Obligation, _ int) decimal.Decimal { return o.SSPPrice })
	amounts, ok := Allocate(c.TotalTransactionPrice, ssps, money.Scale(c.Currency))
	if !ok {
		return AllocationOutcome{Skipped: true}, nil
	}
	if diff := money.Sum(amounts...).Sub(c.TotalTransactionPrice).Abs(); diff.GreaterThan(money.MinorUnit(c.Currency)) {
		return AllocationOutcome{}, fmt.Errorf("%w: contract %d off by %s", ErrAllocationMismatch, c.ID, diff)
	}
	out := AllocationOutcome{Amounts: make(map[int64]decimal.Decimal, len(obligations))}
	for i, o := range obligations {
		out.Amounts[o.ID] = amounts[i]
		if o.AllocatedPrice.Equal(amounts[i]) {
			continue
		}
		if err := tx.UpdateAllocatedPrice(ctx, o.ID, amounts[i]); err != nil {
			return AllocationOutcome{}, fmt.Errorf("recognition: update allocated price: %w", err)
		}
	}
	if err := tx.SetAllocatedTotal(ctx, c.ID, c.TotalTransactionPrice); err != nil {
		return AllocationOutcome{}, fmt.Errorf("recognition: set allocated total: %w", err)
	}
	return out, nil
}
