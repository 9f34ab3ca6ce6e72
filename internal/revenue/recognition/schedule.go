package recognition

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
)

// BuildSchedule produces the Pending revenue rows for an obligation. Ratable obligations get months
// monthly installments starting on the start date, each floored to scale with the last installment
// absorbing the remainder. Point-in-time obligations get one row on the start date.
func BuildSchedule(ob contracts.Obligation, basis decimal.Decimal, months int, scale int32) []contracts.Recognition {
	row := func(date time.Time, amount decimal.Decimal) contracts.Recognition {
		return contracts.Recognition{
			ContractID:   ob.ContractID,
			ObligationID: ob.ID,
			PeriodName:   contracts.PeriodName(date),
			ScheduleDate: date,
			Amount:       amount,
			AccountType:  contracts.AccountTypeRevenue,
			Status:       contracts.RecognitionStatusPending,
			EventType:    contracts.RecognitionEventSchedule,
		}
	}
	if ob.SatisfactionMethod == contracts.SatisfactionPointInTime {
		return []contracts.Recognition{row(ob.StartDate, basis)}
	}
	if months <= 0 {
		months = 1
	}
	installment := basis.DivRound(decimal.NewFromInt(int64(months)), scale+12).RoundFloor(scale)
	rows := make([]contracts.Recognition, 0, months)
	scheduled := decimal.Zero
	for i := 0; i < months; i++ {
		amount := installment
		if i == months-1 {
			amount = basis.Sub(scheduled)
		}
		rows = append(rows, row(contracts.AddMonths(ob.StartDate, i), amount))
		scheduled = scheduled.Add(amount)
	}
	return rows
}
