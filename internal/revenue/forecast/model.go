// Package forecast projects recognized revenue forward with an ordinary least-squares trend.
package forecast

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryMonths is the number of trailing calendar months feeding the model.
const HistoryMonths = 12

// Point is one monthly amount.
type Point struct {
	Month      time.Time       `json:"month"`
	PeriodName string          `json:"period_name"`
	Amount     decimal.Decimal `json:"amount"`
}

// Model is the fitted trend line, amount = Intercept + Slope*x, where x counts months from the start
// of the history window.
type Model struct {
	Slope     decimal.Decimal `json:"slope"`
	Intercept decimal.Decimal `json:"intercept"`
}

// Forecast is the output of GenerateForecast. Forecast is empty when fewer than two months carry history.
type Forecast struct {
	History     []Point   `json:"history"`
	Forecast    []Point   `json:"forecast"`
	Model       Model     `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Sample is an (x, y) observation.
type Sample struct {
	X int
	Y decimal.Decimal
}

// Fit computes the least-squares line through samples. ok is false when fewer than two samples are given
// or every sample shares the same x.
func Fit(samples []Sample) (Model, bool) {
	if len(samples) < 2 {
		return Model{Slope: decimal.Zero, Intercept: decimal.Zero}, false
	}
	n := decimal.NewFromInt(int64(len(samples)))
	sumX, sumY, sumXY, sumXX := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, s := range samples {
		x := decimal.NewFromInt(int64(s.X))
		sumX = sumX.Add(x)
		sumY = sumY.Add(s.Y)
		sumXY = sumXY.Add(x.Mul(s.Y))
		sumXX = sumXX.Add(x.Mul(x))
	}
	denom := n.Mul(sumXX).Sub(sumX.Mul(sumX))
	if denom.IsZero() {
		return Model{Slope: decimal.Zero, Intercept: decimal.Zero}, false
	}
	slope := n.Mul(sumXY).Sub(sumX.Mul(sumY)).Div(denom)
	intercept := sumY.Sub(slope.Mul(sumX)).Div(n)
	return Model{Slope: slope, Intercept: intercept}, true
}

// At evaluates the model at x, clamped at zero and rounded to scale decimal places.
func (m Model) At(x int, scale int32) decimal.Decimal {
	v := m.Intercept.Add(m.Slope.Mul(decimal.NewFromInt(int64(x))))
	if v.IsNegative() {
		return decimal.Zero
	}
	return v.Round(scale)
}

// monthStart truncates t to the first day of its month in UTC.
func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// monthsBetween counts whole calendar months from a to b; both are month starts.
func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}
