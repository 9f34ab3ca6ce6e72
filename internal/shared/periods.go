package shared

import "errors"

// Revenue period statuses shared between the store and the close sweep.
const (
	PeriodStatusOpen              = "OPEN"
	PeriodStatusClosed            = "CLOSED"
	PeriodStatusPermanentlyClosed = "PERMANENTLY_CLOSED"
)

// ErrInvalidPeriodTransition indicates status change not allowed.
var ErrInvalidPeriodTransition = errors.New("period transition invalid")

// ValidatePeriodTransition checks transitions according to policy.
func ValidatePeriodTransition(current, target string) error {
	if current == target {
		return nil
	}
	switch current {
	case PeriodStatusOpen:
		if target == PeriodStatusClosed {
			return nil
		}
	case PeriodStatusClosed:
		if target == PeriodStatusOpen || target == PeriodStatusPermanentlyClosed {
			return nil
		}
	}
	return ErrInvalidPeriodTransition
}

// PeriodAcceptsEvents reports whether new revenue events may land in a period with the given status.
func PeriodAcceptsEvents(status string) bool {
	return status == PeriodStatusOpen
}
