// Package rules holds the attribute-equality rules that name performance obligations and pick their
// satisfaction method and duration.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/shared"
)

// Attribute names an event attribute a rule can key on.
type Attribute string

const (
	AttrSourceSystem  Attribute = "source_system"
	AttrEventType     Attribute = "event_type"
	AttrItemID        Attribute = "item_id"
	AttrItemType      Attribute = "item_type"
	AttrCurrency      Attribute = "currency"
	AttrCustomerID    Attribute = "customer_id"
	AttrLedgerID      Attribute = "ledger_id"
	AttrLegalEntityID Attribute = "legal_entity_id"
	AttrOrgID         Attribute = "org_id"
)

// Valid reports whether a is a known attribute.
func (a Attribute) Valid() bool {
	switch a {
	case AttrSourceSystem, AttrEventType, AttrItemID, AttrItemType, AttrCurrency,
		AttrCustomerID, AttrLedgerID, AttrLegalEntityID, AttrOrgID:
		return true
	}
	return false
}

// Attributes is the attribute view of an inbound event.
type Attributes map[Attribute]string

// Rule maps one (attribute, value) pair to an obligation outcome.
type Rule struct {
	ID                 int64                        `json:"id"`
	Name               string                       `json:"name"`
	Attribute          Attribute                    `json:"attribute"`
	Value              string                       `json:"value"`
	Priority           int                          `json:"priority"`
	POBName            string                       `json:"pob_name"`
	SatisfactionMethod contracts.SatisfactionMethod `json:"satisfaction_method"`
	DurationMonths     int                          `json:"duration_months"`
	Active             bool                         `json:"active"`
	CreatedAt          time.Time                    `json:"created_at"`
}

// Outcome is the result of a rule match.
type Outcome struct {
	RuleID             int64                        `json:"rule_id,omitempty"`
	POBName            string                       `json:"pob_name"`
	SatisfactionMethod contracts.SatisfactionMethod `json:"satisfaction_method"`
	DurationMonths     int                          `json:"duration_months"`
}

// CreateRuleInput captures the fields of a new rule.
type CreateRuleInput struct {
	Name               string                       `validate:"required,max=200"`
	Attribute          Attribute                    `validate:"required"`
	Value              string                       `validate:"required,max=200"`
	Priority           int                          `validate:"gte=0"`
	POBName            string                       `validate:"omitempty,max=200"`
	SatisfactionMethod contracts.SatisfactionMethod `validate:"required"`
	DurationMonths     int                          `validate:"gte=0,lte=600"`
}

var (
	// ErrRuleNotFound indicates a missing rule.
	ErrRuleNotFound = fmt.Errorf("rules: rule %w", shared.ErrNotFound)
	// ErrUnknownAttribute indicates the rule keys on an attribute events do not carry.
	ErrUnknownAttribute = fmt.Errorf("rules: unknown attribute: %w", shared.ErrValidation)
	// ErrUnknownMethod indicates an unsupported satisfaction method.
	ErrUnknownMethod = fmt.Errorf("rules: unknown satisfaction method: %w", shared.ErrValidation)
	// ErrRatableDuration indicates a ratable rule without a positive duration.
	ErrRatableDuration = fmt.Errorf("rules: ratable rules need duration_months > 0: %w", shared.ErrValidation)
)

var validate = validator.New()

// Validate checks the rule input.
func (in CreateRuleInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("rules: %s failed %s: %w", fieldErrs[0].Field(), fieldErrs[0].Tag(), shared.ErrValidation)
		}
		return fmt.Errorf("rules: %v: %w", err, shared.ErrValidation)
	}
	if !in.Attribute.Valid() {
		return ErrUnknownAttribute
	}
	if !in.SatisfactionMethod.Valid() {
		return ErrUnknownMethod
	}
	if in.SatisfactionMethod == contracts.SatisfactionRatable && in.DurationMonths <= 0 {
		return ErrRatableDuration
	}
	return nil
}
