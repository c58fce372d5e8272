// Package pricing implements the repricing decision engine
package pricing

import (
	"fmt"

	apperrors "repricer/pkg/errors"

	"github.com/shopspring/decimal"
)

// Strategy selects the pricing rule
type Strategy string

const (
	// StrategyMarkup prices a fixed percentage above the lowest competitor
	StrategyMarkup Strategy = "markup"
	// StrategyUndercutFeatured prices just below the featured new-condition offer
	StrategyUndercutFeatured Strategy = "undercut_featured"
)

// FloorMode controls what happens when a candidate price falls to the floor
type FloorMode string

const (
	// FloorModeDefault uses clamp for markup and skip for undercut_featured
	FloorModeDefault FloorMode = ""
	// FloorModeClamp raises the candidate to the floor
	FloorModeClamp FloorMode = "clamp"
	// FloorModeSkip holds the current price instead of racing to the floor
	FloorModeSkip FloorMode = "skip"
)

// Policy is the engine configuration
type Policy struct {
	Strategy              Strategy        `json:"strategy" yaml:"strategy"`
	MarkupPercent         decimal.Decimal `json:"markup_percent" yaml:"markup_percent"`
	UndercutAmount        decimal.Decimal `json:"undercut_amount" yaml:"undercut_amount"`
	BusinessDiscountRatio decimal.Decimal `json:"business_discount_ratio" yaml:"business_discount_ratio"`
	OurSellerID           string          `json:"our_seller_id" yaml:"our_seller_id"`
	FloorMode             FloorMode       `json:"floor_mode" yaml:"floor_mode"`
}

// DefaultPolicy returns a markup policy with the documented defaults
func DefaultPolicy() Policy {
	return Policy{
		Strategy:              StrategyMarkup,
		MarkupPercent:         decimal.Zero,
		UndercutAmount:        decimal.RequireFromString("0.01"),
		BusinessDiscountRatio: decimal.RequireFromString("0.99"),
	}
}

// Validate rejects negative markup or undercut and a ratio outside (0,1]
func (p Policy) Validate() error {
	switch p.Strategy {
	case StrategyMarkup, StrategyUndercutFeatured:
	default:
		return fmt.Errorf("%w: unknown strategy %q", apperrors.ErrInvalidPolicy, p.Strategy)
	}
	switch p.FloorMode {
	case FloorModeDefault, FloorModeClamp, FloorModeSkip:
	default:
		return fmt.Errorf("%w: unknown floor mode %q", apperrors.ErrInvalidPolicy, p.FloorMode)
	}
	if p.MarkupPercent.IsNegative() {
		return fmt.Errorf("%w: markup_percent %s must be >= 0", apperrors.ErrInvalidPolicy, p.MarkupPercent)
	}
	if p.UndercutAmount.IsNegative() {
		return fmt.Errorf("%w: undercut_amount %s must be >= 0", apperrors.ErrInvalidPolicy, p.UndercutAmount)
	}
	if !p.BusinessDiscountRatio.IsPositive() || p.BusinessDiscountRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: business_discount_ratio %s must be in (0,1]", apperrors.ErrInvalidPolicy, p.BusinessDiscountRatio)
	}
	return nil
}

// effectiveFloorMode resolves the default per strategy
func (p Policy) effectiveFloorMode() FloorMode {
	if p.FloorMode != FloorModeDefault {
		return p.FloorMode
	}
	if p.Strategy == StrategyUndercutFeatured {
		return FloorModeSkip
	}
	return FloorModeClamp
}
