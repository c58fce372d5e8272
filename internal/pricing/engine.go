package pricing

import (
	"repricer/internal/core"

	"github.com/shopspring/decimal"
)

// centPlaces is the number of fractional digits of a stored price
const centPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundCents rounds to the nearest cent, halves away from zero.
// Prices are positive so this is half-up.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(centPlaces)
}

// Decide computes the repricing decision for one record.
// It is a pure function of its inputs. Only an invalid policy is an error.
func Decide(rec *core.PriceRecord, offers []core.CompetitorOffer, policy Policy) (core.Decision, error) {
	if err := policy.Validate(); err != nil {
		return core.Decision{}, err
	}
	if rec == nil {
		rec = &core.PriceRecord{}
	}

	switch policy.Strategy {
	case StrategyUndercutFeatured:
		return decideUndercut(rec, offers, policy), nil
	default:
		return decideMarkup(rec, offers, policy), nil
	}
}

func decideMarkup(rec *core.PriceRecord, offers []core.CompetitorOffer, policy Policy) core.Decision {
	lowest, ok := LowestCompetitorPrice(offers, policy.OurSellerID)
	if !ok {
		return noChange(core.ReasonNoOffers)
	}

	factor := decimal.NewFromInt(1).Add(policy.MarkupPercent.Div(hundred))
	candidate := RoundCents(lowest.Mul(factor))

	return finish(rec, candidate, policy)
}

func decideUndercut(rec *core.PriceRecord, offers []core.CompetitorOffer, policy Policy) core.Decision {
	featured, ok := FeaturedPrice(offers)
	if !ok {
		return noChange(core.ReasonNoOffers)
	}

	if policy.OurSellerID != "" {
		featuredCents := RoundCents(featured)
		for _, o := range offers {
			if o.SellerID == policy.OurSellerID && o.HasPrice() && RoundCents(o.Price.Decimal).Equal(featuredCents) {
				return noChange(core.ReasonAlreadyFeatured)
			}
		}
	}

	candidate := RoundCents(featured.Sub(policy.UndercutAmount))
	return finish(rec, candidate, policy)
}

// finish applies the floor rule, the ceiling, and derives the business price
func finish(rec *core.PriceRecord, candidate decimal.Decimal, policy Policy) core.Decision {
	if policy.effectiveFloorMode() == FloorModeSkip && !candidate.GreaterThan(boundOrZero(rec.FloorPrice)) {
		return noChange(core.ReasonBelowFloorSkip)
	}

	main, clamped := clamp(candidate, rec.FloorPrice, rec.CeilingPrice)
	reason := core.ReasonApplied
	if clamped {
		reason = core.ReasonClamped
	}

	// A floorless record can still produce a non-positive candidate
	if !main.IsPositive() {
		return noChange(core.ReasonBelowFloorSkip)
	}

	business, businessReason := BusinessPrice(main, policy.BusinessDiscountRatio, rec.FloorBusinessPrice, rec.CeilingBusinessPrice)

	return core.Decision{
		MainPrice:      decimal.NewNullDecimal(main),
		BusinessPrice:  decimal.NewNullDecimal(business),
		Reason:         reason,
		BusinessReason: businessReason,
	}
}

// BusinessPrice derives the business tier price from the main price and clamps it
// into its own bounds, independently of the main price clamp.
func BusinessPrice(main, ratio decimal.Decimal, floor, ceiling decimal.NullDecimal) (decimal.Decimal, core.Reason) {
	raw := RoundCents(main.Mul(ratio))
	price, clamped := clamp(raw, floor, ceiling)
	if clamped {
		return price, core.ReasonClamped
	}
	return price, core.ReasonApplied
}

// LowestCompetitorPrice returns the lowest present price, ignoring offers of ourSellerID
func LowestCompetitorPrice(offers []core.CompetitorOffer, ourSellerID string) (decimal.Decimal, bool) {
	var lowest decimal.Decimal
	found := false
	for _, o := range offers {
		if !o.HasPrice() {
			continue
		}
		if ourSellerID != "" && o.SellerID == ourSellerID {
			continue
		}
		if !found || o.Price.Decimal.LessThan(lowest) {
			lowest = o.Price.Decimal
			found = true
		}
	}
	return lowest, found
}

// FeaturedPrice returns the lowest price among new-condition offers
func FeaturedPrice(offers []core.CompetitorOffer) (decimal.Decimal, bool) {
	var featured decimal.Decimal
	found := false
	for _, o := range offers {
		if o.Condition != core.ConditionNew || !o.HasPrice() {
			continue
		}
		if !found || o.Price.Decimal.LessThan(featured) {
			featured = o.Price.Decimal
			found = true
		}
	}
	return featured, found
}

// clamp applies the ceiling then the floor, so the floor wins on inverted bounds
func clamp(price decimal.Decimal, floor, ceiling decimal.NullDecimal) (decimal.Decimal, bool) {
	out := price
	if ceiling.Valid && out.GreaterThan(ceiling.Decimal) {
		out = RoundCents(ceiling.Decimal)
	}
	if floor.Valid && out.LessThan(floor.Decimal) {
		out = RoundCents(floor.Decimal)
	}
	return out, !out.Equal(price)
}

func boundOrZero(b decimal.NullDecimal) decimal.Decimal {
	if b.Valid {
		return b.Decimal
	}
	return decimal.Zero
}

func noChange(reason core.Reason) core.Decision {
	return core.Decision{Reason: reason}
}
