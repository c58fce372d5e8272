package pricing

import (
	"repricer/internal/core"

	"github.com/shopspring/decimal"
)

// tierSchedule is the bulk discount ladder applied to the business price
var tierSchedule = []struct {
	minQuantity int
	ratio       decimal.Decimal
}{
	{5, decimal.RequireFromString("0.99")},
	{10, decimal.RequireFromString("0.98")},
	{25, decimal.RequireFromString("0.97")},
	{50, decimal.RequireFromString("0.96")},
	{100, decimal.RequireFromString("0.95")},
}

// QuantityTiers derives the quantity discount prices from a business price.
// Each tier is rounded to cents. A non-positive business price yields no tiers.
func QuantityTiers(business decimal.Decimal) []core.QuantityTier {
	if !business.IsPositive() {
		return nil
	}
	tiers := make([]core.QuantityTier, 0, len(tierSchedule))
	for _, t := range tierSchedule {
		tiers = append(tiers, core.QuantityTier{
			MinQuantity: t.minQuantity,
			Price:       RoundCents(business.Mul(t.ratio)),
		})
	}
	return tiers
}
