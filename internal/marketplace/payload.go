package marketplace

import (
	"repricer/internal/core"

	"github.com/shopspring/decimal"
)

// Amount is a currency value encoded as a JSON number with two decimals
type Amount decimal.Decimal

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).StringFixed(2)), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	*a = Amount(d)
	return nil
}

// ListingsPatch is the body of a listings item PATCH
type ListingsPatch struct {
	ProductType string       `json:"productType"`
	Patches     []PatchEntry `json:"patches"`
}

// PatchEntry is one JSON patch operation on a listing attribute
type PatchEntry struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

type schedule struct {
	ValueWithTax Amount `json:"value_with_tax"`
}

type ourPrice struct {
	Schedule []schedule `json:"schedule"`
}

type purchasableOffer struct {
	MarketplaceID string     `json:"marketplace_id"`
	Currency      string     `json:"currency"`
	OurPrice      []ourPrice `json:"our_price"`
}

type businessPrice struct {
	MarketplaceID string `json:"marketplace_id"`
	ValueWithTax  Amount `json:"value_with_tax"`
	Currency      string `json:"currency"`
}

type listingPrice struct {
	Amount       Amount `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type quantityDiscount struct {
	QuantityTier         int          `json:"quantityTier"`
	QuantityDiscountType string       `json:"quantityDiscountType"`
	ListingPrice         listingPrice `json:"listingPrice"`
}

// BuildListingsPatch builds the price update for one listing: consumer price,
// business price and the quantity discount ladder.
func BuildListingsPatch(req core.PublishRequest) ListingsPatch {
	mp := req.Key.MarketplaceID

	discounts := make([]quantityDiscount, 0, len(req.Tiers))
	for _, t := range req.Tiers {
		discounts = append(discounts, quantityDiscount{
			QuantityTier:         t.MinQuantity,
			QuantityDiscountType: "QUANTITY_DISCOUNT",
			ListingPrice:         listingPrice{Amount: Amount(t.Price), CurrencyCode: req.Currency},
		})
	}

	return ListingsPatch{
		ProductType: "PRODUCT",
		Patches: []PatchEntry{
			{
				Op:   "replace",
				Path: "/attributes/purchasable_offer",
				Value: []purchasableOffer{{
					MarketplaceID: mp,
					Currency:      req.Currency,
					OurPrice:      []ourPrice{{Schedule: []schedule{{ValueWithTax: Amount(req.Price)}}}},
				}},
			},
			{
				Op:   "replace",
				Path: "/attributes/business_price",
				Value: []businessPrice{{
					MarketplaceID: mp,
					ValueWithTax:  Amount(req.BusinessPrice),
					Currency:      req.Currency,
				}},
			},
			{
				Op:    "replace",
				Path:  "/attributes/quantity_discount_prices",
				Value: discounts,
			},
		},
	}
}
