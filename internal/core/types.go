package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RecordKey identifies a PriceRecord: partition key asin, sort key marketplace id
type RecordKey struct {
	ASIN          string `json:"asin"`
	MarketplaceID string `json:"marketplace_id"`
}

func (k RecordKey) String() string {
	return k.ASIN + "/" + k.MarketplaceID
}

// ParseRecordKey is the inverse of RecordKey.String
func ParseRecordKey(s string) (RecordKey, error) {
	asin, mp, ok := strings.Cut(s, "/")
	key := RecordKey{ASIN: asin, MarketplaceID: mp}
	if !ok {
		return key, fmt.Errorf("malformed record key %q", s)
	}
	return key, key.Validate()
}

// Validate checks that both halves of the key are present
func (k RecordKey) Validate() error {
	if k.ASIN == "" || k.MarketplaceID == "" {
		return fmt.Errorf("record key requires asin and marketplace id, got %q", k.String())
	}
	return nil
}

// Condition is the item condition of a competing offer
type Condition string

const (
	ConditionNew         Condition = "new"
	ConditionUsed        Condition = "used"
	ConditionRefurbished Condition = "refurbished"
	ConditionCollectible Condition = "collectible"
)

// CompetitorOffer is a single observed competing listing
type CompetitorOffer struct {
	SellerID            string              `json:"seller_id"`
	Price               decimal.NullDecimal `json:"price"`
	Currency            string              `json:"currency"`
	Condition           Condition           `json:"condition"`
	FulfilledByPlatform bool                `json:"fulfilled_by_platform"`
}

// HasPrice reports whether the offer carries a usable listing price
func (o CompetitorOffer) HasPrice() bool {
	return o.Price.Valid && o.Price.Decimal.IsPositive()
}

// PriceRecord is the persisted pricing state of one product in one marketplace
type PriceRecord struct {
	ASIN          string `json:"asin"`
	MarketplaceID string `json:"marketplace_id"`
	SKU           string `json:"sku,omitempty"`

	// Seller-configured bounds. Absent ceiling means unbounded, absent floor means zero.
	FloorPrice           decimal.NullDecimal `json:"floor_price"`
	CeilingPrice         decimal.NullDecimal `json:"ceiling_price"`
	FloorBusinessPrice   decimal.NullDecimal `json:"floor_business_price"`
	CeilingBusinessPrice decimal.NullDecimal `json:"ceiling_business_price"`

	// Catalog values refreshed by ingestion
	RetailPrice   decimal.Decimal `json:"retail_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	BusinessPrice decimal.Decimal `json:"business_price"`

	// Most recent computed main price
	LastPrice         decimal.NullDecimal `json:"last_price"`
	LastBusinessPrice decimal.NullDecimal `json:"last_business_price"`

	// Present only while a publish is outstanding
	PendingPrice         decimal.NullDecimal `json:"pending_price"`
	PendingBusinessPrice decimal.NullDecimal `json:"pending_business_price"`

	LastObservedOffers []CompetitorOffer `json:"last_observed_offers,omitempty"`
	LastObservedAt     time.Time         `json:"last_observed_at"`
	LastDecisionAt     time.Time         `json:"last_decision_at"`
	LastReason         Reason            `json:"last_reason,omitempty"`
	ConfirmedAt        time.Time         `json:"confirmed_at"`
	IngestedAt         time.Time         `json:"ingested_at"`

	// Optimistic concurrency counter, incremented on every successful write
	Version int64 `json:"version"`
}

// Key returns the record identity
func (r *PriceRecord) Key() RecordKey {
	return RecordKey{ASIN: r.ASIN, MarketplaceID: r.MarketplaceID}
}

// HasPending reports whether a decided price is awaiting publication
func (r *PriceRecord) HasPending() bool {
	return r.PendingPrice.Valid && r.PendingPrice.Decimal.IsPositive()
}

// Clone returns a deep copy safe to mutate
func (r *PriceRecord) Clone() *PriceRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastObservedOffers != nil {
		c.LastObservedOffers = make([]CompetitorOffer, len(r.LastObservedOffers))
		copy(c.LastObservedOffers, r.LastObservedOffers)
	}
	return &c
}

// Reason explains a repricing decision
type Reason string

const (
	ReasonNoOffers        Reason = "no_offers"
	ReasonAlreadyFeatured Reason = "already_featured"
	ReasonBelowFloorSkip  Reason = "below_floor_skip"
	ReasonClamped         Reason = "clamped"
	ReasonApplied         Reason = "applied"
)

// IsChange reports whether the reason carries a new price
func (r Reason) IsChange() bool {
	return r == ReasonClamped || r == ReasonApplied
}

// Decision is the output of the repricing engine. Prices are only set when Reason is a change.
type Decision struct {
	MainPrice      decimal.NullDecimal `json:"main_price"`
	BusinessPrice  decimal.NullDecimal `json:"business_price"`
	Reason         Reason              `json:"reason"`
	BusinessReason Reason              `json:"business_reason,omitempty"`
}

// Changed reports whether the decision proposes a new price
func (d Decision) Changed() bool {
	return d.Reason.IsChange() && d.MainPrice.Valid
}

// OfferSnapshot is one observation of the competing offers for a product, pushed or polled
type OfferSnapshot struct {
	Key          RecordKey                     `json:"key"`
	Offers       []CompetitorOffer             `json:"offers"`
	LowestPrices map[Condition]decimal.Decimal `json:"lowest_prices,omitempty"`
	ObservedAt   time.Time                     `json:"observed_at"`
	Source       string                        `json:"source"`
	EventID      string                        `json:"event_id,omitempty"`
}

// RepriceResult is the outcome of applying one snapshot to the store
type RepriceResult struct {
	Key      RecordKey `json:"key"`
	Decision Decision  `json:"decision"`
	Stale    bool      `json:"stale"`
	Version  int64     `json:"version"`
}

// QuantityTier is a bulk-purchase discount price
type QuantityTier struct {
	MinQuantity int             `json:"min_quantity"`
	Price       decimal.Decimal `json:"price"`
}

// PublishRequest is a price update sent to the marketplace
type PublishRequest struct {
	Key           RecordKey       `json:"key"`
	SKU           string          `json:"sku"`
	Price         decimal.Decimal `json:"price"`
	BusinessPrice decimal.Decimal `json:"business_price"`
	Currency      string          `json:"currency"`
	Tiers         []QuantityTier  `json:"tiers"`
}

// ReconcileReport summarises one reconciliation pass
type ReconcileReport struct {
	RunID       string      `json:"run_id"`
	Attempted   int         `json:"attempted"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	FailedIDs   []RecordKey `json:"failed_ids"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
}
