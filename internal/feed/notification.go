// Package feed turns competitor offer changes into repricing snapshots. Offers
// arrive as pushed notifications (HTTP or Kafka) or from the scheduled poll.
package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"repricer/internal/core"
	"repricer/internal/marketplace"
	apperrors "repricer/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NotificationType is the offer change notification subscribed to
const NotificationType = "ANY_OFFER_CHANGED"

// eventEnvelope is the event bus shape: identity under detail
type eventEnvelope struct {
	ID         string           `json:"id"`
	DetailType string           `json:"detail-type"`
	Time       time.Time        `json:"time"`
	Detail     *offerDetail     `json:"detail"`
	Payload    *notificationPay `json:"Payload"`

	NotificationType     string `json:"NotificationType"`
	EventTime            string `json:"EventTime"`
	NotificationMetadata struct {
		NotificationID string `json:"NotificationId"`
		PublishTime    string `json:"PublishTime"`
	} `json:"NotificationMetadata"`
}

type offerDetail struct {
	ASIN          string `json:"asin"`
	MarketplaceID string `json:"marketplaceId"`
	ItemCondition string `json:"itemCondition"`
	Offers        []struct {
		SellerID            string            `json:"sellerId"`
		Condition           string            `json:"condition"`
		ListingPrice        marketplace.Money `json:"listingPrice"`
		IsFulfilledByAmazon bool              `json:"isFulfilledByAmazon"`
	} `json:"offers"`
	Summary struct {
		LowestPrices []summaryPrice `json:"lowestPrices"`
	} `json:"summary"`
}

type summaryPrice struct {
	Condition          string            `json:"condition"`
	FulfillmentChannel string            `json:"fulfillmentChannel"`
	ListingPrice       marketplace.Money `json:"listingPrice"`
}

// notificationPay is the notifications API shape
type notificationPay struct {
	AnyOfferChangedNotification *struct {
		SellerID           string `json:"SellerId"`
		OfferChangeTrigger struct {
			MarketplaceID     string    `json:"MarketplaceId"`
			ASIN              string    `json:"ASIN"`
			ItemCondition     string    `json:"ItemCondition"`
			TimeOfOfferChange time.Time `json:"TimeOfOfferChange"`
		} `json:"OfferChangeTrigger"`
		Summary struct {
			LowestPrices []summaryPrice `json:"LowestPrices"`
		} `json:"Summary"`
		Offers []struct {
			SellerID            string            `json:"SellerId"`
			SubCondition        string            `json:"SubCondition"`
			ListingPrice        marketplace.Money `json:"ListingPrice"`
			IsFulfilledByAmazon bool              `json:"IsFulfilledByAmazon"`
		} `json:"Offers"`
	} `json:"AnyOfferChangedNotification"`
}

// DecodeNotification parses an offer change notification into a snapshot.
// Both the event bus envelope (identity under detail) and the notifications
// API envelope (identity under Payload.AnyOfferChangedNotification) are
// accepted. A payload without asin or marketplace id is ErrInvalidNotification.
// receivedAt stands in when the payload carries no event time.
func DecodeNotification(data []byte, receivedAt time.Time) (core.OfferSnapshot, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return core.OfferSnapshot{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidNotification, err)
	}

	var snap core.OfferSnapshot
	switch {
	case env.Detail != nil:
		snap = fromDetail(env.Detail)
		snap.EventID = env.ID
		snap.ObservedAt = env.Time
	case env.Payload != nil && env.Payload.AnyOfferChangedNotification != nil:
		snap = fromPayload(env.Payload)
		snap.EventID = env.NotificationMetadata.NotificationID
		if snap.ObservedAt.IsZero() {
			snap.ObservedAt = parseTime(env.EventTime)
		}
	default:
		return core.OfferSnapshot{}, fmt.Errorf("%w: no offer change detail", apperrors.ErrInvalidNotification)
	}

	if snap.Key.ASIN == "" || snap.Key.MarketplaceID == "" {
		return core.OfferSnapshot{}, fmt.Errorf("%w: missing asin or marketplaceId", apperrors.ErrInvalidNotification)
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = receivedAt
	}
	snap.ObservedAt = snap.ObservedAt.UTC()
	if snap.EventID == "" {
		snap.EventID = uuid.New().String()
	}
	snap.Source = "notification"
	return snap, nil
}

func fromDetail(d *offerDetail) core.OfferSnapshot {
	snap := core.OfferSnapshot{
		Key:          core.RecordKey{ASIN: strings.TrimSpace(d.ASIN), MarketplaceID: strings.TrimSpace(d.MarketplaceID)},
		Offers:       make([]core.CompetitorOffer, 0, len(d.Offers)),
		LowestPrices: make(map[core.Condition]decimal.Decimal),
	}
	fallback := conditionOrNew(d.ItemCondition, core.ConditionNew)
	for _, o := range d.Offers {
		snap.Offers = append(snap.Offers, core.CompetitorOffer{
			SellerID:            o.SellerID,
			Price:               o.ListingPrice.Amount,
			Currency:            o.ListingPrice.CurrencyCode,
			Condition:           conditionOrNew(o.Condition, fallback),
			FulfilledByPlatform: o.IsFulfilledByAmazon,
		})
	}
	for _, lp := range d.Summary.LowestPrices {
		marketplace.AddLowestPrice(snap.LowestPrices, marketplace.NormalizeCondition(lp.Condition), lp.ListingPrice.Amount)
	}
	return snap
}

func fromPayload(p *notificationPay) core.OfferSnapshot {
	n := p.AnyOfferChangedNotification
	trigger := n.OfferChangeTrigger
	snap := core.OfferSnapshot{
		Key:          core.RecordKey{ASIN: strings.TrimSpace(trigger.ASIN), MarketplaceID: strings.TrimSpace(trigger.MarketplaceID)},
		Offers:       make([]core.CompetitorOffer, 0, len(n.Offers)),
		LowestPrices: make(map[core.Condition]decimal.Decimal),
		ObservedAt:   trigger.TimeOfOfferChange,
	}
	// Offers in this notification all share the trigger's condition
	condition := conditionOrNew(trigger.ItemCondition, core.ConditionNew)
	for _, o := range n.Offers {
		snap.Offers = append(snap.Offers, core.CompetitorOffer{
			SellerID:            o.SellerID,
			Price:               o.ListingPrice.Amount,
			Currency:            o.ListingPrice.CurrencyCode,
			Condition:           condition,
			FulfilledByPlatform: o.IsFulfilledByAmazon,
		})
	}
	for _, lp := range n.Summary.LowestPrices {
		marketplace.AddLowestPrice(snap.LowestPrices, marketplace.NormalizeCondition(lp.Condition), lp.ListingPrice.Amount)
	}
	return snap
}

func conditionOrNew(raw string, fallback core.Condition) core.Condition {
	if c := marketplace.NormalizeCondition(raw); c != "" {
		return c
	}
	return fallback
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
