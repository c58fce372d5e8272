package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"

	"github.com/shopspring/decimal"
)

const itemOffersBatchPath = "/batches/products/pricing/v0/itemOffers"

// Money is the price shape used by the pricing API and offer notifications
type Money struct {
	Amount       decimal.NullDecimal `json:"Amount"`
	CurrencyCode string              `json:"CurrencyCode"`
}

type batchRequestItem struct {
	URI           string `json:"uri"`
	Method        string `json:"method"`
	MarketplaceID string `json:"MarketplaceId"`
	ItemCondition string `json:"ItemCondition"`
}

type batchRequest struct {
	Requests []batchRequestItem `json:"requests"`
}

type itemOffer struct {
	SellerID            string `json:"SellerId"`
	SubCondition        string `json:"SubCondition"`
	ListingPrice        Money  `json:"ListingPrice"`
	IsFulfilledByAmazon bool   `json:"IsFulfilledByAmazon"`
	IsBuyBoxWinner      bool   `json:"IsBuyBoxWinner"`
}

type lowestPrice struct {
	Condition          string `json:"condition"`
	FulfillmentChannel string `json:"fulfillmentChannel"`
	ListingPrice       Money  `json:"ListingPrice"`
}

type itemOffersPayload struct {
	ASIN          string `json:"ASIN"`
	MarketplaceID string `json:"marketplaceId"`
	ItemCondition string `json:"ItemCondition"`
	Summary       struct {
		LowestPrices []lowestPrice `json:"LowestPrices"`
	} `json:"Summary"`
	Offers []itemOffer `json:"Offers"`
}

type batchResponse struct {
	Responses []struct {
		Status struct {
			StatusCode   int    `json:"statusCode"`
			ReasonPhrase string `json:"reasonPhrase"`
		} `json:"status"`
		Body struct {
			Payload itemOffersPayload `json:"payload"`
			Errors  []struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"errors"`
		} `json:"body"`
		Request struct {
			URI           string `json:"uri"`
			MarketplaceID string `json:"MarketplaceId"`
		} `json:"request"`
	} `json:"responses"`
}

// FetchOffers polls competing offers in batches of at most BatchLimit items.
// Snapshots of successful items are returned even when some batches fail; the
// failures are joined into the returned error.
func (c *Client) FetchOffers(ctx context.Context, keys []core.RecordKey) ([]core.OfferSnapshot, error) {
	var snapshots []core.OfferSnapshot
	var errs []error

	for start := 0; start < len(keys); start += c.cfg.BatchLimit {
		end := start + c.cfg.BatchLimit
		if end > len(keys) {
			end = len(keys)
		}
		batch, err := c.fetchBatch(ctx, keys[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return snapshots, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		snapshots = append(snapshots, batch...)
	}
	return snapshots, errors.Join(errs...)
}

func (c *Client) fetchBatch(ctx context.Context, keys []core.RecordKey) ([]core.OfferSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
	}

	req := batchRequest{Requests: make([]batchRequestItem, 0, len(keys))}
	for _, k := range keys {
		req.Requests = append(req.Requests, batchRequestItem{
			URI:           "/products/pricing/v0/items/" + url.PathEscape(k.ASIN) + "/offers",
			Method:        "GET",
			MarketplaceID: k.MarketplaceID,
			ItemCondition: c.cfg.ItemCondition,
		})
	}

	body, err := c.http.Post(ctx, itemOffersBatchPath, req)
	if err != nil {
		return nil, c.classify(err)
	}

	var resp batchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode offers batch: %w", err)
	}

	observedAt := time.Now().UTC()
	snapshots := make([]core.OfferSnapshot, 0, len(resp.Responses))
	for _, r := range resp.Responses {
		if r.Status.StatusCode != 200 {
			c.logger.Warn("Offer lookup failed",
				"uri", r.Request.URI,
				"status", r.Status.StatusCode,
				"reason", r.Status.ReasonPhrase)
			continue
		}
		p := r.Body.Payload
		mp := p.MarketplaceID
		if mp == "" {
			mp = r.Request.MarketplaceID
		}
		snap := core.OfferSnapshot{
			Key:          core.RecordKey{ASIN: p.ASIN, MarketplaceID: mp},
			Offers:       make([]core.CompetitorOffer, 0, len(p.Offers)),
			LowestPrices: make(map[core.Condition]decimal.Decimal),
			ObservedAt:   observedAt,
			Source:       "poll",
		}
		if err := snap.Key.Validate(); err != nil {
			c.logger.Warn("Offer lookup without identity", "uri", r.Request.URI)
			continue
		}
		condition := NormalizeCondition(p.ItemCondition)
		if condition == "" {
			condition = NormalizeCondition(c.cfg.ItemCondition)
		}
		for _, o := range p.Offers {
			snap.Offers = append(snap.Offers, core.CompetitorOffer{
				SellerID:            o.SellerID,
				Price:               o.ListingPrice.Amount,
				Currency:            o.ListingPrice.CurrencyCode,
				Condition:           condition,
				FulfilledByPlatform: o.IsFulfilledByAmazon,
			})
		}
		for _, lp := range p.Summary.LowestPrices {
			AddLowestPrice(snap.LowestPrices, NormalizeCondition(lp.Condition), lp.ListingPrice.Amount)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// NormalizeCondition maps the API's condition spellings onto core conditions
func NormalizeCondition(raw string) core.Condition {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new", "new_new":
		return core.ConditionNew
	case "used", "used_like_new", "used_very_good", "used_good", "used_acceptable":
		return core.ConditionUsed
	case "refurbished", "reconditioned":
		return core.ConditionRefurbished
	case "collectible", "club":
		return core.ConditionCollectible
	default:
		return ""
	}
}

// AddLowestPrice keeps the lowest positive price seen per condition
func AddLowestPrice(m map[core.Condition]decimal.Decimal, cond core.Condition, price decimal.NullDecimal) {
	if cond == "" || !price.Valid || !price.Decimal.IsPositive() {
		return
	}
	if cur, ok := m[cond]; !ok || price.Decimal.LessThan(cur) {
		m[cond] = price.Decimal
	}
}
