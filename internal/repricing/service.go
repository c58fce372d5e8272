// Package repricing applies competitor offer snapshots to stored price records
package repricing

import (
	"context"
	"fmt"
	"time"

	"repricer/internal/core"
	"repricer/internal/pricing"
	"repricer/internal/store"
	"repricer/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxAttempts bounds the read-decide-write cycle on store conflicts
const DefaultMaxAttempts = 3

// Service reads a record, runs the engine and writes the decision back with
// a version-checked write, retrying the whole cycle on conflict.
type Service struct {
	store       core.IPriceStore
	policy      pricing.Policy
	maxAttempts int
	logger      core.ILogger
	now         func() time.Time
}

// NewService validates the policy and builds a Service
func NewService(s core.IPriceStore, policy pricing.Policy, maxAttempts int, logger core.ILogger) (*Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{
		store:       s,
		policy:      policy,
		maxAttempts: maxAttempts,
		logger:      logger.WithField("component", "repricing"),
		now:         time.Now,
	}, nil
}

// Policy returns the active pricing policy
func (s *Service) Policy() pricing.Policy {
	return s.policy
}

// HandleSnapshot applies one observation to the stored record.
// Snapshots observed before the record's last observation are ignored and
// reported as stale. Unknown products return ErrRecordNotFound.
func (s *Service) HandleSnapshot(ctx context.Context, snap core.OfferSnapshot) (*core.RepriceResult, error) {
	if err := snap.Key.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.GetTracer("repricing").Start(ctx, "repricing.snapshot",
		trace.WithAttributes(
			attribute.String("asin", snap.Key.ASIN),
			attribute.String("marketplace_id", snap.Key.MarketplaceID),
			attribute.String("source", snap.Source),
		))
	defer span.End()

	result := &core.RepriceResult{Key: snap.Key}
	now := s.now().UTC()
	observedAt := snap.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}

	rec, err := store.Update(ctx, s.store, snap.Key, s.maxAttempts, func(rec *core.PriceRecord) (bool, error) {
		result.Stale = false
		if !rec.LastObservedAt.IsZero() && observedAt.Before(rec.LastObservedAt) {
			result.Stale = true
			return false, nil
		}

		dec, err := pricing.Decide(rec, snap.Offers, s.policy)
		if err != nil {
			return false, err
		}
		result.Decision = dec
		applyDecision(rec, dec, snap.Offers, observedAt, now)
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reprice %s: %w", snap.Key, err)
	}
	result.Version = rec.Version
	span.SetAttributes(
		attribute.String("reason", string(result.Decision.Reason)),
		attribute.Bool("stale", result.Stale),
	)

	if result.Stale {
		s.logger.Debug("Ignoring stale offer snapshot",
			"key", snap.Key.String(),
			"observed_at", observedAt,
			"last_observed_at", rec.LastObservedAt)
		return result, nil
	}

	telemetry.GetGlobalMetrics().RecordDecision(ctx, string(result.Decision.Reason))
	fields := []interface{}{
		"key", snap.Key.String(),
		"reason", result.Decision.Reason,
		"offers", len(snap.Offers),
		"source", snap.Source,
		"version", result.Version,
	}
	if result.Decision.Changed() {
		fields = append(fields,
			"price", result.Decision.MainPrice.Decimal.String(),
			"business_price", result.Decision.BusinessPrice.Decimal.String())
	}
	s.logger.Info("Repricing decision recorded", fields...)
	return result, nil
}

// Preview runs the engine against the stored record without writing
func (s *Service) Preview(ctx context.Context, snap core.OfferSnapshot) (core.Decision, error) {
	rec, err := s.store.Get(ctx, snap.Key)
	if err != nil {
		return core.Decision{}, err
	}
	return pricing.Decide(rec, snap.Offers, s.policy)
}

// applyDecision records the observation and, for a price change, the pending prices
func applyDecision(rec *core.PriceRecord, dec core.Decision, offers []core.CompetitorOffer, observedAt, now time.Time) {
	rec.LastObservedOffers = append([]core.CompetitorOffer(nil), offers...)
	rec.LastObservedAt = observedAt
	rec.LastReason = dec.Reason

	if !dec.Changed() {
		// An outstanding decision keeps its own time so its confirmation deadline holds
		if !rec.HasPending() {
			rec.LastDecisionAt = now
		}
		return
	}

	samePending := rec.HasPending() &&
		rec.PendingPrice.Decimal.Equal(dec.MainPrice.Decimal) &&
		nullEqual(rec.PendingBusinessPrice, dec.BusinessPrice)
	alreadyLive := !rec.HasPending() && !rec.ConfirmedAt.IsZero() &&
		nullEqual(rec.LastPrice, dec.MainPrice) &&
		nullEqual(rec.LastBusinessPrice, dec.BusinessPrice)

	rec.LastPrice = dec.MainPrice
	rec.LastBusinessPrice = dec.BusinessPrice

	switch {
	case samePending:
		// Keep the original decision time so the confirmation deadline is not pushed out
	case alreadyLive:
		rec.LastDecisionAt = now
	default:
		rec.PendingPrice = dec.MainPrice
		rec.PendingBusinessPrice = dec.BusinessPrice
		rec.LastDecisionAt = now
	}
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
