package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"
	"repricer/pkg/retry"
	"repricer/pkg/telemetry"
)

// MutateFunc changes rec in place and reports whether a write is needed
type MutateFunc func(rec *core.PriceRecord) (bool, error)

// IsConflict reports whether err is a lost optimistic write
func IsConflict(err error) bool {
	return errors.Is(err, apperrors.ErrStoreConflict)
}

// Update runs read, mutate, write-if-unchanged on an existing record and retries
// the whole cycle on ErrStoreConflict, up to maxAttempts times. It returns the
// record as written, or as read when fn asked for no write.
func Update(ctx context.Context, s core.IPriceStore, key core.RecordKey, maxAttempts int, fn MutateFunc) (*core.PriceRecord, error) {
	return update(ctx, s, key, maxAttempts, false, fn)
}

// Upsert is Update that starts from an empty record when key does not exist yet
func Upsert(ctx context.Context, s core.IPriceStore, key core.RecordKey, maxAttempts int, fn MutateFunc) (*core.PriceRecord, error) {
	return update(ctx, s, key, maxAttempts, true, fn)
}

func update(ctx context.Context, s core.IPriceStore, key core.RecordKey, maxAttempts int, create bool, fn MutateFunc) (*core.PriceRecord, error) {
	policy := retry.ConflictPolicy
	if maxAttempts > 0 {
		policy.MaxAttempts = maxAttempts
	}

	var result *core.PriceRecord
	lostWrite := func(attempt int, err error, wait time.Duration) {
		telemetry.GetGlobalMetrics().RecordStoreConflict(ctx)
	}
	err := retry.DoNotify(ctx, policy, IsConflict, lostWrite, func() error {
		rec, err := s.Get(ctx, key)
		if err != nil {
			if !create || !errors.Is(err, apperrors.ErrRecordNotFound) {
				return err
			}
			rec = &core.PriceRecord{ASIN: key.ASIN, MarketplaceID: key.MarketplaceID}
		}

		changed, err := fn(rec)
		if err != nil {
			return err
		}
		if !changed {
			result = rec
			return nil
		}

		if err := s.Put(ctx, rec, rec.Version); err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		if IsConflict(err) {
			telemetry.GetGlobalMetrics().RecordStoreConflict(ctx)
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return nil, err
	}
	return result, nil
}
