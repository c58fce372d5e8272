package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMarketplace = "ATVPDKIKX0DER"

type storeFactory func(t *testing.T) core.IPriceStore

func backends(t *testing.T) map[string]storeFactory {
	b := map[string]storeFactory{
		"memory": func(t *testing.T) core.IPriceStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) core.IPriceStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"))
			require.NoError(t, err)
			return s
		},
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		b["redis"] = func(t *testing.T) core.IPriceStore {
			client, err := NewRedisClient(context.Background(), addr, "", 0)
			require.NoError(t, err)
			return NewRedisStore(client, "repricer-test:"+uuid.NewString()+":")
		}
	}
	return b
}

func newRecord(asin string) *core.PriceRecord {
	return &core.PriceRecord{
		ASIN:          asin,
		MarketplaceID: testMarketplace,
		FloorPrice:    decimal.NewNullDecimal(decimal.RequireFromString("10.00")),
		CeilingPrice:  decimal.NewNullDecimal(decimal.RequireFromString("50.00")),
	}
}

func withPending(rec *core.PriceRecord, price string, at time.Time) *core.PriceRecord {
	rec.PendingPrice = decimal.NewNullDecimal(decimal.RequireFromString(price))
	rec.LastDecisionAt = at
	return rec
}

func TestStore_Contract(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("GetMissing", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				_, err := s.Get(context.Background(), core.RecordKey{ASIN: "NOPE", MarketplaceID: testMarketplace})
				assert.True(t, errors.Is(err, apperrors.ErrRecordNotFound))
			})

			t.Run("CreateThenUpdate", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				rec := newRecord("B000000001")
				require.NoError(t, s.Put(ctx, rec, 0))
				assert.Equal(t, int64(1), rec.Version)

				got, err := s.Get(ctx, rec.Key())
				require.NoError(t, err)
				assert.Equal(t, int64(1), got.Version)
				assert.True(t, decimal.RequireFromString("10").Equal(got.FloorPrice.Decimal))
				assert.False(t, got.CeilingBusinessPrice.Valid)

				got.LastPrice = decimal.NewNullDecimal(decimal.RequireFromString("23.00"))
				require.NoError(t, s.Put(ctx, got, got.Version))
				assert.Equal(t, int64(2), got.Version)

				again, err := s.Get(ctx, rec.Key())
				require.NoError(t, err)
				assert.Equal(t, int64(2), again.Version)
				assert.True(t, decimal.RequireFromString("23").Equal(again.LastPrice.Decimal))
			})

			t.Run("StaleVersionConflicts", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				rec := newRecord("B000000002")
				require.NoError(t, s.Put(ctx, rec, 0))

				a, err := s.Get(ctx, rec.Key())
				require.NoError(t, err)
				b, err := s.Get(ctx, rec.Key())
				require.NoError(t, err)

				require.NoError(t, s.Put(ctx, a, a.Version))
				err = s.Put(ctx, b, b.Version)
				assert.True(t, errors.Is(err, apperrors.ErrStoreConflict))
				assert.Equal(t, int64(1), b.Version, "failed write must not bump the caller's version")

				err = s.Put(ctx, newRecord("B000000002"), 0)
				assert.True(t, errors.Is(err, apperrors.ErrStoreConflict), "create over existing must conflict")
			})

			t.Run("ListPending", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()
				now := time.Now().UTC()

				require.NoError(t, s.Put(ctx, withPending(newRecord("B0000000A1"), "20.00", now.Add(-2*time.Hour)), 0))
				require.NoError(t, s.Put(ctx, withPending(newRecord("B0000000A2"), "21.00", now.Add(-3*time.Hour)), 0))
				require.NoError(t, s.Put(ctx, withPending(newRecord("B0000000A3"), "22.00", now), 0))
				require.NoError(t, s.Put(ctx, newRecord("B0000000A4"), 0))
				require.NoError(t, s.Put(ctx, withPending(newRecord("B0000000A5"), "0", now.Add(-5*time.Hour)), 0))

				pending, err := s.ListPending(ctx, now.Add(-time.Hour), 0)
				require.NoError(t, err)
				require.Len(t, pending, 2)
				assert.Equal(t, "B0000000A2", pending[0].ASIN)
				assert.Equal(t, "B0000000A1", pending[1].ASIN)

				limited, err := s.ListPending(ctx, now, 1)
				require.NoError(t, err)
				require.Len(t, limited, 1)
				assert.Equal(t, "B0000000A2", limited[0].ASIN)

				// Clearing pending removes the record from the scan
				rec := pending[0]
				rec.PendingPrice = decimal.NullDecimal{}
				require.NoError(t, s.Put(ctx, rec, rec.Version))
				pending, err = s.ListPending(ctx, now.Add(-time.Hour), 0)
				require.NoError(t, err)
				require.Len(t, pending, 1)
				assert.Equal(t, "B0000000A1", pending[0].ASIN)
			})

			t.Run("ListKeys", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Put(ctx, newRecord("B0000000K2"), 0))
				require.NoError(t, s.Put(ctx, newRecord("B0000000K1"), 0))
				other := newRecord("B0000000K3")
				other.MarketplaceID = "A1F83G8C2ARO7P"
				require.NoError(t, s.Put(ctx, other, 0))

				keys, err := s.ListKeys(ctx, testMarketplace)
				require.NoError(t, err)
				assert.Equal(t, []core.RecordKey{
					{ASIN: "B0000000K1", MarketplaceID: testMarketplace},
					{ASIN: "B0000000K2", MarketplaceID: testMarketplace},
				}, keys)

				all, err := s.ListKeys(ctx, "")
				require.NoError(t, err)
				assert.Len(t, all, 3)
			})

			t.Run("ConcurrentUpdatesAreNotLost", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				rec := newRecord("B0000000C1")
				require.NoError(t, s.Put(ctx, rec, 0))

				const writers = 8
				var wg sync.WaitGroup
				errs := make(chan error, writers)
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := Update(ctx, s, rec.Key(), 50, func(r *core.PriceRecord) (bool, error) {
							r.LastReason = core.Reason(fmt.Sprintf("writer-%d", i))
							return true, nil
						})
						errs <- err
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					assert.NoError(t, err)
				}

				final, err := s.Get(ctx, rec.Key())
				require.NoError(t, err)
				assert.Equal(t, int64(1+writers), final.Version, "every writer must land exactly once")
			})
		})
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := core.RecordKey{ASIN: "B000000U01", MarketplaceID: testMarketplace}

	_, err := Update(ctx, s, key, 3, func(r *core.PriceRecord) (bool, error) { return true, nil })
	assert.True(t, errors.Is(err, apperrors.ErrRecordNotFound))

	rec, err := Upsert(ctx, s, key, 3, func(r *core.PriceRecord) (bool, error) {
		r.SKU = "SKU-1"
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "SKU-1", rec.SKU)

	rec, err = Update(ctx, s, key, 3, func(r *core.PriceRecord) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version, "no-op mutation must not write")

	boom := errors.New("boom")
	_, err = Update(ctx, s, key, 3, func(r *core.PriceRecord) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}

// conflictingStore loses the first n writes
type conflictingStore struct {
	*MemoryStore
	mu        sync.Mutex
	remaining int
	puts      int
}

func (c *conflictingStore) Put(ctx context.Context, rec *core.PriceRecord, expectedVersion int64) error {
	c.mu.Lock()
	c.puts++
	if c.remaining > 0 {
		c.remaining--
		c.mu.Unlock()
		return apperrors.ErrStoreConflict
	}
	c.mu.Unlock()
	return c.MemoryStore.Put(ctx, rec, expectedVersion)
}

func TestUpdate_RetriesConflictsWithinBound(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	rec := newRecord("B000000R01")
	require.NoError(t, base.Put(ctx, rec, 0))

	s := &conflictingStore{MemoryStore: base, remaining: 2}
	_, err := Update(ctx, s, rec.Key(), 3, func(r *core.PriceRecord) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.Equal(t, 3, s.puts)

	s = &conflictingStore{MemoryStore: base, remaining: 5}
	_, err = Update(ctx, s, rec.Key(), 3, func(r *core.PriceRecord) (bool, error) { return true, nil })
	assert.True(t, errors.Is(err, apperrors.ErrStoreConflict))
	assert.Equal(t, 3, s.puts)
}

func TestSQLiteStore_DetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	rec := newRecord("B000000X01")
	require.NoError(t, s.Put(ctx, rec, 0))

	_, err = s.db.ExecContext(ctx, `UPDATE price_records SET data = replace(data, '"10"', '"1"')`)
	require.NoError(t, err)

	_, err = s.Get(ctx, rec.Key())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Options{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(context.Background(), Options{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), Options{Driver: "dynamo"})
	assert.Error(t, err)
}
