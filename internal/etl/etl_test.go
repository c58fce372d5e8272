package etl

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"repricer/internal/core"
	"repricer/internal/store"
	"repricer/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testMarketplace = "ATVPDKIKX0DER"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func catalogDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(DBConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "catalog.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseDB(db) })
	require.NoError(t, db.AutoMigrate(&CatalogProduct{}, &SupplierFeedItem{}))

	require.NoError(t, db.Create(&[]CatalogProduct{
		{ProductID: "B00ETL0001", RetailPrice: nd("29.99"), BusinessPrice: nd("27.50")},
		{ProductID: "B00ETL0002", RetailPrice: nd("15.00")},
		{ProductID: "B00ETL0003", RetailPrice: nd("99.00")}, // not in the feed
	}).Error)
	require.NoError(t, db.Create(&[]SupplierFeedItem{
		{SKU: "B00ETL0001", MinPrice: nd("20.00"), MaxPrice: nd("40.00"), MinBusinessPrice: nd("19.00"), SalesPrice: nd("24.99")},
		{SKU: "B00ETL0002", MinPrice: nd("12.00")},
		{SKU: "B00ORPHAN1", MinPrice: nd("1.00")},
	}).Error)
	return db
}

func TestExtractor_JoinsAndZeroesNulls(t *testing.T) {
	db := catalogDB(t)

	var rows []CatalogRow
	n, err := NewExtractor(db, "", "").Extract(context.Background(), func(r CatalogRow) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, rows, 2)

	assert.Equal(t, "B00ETL0001", rows[0].ASIN)
	assert.Equal(t, "B00ETL0001", rows[0].SKU)
	assert.True(t, d("29.99").Equal(rows[0].RetailPrice))
	assert.True(t, d("27.50").Equal(rows[0].BusinessPrice))
	assert.True(t, d("20").Equal(rows[0].MinPrice))
	assert.True(t, d("40").Equal(rows[0].MaxPrice))
	assert.True(t, d("24.99").Equal(rows[0].CurrentPrice))

	assert.Equal(t, "B00ETL0002", rows[1].ASIN)
	assert.True(t, rows[1].MaxPrice.IsZero())
	assert.True(t, rows[1].BusinessPrice.IsZero())
	assert.True(t, rows[1].CurrentPrice.IsZero())
}

func TestExtractor_CallbackErrorAborts(t *testing.T) {
	db := catalogDB(t)
	boom := errors.New("boom")
	n, err := NewExtractor(db, "", "").Extract(context.Background(), func(CatalogRow) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n)
}

func TestExtractor_MissingTableFails(t *testing.T) {
	db := catalogDB(t)
	_, err := NewExtractor(db, "no_such_table", "").Extract(context.Background(), func(CatalogRow) error { return nil })
	assert.Error(t, err)
}

func TestIngestor_CreatesAndRefreshesRecords(t *testing.T) {
	db := catalogDB(t)
	s := store.NewMemoryStore()

	// Existing record with an outstanding decision
	decidedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(context.Background(), &core.PriceRecord{
		ASIN:                 "B00ETL0002",
		MarketplaceID:        testMarketplace,
		FloorPrice:           nd("5.00"),
		CeilingPrice:         nd("50.00"),
		PendingPrice:         nd("13.37"),
		PendingBusinessPrice: nd("13.24"),
		LastDecisionAt:       decidedAt,
	}, 0))

	ing := NewIngestor(NewExtractor(db, "", ""), s, testMarketplace, 3, logging.NewNopLogger())
	report, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Extracted)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 0, report.Failed)

	rec, err := s.Get(context.Background(), core.RecordKey{ASIN: "B00ETL0001", MarketplaceID: testMarketplace})
	require.NoError(t, err)
	assert.True(t, d("20").Equal(rec.FloorPrice.Decimal))
	assert.True(t, d("40").Equal(rec.CeilingPrice.Decimal))
	assert.True(t, d("19").Equal(rec.FloorBusinessPrice.Decimal))
	assert.False(t, rec.CeilingBusinessPrice.Valid)
	assert.Equal(t, "B00ETL0001", rec.SKU)
	assert.False(t, rec.HasPending())
	assert.False(t, rec.IngestedAt.IsZero())

	rec, err = s.Get(context.Background(), core.RecordKey{ASIN: "B00ETL0002", MarketplaceID: testMarketplace})
	require.NoError(t, err)
	assert.True(t, d("12").Equal(rec.FloorPrice.Decimal))
	assert.False(t, rec.CeilingPrice.Valid, "zero max price clears the ceiling")
	assert.True(t, d("13.37").Equal(rec.PendingPrice.Decimal))
	assert.True(t, d("13.24").Equal(rec.PendingBusinessPrice.Decimal))
	assert.Equal(t, decidedAt, rec.LastDecisionAt)

	// A second run over the same catalog writes nothing
	report, err = ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unchanged)
	assert.Equal(t, 0, report.Created+report.Updated)
}

type failingSource struct{}

func (failingSource) Extract(ctx context.Context, fn func(CatalogRow) error) (int, error) {
	return 0, errors.New("connection refused")
}

func TestIngestor_ExtractionFailureIsFatal(t *testing.T) {
	ing := NewIngestor(failingSource{}, store.NewMemoryStore(), testMarketplace, 3, logging.NewNopLogger())
	_, err := ing.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestApplyCatalogRow(t *testing.T) {
	rec := &core.PriceRecord{ASIN: "B1", MarketplaceID: testMarketplace}
	row := CatalogRow{ASIN: "B1", MinPrice: d("10"), MaxPrice: d("0"), RetailPrice: d("12.00")}

	assert.True(t, ApplyCatalogRow(rec, row))
	assert.True(t, rec.FloorPrice.Valid)
	assert.False(t, rec.CeilingPrice.Valid)
	assert.False(t, ApplyCatalogRow(rec, row))

	row.MinPrice = d("10.00")
	assert.False(t, ApplyCatalogRow(rec, row), "equal values at a different scale are unchanged")

	row.MinPrice = decimal.Zero
	assert.True(t, ApplyCatalogRow(rec, row))
	assert.False(t, rec.FloorPrice.Valid)
}

func TestOpenDB_UnknownDriver(t *testing.T) {
	_, err := OpenDB(DBConfig{Driver: "oracle"})
	assert.Error(t, err)
}
