package etl

import (
	"context"
	"fmt"
	"time"

	"repricer/internal/core"
	"repricer/internal/store"
	"repricer/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Source yields catalog rows, implemented by Extractor
type Source interface {
	Extract(ctx context.Context, fn func(CatalogRow) error) (int, error)
}

// IngestReport summarises one ETL run
type IngestReport struct {
	Extracted int           `json:"extracted"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Ingestor refreshes price records from catalog rows. Bounds and catalog
// prices are overwritten; pending and decision fields are left alone.
type Ingestor struct {
	source        Source
	store         core.IPriceStore
	marketplaceID string
	maxAttempts   int
	logger        core.ILogger
	now           func() time.Time
}

// NewIngestor creates an ingestor writing records for marketplaceID
func NewIngestor(source Source, s core.IPriceStore, marketplaceID string, maxAttempts int, logger core.ILogger) *Ingestor {
	return &Ingestor{
		source:        source,
		store:         s,
		marketplaceID: marketplaceID,
		maxAttempts:   maxAttempts,
		logger:        logger.WithField("component", "etl"),
		now:           time.Now,
	}
}

// Run performs one extraction. Extraction failure is fatal to the run;
// a row that cannot be written is counted and logged.
func (i *Ingestor) Run(ctx context.Context) (*IngestReport, error) {
	start := i.now()
	report := &IngestReport{}
	i.logger.Info("ETL run started", "marketplace", i.marketplaceID)

	n, err := i.source.Extract(ctx, func(row CatalogRow) error {
		if row.ASIN == "" {
			report.Failed++
			return nil
		}
		created, changed, err := i.ingest(ctx, row)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failed++
			i.logger.Warn("Failed to ingest catalog row", "asin", row.ASIN, "error", err)
		case created:
			report.Created++
		case changed:
			report.Updated++
		default:
			report.Unchanged++
		}
		return nil
	})
	report.Extracted = n
	report.Duration = i.now().Sub(start)
	if err != nil {
		i.logger.Error("ETL run aborted", "extracted", n, "error", err)
		return report, fmt.Errorf("etl run: %w", err)
	}

	telemetry.GetGlobalMetrics().RecordIngested(ctx, report.Created+report.Updated)
	i.logger.Info("ETL run completed",
		"extracted", report.Extracted,
		"created", report.Created,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

func (i *Ingestor) ingest(ctx context.Context, row CatalogRow) (created, changed bool, err error) {
	key := core.RecordKey{ASIN: row.ASIN, MarketplaceID: i.marketplaceID}
	now := i.now().UTC()
	_, err = store.Upsert(ctx, i.store, key, i.maxAttempts, func(rec *core.PriceRecord) (bool, error) {
		created = rec.Version == 0
		changed = ApplyCatalogRow(rec, row)
		if !changed && !created {
			return false, nil
		}
		rec.IngestedAt = now
		return true, nil
	})
	return created, changed, err
}

// ApplyCatalogRow copies bounds and catalog prices onto rec and reports
// whether anything changed. A zero minimum or maximum means no bound.
func ApplyCatalogRow(rec *core.PriceRecord, row CatalogRow) bool {
	changed := false
	set := func(dst *decimal.NullDecimal, v decimal.Decimal) {
		next := positive(v)
		if dst.Valid != next.Valid || (next.Valid && !dst.Decimal.Equal(next.Decimal)) {
			*dst = next
			changed = true
		}
	}
	setPlain := func(dst *decimal.Decimal, v decimal.Decimal) {
		if !dst.Equal(v) {
			*dst = v
			changed = true
		}
	}

	set(&rec.FloorPrice, row.MinPrice)
	set(&rec.CeilingPrice, row.MaxPrice)
	set(&rec.FloorBusinessPrice, row.MinBusinessPrice)
	set(&rec.CeilingBusinessPrice, row.MaxBusinessPrice)
	setPlain(&rec.RetailPrice, row.RetailPrice)
	setPlain(&rec.CurrentPrice, row.CurrentPrice)
	setPlain(&rec.BusinessPrice, row.BusinessPrice)

	if row.SKU != "" && rec.SKU != row.SKU {
		rec.SKU = row.SKU
		changed = true
	}
	return changed
}

func positive(v decimal.Decimal) decimal.NullDecimal {
	if !v.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(v)
}
