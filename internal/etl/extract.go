package etl

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Default table names of the catalog and the supplier feed
const (
	DefaultCatalogTable = "catalog_products"
	DefaultFeedTable    = "supplier_feed"
)

// CatalogProduct is a row of the seller catalog
type CatalogProduct struct {
	ProductID     string              `gorm:"column:product_id;primaryKey;size:32"`
	RetailPrice   decimal.NullDecimal `gorm:"column:retail_price;type:decimal(12,2)"`
	BusinessPrice decimal.NullDecimal `gorm:"column:business_price;type:decimal(12,2)"`
}

func (CatalogProduct) TableName() string { return DefaultCatalogTable }

// SupplierFeedItem is a row of the supplier price feed
type SupplierFeedItem struct {
	SKU              string              `gorm:"column:sku;primaryKey;size:32"`
	MinPrice         decimal.NullDecimal `gorm:"column:min_price;type:decimal(12,2)"`
	MaxPrice         decimal.NullDecimal `gorm:"column:max_price;type:decimal(12,2)"`
	MinBusinessPrice decimal.NullDecimal `gorm:"column:min_business_price;type:decimal(12,2)"`
	MaxBusinessPrice decimal.NullDecimal `gorm:"column:max_business_price;type:decimal(12,2)"`
	SalesPrice       decimal.NullDecimal `gorm:"column:sales_price;type:decimal(12,2)"`
}

func (SupplierFeedItem) TableName() string { return DefaultFeedTable }

// CatalogRow is one joined product with NULL prices read as zero
type CatalogRow struct {
	ASIN             string
	SKU              string
	RetailPrice      decimal.Decimal
	BusinessPrice    decimal.Decimal
	MinPrice         decimal.Decimal
	MaxPrice         decimal.Decimal
	MinBusinessPrice decimal.Decimal
	MaxBusinessPrice decimal.Decimal
	CurrentPrice     decimal.Decimal
}

type joinedRow struct {
	ASIN             string
	SKU              string
	RetailPrice      decimal.NullDecimal
	BusinessPrice    decimal.NullDecimal
	MinPrice         decimal.NullDecimal
	MaxPrice         decimal.NullDecimal
	MinBusinessPrice decimal.NullDecimal
	MaxBusinessPrice decimal.NullDecimal
	CurrentPrice     decimal.NullDecimal
}

// Extractor reads the catalog joined with the supplier feed
type Extractor struct {
	db           *gorm.DB
	catalogTable string
	feedTable    string
}

// NewExtractor creates an extractor; empty table names use the defaults
func NewExtractor(db *gorm.DB, catalogTable, feedTable string) *Extractor {
	if catalogTable == "" {
		catalogTable = DefaultCatalogTable
	}
	if feedTable == "" {
		feedTable = DefaultFeedTable
	}
	return &Extractor{db: db, catalogTable: catalogTable, feedTable: feedTable}
}

// Extract streams every catalog product present in the supplier feed to fn,
// ordered by product id. An error from the query or from fn aborts the run.
func (e *Extractor) Extract(ctx context.Context, fn func(CatalogRow) error) (int, error) {
	rows, err := e.db.WithContext(ctx).
		Table(e.catalogTable + " AS t").
		Select(`t.product_id AS asin, z.sku AS sku,
			t.retail_price AS retail_price, t.business_price AS business_price,
			z.min_price AS min_price, z.max_price AS max_price,
			z.min_business_price AS min_business_price, z.max_business_price AS max_business_price,
			z.sales_price AS current_price`).
		Joins("JOIN " + e.feedTable + " AS z ON t.product_id = z.sku").
		Where("t.product_id IS NOT NULL AND z.sku IS NOT NULL").
		Order("t.product_id").
		Rows()
	if err != nil {
		return 0, fmt.Errorf("etl: extract: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var jr joinedRow
		if err := e.db.ScanRows(rows, &jr); err != nil {
			return n, fmt.Errorf("etl: scan row %d: %w", n, err)
		}
		if err := fn(jr.normalize()); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("etl: extract: %w", err)
	}
	return n, nil
}

func (r joinedRow) normalize() CatalogRow {
	return CatalogRow{
		ASIN:             r.ASIN,
		SKU:              r.SKU,
		RetailPrice:      orZero(r.RetailPrice),
		BusinessPrice:    orZero(r.BusinessPrice),
		MinPrice:         orZero(r.MinPrice),
		MaxPrice:         orZero(r.MaxPrice),
		MinBusinessPrice: orZero(r.MinBusinessPrice),
		MaxBusinessPrice: orZero(r.MaxBusinessPrice),
		CurrentPrice:     orZero(r.CurrentPrice),
	}
}

func orZero(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}
