// Package core defines the domain types and collaborator interfaces of the repricer
package core

import (
	"context"
	"time"
)

// IPriceStore persists PriceRecords with optimistic concurrency.
//
// Put writes rec only if the stored version equals expectedVersion (0 means the record
// must not exist yet) and returns apperrors.ErrStoreConflict otherwise. On success the
// stored and in-memory version become expectedVersion+1.
type IPriceStore interface {
	Get(ctx context.Context, key RecordKey) (*PriceRecord, error)
	Put(ctx context.Context, rec *PriceRecord, expectedVersion int64) error
	ListPending(ctx context.Context, decidedBefore time.Time, limit int) ([]*PriceRecord, error)
	ListKeys(ctx context.Context, marketplaceID string) ([]RecordKey, error)
	Close() error
}

// IPublisher pushes a decided price to the marketplace
type IPublisher interface {
	Publish(ctx context.Context, req PublishRequest) error
}

// IOfferSource pulls competing offers for a batch of products
type IOfferSource interface {
	FetchOffers(ctx context.Context, keys []RecordKey) ([]OfferSnapshot, error)
}

// IRepricer applies an offer snapshot to the stored record
type IRepricer interface {
	HandleSnapshot(ctx context.Context, snap OfferSnapshot) (*RepriceResult, error)
}

// IReconciler publishes pending decisions and reconciles store state
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	RunOnce(ctx context.Context) (*ReconcileReport, error)
	GetStatus() ReconcileStatus
	TriggerManual(ctx context.Context) (*ReconcileReport, error)
}

// ReconcileStatus is the externally visible state of the reconciler
type ReconcileStatus struct {
	Status     string           `json:"status"`
	LastReport *ReconcileReport `json:"last_report,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
	InFlight   int              `json:"in_flight"`
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
