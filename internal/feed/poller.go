package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"
)

// PollReport summarises one scheduled poll
type PollReport struct {
	Products  int       `json:"products"`
	Fetched   int       `json:"fetched"`
	Applied   int       `json:"applied"`
	Stale     int       `json:"stale"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// Poller pulls competing offers for every tracked product and feeds each
// result through the same path as a pushed notification.
type Poller struct {
	store        core.IPriceStore
	source       core.IOfferSource
	handler      *Handler
	marketplaces []string
	logger       core.ILogger
}

// NewPoller creates a poller over the given marketplaces
func NewPoller(store core.IPriceStore, source core.IOfferSource, handler *Handler, marketplaces []string, logger core.ILogger) *Poller {
	return &Poller{
		store:        store,
		source:       source,
		handler:      handler,
		marketplaces: marketplaces,
		logger:       logger.WithField("component", "offer_poller"),
	}
}

// Poll runs one pass. Failed batches and snapshots are counted and joined
// into the returned error; the rest of the pass still completes.
func (p *Poller) Poll(ctx context.Context) (*PollReport, error) {
	report := &PollReport{StartedAt: time.Now().UTC()}
	var errs []error

	p.logger.Info("Offer poll started", "marketplaces", p.marketplaces)

	for _, mp := range p.marketplaces {
		keys, err := p.store.ListKeys(ctx, mp)
		if err != nil {
			return report, fmt.Errorf("list products for %s: %w", mp, err)
		}
		report.Products += len(keys)
		if len(keys) == 0 {
			continue
		}

		snaps, err := p.source.FetchOffers(ctx, keys)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			p.logger.Warn("Offer fetch partially failed", "marketplace", mp, "error", err)
			errs = append(errs, err)
		}
		report.Fetched += len(snaps)

		for _, snap := range snaps {
			result, err := p.handler.Apply(ctx, snap)
			switch {
			case err == nil && result.Stale:
				report.Stale++
			case err == nil:
				report.Applied++
			case errors.Is(err, apperrors.ErrRecordNotFound):
				// Removed between listing and applying
			default:
				report.Failed++
				errs = append(errs, err)
			}
		}
	}

	report.Duration = time.Since(report.StartedAt).String()
	p.logger.Info("Offer poll completed",
		"products", report.Products,
		"fetched", report.Fetched,
		"applied", report.Applied,
		"stale", report.Stale,
		"failed", report.Failed)
	return report, errors.Join(errs...)
}
