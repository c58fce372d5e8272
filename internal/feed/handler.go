package feed

import (
	"context"
	"errors"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"
)

// Handler decodes notifications and hands the snapshots to the repricer.
// It is shared by the HTTP endpoint and the Kafka consumer.
type Handler struct {
	repricer core.IRepricer
	logger   core.ILogger
}

// NewHandler creates a notification handler
func NewHandler(repricer core.IRepricer, logger core.ILogger) *Handler {
	return &Handler{
		repricer: repricer,
		logger:   logger.WithField("component", "notification_handler"),
	}
}

// Handle decodes one raw notification and applies it. Malformed payloads
// return ErrInvalidNotification; products not in the store return
// ErrRecordNotFound.
func (h *Handler) Handle(ctx context.Context, data []byte, receivedAt time.Time) (*core.RepriceResult, error) {
	snap, err := DecodeNotification(data, receivedAt)
	if err != nil {
		h.logger.Warn("Rejected offer notification", "error", err)
		return nil, err
	}
	return h.Apply(ctx, snap)
}

// Apply hands an already decoded snapshot to the repricer
func (h *Handler) Apply(ctx context.Context, snap core.OfferSnapshot) (*core.RepriceResult, error) {
	result, err := h.repricer.HandleSnapshot(ctx, snap)
	if err != nil {
		if errors.Is(err, apperrors.ErrRecordNotFound) {
			h.logger.Debug("Offer change for untracked product", "key", snap.Key.String(), "event_id", snap.EventID)
		} else {
			h.logger.Error("Failed to apply offer snapshot", "key", snap.Key.String(), "event_id", snap.EventID, "error", err)
		}
		return nil, err
	}
	return result, nil
}
