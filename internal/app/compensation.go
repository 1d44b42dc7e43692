package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/cimillas/chain-trade/internal/clock"
	"github.com/cimillas/chain-trade/internal/domain"
)

// RecordHandle is the workflow's reference to a record it created.
type RecordHandle struct {
	ID     string
	TxHash string
}

// Compensator moves a pending record to failed after the workflow gives up.
type Compensator struct {
	repo     RecordStatusUpdater
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
}

type RecordStatusUpdater interface {
	UpdateRecordStatus(ctx context.Context, id string, status domain.Status, txHash string, at time.Time) error
}

func NewCompensator(repo RecordStatusUpdater, clk clock.Clock, logger *slog.Logger, observer Observer) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Compensator{repo: repo, clock: clk, logger: logger, observer: observer}
}

// MarkFailed is best effort: a failure here is logged and counted but never
// returned, so the error that triggered compensation stays the one reported.
func (c *Compensator) MarkFailed(ctx context.Context, h RecordHandle, cause error) {
	err := c.repo.UpdateRecordStatus(ctx, h.ID, domain.StatusFailed, h.TxHash, c.clock.Now())
	if err == nil {
		return
	}
	c.observer.CompensationFailed()
	c.logger.ErrorContext(ctx, "compensation failed, record left pending",
		"record_id", h.ID,
		"tx_hash", h.TxHash,
		"cause", cause,
		"error", err,
	)
}
