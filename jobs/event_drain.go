package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/cedarledger/cedarledger/internal/ingest"
)

const drainBatchSize = 100

// NewEventDrainHandler drains staged events until the queue runs dry.
// Events that fail stay scheduled for retry; the handler itself succeeds
// unless fetching breaks, so asynq retries only infrastructure errors.
func NewEventDrainHandler(svc *ingest.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		totalProcessed, totalFailed := 0, 0
		for {
			processed, failed, err := svc.ProcessDue(ctx, drainBatchSize)
			if err != nil {
				return err
			}
			totalProcessed += processed
			totalFailed += failed
			if processed+failed == 0 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		if totalProcessed+totalFailed > 0 {
			logger.Info("event drain complete",
				slog.Int("processed", totalProcessed),
				slog.Int("failed", totalFailed),
			)
		}
		return nil
	}
}
