package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cedarledger/cedarledger/internal/recon"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// NewReconRunHandler fans the nightly reconciliation out across every company
// that closed shifts on the business date. One company failing does not stop
// the others; the handler reports the first error after finishing the sweep.
func NewReconRunHandler(svc *recon.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReconRunPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}
		businessDate, err := payload.ResolveBusinessDate(time.Now())
		if err != nil {
			return asynq.SkipRetry
		}

		companies, err := svc.Companies(ctx, businessDate)
		if err != nil {
			return err
		}

		var firstErr error
		for _, companyID := range companies {
			scope, err := tenant.NewScope(companyID)
			if err != nil {
				continue
			}
			if _, err := svc.RunDaily(ctx, scope, businessDate); err != nil {
				logger.Error("reconciliation failed",
					slog.String("company_id", companyID.String()),
					slog.Time("business_date", businessDate),
					slog.String("error", err.Error()),
				)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}
}
