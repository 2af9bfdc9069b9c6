package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskEventDrain applies staged terminal events to the ledger.
	TaskEventDrain = "events:drain"
	// TaskReconRun reconciles declared shift totals for a business date.
	TaskReconRun = "recon:run"
)

// NewEventDrainTask constructs a drain task. It carries no payload; the
// handler always drains whatever is due.
func NewEventDrainTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskEventDrain, nil), nil
}

// ReconRunPayload selects the business date to reconcile. An empty date means
// "yesterday", which is what the nightly cron wants.
type ReconRunPayload struct {
	BusinessDate string `json:"business_date,omitempty"`
}

// NewReconRunTask constructs a reconciliation task.
func NewReconRunTask(payload ReconRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconRun, data), nil
}

// ResolveBusinessDate parses the payload date or defaults to the previous
// UTC day.
func (p ReconRunPayload) ResolveBusinessDate(now time.Time) (time.Time, error) {
	if p.BusinessDate == "" {
		y, m, d := now.UTC().AddDate(0, 0, -1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse("2006-01-02", p.BusinessDate)
}
