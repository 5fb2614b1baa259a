package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// MaxReportedAttempts bounds AssetLoadFailedPayload.Attempts
const MaxReportedAttempts = 1000

const (
	TaskAssetLoadFailed = "asset:load_failed"

	QueueTelemetry = "telemetry"
)

type AssetLoadFailedPayload struct {
	AssetID    string    `json:"asset_id"`
	Host       string    `json:"host,omitempty"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

// NewAssetLoadFailedTask builds a low-priority, bounded-retry telemetry task
func NewAssetLoadFailedTask(p AssetLoadFailedPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAssetLoadFailed, b,
		asynq.Queue(QueueTelemetry),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	), nil
}
