package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/printables/internal/db"
)

// FailureStore persists image load failures
type FailureStore interface {
	InsertAssetLoadFailure(ctx context.Context, arg db.InsertAssetLoadFailureParams) error
}

// FailureHandler processes TaskAssetLoadFailed. Store is optional; without
// it reports are only logged.
type FailureHandler struct {
	Store  FailureStore
	Logger zerolog.Logger
}

func (h FailureHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p AssetLoadFailedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Logger.Error().Err(err).Msg("[asynq] bad payload")
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if p.AssetID == "" {
		return fmt.Errorf("%w: missing asset id", asynq.SkipRetry)
	}
	if p.Attempts < 0 || p.Attempts > MaxReportedAttempts {
		return fmt.Errorf("%w: attempts out of range: %d", asynq.SkipRetry, p.Attempts)
	}

	h.Logger.Warn().
		Str("asset", p.AssetID).
		Str("host", p.Host).
		Int("attempts", p.Attempts).
		Str("reason", p.Reason).
		Time("reported_at", p.ReportedAt).
		Msg("[failures] asset load exhausted")

	if h.Store == nil {
		return nil
	}
	// retries of the same task map to the same row
	seed := t.Payload()
	if id, ok := asynq.GetTaskID(ctx); ok {
		seed = []byte(id)
	}
	err := h.Store.InsertAssetLoadFailure(ctx, db.InsertAssetLoadFailureParams{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, seed),
		AssetID:    p.AssetID,
		UrlHost:    pgtype.Text{String: p.Host, Valid: p.Host != ""},
		Attempts:   int32(p.Attempts),
		Reason:     pgtype.Text{String: p.Reason, Valid: p.Reason != ""},
		ReportedAt: pgtype.Timestamptz{Time: p.ReportedAt, Valid: !p.ReportedAt.IsZero()},
	})
	if err != nil {
		return fmt.Errorf("insert asset load failure: %w", err)
	}
	return nil
}
