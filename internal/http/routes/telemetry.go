package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/briangreenhill/printables/internal/jobs"
	"github.com/briangreenhill/printables/internal/loader"
)

const maxReasonLen = 512

func decodeFailure(r io.Reader, now time.Time) (loader.Failure, error) {
	var f loader.Failure
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return f, errors.New("invalid JSON body")
	}
	f.AssetID = strings.TrimSpace(f.AssetID)
	if f.AssetID == "" {
		return f, errors.New("assetId is required")
	}
	if f.Attempts < 0 || f.Attempts > jobs.MaxReportedAttempts {
		return f, fmt.Errorf("attempts must be between 0 and %d, got %d", jobs.MaxReportedAttempts, f.Attempts)
	}
	// clients may send a full url; only the host is kept
	if u, err := url.Parse(f.Host); err == nil && u.Host != "" {
		f.Host = u.Host
	}
	if len(f.Reason) > maxReasonLen {
		f.Reason = f.Reason[:maxReasonLen]
	}
	if f.At.IsZero() || f.At.After(now) {
		f.At = now
	}
	return f, nil
}

func newFailureTask(f loader.Failure) (*asynq.Task, error) {
	return jobs.NewAssetLoadFailedTask(jobs.AssetLoadFailedPayload{
		AssetID:    f.AssetID,
		Host:       f.Host,
		Attempts:   f.Attempts,
		Reason:     f.Reason,
		ReportedAt: f.At.UTC(),
	})
}
