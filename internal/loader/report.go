package loader

import (
	"context"

	"github.com/rs/zerolog"
)

// LogReporter records failures on a logger only
type LogReporter struct {
	Logger zerolog.Logger
}

func (r LogReporter) ReportFailure(_ context.Context, f Failure) error {
	r.Logger.Warn().
		Str("kind", f.Kind).
		Str("asset", f.AssetID).
		Str("host", f.Host).
		Int("attempts", f.Attempts).
		Str("reason", f.Reason).
		Time("at", f.At).
		Msg("asset load failure")
	return nil
}

// MultiReporter fans a failure out to every reporter, returning the first error
type MultiReporter []Reporter

func (m MultiReporter) ReportFailure(ctx context.Context, f Failure) error {
	var first error
	for _, r := range m {
		if err := r.ReportFailure(ctx, f); err != nil && first == nil {
			first = err
		}
	}
	return first
}
