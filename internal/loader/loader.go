// Package loader fetches catalog images with bounded retries, falling back
// to a placeholder and reporting the failure once retries are exhausted.
package loader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FailureKind is the kind reported when an asset exhausts its attempts
const FailureKind = "asset_load_exhausted"

var ErrAssetLoadExhausted = errors.New("asset load exhausted")

// State of one asset load
type State int

const (
	Pending State = iota
	Loading
	Retrying
	Succeeded
	FailedFallback
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loading:
		return "loading"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case FailedFallback:
		return "failed_fallback"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions follow s
func (s State) Terminal() bool {
	return s == Succeeded || s == FailedFallback
}

// Asset identifies one image and the delivery URL to load it from
type Asset struct {
	ID  string
	URL string
}

// Fetcher retrieves the bytes behind a delivery URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// Failure describes a terminal load failure. The delivery URL is reduced to
// its host so signatures never leave the client.
type Failure struct {
	Kind     string    `json:"kind"`
	AssetID  string    `json:"assetId"`
	Host     string    `json:"host,omitempty"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Reporter receives terminal load failures
type Reporter interface {
	ReportFailure(ctx context.Context, f Failure) error
}

// Transition is passed to progress callbacks on every state change
type Transition struct {
	Asset   Asset
	From    State
	To      State
	Attempt int
	Err     error
}

// Config bounds retries. With Multiplier <= 1 the delay between attempts is
// fixed; otherwise it grows geometrically from Delay and is capped at MaxDelay.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Fallback is returned in place of the image when every attempt fails
	Fallback []byte
}

// DefaultConfig is 3 attempts, 500ms apart
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delay:       500 * time.Millisecond,
		Multiplier:  1,
		MaxDelay:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Delay <= 0 {
		c.Delay = d.Delay
	}
	if c.MaxDelay < c.Delay {
		c.MaxDelay = max(d.MaxDelay, c.Delay)
	}
	return c
}

func (c Config) backOff() backoff.BackOff {
	if c.Multiplier <= 1 {
		return backoff.NewConstantBackOff(c.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Delay
	b.Multiplier = c.Multiplier
	b.MaxInterval = c.MaxDelay
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Result is the single terminal outcome of a load
type Result struct {
	Asset    Asset
	State    State
	Data     []byte
	Attempts int
	// Err is set when State is FailedFallback: ErrAssetLoadExhausted after
	// the last attempt, or the context error when the load was cancelled.
	Err error
}

// Loader runs the per-asset retry state machine
type Loader struct {
	fetcher  Fetcher
	reporter Reporter
	cfg      Config
	progress func(Transition)
	log      zerolog.Logger
	wait     func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

type Option func(*Loader)

func WithConfig(cfg Config) Option {
	return func(l *Loader) { l.cfg = cfg.withDefaults() }
}

func WithReporter(r Reporter) Option {
	return func(l *Loader) { l.reporter = r }
}

// OnTransition registers a callback invoked on every state transition
func OnTransition(fn func(Transition)) Option {
	return func(l *Loader) { l.progress = fn }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// New creates a loader with DefaultConfig unless overridden
func New(fetcher Fetcher, opts ...Option) *Loader {
	l := &Loader{
		fetcher: fetcher,
		cfg:     DefaultConfig(),
		log:     zerolog.Nop(),
		wait:    sleep,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Load drives one asset from Pending to exactly one terminal state.
// Cancelling ctx stops further attempts and resolves with the fallback
// without reporting a failure.
func (l *Loader) Load(ctx context.Context, a Asset) Result {
	state := Pending
	move := func(to State, attempt int, err error) {
		if l.progress != nil {
			l.progress(Transition{Asset: a, From: state, To: to, Attempt: attempt, Err: err})
		}
		state = to
	}

	delays := l.cfg.backOff()
	attempt := 0
	var lastErr error
	for {
		attempt++
		move(Loading, attempt, nil)
		data, err := l.fetcher.Fetch(ctx, a.URL)
		if err == nil {
			move(Succeeded, attempt, nil)
			return Result{Asset: a, State: Succeeded, Data: data, Attempts: attempt}
		}
		lastErr = err

		if ctx.Err() != nil {
			return l.cancelled(ctx, a, attempt, move)
		}
		if attempt >= l.cfg.MaxAttempts {
			break
		}

		move(Retrying, attempt, err)
		d := delays.NextBackOff()
		if d == backoff.Stop || d > l.cfg.MaxDelay {
			d = l.cfg.MaxDelay
		}
		if err := l.wait(ctx, d); err != nil {
			return l.cancelled(ctx, a, attempt, move)
		}
	}

	exhausted := fmt.Errorf("%w: %s after %d attempts: %w", ErrAssetLoadExhausted, a.ID, attempt, lastErr)
	move(FailedFallback, attempt, exhausted)
	l.report(ctx, a, attempt, lastErr)
	return Result{Asset: a, State: FailedFallback, Data: l.cfg.Fallback, Attempts: attempt, Err: exhausted}
}

func (l *Loader) cancelled(ctx context.Context, a Asset, attempt int, move func(State, int, error)) Result {
	move(FailedFallback, attempt, ctx.Err())
	return Result{Asset: a, State: FailedFallback, Data: l.cfg.Fallback, Attempts: attempt, Err: ctx.Err()}
}

func (l *Loader) report(ctx context.Context, a Asset, attempts int, cause error) {
	f := Failure{
		Kind:     FailureKind,
		AssetID:  a.ID,
		Host:     hostOf(a.URL),
		Attempts: attempts,
		Reason:   cause.Error(),
		At:       l.now().UTC(),
	}
	l.log.Warn().Str("asset", a.ID).Str("host", f.Host).Int("attempts", attempts).Err(cause).Msg("asset load exhausted, using fallback")
	if l.reporter == nil {
		return
	}
	if err := l.reporter.ReportFailure(ctx, f); err != nil {
		l.log.Error().Err(err).Str("asset", a.ID).Msg("report asset load failure")
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// LoadAll loads assets with at most concurrency loads in flight. One
// asset's retries never delay another asset's attempts beyond that limit.
func (l *Loader) LoadAll(ctx context.Context, assets []Asset, concurrency int) []Result {
	results := make([]Result, len(assets))
	g := new(errgroup.Group)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, a := range assets {
		g.Go(func() error {
			results[i] = l.Load(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
