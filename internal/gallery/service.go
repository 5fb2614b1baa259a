// Package gallery serves paginated, category-filtered catalog pages from a
// tag-invalidated cache, attaching fresh signed delivery URLs on population.
package gallery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/printables/cache"
	"github.com/briangreenhill/printables/internal/catalog"
	"github.com/briangreenhill/printables/internal/storage"
)

const (
	DefaultTTL             = 60 * time.Second
	DefaultPopulateTimeout = 10 * time.Second
)

var (
	ErrInvalidParameters       = errors.New("invalid parameters")
	ErrBackingStoreUnavailable = errors.New("backing store unavailable")
)

// URLIssuer issues signed delivery URLs for asset keys
type URLIssuer interface {
	Issue(ctx context.Context, assetKey string) (storage.Grant, error)
}

// Page is one materialized gallery page. Pages are shared between callers
// and must be treated as read-only.
type Page struct {
	Images      []catalog.Entry `json:"images"`
	HasMore     bool            `json:"hasMore"`
	ETag        string          `json:"-"`
	PopulatedAt time.Time       `json:"-"`
}

// Invalidation acknowledges an Invalidate call
type Invalidation struct {
	Tag     string
	Evicted int
	At      time.Time
}

// Stats counts cache activity since the service started
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Populations int64 `json:"populations"`
	Discarded   int64 `json:"discarded"`
	Entries     int   `json:"entries"`
}

// Options configures a Service
type Options struct {
	Store  catalog.Store
	Issuer URLIssuer

	TTL             time.Duration
	PopulateTimeout time.Duration
	DefaultLimit    int
	MaxLimit        int

	Logger zerolog.Logger
	// Now overrides the wall clock, for tests
	Now func() time.Time
}

// Service is the asset catalog cache
type Service struct {
	store  catalog.Store
	issuer URLIssuer
	cache  *cache.Memory[*Page]
	flight singleflight.Group

	ttl             time.Duration
	populateTimeout time.Duration
	defaultLimit    int
	maxLimit        int

	log    zerolog.Logger
	now    func() time.Time
	tracer trace.Tracer

	hits, misses, populations, discarded atomic.Int64
}

// New creates a Service. Zero-valued options take package defaults.
func New(opts Options) *Service {
	s := &Service{
		store:           opts.Store,
		issuer:          opts.Issuer,
		ttl:             opts.TTL,
		populateTimeout: opts.PopulateTimeout,
		defaultLimit:    opts.DefaultLimit,
		maxLimit:        opts.MaxLimit,
		log:             opts.Logger,
		now:             opts.Now,
		tracer:          otel.Tracer("github.com/briangreenhill/printables/internal/gallery"),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.populateTimeout <= 0 {
		s.populateTimeout = DefaultPopulateTimeout
	}
	if s.defaultLimit <= 0 {
		s.defaultLimit = DefaultLimit
	}
	if s.maxLimit <= 0 {
		s.maxLimit = MaxLimit
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.cache = cache.NewMemory[*Page](
		cache.WithTags(Tags),
		cache.WithTagValidator(ValidTag),
		cache.WithClock(s.now),
	)
	return s
}

// TTL returns how long populated pages are served
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Get returns the page for q, populating it from the catalog store on a miss.
//
// Concurrent misses for the same key share one population. The population
// runs detached from ctx: a caller giving up returns ctx.Err() but the
// population still completes and is cached for later callers.
func (s *Service) Get(ctx context.Context, q Query) (*Page, error) {
	q, err := q.Normalize(s.defaultLimit, s.maxLimit)
	if err != nil {
		return nil, err
	}
	key := q.Key()

	if entry, ok := s.cache.Read(key, s.ttl); ok {
		s.hits.Add(1)
		return entry.Value, nil
	}
	s.misses.Add(1)

	// A population that started before the latest invalidation of this key
	// must not be joined by callers arriving after it.
	flightKey := key + "#" + strconv.FormatUint(uint64(s.cache.Floor(key)), 10)
	ch := s.flight.DoChan(flightKey, func() (any, error) {
		return s.populate(context.WithoutCancel(ctx), key, q)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Page), nil
	}
}

func (s *Service) populate(ctx context.Context, key string, q Query) (*Page, error) {
	// A previous flight may have stored the page between our miss and this call.
	if entry, ok := s.cache.Read(key, s.ttl); ok {
		return entry.Value, nil
	}

	seq := s.cache.Begin()
	startedAt := s.now()
	s.populations.Add(1)

	ctx, cancel := context.WithTimeout(ctx, s.populateTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "gallery.populate", trace.WithAttributes(
		attribute.Int("gallery.page", q.Page),
		attribute.Int("gallery.limit", q.Limit),
		attribute.String("gallery.category", q.Category),
	))
	defer span.End()

	rows, err := s.store.List(ctx, q.Category, q.Offset(), q.Limit+1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog store")
		s.log.Error().Err(err).Str("key", key).Msg("gallery population failed: catalog store")
		return nil, fmt.Errorf("%w: %w", ErrBackingStoreUnavailable, err)
	}

	hasMore := len(rows) > q.Limit
	if hasMore {
		rows = rows[:q.Limit]
	}

	images := make([]catalog.Entry, 0, len(rows))
	for _, e := range rows {
		grant, err := s.issuer.Issue(ctx, e.AssetKey)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "url issuance")
			s.log.Error().Err(err).Str("key", key).Str("entry", e.ID).Msg("gallery population failed: url issuance")
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		e.DeliveryURL = grant.URL
		images = append(images, e)
	}

	page := &Page{Images: images, HasMore: hasMore, PopulatedAt: startedAt}
	body, err := json.Marshal(page)
	if err != nil {
		return nil, fmt.Errorf("encode page: %w", err)
	}
	page.ETag = etagFor(body)

	stored := s.cache.Write(key, &cache.Entry[*Page]{
		Value:     page,
		ETag:      page.ETag,
		FetchedAt: startedAt,
		Seq:       seq,
	})
	if !stored {
		s.discarded.Add(1)
		s.log.Debug().Str("key", key).Msg("discarded population superseded by invalidation")
	}
	span.SetAttributes(attribute.Int("gallery.images", len(images)), attribute.Bool("gallery.has_more", hasMore))
	return page, nil
}

func etagFor(body []byte) string {
	sum := sha256.Sum256(body)
	return `W/"` + hex.EncodeToString(sum[:12]) + `"`
}

// Invalidate evicts every cached page carrying tag. Once it returns, no Get
// will serve a page populated before the call.
func (s *Service) Invalidate(tag string) (Invalidation, error) {
	evicted, err := s.cache.Invalidate(tag)
	if err != nil {
		s.log.Warn().Err(err).Str("tag", tag).Msg("gallery invalidation rejected")
		return Invalidation{}, err
	}
	inv := Invalidation{Tag: tag, Evicted: evicted, At: s.now()}
	s.log.Info().Str("tag", tag).Int("evicted", evicted).Msg("gallery invalidated")
	return inv, nil
}

// Prune drops expired pages from memory
func (s *Service) Prune() int {
	return s.cache.Prune(s.ttl)
}

// RunJanitor prunes expired pages every interval until ctx is done
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				s.log.Debug().Int("pruned", n).Msg("gallery cache pruned")
			}
		}
	}
}

// Stats returns cache counters
func (s *Service) Stats() Stats {
	return Stats{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Populations: s.populations.Load(),
		Discarded:   s.discarded.Load(),
		Entries:     s.cache.Len(),
	}
}
