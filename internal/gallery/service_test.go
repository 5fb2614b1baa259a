package gallery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/printables/cache"
	"github.com/briangreenhill/printables/internal/catalog"
	"github.com/briangreenhill/printables/internal/storage"
)

// countingStore wraps a MemoryStore, counting List calls. When gate is set,
// List blocks until the gate is closed.
type countingStore struct {
	*catalog.MemoryStore
	calls   atomic.Int64
	gate    chan struct{}
	entered chan struct{}
	err     error
}

func (s *countingStore) List(ctx context.Context, category string, offset, limit int) ([]catalog.Entry, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.MemoryStore.List(ctx, category, offset, limit)
}

type fakeIssuer struct {
	n   atomic.Int64
	err error
}

func (f *fakeIssuer) Issue(_ context.Context, key string) (storage.Grant, error) {
	if f.err != nil {
		return storage.Grant{}, fmt.Errorf("%w: %w", storage.ErrIssuanceFailed, f.err)
	}
	n := f.n.Add(1)
	return storage.Grant{ID: fmt.Sprint(n), AssetKey: key, URL: fmt.Sprintf("https://cdn.example.com/%s?grant=%d", key, n)}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var base = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func entry(id, category string, age time.Duration) catalog.Entry {
	return catalog.Entry{
		ID:        id,
		Title:     "Print " + id,
		Category:  category,
		AssetKey:  "prints/" + id + ".png",
		CreatedAt: base.Add(-age),
	}
}

type fixture struct {
	store  *countingStore
	issuer *fakeIssuer
	clock  *clock
	svc    *Service
}

func newFixture(entries ...catalog.Entry) *fixture {
	f := &fixture{
		store:  &countingStore{MemoryStore: catalog.NewMemoryStore(entries...)},
		issuer: &fakeIssuer{},
		clock:  &clock{t: base},
	}
	f.svc = New(Options{Store: f.store, Issuer: f.issuer, Now: f.clock.Now})
	return f
}

func ids(p *Page) []string {
	out := make([]string, len(p.Images))
	for i, e := range p.Images {
		out[i] = e.ID
	}
	return out
}

func TestGetPaginatesWithLookahead(t *testing.T) {
	f := newFixture(
		entry("A", "wall-art", 1*time.Hour),
		entry("B", "wall-art", 2*time.Hour),
		entry("C", "wall-art", 3*time.Hour),
		entry("P", "planners", 0),
	)
	ctx := context.Background()

	first, err := f.svc.Get(ctx, Query{Page: 1, Limit: 2, Category: "wall-art"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(first))
	assert.True(t, first.HasMore)

	second, err := f.svc.Get(ctx, Query{Page: 2, Limit: 2, Category: "wall-art"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, ids(second))
	assert.False(t, second.HasMore)

	for _, img := range first.Images {
		assert.Contains(t, img.DeliveryURL, img.AssetKey, "each entry carries a delivery URL for its asset")
	}
}

func TestHasMoreMatchesStoreSize(t *testing.T) {
	for total := 0; total <= 7; total++ {
		var entries []catalog.Entry
		for i := 0; i < total; i++ {
			entries = append(entries, entry(fmt.Sprintf("e%02d", i), "", time.Duration(i)*time.Minute))
		}
		f := newFixture(entries...)

		for limit := 1; limit <= 4; limit++ {
			for page := 1; page <= 3; page++ {
				p, err := f.svc.Get(context.Background(), Query{Page: page, Limit: limit})
				require.NoError(t, err)

				wantLen := min(max(total-(page-1)*limit, 0), limit)
				assert.Len(t, p.Images, wantLen, "total=%d page=%d limit=%d", total, page, limit)
				assert.Equal(t, total > page*limit, p.HasMore, "total=%d page=%d limit=%d", total, page, limit)
			}
		}
	}
}

func TestGetIsIdempotentUntilExpiry(t *testing.T) {
	f := newFixture(entry("A", "", time.Hour), entry("B", "", 2*time.Hour))
	ctx := context.Background()
	q := Query{Page: 1, Limit: 12}

	first, err := f.svc.Get(ctx, q)
	require.NoError(t, err)
	again, err := f.svc.Get(ctx, q)
	require.NoError(t, err)

	assert.Same(t, first, again)
	assert.Equal(t, int64(1), f.store.calls.Load())
	assert.Equal(t, int64(2), f.issuer.n.Load(), "urls are signed once per population")

	f.clock.Advance(DefaultTTL + time.Second)
	expired, err := f.svc.Get(ctx, q)
	require.NoError(t, err)
	assert.NotSame(t, first, expired, "pages past their TTL are repopulated")
	assert.NotEqual(t, first.Images[0].DeliveryURL, expired.Images[0].DeliveryURL)
	assert.Equal(t, int64(2), f.store.calls.Load())

	stats := f.svc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(2), stats.Populations)
}

func TestInvalidateThenNewEntryIsVisible(t *testing.T) {
	f := newFixture(
		entry("A", "wall-art", 1*time.Hour),
		entry("B", "wall-art", 2*time.Hour),
		entry("C", "wall-art", 3*time.Hour),
	)
	ctx := context.Background()
	q := Query{Page: 1, Limit: 2, Category: "wall-art"}

	before, err := f.svc.Get(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, ids(before))

	require.NoError(t, f.store.Put(entry("D", "wall-art", 0)))

	cached, err := f.svc.Get(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(cached), "cache serves the old page until invalidated")

	inv, err := f.svc.Invalidate(Tag)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Evicted)
	assert.Equal(t, base, inv.At)

	after, err := f.svc.Get(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "A"}, ids(after))
}

func TestCategoryTagLeavesOtherPagesCached(t *testing.T) {
	f := newFixture(entry("A", "wall-art", time.Hour), entry("P", "planners", time.Hour))
	ctx := context.Background()

	wall, err := f.svc.Get(ctx, Query{Page: 1, Category: "wall-art"})
	require.NoError(t, err)
	planners, err := f.svc.Get(ctx, Query{Page: 1, Category: "planners"})
	require.NoError(t, err)
	all, err := f.svc.Get(ctx, Query{Page: 1})
	require.NoError(t, err)

	inv, err := f.svc.Invalidate(CategoryTag("wall-art"))
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Evicted)

	again, err := f.svc.Get(ctx, Query{Page: 1, Category: "planners"})
	require.NoError(t, err)
	assert.Same(t, planners, again)
	againAll, err := f.svc.Get(ctx, Query{Page: 1})
	require.NoError(t, err)
	assert.Same(t, all, againAll)

	fresh, err := f.svc.Get(ctx, Query{Page: 1, Category: "wall-art"})
	require.NoError(t, err)
	assert.NotSame(t, wall, fresh)
}

func TestInvalidateRejectsUnknownTags(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Invalidate("")
	assert.ErrorIs(t, err, cache.ErrEmptyTag)
	_, err = f.svc.Invalidate("products")
	assert.ErrorIs(t, err, cache.ErrUnknownTag)
	_, err = f.svc.Invalidate("gallery:")
	assert.ErrorIs(t, err, cache.ErrUnknownTag)

	inv, err := f.svc.Invalidate(Tag)
	require.NoError(t, err, "a configured tag with no live entries is a no-op")
	assert.Zero(t, inv.Evicted)
}

func TestConcurrentMissesCollapseIntoOneQuery(t *testing.T) {
	f := newFixture(entry("A", "", time.Hour), entry("B", "", 2*time.Hour))
	f.store.gate = make(chan struct{})
	f.store.entered = make(chan struct{}, 1)

	const callers = 32
	var wg sync.WaitGroup
	pages := make([]*Page, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pages[i], errs[i] = f.svc.Get(context.Background(), Query{Page: 1, Limit: 12})
		}(i)
	}

	<-f.store.entered
	close(f.store.gate)
	wg.Wait()

	assert.Equal(t, int64(1), f.store.calls.Load(), "identical concurrent misses must share one store query")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, pages[0], pages[i])
	}
}

func TestCallerCancellationDoesNotAbortPopulation(t *testing.T) {
	f := newFixture(entry("A", "", time.Hour))
	f.store.gate = make(chan struct{})
	f.store.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Get(ctx, Query{Page: 1})
		done <- err
	}()

	<-f.store.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(f.store.gate)
	require.Eventually(t, func() bool { return f.svc.Stats().Entries == 1 }, time.Second, 5*time.Millisecond,
		"abandoned population still completes and is cached")

	p, err := f.svc.Get(context.Background(), Query{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(p))
	assert.Equal(t, int64(1), f.store.calls.Load())
}

func TestPopulationStartedBeforeInvalidationIsNotCached(t *testing.T) {
	f := newFixture(entry("A", "", time.Hour))
	f.store.gate = make(chan struct{})
	f.store.entered = make(chan struct{}, 2)

	stale := make(chan *Page, 1)
	go func() {
		p, _ := f.svc.Get(context.Background(), Query{Page: 1})
		stale <- p
	}()
	<-f.store.entered

	// The catalog changes and an operator invalidates while the first
	// population is still waiting on the store.
	require.NoError(t, f.store.Put(entry("N", "", 0)))
	_, err := f.svc.Invalidate(Tag)
	require.NoError(t, err)

	fresh := make(chan *Page, 1)
	go func() {
		p, _ := f.svc.Get(context.Background(), Query{Page: 1})
		fresh <- p
	}()
	<-f.store.entered
	close(f.store.gate)

	freshPage := <-fresh
	stalePage := <-stale
	require.NotNil(t, freshPage)
	require.NotNil(t, stalePage)
	assert.NotSame(t, stalePage, freshPage, "post-invalidation caller gets its own population")
	assert.Equal(t, []string{"N", "A"}, ids(freshPage))
	assert.Equal(t, int64(2), f.store.calls.Load())
	assert.Equal(t, int64(1), f.svc.Stats().Discarded)

	p, err := f.svc.Get(context.Background(), Query{Page: 1})
	require.NoError(t, err)
	assert.Same(t, freshPage, p, "the pre-invalidation population must never be served")
}

func TestBackingStoreFailureIsNotCached(t *testing.T) {
	f := newFixture(entry("A", "", time.Hour))
	f.store.err = errors.New("connection refused")

	_, err := f.svc.Get(context.Background(), Query{Page: 1})
	assert.ErrorIs(t, err, ErrBackingStoreUnavailable)
	assert.Zero(t, f.svc.Stats().Entries)

	f.store.err = nil
	p, err := f.svc.Get(context.Background(), Query{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(p))
	assert.Equal(t, int64(2), f.store.calls.Load(), "failures are not retried internally")
}

func TestIssuanceFailureAbortsPopulation(t *testing.T) {
	f := newFixture(entry("A", "", time.Hour))
	f.issuer.err = errors.New("credential rejected")

	_, err := f.svc.Get(context.Background(), Query{Page: 1})
	assert.ErrorIs(t, err, storage.ErrIssuanceFailed)
	assert.Zero(t, f.svc.Stats().Entries)
}

func TestInvalidParametersRejectedBeforeCache(t *testing.T) {
	f := newFixture(entry("A", "", time.Hour))

	_, err := f.svc.Get(context.Background(), Query{Page: 0, Limit: 2})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = f.svc.Get(context.Background(), Query{Page: 1, Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = f.svc.Get(context.Background(), Query{Page: math.MaxInt64/50 + 1, Limit: 100})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.Zero(t, f.store.calls.Load())
}

func TestNormalizeClampsLimit(t *testing.T) {
	q, err := Query{Page: 1, Limit: 500}.Normalize(0, 0)
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, q.Limit)

	q, err = Query{Page: 3}.Normalize(24, 50)
	require.NoError(t, err)
	assert.Equal(t, 24, q.Limit)
}

func TestNormalizeBoundsOffset(t *testing.T) {
	q, err := Query{Page: math.MaxInt32 / 100, Limit: 100}.Normalize(0, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, q.Offset(), math.MaxInt32)

	_, err = Query{Page: math.MaxInt32/100 + 1, Limit: 100}.Normalize(0, 0)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	// the bound applies to the clamped limit
	_, err = Query{Page: math.MaxInt32/100 + 1, Limit: 5000}.Normalize(0, 0)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	q, err = Query{Page: 3, Limit: 10}.Normalize(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, q.Offset())
}

func TestTags(t *testing.T) {
	assert.Equal(t, []string{Tag}, Tags(Query{Page: 1, Limit: 12}.Key()))
	assert.Equal(t, []string{Tag, "gallery:wall-art"}, Tags(Query{Page: 2, Limit: 12, Category: "wall-art"}.Key()))
	assert.Nil(t, Tags("products?page=1"))

	assert.True(t, ValidTag("gallery"))
	assert.True(t, ValidTag("gallery:wall-art"))
	assert.False(t, ValidTag("gallery:"))
	assert.False(t, ValidTag("wall-art"))
}

func TestPruneDropsExpiredPages(t *testing.T) {
	f := newFixture(entry("A", "", time.Hour))
	_, err := f.svc.Get(context.Background(), Query{Page: 1})
	require.NoError(t, err)

	assert.Zero(t, f.svc.Prune())
	f.clock.Advance(DefaultTTL + time.Second)
	assert.Equal(t, 1, f.svc.Prune())
	assert.Zero(t, f.svc.Stats().Entries)
}
