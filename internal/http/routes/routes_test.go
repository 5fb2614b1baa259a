package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/printables/internal/catalog"
	"github.com/briangreenhill/printables/internal/gallery"
	appmw "github.com/briangreenhill/printables/internal/http/middleware"
	"github.com/briangreenhill/printables/internal/jobs"
	"github.com/briangreenhill/printables/internal/storage"
)

const secret = "s3cret"

type storeFunc func(ctx context.Context, category string, offset, limit int) ([]catalog.Entry, error)

func (f storeFunc) List(ctx context.Context, category string, offset, limit int) ([]catalog.Entry, error) {
	return f(ctx, category, offset, limit)
}

type objectMap map[string]string

func (m objectMap) Get(_ context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	body, ok := m[key]
	if !ok {
		return nil, storage.ObjectInfo{}, storage.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), storage.ObjectInfo{Size: int64(len(body)), ContentType: "image/png", ETag: "abc"}, nil
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (q *recordingQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueTelemetry}, nil
}

type fixture struct {
	srv   *Server
	store *catalog.MemoryStore
	queue *recordingQueue
	now   time.Time
}

func newFixture(t *testing.T, store catalog.Store) *fixture {
	t.Helper()
	f := &fixture{
		store: catalog.NewMemoryStore(),
		queue: &recordingQueue{},
		now:   time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	base := f.now.Add(-time.Hour)
	for i, id := range []string{"A", "B", "C"} {
		require.NoError(t, f.store.Put(catalog.Entry{
			ID:        id,
			Title:     "Print " + id,
			Category:  "wall-art",
			AssetKey:  "prints/" + strings.ToLower(id) + ".png",
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}))
	}
	if store == nil {
		store = f.store
	}

	signer := storage.HMACSigner{Secret: []byte("grant-key"), BaseURL: "https://shop.example.com", Now: clock}
	svc := gallery.New(gallery.Options{
		Store:  store,
		Issuer: storage.NewIssuer(signer, time.Hour),
		Logger: zerolog.Nop(),
		Now:    clock,
	})
	f.srv = New(ServerOptions{
		Gallery:          svc,
		Verifier:         signer,
		Objects:          objectMap{"prints/a.png": "png-a"},
		Queue:            f.queue,
		RevalidateSecret: secret,
		Logger:           zerolog.Nop(),
		Now:              clock,
	})
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(rec, req)
	return rec
}

type pageBody struct {
	Images []struct {
		ID          string `json:"id"`
		DeliveryURL string `json:"deliveryUrl"`
	} `json:"images"`
	HasMore bool `json:"hasMore"`
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) pageBody {
	t.Helper()
	var p pageBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func ids(p pageBody) []string {
	out := make([]string, 0, len(p.Images))
	for _, img := range p.Images {
		out = append(out, img.ID)
	}
	return out
}

func TestGalleryPages(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/gallery?page=1&limit=2&category=wall-art", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "private, max-age=60", rec.Header().Get("Cache-Control"))
	etag := rec.Header().Get("ETag")
	assert.True(t, strings.HasPrefix(etag, `W/"`))

	p := decodePage(t, rec)
	assert.Equal(t, []string{"A", "B"}, ids(p))
	assert.True(t, p.HasMore)
	for _, img := range p.Images {
		assert.True(t, strings.HasPrefix(img.DeliveryURL, "https://shop.example.com/assets/"))
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/gallery?page=2&limit=2&category=wall-art", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	p = decodePage(t, rec)
	assert.Equal(t, []string{"C"}, ids(p))
	assert.False(t, p.HasMore)
}

func TestGalleryConditionalGet(t *testing.T) {
	f := newFixture(t, nil)

	first := f.do(httptest.NewRequest(http.MethodGet, "/api/gallery", nil))
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")

	f.now = f.now.Add(45 * time.Second)
	req := httptest.NewRequest(http.MethodGet, "/api/gallery", nil)
	req.Header.Set("If-None-Match", etag)
	rec := f.do(req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "private, max-age=15", rec.Header().Get("Cache-Control"))
}

func TestGalleryRejectsBadParameters(t *testing.T) {
	f := newFixture(t, nil)

	for _, q := range []string{"page=0", "page=two", "limit=-1", "page=9223372036854775807", "page=21474837&limit=100"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/api/gallery?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Contains(t, rec.Body.String(), `"error"`, q)
	}
}

func TestGalleryBackingStoreDown(t *testing.T) {
	f := newFixture(t, storeFunc(func(context.Context, string, int, int) ([]catalog.Entry, error) {
		return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/gallery", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"catalog temporarily unavailable"}`, rec.Body.String())
}

func revalidate(target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set(appmw.SecretHeader, secret)
	return req
}

func TestRevalidate(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/gallery?limit=2&category=wall-art", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"A", "B"}, ids(decodePage(t, rec)))

	require.NoError(t, f.store.Put(catalog.Entry{ID: "D", Category: "wall-art", AssetKey: "prints/d.png", CreatedAt: f.now}))

	rec = f.do(revalidate("/api/revalidate?tag=gallery", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var ack struct {
		Revalidated bool   `json:"revalidated"`
		Now         int64  `json:"now"`
		Tag         string `json:"tag"`
		Evicted     int    `json:"evicted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Revalidated)
	assert.Equal(t, f.now.UnixMilli(), ack.Now)
	assert.Equal(t, "gallery", ack.Tag)
	assert.Equal(t, 1, ack.Evicted)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/gallery?limit=2&category=wall-art", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"D", "A"}, ids(decodePage(t, rec)))
}

func TestRevalidateJSONBody(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(revalidate("/api/revalidate", strings.NewReader(`{"tag":"gallery:wall-art"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tag":"gallery:wall-art"`)
}

func TestRevalidateErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(revalidate("/api/revalidate", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"missing tag"}`, rec.Body.String())

	rec = f.do(revalidate("/api/revalidate", strings.NewReader(`{"tag":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(revalidate("/api/revalidate?tag=products", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/revalidate?tag=gallery", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	f.do(httptest.NewRequest(http.MethodGet, "/api/gallery", nil))
	f.do(httptest.NewRequest(http.MethodGet, "/api/gallery", nil))

	req := httptest.NewRequest(http.MethodGet, "/api/gallery/stats", nil)
	req.Header.Set(appmw.SecretHeader, secret)
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hits":1,"misses":1,"populations":1,"discarded":0,"entries":1}`, rec.Body.String())
}

func deliveryURL(t *testing.T, f *fixture, id string) *url.URL {
	t.Helper()
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/gallery", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	for _, img := range decodePage(t, rec).Images {
		if img.ID == id {
			u, err := url.Parse(img.DeliveryURL)
			require.NoError(t, err)
			return u
		}
	}
	t.Fatalf("entry %s not on page", id)
	return nil
}

func TestAssetDelivery(t *testing.T) {
	f := newFixture(t, nil)
	u := deliveryURL(t, f, "A")

	rec := f.do(httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-a", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "private, max-age=3600", rec.Header().Get("Cache-Control"))

	tampered := *u
	q := tampered.Query()
	q.Set("expires", "9999999999")
	tampered.RawQuery = q.Encode()
	rec = f.do(httptest.NewRequest(http.MethodGet, tampered.RequestURI(), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.now = f.now.Add(time.Hour)
	rec = f.do(httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code, "grant must fail closed after expiry")
}

func TestAssetMissingObject(t *testing.T) {
	f := newFixture(t, nil)
	u := deliveryURL(t, f, "B")

	rec := f.do(httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImageFailureReportIsQueued(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"kind":"asset_load_exhausted","assetId":"A","host":"https://cdn.example.com/a.png?signature=x","attempts":3,"reason":"503"}`
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/telemetry/image-failures", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, f.queue.tasks, 1)
	task := f.queue.tasks[0]
	assert.Equal(t, jobs.TaskAssetLoadFailed, task.Type())
	var p jobs.AssetLoadFailedPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "A", p.AssetID)
	assert.Equal(t, "cdn.example.com", p.Host)
	assert.Equal(t, 3, p.Attempts)
	assert.True(t, f.now.Equal(p.ReportedAt))
}

func TestImageFailureReportValidation(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{`not json`, `{"attempts":3}`, `{"assetId":"A","attempts":-1}`, `{"assetId":"A","attempts":1001}`, `{"assetId":"A","attempts":4294967299}`} {
		rec := f.do(httptest.NewRequest(http.MethodPost, "/api/telemetry/image-failures", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, f.queue.tasks)

	f.queue.err = errors.New("redis down")
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/telemetry/image-failures", bytes.NewBufferString(`{"assetId":"A"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestImageFailureReportWithoutQueue(t *testing.T) {
	srv := New(ServerOptions{Gallery: gallery.New(gallery.Options{Store: catalog.NewMemoryStore()}), Logger: zerolog.Nop()})

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/telemetry/image-failures", strings.NewReader(`{"assetId":"A"}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/prints/a.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "asset proxy is off without a verifier")
}

func TestETagMatches(t *testing.T) {
	assert.True(t, etagMatches(`W/"abc"`, `W/"abc"`))
	assert.True(t, etagMatches(`"abc"`, `W/"abc"`))
	assert.True(t, etagMatches(`"x", W/"abc"`, `W/"abc"`))
	assert.True(t, etagMatches(`*`, `W/"abc"`))
	assert.False(t, etagMatches(`W/"abd"`, `W/"abc"`))
	assert.False(t, etagMatches(``, `W/"abc"`))
}
