package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/printables/internal/gallery"
	appmw "github.com/briangreenhill/printables/internal/http/middleware"
	"github.com/briangreenhill/printables/internal/storage"
)

// Gallery is the catalog cache as seen by the HTTP layer
type Gallery interface {
	Get(ctx context.Context, q gallery.Query) (*gallery.Page, error)
	Invalidate(tag string) (gallery.Invalidation, error)
	Stats() gallery.Stats
	TTL() time.Duration
}

// Verifier checks proxy-mode grants
type Verifier interface {
	Verify(key string, q url.Values) error
}

// Enqueuer is the subset of *asynq.Client used for telemetry
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router *chi.Mux

	gallery  Gallery
	verifier Verifier
	objects  storage.Getter
	queue    Enqueuer
	now      func() time.Time
}

type ServerOptions struct {
	Gallery Gallery
	// Verifier and Objects enable /assets/* for proxy-mode delivery.
	Verifier Verifier
	Objects  storage.Getter
	// Queue receives image failure reports; nil logs them instead.
	Queue            Enqueuer
	RevalidateSecret string
	Logger           zerolog.Logger
	Now              func() time.Time
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:   r,
		gallery:  opts.Gallery,
		verifier: opts.Verifier,
		objects:  opts.Objects,
		queue:    opts.Queue,
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Get("/api/gallery", s.handleGallery)
	r.Post("/api/telemetry/image-failures", s.handleImageFailure)
	if s.verifier != nil && s.objects != nil {
		r.Get(storage.AssetPathPrefix+"*", s.handleAsset)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.RequireSecret(opts.RevalidateSecret))
		pr.Post("/api/revalidate", s.handleRevalidate)
		pr.Get("/api/gallery/stats", s.handleStats)
	})

	return s
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

type revalidateResponse struct {
	Revalidated bool   `json:"revalidated"`
	Now         int64  `json:"now"`
	Tag         string `json:"tag"`
	Evicted     int    `json:"evicted"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.gallery.Stats())
}

// handleRevalidate takes the tag from ?tag= or a JSON body {"tag": ...}
func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" && r.Body != nil {
		var body struct {
			Tag string `json:"tag"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
		tag = body.Tag
	}
	if tag == "" {
		writeError(w, r, http.StatusBadRequest, "missing tag")
		return
	}

	inv, err := s.gallery.Invalidate(tag)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, revalidateResponse{
		Revalidated: true,
		Now:         inv.At.UnixMilli(),
		Tag:         inv.Tag,
		Evicted:     inv.Evicted,
	})
}

func (s *Server) handleImageFailure(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFailure(io.LimitReader(r.Body, 16<<10), s.now())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	log := hlog.FromRequest(r)
	if s.queue == nil {
		log.Warn().
			Str("asset", f.AssetID).
			Str("host", f.Host).
			Int("attempts", f.Attempts).
			Str("reason", f.Reason).
			Msg("image load failure reported")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	task, err := newFailureTask(f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not encode report")
		return
	}
	info, err := s.queue.EnqueueContext(r.Context(), task)
	if err != nil {
		log.Error().Err(err).Str("asset", f.AssetID).Msg("[asynq] enqueue image failure")
		writeError(w, r, http.StatusServiceUnavailable, "could not queue report")
		return
	}
	log.Debug().Str("task", info.ID).Str("queue", info.Queue).Msg("[asynq] enqueued image failure")
	w.WriteHeader(http.StatusAccepted)
}
