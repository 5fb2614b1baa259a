package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/printables/cache"
	"github.com/briangreenhill/printables/internal/gallery"
	"github.com/briangreenhill/printables/internal/storage"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, gallery.ErrInvalidParameters), errors.Is(err, cache.ErrEmptyTag):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrUnknownTag):
		return http.StatusNotFound
	case errors.Is(err, gallery.ErrBackingStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrIssuanceFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// publicMessage keeps backend detail out of error bodies
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		return err.Error()
	case http.StatusServiceUnavailable:
		return "catalog temporarily unavailable"
	case http.StatusBadGateway:
		return "could not issue delivery urls"
	case http.StatusGatewayTimeout:
		return "catalog query timed out"
	}
	return "internal server error"
}

func parseQuery(r *http.Request) (gallery.Query, error) {
	q := gallery.Query{Page: 1, Category: r.URL.Query().Get("category")}
	for name, dst := range map[string]*int{"page": &q.Page, "limit": &q.Limit} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("%w: %s must be an integer", gallery.ErrInvalidParameters, name)
		}
		*dst = n
	}
	return q, nil
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	q, err := parseQuery(r)
	if err == nil {
		var page *gallery.Page
		page, err = s.gallery.Get(r.Context(), q)
		if err == nil {
			s.writePage(w, r, page)
			return
		}
	}

	if r.Context().Err() != nil {
		// client went away; the population carries on without it
		return
	}
	status := statusFor(err)
	if status >= 500 {
		log.Error().Err(err).Str("query", r.URL.RawQuery).Msg("gallery query failed")
	}
	writeError(w, r, status, publicMessage(status, err))
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, page *gallery.Page) {
	remaining := s.gallery.TTL() - s.now().Sub(page.PopulatedAt)
	maxAge := max(int(remaining.Seconds()), 0)

	h := w.Header()
	h.Set("ETag", page.ETag)
	h.Set("Cache-Control", "private, max-age="+strconv.Itoa(maxAge))
	h.Set("Vary", "Accept-Encoding")

	if etagMatches(r.Header.Get("If-None-Match"), page.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body, err := json.Marshal(page)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("write gallery page")
	}
}

// etagMatches applies the weak comparison If-None-Match calls for
func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}
