package routes

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/printables/internal/storage"
)

// handleAsset serves proxy-mode delivery URLs. The grant is checked on every
// request, so an expired URL fails even if the object is still cached upstream.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	key := strings.TrimPrefix(r.URL.Path, storage.AssetPathPrefix)
	if key == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	q := r.URL.Query()
	if err := s.verifier.Verify(key, q); err != nil {
		log.Info().Err(err).Str("asset", key).Msg("asset grant rejected")
		writeError(w, r, http.StatusForbidden, "access denied")
		return
	}

	body, info, err := s.objects.Get(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "not found")
		case errors.Is(err, storage.ErrAccessDenied):
			log.Error().Err(err).Str("asset", key).Msg("object store denied access")
			writeError(w, r, http.StatusBadGateway, "storage unavailable")
		default:
			log.Error().Err(err).Str("asset", key).Msg("object get failed")
			writeError(w, r, http.StatusBadGateway, "storage unavailable")
		}
		return
	}
	defer body.Close()

	h := w.Header()
	if info.ContentType != "" {
		h.Set("Content-Type", info.ContentType)
	}
	if info.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if info.ETag != "" {
		h.Set("ETag", `"`+strings.Trim(info.ETag, `"`)+`"`)
	}
	if exp, err := strconv.ParseInt(q.Get("expires"), 10, 64); err == nil {
		remaining := time.Unix(exp, 0).Sub(s.now())
		h.Set("Cache-Control", "private, max-age="+strconv.Itoa(max(int(remaining.Seconds()), 0)))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Warn().Err(err).Str("asset", key).Msg("asset stream interrupted")
	}
}
