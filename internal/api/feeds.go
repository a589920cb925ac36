package api

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/feedgen"
)

// getFeed handles GET /v1/feed. The document is written with the format's
// content type; X-Cache reports HIT or MISS and X-Enrich-Task-ID carries the
// enrichment task, when one was started.
func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if ref == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return
	}
	req, err := parseFeedRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.feeds.GetFeed(r.Context(), ref, req)
	if err != nil {
		status := statusFor(err)
		s.logger.Warn("get feed failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("ref", ref),
			zap.Int("status", status),
			zap.Error(err))
		writeError(w, status, err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", res.ContentType)
	h.Set("X-Cache-Key", res.Key.String())
	if res.FromCache {
		h.Set("X-Cache", "HIT")
	} else {
		h.Set("X-Cache", "MISS")
	}
	if res.EnrichTaskID != "" {
		h.Set("X-Enrich-Task-ID", res.EnrichTaskID)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.Document))
}

func parseFeedRequest(r *http.Request) (feedgen.Request, error) {
	q := r.URL.Query()
	format, err := feedgen.ParseFormat(q.Get("format"))
	if err != nil {
		return feedgen.Request{}, err
	}
	window, err := cachekey.ParseWindow(q.Get("refresh"))
	if err != nil {
		return feedgen.Request{}, err
	}
	req := feedgen.Request{Format: format, Refresh: window}
	for name, dst := range map[string]*bool{
		"enrich":    &req.Enrich,
		"force":     &req.Force,
		"repersist": &req.Repersist,
	} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return feedgen.Request{}, errInvalidParam(name)
		}
		*dst = v
	}
	return req, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) }
