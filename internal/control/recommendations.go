package control

import (
	"errors"
	"net/http"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/pkg/recommend"
)

func (h *Handler) listRecommendations(w http.ResponseWriter, r *http.Request) {
	if h.recs == nil {
		writeError(w, http.StatusServiceUnavailable, "recommendations not configured")
		return
	}

	q := r.URL.Query()
	filter := recommend.Filter{AgentName: q.Get("agent"), Limit: defaultRunsLimit}
	if v := q.Get("status"); v != "" {
		st, err := recommend.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		filter.Status = st
	}
	if v := q.Get("priority"); v != "" {
		p, err := agent.ParsePriority(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		filter.Priority = p
	}

	records, err := h.recs.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list recommendations: %v", err)
		return
	}
	if records == nil {
		records = []recommend.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) recommendationStats(w http.ResponseWriter, r *http.Request) {
	if h.recs == nil {
		writeError(w, http.StatusServiceUnavailable, "recommendations not configured")
		return
	}
	stats, err := recommend.PendingStats(r.Context(), h.recs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recommendation stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) getRecommendation(w http.ResponseWriter, r *http.Request) {
	if h.recs == nil {
		writeError(w, http.StatusServiceUnavailable, "recommendations not configured")
		return
	}
	id := r.PathValue("id")
	rec, err := h.recs.Get(r.Context(), id)
	if err != nil {
		writeRecommendationError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// setStatus moves a recommendation through its lifecycle and answers with
// the updated record.
func (h *Handler) setStatus(status recommend.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.recs == nil {
			writeError(w, http.StatusServiceUnavailable, "recommendations not configured")
			return
		}
		id := r.PathValue("id")
		if err := h.recs.UpdateStatus(r.Context(), id, status); err != nil {
			writeRecommendationError(w, id, err)
			return
		}
		rec, err := h.recs.Get(r.Context(), id)
		if err != nil {
			writeRecommendationError(w, id, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (h *Handler) deleteRecommendation(w http.ResponseWriter, r *http.Request) {
	if h.recs == nil {
		writeError(w, http.StatusServiceUnavailable, "recommendations not configured")
		return
	}
	id := r.PathValue("id")
	if err := h.recs.Delete(r.Context(), id); err != nil {
		writeRecommendationError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func writeRecommendationError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, recommend.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recommendation %q not found", id)
		return
	}
	writeError(w, http.StatusInternalServerError, "recommendation %s: %v", id, err)
}
