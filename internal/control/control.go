// Package control exposes the operator surface over HTTP: agent status and
// triggers, scheduled jobs, the recommendation lifecycle, and the memories
// and knowledge agents read from.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/internal/registry"
	"github.com/aixgo-dev/aide/internal/scheduler"
	"github.com/aixgo-dev/aide/pkg/recommend"
)

const (
	defaultRunsLimit = 20
	maxBodyBytes     = 1 << 20
)

// Agents is the read side of the agent registry.
type Agents interface {
	Get(name string) (agent.Agent, bool)
	List(ctx context.Context) []registry.Info
}

// Jobs is the control side of the scheduler.
type Jobs interface {
	Trigger(ctx context.Context, name string) scheduler.TriggerResult
	Pause(name string) bool
	Resume(name string) bool
	Jobs() []scheduler.JobStatus
}

// Mounter is implemented by servers that accept additional routes.
type Mounter interface {
	Handle(pattern string, h http.Handler)
}

// AgentDetail is the status document of one agent.
type AgentDetail struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Methods     []string             `json:"methods,omitempty"`
	LastRun     *agent.RunRecord     `json:"last_run,omitempty"`
	Job         *scheduler.JobStatus `json:"job,omitempty"`
}

// Stores are the data sources behind the control routes. Any field may be
// nil; its routes then answer 503.
type Stores struct {
	Runs            agent.RunHistory
	Recommendations recommend.Store
	Memories        MemoryStore
	Knowledge       KnowledgeStore
}

// Handler serves the control endpoints.
type Handler struct {
	agents Agents
	jobs   Jobs
	runs   agent.RunHistory
	recs   recommend.Store
	mems   MemoryStore
	kb     KnowledgeStore
}

// NewHandler creates a Handler.
func NewHandler(agents Agents, jobs Jobs, stores Stores) *Handler {
	return &Handler{
		agents: agents,
		jobs:   jobs,
		runs:   stores.Runs,
		recs:   stores.Recommendations,
		mems:   stores.Memories,
		kb:     stores.Knowledge,
	}
}

// Mount registers the routes on m.
func (h *Handler) Mount(m Mounter) {
	m.Handle("GET /agents", http.HandlerFunc(h.listAgents))
	m.Handle("GET /agents/{name}", http.HandlerFunc(h.getAgent))
	m.Handle("GET /agents/{name}/runs", http.HandlerFunc(h.listRuns))
	m.Handle("POST /agents/{name}/trigger", http.HandlerFunc(h.trigger))
	m.Handle("POST /agents/{name}/pause", http.HandlerFunc(h.pause))
	m.Handle("POST /agents/{name}/resume", http.HandlerFunc(h.resume))
	m.Handle("GET /jobs", http.HandlerFunc(h.listJobs))

	m.Handle("GET /recommendations", http.HandlerFunc(h.listRecommendations))
	m.Handle("GET /recommendations/stats", http.HandlerFunc(h.recommendationStats))
	m.Handle("GET /recommendations/{id}", http.HandlerFunc(h.getRecommendation))
	m.Handle("POST /recommendations/{id}/view", h.setStatus(recommend.StatusViewed))
	m.Handle("POST /recommendations/{id}/action", h.setStatus(recommend.StatusActioned))
	m.Handle("POST /recommendations/{id}/dismiss", h.setStatus(recommend.StatusDismissed))
	m.Handle("DELETE /recommendations/{id}", http.HandlerFunc(h.deleteRecommendation))

	m.Handle("GET /memories", http.HandlerFunc(h.listMemories))
	m.Handle("POST /memories", http.HandlerFunc(h.addMemory))
	m.Handle("DELETE /memories/{id}", http.HandlerFunc(h.deleteMemory))

	m.Handle("GET /knowledge", http.HandlerFunc(h.listKnowledge))
	m.Handle("GET /knowledge/categories", http.HandlerFunc(h.knowledgeCategories))
	m.Handle("POST /knowledge", http.HandlerFunc(h.addKnowledge))
	m.Handle("PUT /knowledge/{id}", http.HandlerFunc(h.updateKnowledge))
	m.Handle("DELETE /knowledge/{id}", http.HandlerFunc(h.deleteKnowledge))
}

// ServeMux returns a mux carrying only the control routes.
func (h *Handler) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	h.Mount(mux)
	return mux
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agents.List(r.Context()))
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	a, ok := h.agents.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "agent %q not found", name)
		return
	}

	detail := AgentDetail{Name: a.Name(), Description: a.Description()}
	if m, ok := a.(interface{ Methods() []string }); ok {
		detail.Methods = m.Methods()
	}
	if h.runs != nil {
		last, err := h.runs.LastRun(r.Context(), name)
		if err != nil {
			log.Printf("[Control] Failed to load last run of %s: %v", name, err)
		}
		detail.LastRun = last
	}
	for _, j := range h.jobs.Jobs() {
		if j.Agent == name {
			j := j
			detail.Job = &j
			break
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	name := r.PathValue("name")
	if _, ok := h.agents.Get(name); !ok {
		writeError(w, http.StatusNotFound, "agent %q not found", name)
		return
	}

	filter := agent.RunFilter{AgentName: name, Limit: defaultRunsLimit}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: %s", v)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid since: %s", v)
			return
		}
		filter.Since = d
	}

	records, err := h.runs.ListRecent(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs: %v", err)
		return
	}
	if records == nil {
		records = []agent.RunRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := h.agents.Get(name); !ok {
		writeError(w, http.StatusNotFound, "agent %q not found", name)
		return
	}
	res := h.jobs.Trigger(r.Context(), name)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r.PathValue("name"), true)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r.PathValue("name"), false)
}

func (h *Handler) setPaused(w http.ResponseWriter, name string, paused bool) {
	var ok bool
	if paused {
		ok = h.jobs.Pause(name)
	} else {
		ok = h.jobs.Resume(name)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no scheduled job for agent %q", name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": name, "paused": paused})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.Jobs())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Control] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// decodeBody reads a JSON request body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}
