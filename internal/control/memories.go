package control

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/aixgo-dev/aide/pkg/memory"
)

const defaultSearchLimit = 10

// MemoryStore is the long-term memory the operator can inspect and edit.
type MemoryStore interface {
	Add(ctx context.Context, userID, content string, metadata map[string]any) (memory.Memory, error)
	Search(ctx context.Context, userID, query string, limit int) ([]memory.Memory, error)
	All(ctx context.Context, userID string) ([]memory.Memory, error)
	Delete(ctx context.Context, id string) error
}

// KnowledgeStore is the curated knowledge base.
type KnowledgeStore interface {
	Add(ctx context.Context, item memory.Knowledge) (memory.Knowledge, error)
	Update(ctx context.Context, id, content string) (memory.Knowledge, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]memory.Knowledge, error)
	ByCategory(ctx context.Context, category string) ([]memory.Knowledge, error)
	All(ctx context.Context) ([]memory.Knowledge, error)
	Categories() []string
}

type memoryRequest struct {
	UserID   string         `json:"user_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type knowledgeRequest struct {
	Category string   `json:"category"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
}

// searchLimit parses ?limit=, answering 400 on bad input.
func searchLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultSearchLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit: %s", v)
		return 0, false
	}
	return n, true
}

// listMemories lists a user's memories, or searches them when q is set.
func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	if h.mems == nil {
		writeError(w, http.StatusServiceUnavailable, "memories not configured")
		return
	}
	limit, ok := searchLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		userID = memory.DefaultUser
	}

	var (
		found []memory.Memory
		err   error
	)
	if query := q.Get("q"); query != "" {
		found, err = h.mems.Search(r.Context(), userID, query, limit)
	} else {
		found, err = h.mems.All(r.Context(), userID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list memories: %v", err)
		return
	}
	if found == nil {
		found = []memory.Memory{}
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handler) addMemory(w http.ResponseWriter, r *http.Request) {
	if h.mems == nil {
		writeError(w, http.StatusServiceUnavailable, "memories not configured")
		return
	}
	var req memoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.mems.Add(r.Context(), req.UserID, req.Content, req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) deleteMemory(w http.ResponseWriter, r *http.Request) {
	if h.mems == nil {
		writeError(w, http.StatusServiceUnavailable, "memories not configured")
		return
	}
	id := r.PathValue("id")
	if err := h.mems.Delete(r.Context(), id); err != nil {
		writeMemoryError(w, "memory", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// listKnowledge lists one category, searches with q, or lists everything.
func (h *Handler) listKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.kb == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge not configured")
		return
	}
	limit, ok := searchLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var (
		items []memory.Knowledge
		err   error
	)
	switch {
	case q.Get("category") != "":
		items, err = h.kb.ByCategory(r.Context(), q.Get("category"))
	case q.Get("q") != "":
		items, err = h.kb.Search(r.Context(), q.Get("q"), limit)
	default:
		items, err = h.kb.All(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list knowledge: %v", err)
		return
	}
	if items == nil {
		items = []memory.Knowledge{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) knowledgeCategories(w http.ResponseWriter, r *http.Request) {
	if h.kb == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.kb.Categories())
}

func (h *Handler) addKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.kb == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge not configured")
		return
	}
	var req knowledgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := h.kb.Add(r.Context(), memory.Knowledge{
		Category: req.Category,
		Title:    req.Title,
		Content:  req.Content,
		Tags:     req.Tags,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) updateKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.kb == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge not configured")
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	item, err := h.kb.Update(r.Context(), id, req.Content)
	if err != nil {
		writeMemoryError(w, "knowledge item", id, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) deleteKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.kb == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge not configured")
		return
	}
	id := r.PathValue("id")
	if err := h.kb.Delete(r.Context(), id); err != nil {
		writeMemoryError(w, "knowledge item", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func writeMemoryError(w http.ResponseWriter, kind, id string, err error) {
	if errors.Is(err, memory.ErrNotFound) {
		writeError(w, http.StatusNotFound, "%s %q not found", kind, id)
		return
	}
	writeError(w, http.StatusInternalServerError, "%s %s: %v", kind, id, err)
}
