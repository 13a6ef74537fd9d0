// Package server exposes the memory pipelines over HTTP. The caller is
// an authorization-checked edge service: projectId and ownerId arrive
// pre-resolved and are trusted here, the way a gateway-fronted handler
// trusts its forwarded identity headers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/muselabs/mnemo/internal/engine"
	"github.com/muselabs/mnemo/internal/index"
	"github.com/muselabs/mnemo/pkg/types"
)

// MemoryEngine is the pipeline surface the handlers call. *engine.Engine
// satisfies it.
type MemoryEngine interface {
	Write(ctx context.Context, req engine.WriteRequest) ([]*types.Memory, error)
	Read(ctx context.Context, req engine.ReadRequest) ([]engine.ScoredMemory, error)
	Delete(ctx context.Context, req engine.DeleteRequest) (int, error)
	FetchContext(ctx context.Context, req engine.ContextRequest) (*engine.ContextBundle, error)
}

// HealthChecker reports reachability of the vector index.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	Configured() bool
}

// Handlers holds the API handler set.
type Handlers struct {
	engine MemoryEngine
	health HealthChecker
}

// NewHandlers creates the API handlers. health may be nil when no index
// is configured.
func NewHandlers(eng MemoryEngine, health HealthChecker) *Handlers {
	return &Handlers{engine: eng, health: health}
}

type writeItemRequest struct {
	ID             string         `json:"id,omitempty"`
	Category       types.Category `json:"category"`
	Content        string         `json:"content"`
	Scope          types.Scope    `json:"scope,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       types.Metadata `json:"metadata,omitempty"`
	TTLMinutes     int            `json:"ttl_minutes,omitempty"`
}

type writeRequest struct {
	ProjectID string             `json:"project_id"`
	OwnerID   string             `json:"owner_id"`
	Items     []writeItemRequest `json:"items"`
}

// Write handles POST /api/memories.
func (h *Handlers) Write(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	items := make([]engine.WriteItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = engine.WriteItem{
			ID:             it.ID,
			Category:       it.Category,
			Content:        it.Content,
			Scope:          it.Scope,
			ConversationID: it.ConversationID,
			Metadata:       it.Metadata,
			TTLMinutes:     it.TTLMinutes,
		}
	}

	memories, err := h.engine.Write(r.Context(), engine.WriteRequest{
		ProjectID: req.ProjectID,
		OwnerID:   req.OwnerID,
		Items:     items,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"memories": memories,
		"count":    len(memories),
	})
}

type searchRequest struct {
	ProjectID      string           `json:"project_id"`
	OwnerID        string           `json:"owner_id"`
	Query          string           `json:"query,omitempty"`
	Categories     []types.Category `json:"categories,omitempty"`
	Scope          types.Scope      `json:"scope,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	RecencyWeight  *float64         `json:"recency_weight,omitempty"`
}

// Search handles POST /api/memories/search.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	results, err := h.engine.Read(r.Context(), engine.ReadRequest{
		ProjectID:      req.ProjectID,
		OwnerID:        req.OwnerID,
		Query:          req.Query,
		Categories:     req.Categories,
		Scope:          req.Scope,
		ConversationID: req.ConversationID,
		Limit:          req.Limit,
		RecencyWeight:  req.RecencyWeight,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	type scoredResponse struct {
		*types.Memory
		Score float64 `json:"score"`
	}
	out := make([]scoredResponse, len(results))
	for i, sm := range results {
		out[i] = scoredResponse{Memory: sm.Memory, Score: sm.Score}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": out,
		"count":   len(out),
	})
}

type deleteRequest struct {
	ProjectID string   `json:"project_id"`
	IDs       []string `json:"ids,omitempty"`
	Filter    *struct {
		Category       types.Category `json:"category,omitempty"`
		Scope          types.Scope    `json:"scope,omitempty"`
		ConversationID string         `json:"conversation_id,omitempty"`
		OlderThanTs    int64          `json:"older_than_ts,omitempty"`
	} `json:"filter,omitempty"`
}

// Delete handles POST /api/memories/delete.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	dr := engine.DeleteRequest{ProjectID: req.ProjectID, IDs: req.IDs}
	if req.Filter != nil {
		dr.Filter = &engine.DeleteFilter{
			Category:       req.Filter.Category,
			Scope:          req.Filter.Scope,
			ConversationID: req.Filter.ConversationID,
			OlderThanTs:    req.Filter.OlderThanTs,
		}
	}

	count, err := h.engine.Delete(r.Context(), dr)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": count})
}

type contextRequest struct {
	ProjectID      string `json:"project_id"`
	OwnerID        string `json:"owner_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Query          string `json:"query,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Context handles POST /api/context: the fan-out bundle a prompt
// assembler consumes.
func (h *Handlers) Context(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	bundle, err := h.engine.FetchContext(r.Context(), engine.ContextRequest{
		ProjectID:      req.ProjectID,
		OwnerID:        req.OwnerID,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		Limit:          req.Limit,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	indexStatus := "not_configured"
	if h.health != nil && h.health.Configured() {
		if err := h.health.HealthCheck(r.Context()); err != nil {
			indexStatus = "unreachable"
		} else {
			indexStatus = "ok"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"index":  indexStatus,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: encoding response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps the pipeline error taxonomy onto HTTP status
// codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	}
	if errors.Is(err, engine.ErrAccessDenied) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	var ee *engine.EmbeddingError
	if errors.As(err, &ee) {
		writeError(w, http.StatusBadGateway, ee.Error())
		return
	}
	if errors.Is(err, index.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, "vector index not configured")
		return
	}
	var se *index.ServiceError
	if errors.As(err, &se) {
		writeError(w, http.StatusBadGateway, se.Error())
		return
	}
	log.Printf("server: internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
