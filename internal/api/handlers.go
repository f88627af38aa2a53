// Package api implements the reference gateway: the authoritative HTTP
// store the sync engine drains against. It serves the same wire
// contract the gateway client consumes.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/satchel/internal/gateway"
	"github.com/hyperengineering/satchel/internal/validation"
)

// Handler implements the API handlers
type Handler struct {
	store   *MemStore
	apiKey  string
	version string
}

// NewHandler creates a Handler over the given store.
func NewHandler(s *MemStore, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Collections int    `json:"collections"`
	Documents   int    `json:"documents"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	collections, documents := h.store.Stats()

	resp := HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Collections: collections,
		Documents:   documents,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetCollection handles GET /api/v1/collections/{collection}
func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collectionName(w, r)
	if !ok {
		return
	}

	resp := gateway.CollectionResponse{Documents: h.store.Collection(name)}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// SaveDocument handles PUT /api/v1/collections/{collection}/documents
func (h *Handler) SaveDocument(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collectionName(w, r)
	if !ok {
		return
	}

	var req gateway.SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.Fields == nil {
		WriteProblem(w, r, http.StatusBadRequest, "Document fields are required")
		return
	}
	if errs := validation.ValidateFieldNames(req.Fields); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Document contains invalid fields", errs)
		return
	}

	doc, err := h.store.Save(name, req.ID, req.Fields, r.Header.Get("Idempotency-Key"))
	if err != nil {
		slog.Warn("save rejected",
			"collection", name,
			"document_id", req.ID,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// GetDocument handles GET /api/v1/collections/{collection}/documents/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collectionName(w, r)
	if !ok {
		return
	}

	doc, err := h.store.Document(name, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// DeleteDocument handles DELETE /api/v1/collections/{collection}/documents/{id}
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collectionName(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(name, chi.URLParam(r, "id")); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCollection handles DELETE /api/v1/collections/{collection}
func (h *Handler) ClearCollection(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collectionName(w, r)
	if !ok {
		return
	}

	h.store.Clear(name)
	w.WriteHeader(http.StatusNoContent)
}

// collectionName extracts and validates the collection route parameter,
// writing the problem response itself on failure.
func (h *Handler) collectionName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "collection")
	if err := validation.ValidateCollectionName("collection", name); err != nil {
		WriteProblemWithErrors(w, r, "Invalid collection name", []validation.ValidationError{*err})
		return "", false
	}
	return name, true
}
