package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/service/knowledge"
	"github.com/ashita-ai/kotae/internal/storage"
)

// HandleUpsertDocuments handles POST /knowledge/update.
func (h *Handlers) HandleUpsertDocuments(w http.ResponseWriter, r *http.Request) {
	var docs []model.DocumentInput
	if err := decodeJSON(w, r, &docs, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ids, err := h.knowledge.Upsert(r.Context(), docs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.UpsertDocumentsResponse{Status: "success", Upserted: ids})
}

// HandleDeleteDocument handles DELETE /knowledge/{doc_id}.
func (h *Handlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("doc_id")
	err := h.knowledge.Delete(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, r, http.StatusNotFound, model.DeleteDocumentResponse{
			Success: false,
			Message: fmt.Sprintf("No document found with id '%s'", id),
		})
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.DeleteDocumentResponse{Success: true, Deleted: id})
}

// HandleListDocuments handles GET /knowledge.
func (h *Handlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	// One extra row tells us whether another page exists.
	docs, err := h.knowledge.List(r.Context(), limit+1, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}
	writeList(w, r, docs, hasMore, limit, offset)
}

// HandleSearch handles POST /knowledge/search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req model.SearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Limit < 0 || req.Limit > model.MaxSearchLimit {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("limit must be between 1 and %d", model.MaxSearchLimit))
		return
	}
	if req.MinSimilarity != nil && !knowledge.ValidMinSimilarity(*req.MinSimilarity) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "min_similarity must be in [0, 1)")
		return
	}
	docs, err := h.knowledge.Search(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, docs)
}

// writeServiceError maps knowledge and chat errors onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, knowledge.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, model.ErrEmbedding), errors.Is(err, model.ErrRetrieval), errors.Is(err, model.ErrGeneration):
		writeError(w, r, http.StatusBadGateway, model.ErrorCode(err), err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}
