package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// pageParams reads skip and limit, writing a 400 on bad input.
func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	offset, ok = queryInt(r, "skip", 0)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "skip must be a non-negative integer")
		return 0, 0, false
	}
	limit, ok = queryInt(r, "limit", storage.DefaultActionLogLimit)
	if !ok || limit < 1 || limit > storage.MaxActionLogLimit {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("limit must be between 1 and %d", storage.MaxActionLogLimit))
		return 0, 0, false
	}
	return limit, offset, true
}

// HandleListActionLogs handles GET /logs.
func (h *Handlers) HandleListActionLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	f := model.ActionLogFilter{Offset: offset, Limit: limit + 1}

	q := r.URL.Query()
	if v := q.Get("action_type"); v != "" {
		at, err := model.ParseActionType(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		f.ActionType = &at
	}
	if v := q.Get("status"); v != "" {
		st, err := model.ParseActionStatus(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		f.Status = &st
	}
	if v := q.Get("resource_type"); v != "" {
		f.ResourceType = &v
	}

	logs, err := h.records.ListActionLogs(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.ActionLogSummary{}
	}
	hasMore := len(logs) > limit
	if hasMore {
		logs = logs[:limit]
	}
	writeList(w, r, logs, hasMore, limit, offset)
}

// HandleGetActionLog handles GET /logs/{log_id}.
func (h *Handlers) HandleGetActionLog(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("log_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid log_id")
		return
	}
	rec, err := h.records.GetActionLog(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "action log not found")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleGetAudit handles GET /audit/{chat_id}.
func (h *Handlers) HandleGetAudit(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(r.PathValue("chat_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid chat_id")
		return
	}
	rec, err := h.records.GetAudit(r.Context(), chatID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "audit record not found")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleAuditFeedback handles POST /audit/{chat_id}/feedback. The change is
// appended to the action log as an update against the audit resource.
func (h *Handlers) HandleAuditFeedback(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(r.PathValue("chat_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid chat_id")
		return
	}
	var req model.FeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Feedback) == "" || len(req.Feedback) > model.MaxFeedbackLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("feedback must be 1 to %d bytes", model.MaxFeedbackLen))
		return
	}

	start := time.Now()
	err = h.records.SetAuditFeedback(r.Context(), chatID, req.Feedback)
	rec := model.ActionLogRecord{
		ActionType:   model.ActionUpdate,
		ResourceType: model.ResourceAudit,
		ResourceID:   model.Ptr(chatID.String()),
		RequestData:  model.MustJSON(req),
		Status:       model.StatusSuccess,
		LatencyMS:    model.Ptr(time.Since(start).Milliseconds()),
	}
	if err != nil {
		rec.Status = model.StatusFailed
		rec.ErrorMessage = model.Ptr(err.Error())
	}
	h.actions.RecordAction(r.Context(), rec)

	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "audit record not found")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"chat_id": chatID, "feedback": req.Feedback})
}
