package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kotae/internal/model"
)

// HandleChat handles POST /chat. Answer fragments are streamed as SSE data
// events; the stream closes with a "done" or an "error" event.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	if len(req.Query) > model.MaxQueryLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is too long")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	stream := h.chat.Start(r.Context(), req.ConversationRequest())

	setSSEHeaders(w)
	w.Header().Set("X-Chat-ID", stream.ChatID().String())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	for frag, err := range stream.All() {
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			h.logger.WarnContext(r.Context(), "chat: stream failed",
				"chat_id", stream.ChatID(), "error", err)
			_, _ = w.Write(sseEvent("error", model.MustJSON(model.ErrorDetail{
				Code:    model.ErrorCode(err),
				Message: err.Error(),
			})))
			flusher.Flush()
			return
		}
		if _, werr := w.Write(sseData(frag)); werr != nil {
			// Client went away; returning stops the stream without logging.
			return
		}
		flusher.Flush()
	}

	if out, ok := stream.Outcome(); ok {
		_, _ = w.Write(sseEvent("done", model.MustJSON(out.Done())))
		flusher.Flush()
	}
}

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// sseData frames one fragment. Each line of a multi-line fragment gets its
// own data: field so the client reassembles the lines. SSE treats \r\n, \r
// and \n all as line ends, so every break arrives at the client as \n.
func sseData(frag string) []byte {
	var b strings.Builder
	for _, line := range strings.Split(lineBreaks.Replace(frag), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func sseEvent(event string, payload json.RawMessage) []byte {
	return formatSSE(event, string(payload))
}
