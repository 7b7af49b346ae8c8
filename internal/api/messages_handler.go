package api

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/vdavid/threadmail/internal/models"
)

// MessagesHandler serves single thread entries and their attachments.
type MessagesHandler struct {
	service ThreadService
}

// NewMessagesHandler creates a new MessagesHandler instance.
func NewMessagesHandler(service ThreadService) *MessagesHandler {
	return &MessagesHandler{service: service}
}

type bodyRequest struct {
	Body string `json:"body"`
}

// UpdateBody handles PATCH /api/v1/messages/{id}.
func (h *MessagesHandler) UpdateBody(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req bodyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := h.service.UpdateBody(r.Context(), actor, id, req.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// DeliveryStatus handles GET /api/v1/messages/{id}/delivery.
func (h *MessagesHandler) DeliveryStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	summary, err := h.service.DeliveryStatus(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if summary.Recipients == nil {
		summary.Recipients = []models.DeliveryRecipient{}
	}
	writeJSON(w, http.StatusOK, summary)
}

// Resend handles POST /api/v1/messages/{id}/resend.
func (h *MessagesHandler) Resend(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	msg, err := h.service.Resend(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type markReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

type markReadResponse struct {
	MessageIDs []int64 `json:"message_ids"`
}

// MarkRead handles POST /api/v1/messages/read.
func (h *MessagesHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.MessageIDs) == 0 {
		http.Error(w, "message_ids is required", http.StatusBadRequest)
		return
	}

	changed, err := h.service.MarkRead(r.Context(), actor, req.MessageIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if changed == nil {
		changed = []int64{}
	}
	writeJSON(w, http.StatusOK, markReadResponse{MessageIDs: changed})
}

// Attachment handles GET /api/v1/attachments/{id}. Inline parts are served
// inline so rewritten cid: images display.
func (h *MessagesHandler) Attachment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	att, err := h.service.Attachment(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	contentType := att.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := "attachment"
	if att.IsInline {
		disposition = "inline"
	}
	filename := att.Filename
	if filename == "" {
		filename = fmt.Sprintf("attachment-%d", att.ID)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(att.Content)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(att.Content)
}
