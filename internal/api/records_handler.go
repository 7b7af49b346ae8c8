package api

import (
	"context"
	"net/http"

	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/thread"
)

// ThreadService is the part of the thread service exposed over HTTP.
type ThreadService interface {
	CreateRecord(ctx context.Context, actor models.Actor, model string, values map[string]any, opts thread.CreateOptions) (*models.Record, error)
	UpdateRecord(ctx context.Context, actor models.Actor, model string, id int64, values map[string]any) (*models.Record, error)
	DeleteRecord(ctx context.Context, actor models.Actor, model string, id int64) error

	ListMessages(ctx context.Context, actor models.Actor, model string, id int64) ([]*models.Message, error)
	Post(ctx context.Context, actor models.Actor, params thread.PostParams) (*models.Message, error)
	Notify(ctx context.Context, actor models.Actor, params thread.NotifyParams) (*models.Message, error)

	Followers(ctx context.Context, actor models.Actor, model string, id int64) ([]models.Follower, error)
	Subscribe(ctx context.Context, actor models.Actor, model string, id int64, partnerIDs []int64, subtypes []string) error
	Unsubscribe(ctx context.Context, actor models.Actor, model string, id int64, partnerIDs []int64) error

	UpdateBody(ctx context.Context, actor models.Actor, messageID int64, body string) (*models.Message, error)
	DeliveryStatus(ctx context.Context, actor models.Actor, messageID int64) (*models.DeliverySummary, error)
	Resend(ctx context.Context, actor models.Actor, messageID int64) (*models.Message, error)
	MarkRead(ctx context.Context, actor models.Actor, messageIDs []int64) ([]int64, error)
	Attachment(ctx context.Context, actor models.Actor, id int64) (*models.Attachment, error)
}

// RecordsHandler serves records with their threads and followers under
// /api/v1/records/{model}.
type RecordsHandler struct {
	service ThreadService
}

// NewRecordsHandler creates a new RecordsHandler instance.
func NewRecordsHandler(service ThreadService) *RecordsHandler {
	return &RecordsHandler{service: service}
}

type recordRequest struct {
	Values map[string]any `json:"values"`
}

// CreateRecord handles POST /api/v1/records/{model}.
func (h *RecordsHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req recordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	record, err := h.service.CreateRecord(r.Context(), actor, r.PathValue("model"), req.Values, thread.CreateOptions{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// UpdateRecord handles PATCH /api/v1/records/{model}/{id}.
func (h *RecordsHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req recordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	record, err := h.service.UpdateRecord(r.Context(), actor, r.PathValue("model"), id, req.Values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// DeleteRecord handles DELETE /api/v1/records/{model}/{id}.
func (h *RecordsHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteRecord(r.Context(), actor, r.PathValue("model"), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages handles GET /api/v1/records/{model}/{id}/messages.
func (h *RecordsHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	messages, err := h.service.ListMessages(r.Context(), actor, r.PathValue("model"), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

type postRequest struct {
	Subject     string  `json:"subject"`
	Body        string  `json:"body"`
	MessageType string  `json:"message_type"`
	Subtype     string  `json:"subtype"`
	IsInternal  bool    `json:"is_internal"`
	ParentID    *int64  `json:"parent_id"`
	PartnerIDs  []int64 `json:"partner_ids"`
	// Notify sends a user notification to PartnerIDs only.
	Notify bool `json:"notify"`
}

// PostMessage handles POST /api/v1/records/{model}/{id}/messages.
func (h *RecordsHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req postRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	model := r.PathValue("model")

	var msg *models.Message
	var err error
	if req.Notify {
		if len(req.PartnerIDs) == 0 {
			http.Error(w, "partner_ids is required for notifications", http.StatusBadRequest)
			return
		}
		msg, err = h.service.Notify(r.Context(), actor, thread.NotifyParams{
			Model:      model,
			ResID:      id,
			Subject:    req.Subject,
			Body:       req.Body,
			PartnerIDs: req.PartnerIDs,
		})
	} else {
		messageType := models.MessageType(req.MessageType)
		switch messageType {
		case "", models.MessageTypeComment, models.MessageTypeEmail:
		default:
			http.Error(w, "message_type must be comment or email", http.StatusBadRequest)
			return
		}
		msg, err = h.service.Post(r.Context(), actor, thread.PostParams{
			Model:       model,
			ResID:       id,
			ParentID:    req.ParentID,
			Subject:     req.Subject,
			Body:        req.Body,
			MessageType: messageType,
			Subtype:     req.Subtype,
			IsInternal:  req.IsInternal,
			PartnerIDs:  req.PartnerIDs,
		})
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type followersRequest struct {
	PartnerIDs []int64  `json:"partner_ids"`
	Subtypes   []string `json:"subtypes"`
}

// Followers handles GET /api/v1/records/{model}/{id}/followers.
func (h *RecordsHandler) Followers(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	followers, err := h.service.Followers(r.Context(), actor, r.PathValue("model"), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if followers == nil {
		followers = []models.Follower{}
	}
	writeJSON(w, http.StatusOK, followers)
}

// Subscribe handles POST /api/v1/records/{model}/{id}/followers. Without
// partner_ids the actor subscribes themselves.
func (h *RecordsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req followersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.PartnerIDs) == 0 {
		req.PartnerIDs = []int64{actor.PartnerID}
	}

	if err := h.service.Subscribe(r.Context(), actor, r.PathValue("model"), id, req.PartnerIDs, req.Subtypes); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unsubscribe handles DELETE /api/v1/records/{model}/{id}/followers.
func (h *RecordsHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req followersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.PartnerIDs) == 0 {
		req.PartnerIDs = []int64{actor.PartnerID}
	}

	if err := h.service.Unsubscribe(r.Context(), actor, r.PathValue("model"), id, req.PartnerIDs); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
