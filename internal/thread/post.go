package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vdavid/threadmail/internal/access"
	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/dispatch"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/models"
	"go.uber.org/zap"
)

// PostParams describes a new thread entry.
type PostParams struct {
	Model    string
	ResID    int64
	ParentID *int64
	Subject  string
	Body     string
	// MessageType defaults to comment.
	MessageType models.MessageType
	// Subtype is a subtype name. Internal comments default to the note
	// subtype, everything else to the record type's default.
	Subtype    string
	IsInternal bool
	PartnerIDs []int64
	// AuthorID overrides the actor's partner as author.
	AuthorID  *int64
	EmailFrom string
	ReplyTo   string
	// MessageID is generated when empty.
	MessageID      string
	Attachments    []mailparse.Attachment
	TrackingValues []models.TrackingValue

	NotifyAuthor bool
	Bulk         bool
}

// Post creates a thread entry and notifies its recipients.
func (s *Service) Post(ctx context.Context, actor models.Actor, params PostParams) (*models.Message, error) {
	var msg *models.Message
	pending := &afterCommit{}
	err := s.inTx(ctx, func(store Store) error {
		var err error
		msg, err = s.post(ctx, store, actor, params, true, pending)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pending)
	return msg, nil
}

// NotifyParams describes a direct notification.
type NotifyParams struct {
	Model      string
	ResID      int64
	Subject    string
	Body       string
	PartnerIDs []int64
}

// Notify sends a user notification to explicit partners. Followers are not
// notified and the entry does not count as part of the thread.
func (s *Service) Notify(ctx context.Context, actor models.Actor, params NotifyParams) (*models.Message, error) {
	if len(params.PartnerIDs) == 0 {
		return nil, errors.New("notify needs at least one partner")
	}
	return s.Post(ctx, actor, PostParams{
		Model:       params.Model,
		ResID:       params.ResID,
		Subject:     params.Subject,
		Body:        params.Body,
		MessageType: models.MessageTypeUserNotification,
		PartnerIDs:  params.PartnerIDs,
	})
}

// post stores an entry and dispatches it with the given transaction-bound store.
func (s *Service) post(ctx context.Context, store Store, actor models.Actor, params PostParams, checkAccess bool, pending *afterCommit) (*models.Message, error) {
	msg := &models.Message{
		Model:       params.Model,
		ResID:       params.ResID,
		MessageType: params.MessageType,
		Subject:     params.Subject,
		Body:        params.Body,
		EmailFrom:   params.EmailFrom,
		ReplyTo:     params.ReplyTo,
		MessageID:   params.MessageID,
		PartnerIDs:  params.PartnerIDs,
		IsInternal:  params.IsInternal,
		AuthorID:    params.AuthorID,
	}
	if msg.MessageType == "" {
		msg.MessageType = models.MessageTypeComment
	}
	if msg.AuthorID == nil && actor.PartnerID != 0 {
		msg.AuthorID = &actor.PartnerID
	}

	if msg.Model != "" {
		if _, err := s.recordType(msg.Model); err != nil {
			return nil, err
		}
		exists, err := store.RecordExists(ctx, msg.Model, msg.ResID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, db.ErrRecordNotFound
		}
	}

	if err := s.resolveSubtype(ctx, store, msg, params.Subtype); err != nil {
		return nil, err
	}

	parentID, err := normalizeParent(ctx, store, msg, params.ParentID)
	if err != nil {
		return nil, err
	}
	msg.ParentID = parentID

	if checkAccess {
		if err := s.access.Check(ctx, store, actor, []*models.Message{msg}, access.OpCreate); err != nil {
			return nil, err
		}
	}

	if msg.MessageID == "" {
		msg.MessageID = mailparse.GenerateMessageID(mailparse.ThreadContext(msg.Model, msg.ResID), s.cfg.Domain)
	}
	if msg.EmailFrom == "" && msg.AuthorID != nil {
		partner, err := store.GetPartner(ctx, *msg.AuthorID)
		if err != nil && !errors.Is(err, db.ErrPartnerNotFound) {
			return nil, err
		}
		if partner != nil && partner.Email != "" {
			msg.EmailFrom = mailparse.FormatAddress(partner.Name, partner.Email)
		}
	}

	for _, a := range params.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Filename:  a.Filename,
			MimeType:  a.ContentType,
			IsInline:  a.ContentID != "",
			ContentID: a.ContentID,
			Content:   a.Content,
		})
	}

	if err := store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	if body := s.rewriteInlineImages(msg.Body, msg.Attachments); body != msg.Body {
		if err := store.UpdateMessageBody(ctx, msg.ID, body); err != nil {
			return nil, err
		}
		msg.Body = body
	}

	if len(params.TrackingValues) > 0 {
		if err := store.CreateTrackingValues(ctx, msg.ID, params.TrackingValues); err != nil {
			return nil, err
		}
		msg.TrackingValues = params.TrackingValues
	}

	result, err := s.dispatcher.Dispatch(ctx, store, msg, dispatch.Options{
		NotifyAuthor: params.NotifyAuthor,
		Bulk:         params.Bulk,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch message %d: %w", msg.ID, err)
	}
	pending.add(result)

	logger.Log.Info("message_posted",
		zap.Int64("message_id", msg.ID),
		zap.String("model", msg.Model),
		zap.Int64("res_id", msg.ResID),
		zap.String("message_type", string(msg.MessageType)),
		zap.Int("notifications", len(result.Notifications)))
	return msg, nil
}

// resolveSubtype sets the subtype of msg and marks it internal when the
// subtype is.
func (s *Service) resolveSubtype(ctx context.Context, store Store, msg *models.Message, name string) error {
	if name == "" {
		switch {
		case msg.MessageType == models.MessageTypeUserNotification:
			return nil
		case msg.MessageType == models.MessageTypeComment && msg.IsInternal:
			name = models.SubtypeNote
		default:
			name = models.SubtypeDiscussion
			if rt, ok := s.registry.Get(msg.Model); ok {
				name = rt.DefaultSubtype()
			}
		}
	}
	st, err := store.GetSubtypeByName(ctx, name)
	if err != nil {
		if errors.Is(err, db.ErrSubtypeNotFound) {
			return fmt.Errorf("subtype %q: %w", name, err)
		}
		return err
	}
	msg.SubtypeID = &st.ID
	if st.Internal {
		msg.IsInternal = true
	}
	return nil
}

// normalizeParent keeps a parent only when it belongs to the same record.
func normalizeParent(ctx context.Context, store Store, msg *models.Message, parentID *int64) (*int64, error) {
	if parentID == nil {
		return nil, nil
	}
	parent, err := store.GetMessage(ctx, *parentID)
	if err != nil {
		if errors.Is(err, db.ErrMessageNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if parent.Model != msg.Model || parent.ResID != msg.ResID {
		logger.Log.Info("parent_dropped",
			zap.Int64("parent_id", parent.ID),
			zap.String("model", msg.Model),
			zap.Int64("res_id", msg.ResID))
		return nil, nil
	}
	return &parent.ID, nil
}

// rewriteInlineImages points cid: references at the stored attachments.
func (s *Service) rewriteInlineImages(body string, attachments []models.Attachment) string {
	for _, a := range attachments {
		if a.ContentID == "" {
			continue
		}
		url := fmt.Sprintf(s.cfg.AttachmentURL, a.ID)
		body = strings.ReplaceAll(body, "cid:"+a.ContentID, url)
	}
	return body
}
