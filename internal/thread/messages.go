package thread

import (
	"context"
	"fmt"

	"github.com/vdavid/threadmail/internal/access"
	"github.com/vdavid/threadmail/internal/dispatch"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
	"go.uber.org/zap"
)

// ListMessages returns the thread of a record ordered by entry id. External
// actors do not see internal entries.
func (s *Service) ListMessages(ctx context.Context, actor models.Actor, model string, id int64) ([]*models.Message, error) {
	if err := s.access.RequireDocument(ctx, s.store, actor, model, id, registry.PermRead); err != nil {
		return nil, err
	}
	includeInternal := !actor.Share || actor.Superuser
	return s.store.ListMessages(ctx, model, id, includeInternal, actor.PartnerID)
}

// UpdateBody edits the body of an internal note.
func (s *Service) UpdateBody(ctx context.Context, actor models.Actor, messageID int64, body string) (*models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !msg.IsNote() {
		return nil, ErrNotEditable
	}
	if err := s.access.Check(ctx, s.store, actor, []*models.Message{msg}, access.OpWrite); err != nil {
		return nil, err
	}
	if err := s.store.UpdateMessageBody(ctx, messageID, body); err != nil {
		return nil, err
	}
	msg.Body = body
	return msg, nil
}

// Resend dispatches an existing entry again. Delivery records of recipients
// that were already notified are reset instead of duplicated.
func (s *Service) Resend(ctx context.Context, actor models.Actor, messageID int64) (*models.Message, error) {
	var msg *models.Message
	var notified int
	pending := &afterCommit{}
	err := s.inTx(ctx, func(store Store) error {
		var err error
		msg, err = store.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if err := s.access.Check(ctx, store, actor, []*models.Message{msg}, access.OpWrite); err != nil {
			return err
		}
		result, err := s.dispatcher.Dispatch(ctx, store, msg, dispatch.Options{CheckExisting: true})
		if err != nil {
			return fmt.Errorf("failed to dispatch message %d: %w", msg.ID, err)
		}
		pending.add(result)
		notified = len(result.Notifications)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pending)
	logger.Log.Info("message_resent", zap.Int64("message_id", msg.ID), zap.Int("notifications", notified))
	return msg, nil
}

// DeliveryStatus returns the delivery receipts of an entry.
func (s *Service) DeliveryStatus(ctx context.Context, actor models.Actor, messageID int64) (*models.DeliverySummary, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Check(ctx, s.store, actor, []*models.Message{msg}, access.OpRead); err != nil {
		return nil, err
	}
	return s.store.GetDeliverySummary(ctx, messageID)
}

// MarkRead marks the actor's inbox entries for the given messages as read and
// pushes the new unread counter. It returns the ids that changed.
func (s *Service) MarkRead(ctx context.Context, actor models.Actor, messageIDs []int64) ([]int64, error) {
	changed, err := s.store.MarkNotificationsRead(ctx, actor.PartnerID, messageIDs)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return changed, nil
	}
	unread, err := s.store.CountUnread(ctx, actor.PartnerID)
	if err != nil {
		return nil, err
	}
	if s.publisher != nil {
		s.publisher.Publish([]models.LiveEvent{{
			PartnerID: actor.PartnerID,
			Type:      models.EventMessageRead,
			Payload:   changed,
			Unread:    unread,
		}})
	}
	return changed, nil
}

// Attachment returns an attachment with its content, if the actor can read
// the entry it belongs to.
func (s *Service) Attachment(ctx context.Context, actor models.Actor, id int64) (*models.Attachment, error) {
	att, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, att.MessageID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Check(ctx, s.store, actor, []*models.Message{msg}, access.OpRead); err != nil {
		return nil, err
	}
	return att, nil
}
