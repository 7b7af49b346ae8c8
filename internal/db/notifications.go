package db

import (
	"context"
	"fmt"
	"time"

	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/models"
)

func statusStrings(statuses []models.NotificationStatus) []string {
	result := make([]string, len(statuses))
	for i, s := range statuses {
		result[i] = string(s)
	}
	return result
}

// CreateNotifications inserts delivery records and populates their ids. With
// checkExisting, a record for the same message, partner and channel is reset
// in place instead of failing on the uniqueness constraint.
func (s *Store) CreateNotifications(ctx context.Context, notifications []*models.Notification, checkExisting bool) error {
	query := `
		INSERT INTO notifications (message_id, partner_id, channel, status, is_read, mail_id, failure_type, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	if checkExisting {
		query = `
		INSERT INTO notifications (message_id, partner_id, channel, status, is_read, mail_id, failure_type, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id, partner_id, channel) DO UPDATE SET
			status = EXCLUDED.status,
			is_read = EXCLUDED.is_read,
			mail_id = EXCLUDED.mail_id,
			failure_type = EXCLUDED.failure_type,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = now()
		RETURNING id, created_at, updated_at`
	}

	for _, n := range notifications {
		err := s.q.QueryRow(ctx, query,
			n.MessageID,
			n.PartnerID,
			string(n.Channel),
			string(n.Status),
			n.IsRead,
			n.MailID,
			n.FailureType,
			n.FailureReason,
		).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save notification: %w", err)
		}
	}
	return nil
}

// ListNotifications returns the delivery records of a message ordered by id.
func (s *Store) ListNotifications(ctx context.Context, messageID int64) ([]models.Notification, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, message_id, partner_id, channel, status, is_read, read_at, mail_id,
		       failure_type, failure_reason, created_at, updated_at
		FROM notifications
		WHERE message_id = $1
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		var channel, status string
		if err := rows.Scan(
			&n.ID,
			&n.MessageID,
			&n.PartnerID,
			&channel,
			&status,
			&n.IsRead,
			&n.ReadAt,
			&n.MailID,
			&n.FailureType,
			&n.FailureReason,
			&n.CreatedAt,
			&n.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Channel = models.NotificationChannel(channel)
		n.Status = models.NotificationStatus(status)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// NotifiedMessageIDs returns which of the messages the partner has a delivery record for.
func (s *Store) NotifiedMessageIDs(ctx context.Context, messageIDs []int64, partnerID int64) (map[int64]bool, error) {
	result := make(map[int64]bool)
	if len(messageIDs) == 0 {
		return result, nil
	}
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT message_id FROM notifications
		WHERE message_id = ANY($1) AND partner_id = $2
	`, messageIDs, partnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		result[id] = true
	}
	return result, rows.Err()
}

// AttachNotificationsToMail links delivery records to the outbound mail carrying them.
func (s *Store) AttachNotificationsToMail(ctx context.Context, notificationIDs []int64, mailID int64) error {
	_, err := s.q.Exec(ctx, `
		UPDATE notifications SET mail_id = $2, updated_at = now() WHERE id = ANY($1)
	`, notificationIDs, mailID)
	if err != nil {
		return fmt.Errorf("failed to attach notifications to mail: %w", err)
	}
	return nil
}

// SetNotificationsStatus moves delivery records to status. Rows whose current
// status does not allow the transition are left untouched.
func (s *Store) SetNotificationsStatus(ctx context.Context, ids []int64, status models.NotificationStatus, failureType, reason string) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE notifications
		SET status = $2, failure_type = $3, failure_reason = $4, updated_at = now()
		WHERE id = ANY($1) AND status = ANY($5)
	`, ids, string(status), failureType, reason, statusStrings(models.PriorStatuses(status)))
	if err != nil {
		return 0, fmt.Errorf("failed to update notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetMailNotificationsStatus moves the delivery records carried by an
// outbound mail to status, with the same transition rules.
func (s *Store) SetMailNotificationsStatus(ctx context.Context, mailID int64, status models.NotificationStatus, failureType, reason string) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE notifications
		SET status = $2, failure_type = $3, failure_reason = $4, updated_at = now()
		WHERE mail_id = $1 AND status = ANY($5)
	`, mailID, string(status), failureType, reason, statusStrings(models.PriorStatuses(status)))
	if err != nil {
		return 0, fmt.Errorf("failed to update mail notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetMailRecipientStatus moves the delivery records of one outbound mail whose
// partner has the given address. Rows in a status that cannot transition are left alone.
func (s *Store) SetMailRecipientStatus(ctx context.Context, mailID int64, email string, status models.NotificationStatus, failureType, reason string) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE notifications n
		SET status = $3, failure_type = $4, failure_reason = $5, updated_at = now()
		FROM partners p
		WHERE n.partner_id = p.id
		  AND n.mail_id = $1
		  AND p.email_normalized = $2
		  AND n.status = ANY($6)
	`, mailID, mailparse.NormalizeEmail(email), string(status), failureType, reason,
		statusStrings(models.PriorStatuses(status)))
	if err != nil {
		return 0, fmt.Errorf("failed to update recipient notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkNotificationsBounced marks the pending or sent email delivery records of
// partners with the given address as bounced. A non-zero mailID restricts the
// update to one outbound mail.
func (s *Store) MarkNotificationsBounced(ctx context.Context, email string, mailID int64, reason string) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE notifications n
		SET status = 'bounced', failure_type = $3, failure_reason = $4, updated_at = now()
		FROM partners p
		WHERE n.partner_id = p.id
		  AND p.email_normalized = $1
		  AND n.channel = 'email'
		  AND n.status = ANY($5)
		  AND ($2 = 0 OR n.mail_id = $2)
	`, mailparse.NormalizeEmail(email), mailID, models.FailureBounce, reason,
		statusStrings(models.PriorStatuses(models.StatusBounced)))
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications bounced: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkNotificationsRead flags the inbox delivery records of a partner as read
// and returns the ids of the messages that changed.
func (s *Store) MarkNotificationsRead(ctx context.Context, partnerID int64, messageIDs []int64) ([]int64, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE notifications
		SET is_read = TRUE, read_at = now(), updated_at = now()
		WHERE partner_id = $1 AND message_id = ANY($2) AND channel = 'inbox' AND NOT is_read
		RETURNING message_id
	`, partnerID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	defer rows.Close()

	var changed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		changed = append(changed, id)
	}
	return changed, rows.Err()
}

// CountUnread returns the number of unread inbox delivery records of a partner,
// the counter pushed to live sessions.
func (s *Store) CountUnread(ctx context.Context, partnerID int64) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE partner_id = $1 AND channel = 'inbox' AND NOT is_read AND status <> 'canceled'
	`, partnerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// GetDeliverySummary aggregates the delivery records of a message.
func (s *Store) GetDeliverySummary(ctx context.Context, messageID int64) (*models.DeliverySummary, error) {
	rows, err := s.q.Query(ctx, `
		SELECT n.partner_id, p.name, n.channel, n.status, n.is_read, n.failure_type, n.failure_reason
		FROM notifications n
		JOIN partners p ON p.id = n.partner_id
		WHERE n.message_id = $1
		ORDER BY n.id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery summary: %w", err)
	}
	defer rows.Close()

	summary := &models.DeliverySummary{MessageID: messageID, Recipients: []models.DeliveryRecipient{}}
	for rows.Next() {
		var r models.DeliveryRecipient
		var channel, status string
		if err := rows.Scan(&r.PartnerID, &r.PartnerName, &channel, &status, &r.IsRead, &r.FailureType, &r.FailureReason); err != nil {
			return nil, fmt.Errorf("failed to scan delivery recipient: %w", err)
		}
		r.Channel = models.NotificationChannel(channel)
		r.Status = models.NotificationStatus(status)

		summary.Total++
		if r.Channel == models.ChannelInbox && !r.IsRead {
			summary.Unread++
		}
		if r.Status == models.StatusFailed || r.Status == models.StatusBounced {
			summary.Errors++
		}
		summary.Recipients = append(summary.Recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery recipients: %w", err)
	}
	return summary, nil
}

// DeleteReadNotifications garbage-collects read, sent inbox records created
// before the cutoff. Failed and bounced records are kept for audit.
func (s *Store) DeleteReadNotifications(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM notifications
		WHERE is_read AND channel = 'inbox' AND status = 'sent' AND created_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
