package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/threadmail/internal/models"
)

var (
	// ErrMessageNotFound is returned when a requested message cannot be found.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateMessage is returned when a Message-Id is already stored for the same record.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrAttachmentNotFound is returned when a requested attachment cannot be found.
	ErrAttachmentNotFound = errors.New("attachment not found")
)

const messageColumns = `
	m.id,
	m.parent_id,
	m.model,
	m.res_id,
	m.author_id,
	m.email_from,
	m.message_type,
	m.subject,
	m.body,
	m.message_id,
	m.reply_to,
	m.subtype_id,
	m.is_internal,
	m.created_at,
	COALESCE((SELECT array_agg(r.partner_id ORDER BY r.partner_id) FROM message_recipients r WHERE r.message_id = m.id), '{}')`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var messageType string
	if err := row.Scan(
		&msg.ID,
		&msg.ParentID,
		&msg.Model,
		&msg.ResID,
		&msg.AuthorID,
		&msg.EmailFrom,
		&messageType,
		&msg.Subject,
		&msg.Body,
		&msg.MessageID,
		&msg.ReplyTo,
		&msg.SubtypeID,
		&msg.IsInternal,
		&msg.CreatedAt,
		&msg.PartnerIDs,
	); err != nil {
		return nil, err
	}
	msg.MessageType = models.MessageType(messageType)
	return &msg, nil
}

func collectMessages(rows pgx.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// CreateMessage inserts a message with its explicit recipients and attachments.
// It populates the ids of the message and of its attachments.
func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO messages (
			parent_id,
			model,
			res_id,
			author_id,
			email_from,
			message_type,
			subject,
			body,
			message_id,
			reply_to,
			subtype_id,
			is_internal
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`,
		msg.ParentID,
		msg.Model,
		msg.ResID,
		msg.AuthorID,
		msg.EmailFrom,
		string(msg.MessageType),
		msg.Subject,
		msg.Body,
		msg.MessageID,
		msg.ReplyTo,
		msg.SubtypeID,
		msg.IsInternal,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to create message: %w", err)
	}

	if len(msg.PartnerIDs) > 0 {
		_, err := s.q.Exec(ctx, `
			INSERT INTO message_recipients (message_id, partner_id)
			SELECT $1, unnest($2::BIGINT[])
			ON CONFLICT DO NOTHING
		`, msg.ID, msg.PartnerIDs)
		if err != nil {
			return fmt.Errorf("failed to save message recipients: %w", err)
		}
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		att.MessageID = msg.ID
		if att.SizeBytes == 0 {
			att.SizeBytes = int64(len(att.Content))
		}
		err := s.q.QueryRow(ctx, `
			INSERT INTO attachments (message_id, filename, mime_type, size_bytes, is_inline, content_id, content)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, att.MessageID, att.Filename, att.MimeType, att.SizeBytes, att.IsInline, att.ContentID, att.Content).Scan(&att.ID)
		if err != nil {
			return fmt.Errorf("failed to save attachment: %w", err)
		}
	}

	return nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	msg, err := scanMessage(s.q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// FindMessageByMessageID returns the oldest message carrying the given
// Message-Id header.
func (s *Store) FindMessageByMessageID(ctx context.Context, messageID string) (*models.Message, error) {
	msg, err := scanMessage(s.q.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.message_id = $1
		ORDER BY m.id
		LIMIT 1
	`, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the thread of a record ordered by id. When
// includeInternal is false, internal entries are left out unless viewerID
// authored them.
func (s *Store) ListMessages(ctx context.Context, model string, resID int64, includeInternal bool, viewerID int64) ([]*models.Message, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.model = $1 AND m.res_id = $2
		  AND ($3 OR NOT m.is_internal OR m.author_id = $4)
		ORDER BY m.id
	`, model, resID, includeInternal, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return collectMessages(rows)
}

// CountMessages counts the thread entries of a record. User notifications are
// not part of the thread count.
func (s *Store) CountMessages(ctx context.Context, model string, resID int64) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE model = $1 AND res_id = $2 AND message_type <> 'user_notification'
	`, model, resID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// UpdateMessageBody replaces the body of a message.
func (s *Store) UpdateMessageBody(ctx context.Context, id int64, body string) error {
	tag, err := s.q.Exec(ctx, `UPDATE messages SET body = $2 WHERE id = $1`, id, body)
	if err != nil {
		return fmt.Errorf("failed to update message body: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// GetAttachment returns an attachment with its content.
func (s *Store) GetAttachment(ctx context.Context, id int64) (*models.Attachment, error) {
	var att models.Attachment
	err := s.q.QueryRow(ctx, `
		SELECT id, message_id, filename, mime_type, size_bytes, is_inline, content_id, content
		FROM attachments WHERE id = $1
	`, id).Scan(&att.ID, &att.MessageID, &att.Filename, &att.MimeType, &att.SizeBytes, &att.IsInline, &att.ContentID, &att.Content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &att, nil
}

// CreateTrackingValues stores the field changes carried by a message.
func (s *Store) CreateTrackingValues(ctx context.Context, messageID int64, values []models.TrackingValue) error {
	for i := range values {
		v := &values[i]
		v.MessageID = messageID
		err := s.q.QueryRow(ctx, `
			INSERT INTO tracking_values (message_id, field, field_label, old_value, new_value)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, messageID, v.Field, v.FieldLabel, v.OldValue, v.NewValue).Scan(&v.ID)
		if err != nil {
			return fmt.Errorf("failed to save tracking value: %w", err)
		}
	}
	return nil
}

// GetTrackingValues returns the tracking values of a message.
func (s *Store) GetTrackingValues(ctx context.Context, messageID int64) ([]models.TrackingValue, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, message_id, field, field_label, old_value, new_value
		FROM tracking_values WHERE message_id = $1 ORDER BY id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tracking values: %w", err)
	}
	defer rows.Close()

	var values []models.TrackingValue
	for rows.Next() {
		var v models.TrackingValue
		if err := rows.Scan(&v.ID, &v.MessageID, &v.Field, &v.FieldLabel, &v.OldValue, &v.NewValue); err != nil {
			return nil, fmt.Errorf("failed to scan tracking value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
