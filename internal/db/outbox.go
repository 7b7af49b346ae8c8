package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/threadmail/internal/models"
)

// ErrOutboundMailNotFound is returned when an outbound mail does not exist,
// is no longer outgoing, or is locked by another worker.
var ErrOutboundMailNotFound = errors.New("outbound mail not found")

const outboundColumns = `
	o.id,
	o.message_id,
	o.email_from,
	o.email_to,
	o.email_cc,
	o.reply_to,
	o.subject,
	o.body_html,
	o.message_id_header,
	o.references_header,
	o.headers,
	o.state,
	o.failure_reason,
	COALESCE((SELECT array_agg(n.partner_id ORDER BY n.partner_id) FROM notifications n WHERE n.mail_id = o.id), '{}'),
	o.created_at,
	o.sent_at`

func scanOutboundMail(row pgx.Row) (*models.OutboundMail, error) {
	var m models.OutboundMail
	var state string
	if err := row.Scan(
		&m.ID,
		&m.MessageID,
		&m.EmailFrom,
		&m.EmailTo,
		&m.EmailCC,
		&m.ReplyTo,
		&m.Subject,
		&m.BodyHTML,
		&m.MessageIDHeader,
		&m.References,
		&m.Headers,
		&state,
		&m.FailureReason,
		&m.RecipientIDs,
		&m.CreatedAt,
		&m.SentAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOutboundMailNotFound
		}
		return nil, fmt.Errorf("failed to get outbound mail: %w", err)
	}
	m.State = models.OutboundState(state)
	return &m, nil
}

// CreateOutboundMail queues a mail in the outbox.
func (s *Store) CreateOutboundMail(ctx context.Context, mail *models.OutboundMail) error {
	if mail.State == "" {
		mail.State = models.OutboundOutgoing
	}
	if mail.Headers == nil {
		mail.Headers = map[string]string{}
	}
	if mail.EmailTo == nil {
		mail.EmailTo = []string{}
	}
	if mail.EmailCC == nil {
		mail.EmailCC = []string{}
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO mail_outbox (
			message_id,
			email_from,
			email_to,
			email_cc,
			reply_to,
			subject,
			body_html,
			message_id_header,
			references_header,
			headers,
			state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`,
		mail.MessageID,
		mail.EmailFrom,
		mail.EmailTo,
		mail.EmailCC,
		mail.ReplyTo,
		mail.Subject,
		mail.BodyHTML,
		mail.MessageIDHeader,
		mail.References,
		mail.Headers,
		string(mail.State),
	).Scan(&mail.ID, &mail.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to queue outbound mail: %w", err)
	}
	return nil
}

// GetOutboundMail returns an outbox row.
func (s *Store) GetOutboundMail(ctx context.Context, id int64) (*models.OutboundMail, error) {
	return scanOutboundMail(s.q.QueryRow(ctx, `SELECT `+outboundColumns+` FROM mail_outbox o WHERE o.id = $1`, id))
}

// ListOutgoingMailIDs returns up to limit outgoing mail ids, oldest first.
func (s *Store) ListOutgoingMailIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id FROM mail_outbox WHERE state = 'outgoing' ORDER BY id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outgoing mail: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan mail id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LockOutgoingMail claims an outgoing mail for the current transaction.
// Rows locked by another worker are skipped and reported as not found.
func (s *Store) LockOutgoingMail(ctx context.Context, id int64) (*models.OutboundMail, error) {
	return scanOutboundMail(s.q.QueryRow(ctx, `
		SELECT `+outboundColumns+`
		FROM mail_outbox o
		WHERE o.id = $1 AND o.state = 'outgoing'
		FOR UPDATE SKIP LOCKED
	`, id))
}

// SetOutboundMailState records the outcome of a send attempt.
func (s *Store) SetOutboundMailState(ctx context.Context, id int64, state models.OutboundState, reason string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE mail_outbox
		SET state = $2,
			failure_reason = $3,
			sent_at = CASE WHEN $2 = 'sent' THEN now() ELSE sent_at END
		WHERE id = $1
	`, id, string(state), reason)
	if err != nil {
		return fmt.Errorf("failed to update outbound mail: %w", err)
	}
	return nil
}
