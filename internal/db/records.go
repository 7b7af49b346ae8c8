package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/models"
)

// ErrRecordNotFound is returned when a requested record cannot be found.
var ErrRecordNotFound = errors.New("record not found")

const recordColumns = `id, model, name, field_values, email_normalized, message_bounce, created_by, created_at, updated_at`

func scanRecord(row pgx.Row) (*models.Record, error) {
	var r models.Record
	if err := row.Scan(
		&r.ID,
		&r.Model,
		&r.Name,
		&r.Values,
		&r.EmailNormalized,
		&r.MessageBounce,
		&r.CreatedBy,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if r.Values == nil {
		r.Values = map[string]any{}
	}
	return &r, nil
}

// CreateRecord inserts a record and populates its id and timestamps.
func (s *Store) CreateRecord(ctx context.Context, record *models.Record) error {
	if record.Values == nil {
		record.Values = map[string]any{}
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO records (model, name, field_values, email_normalized, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`,
		record.Model,
		record.Name,
		record.Values,
		mailparse.NormalizeEmail(record.EmailNormalized),
		record.CreatedBy,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

// GetRecord returns a record of the given type.
func (s *Store) GetRecord(ctx context.Context, model string, id int64) (*models.Record, error) {
	r, err := scanRecord(s.q.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM records WHERE model = $1 AND id = $2
	`, model, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return r, nil
}

// RecordExists reports whether a record of the given type exists.
func (s *Store) RecordExists(ctx context.Context, model string, id int64) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM records WHERE model = $1 AND id = $2)
	`, model, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check record: %w", err)
	}
	return exists, nil
}

// UpdateRecord writes the name, values and email of a record.
func (s *Store) UpdateRecord(ctx context.Context, record *models.Record) error {
	err := s.q.QueryRow(ctx, `
		UPDATE records
		SET name = $3, field_values = $4, email_normalized = $5, updated_at = now()
		WHERE model = $1 AND id = $2
		RETURNING updated_at
	`,
		record.Model,
		record.ID,
		record.Name,
		record.Values,
		mailparse.NormalizeEmail(record.EmailNormalized),
	).Scan(&record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

// DeleteRecord removes a record together with its followers and messages.
// Notifications, attachments and tracking values go with the messages.
func (s *Store) DeleteRecord(ctx context.Context, model string, id int64) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM followers WHERE model = $1 AND res_id = $2`, model, id); err != nil {
		return fmt.Errorf("failed to delete followers: %w", err)
	}
	if _, err := s.q.Exec(ctx, `DELETE FROM messages WHERE model = $1 AND res_id = $2`, model, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	tag, err := s.q.Exec(ctx, `DELETE FROM records WHERE model = $1 AND id = $2`, model, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// IncrementRecordBounce bumps the bounce counter of every record whose
// normalized email matches.
func (s *Store) IncrementRecordBounce(ctx context.Context, email string) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE records SET message_bounce = message_bounce + 1
		WHERE email_normalized = $1
	`, mailparse.NormalizeEmail(email))
	if err != nil {
		return 0, fmt.Errorf("failed to increment record bounce: %w", err)
	}
	return tag.RowsAffected(), nil
}
