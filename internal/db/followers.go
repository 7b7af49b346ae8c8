package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/threadmail/internal/models"
)

// ErrSubtypeNotFound is returned when a requested subtype cannot be found.
var ErrSubtypeNotFound = errors.New("subtype not found")

const subtypeColumns = `id, name, description, internal, is_default, res_model`

func scanSubtype(row pgx.Row) (*models.Subtype, error) {
	var st models.Subtype
	if err := row.Scan(&st.ID, &st.Name, &st.Description, &st.Internal, &st.Default, &st.ResModel); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubtypeNotFound
		}
		return nil, fmt.Errorf("failed to get subtype: %w", err)
	}
	return &st, nil
}

// GetSubtype returns a subtype by id.
func (s *Store) GetSubtype(ctx context.Context, id int64) (*models.Subtype, error) {
	return scanSubtype(s.q.QueryRow(ctx, `SELECT `+subtypeColumns+` FROM subtypes WHERE id = $1`, id))
}

// GetSubtypeByName returns a subtype by name.
func (s *Store) GetSubtypeByName(ctx context.Context, name string) (*models.Subtype, error) {
	return scanSubtype(s.q.QueryRow(ctx, `SELECT `+subtypeColumns+` FROM subtypes WHERE name = $1`, name))
}

// ListDefaultSubtypes returns the default subtypes that apply to a record type:
// the global ones and those scoped to the model.
func (s *Store) ListDefaultSubtypes(ctx context.Context, model string) ([]models.Subtype, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+subtypeColumns+` FROM subtypes
		WHERE is_default AND (res_model = '' OR res_model = $1)
		ORDER BY id
	`, model)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtypes: %w", err)
	}
	defer rows.Close()

	var subtypes []models.Subtype
	for rows.Next() {
		st, err := scanSubtype(rows)
		if err != nil {
			return nil, err
		}
		subtypes = append(subtypes, *st)
	}
	return subtypes, rows.Err()
}

// EnsureSubtype creates or updates a subtype by name.
func (s *Store) EnsureSubtype(ctx context.Context, st *models.Subtype) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO subtypes (name, description, internal, is_default, res_model)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			internal = EXCLUDED.internal,
			is_default = EXCLUDED.is_default,
			res_model = EXCLUDED.res_model
		RETURNING id
	`, st.Name, st.Description, st.Internal, st.Default, st.ResModel).Scan(&st.ID)
	if err != nil {
		return fmt.Errorf("failed to save subtype: %w", err)
	}
	return nil
}

// GetFollowers returns the followers of a record ordered by partner id.
func (s *Store) GetFollowers(ctx context.Context, model string, resID int64) ([]models.Follower, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, model, res_id, partner_id, subtype_ids
		FROM followers
		WHERE model = $1 AND res_id = $2
		ORDER BY partner_id
	`, model, resID)
	if err != nil {
		return nil, fmt.Errorf("failed to get followers: %w", err)
	}
	defer rows.Close()

	var followers []models.Follower
	for rows.Next() {
		var f models.Follower
		if err := rows.Scan(&f.ID, &f.Model, &f.ResID, &f.PartnerID, &f.SubtypeIDs); err != nil {
			return nil, fmt.Errorf("failed to scan follower: %w", err)
		}
		followers = append(followers, f)
	}
	return followers, rows.Err()
}

// IsFollower reports whether a partner follows a record.
func (s *Store) IsFollower(ctx context.Context, model string, resID, partnerID int64) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM followers WHERE model = $1 AND res_id = $2 AND partner_id = $3)
	`, model, resID, partnerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check follower: %w", err)
	}
	return exists, nil
}

// UpsertFollower subscribes a partner to a record. An existing subscription
// gets its subtype set replaced.
func (s *Store) UpsertFollower(ctx context.Context, model string, resID, partnerID int64, subtypeIDs []int64) error {
	if subtypeIDs == nil {
		subtypeIDs = []int64{}
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO followers (model, res_id, partner_id, subtype_ids)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model, res_id, partner_id) DO UPDATE SET subtype_ids = EXCLUDED.subtype_ids
	`, model, resID, partnerID, subtypeIDs)
	if err != nil {
		return fmt.Errorf("failed to save follower: %w", err)
	}
	return nil
}

// RemoveFollowers unsubscribes partners from a record.
func (s *Store) RemoveFollowers(ctx context.Context, model string, resID int64, partnerIDs []int64) error {
	_, err := s.q.Exec(ctx, `
		DELETE FROM followers WHERE model = $1 AND res_id = $2 AND partner_id = ANY($3)
	`, model, resID, partnerIDs)
	if err != nil {
		return fmt.Errorf("failed to remove followers: %w", err)
	}
	return nil
}
