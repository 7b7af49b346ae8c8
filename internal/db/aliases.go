package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/threadmail/internal/models"
)

// ErrAliasNotFound is returned when a requested alias cannot be found.
var ErrAliasNotFound = errors.New("alias not found")

const aliasColumns = `id, name, model, force_thread_id, defaults, contact_policy, parent_model, parent_thread_id, user_id`

func scanAlias(row pgx.Row) (*models.Alias, error) {
	var a models.Alias
	var policy string
	if err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Model,
		&a.ForceThreadID,
		&a.Defaults,
		&policy,
		&a.ParentModel,
		&a.ParentThreadID,
		&a.UserID,
	); err != nil {
		return nil, err
	}
	a.ContactPolicy = models.ContactPolicy(policy)
	return &a, nil
}

// CreateAlias inserts an alias. Names are stored lower-cased.
func (s *Store) CreateAlias(ctx context.Context, alias *models.Alias) error {
	if alias.Defaults == nil {
		alias.Defaults = map[string]any{}
	}
	if alias.ContactPolicy == "" {
		alias.ContactPolicy = models.ContactEveryone
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO aliases (name, model, force_thread_id, defaults, contact_policy, parent_model, parent_thread_id, user_id)
		VALUES (lower($1), $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		alias.Name,
		alias.Model,
		alias.ForceThreadID,
		alias.Defaults,
		string(alias.ContactPolicy),
		alias.ParentModel,
		alias.ParentThreadID,
		alias.UserID,
	).Scan(&alias.ID)
	if err != nil {
		return fmt.Errorf("failed to create alias: %w", err)
	}
	return nil
}

// GetAliasByName returns the alias with the given local part.
func (s *Store) GetAliasByName(ctx context.Context, name string) (*models.Alias, error) {
	a, err := scanAlias(s.q.QueryRow(ctx, `SELECT `+aliasColumns+` FROM aliases WHERE name = lower($1)`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAliasNotFound
		}
		return nil, fmt.Errorf("failed to get alias: %w", err)
	}
	return a, nil
}

// FindAliasesByNames returns the aliases matching any of the local parts, ordered by id.
func (s *Store) FindAliasesByNames(ctx context.Context, names []string) ([]models.Alias, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx, `SELECT `+aliasColumns+` FROM aliases WHERE name = ANY($1) ORDER BY id`, names)
	if err != nil {
		return nil, fmt.Errorf("failed to find aliases: %w", err)
	}
	defer rows.Close()

	var aliases []models.Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		aliases = append(aliases, *a)
	}
	return aliases, rows.Err()
}
