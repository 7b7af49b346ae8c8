package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/models"
)

var (
	// ErrPartnerNotFound is returned when a requested partner cannot be found.
	ErrPartnerNotFound = errors.New("partner not found")
	// ErrUserNotFound is returned when a requested user cannot be found.
	ErrUserNotFound = errors.New("user not found")
)

const partnerColumns = `id, name, email, email_normalized, active, message_bounce`

func scanPartner(row pgx.Row) (*models.Partner, error) {
	var p models.Partner
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.EmailNormalized, &p.Active, &p.MessageBounce); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePartner inserts a new directory identity.
func (s *Store) CreatePartner(ctx context.Context, name, email string) (*models.Partner, error) {
	p, err := scanPartner(s.q.QueryRow(ctx, `
		INSERT INTO partners (name, email, email_normalized)
		VALUES ($1, $2, $3)
		RETURNING `+partnerColumns,
		name, email, mailparse.NormalizeEmail(email)))
	if err != nil {
		return nil, fmt.Errorf("failed to create partner: %w", err)
	}
	return p, nil
}

// GetPartner returns the partner with the given id.
func (s *Store) GetPartner(ctx context.Context, id int64) (*models.Partner, error) {
	p, err := scanPartner(s.q.QueryRow(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPartnerNotFound
		}
		return nil, fmt.Errorf("failed to get partner: %w", err)
	}
	return p, nil
}

// FindPartnersByEmail returns the active partners whose normalized email is one
// of emails. Results are ordered by id, so "first match" is stable.
func (s *Store) FindPartnersByEmail(ctx context.Context, emails []string) ([]models.Partner, error) {
	normalized := make([]string, 0, len(emails))
	for _, e := range emails {
		if n := mailparse.NormalizeEmail(e); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	rows, err := s.q.Query(ctx, `
		SELECT `+partnerColumns+`
		FROM partners
		WHERE email_normalized = ANY($1) AND active
		ORDER BY id
	`, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find partners: %w", err)
	}
	defer rows.Close()

	var partners []models.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partner: %w", err)
		}
		partners = append(partners, *p)
	}
	return partners, rows.Err()
}

// FindOrCreatePartners resolves each formatted address to a partner, in input
// order. Unknown addresses are created when create is set and skipped otherwise.
func (s *Store) FindOrCreatePartners(ctx context.Context, addresses []string, create bool) ([]models.Partner, error) {
	found, err := s.FindPartnersByEmail(ctx, addresses)
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]models.Partner, len(found))
	for _, p := range found {
		if _, ok := byEmail[p.EmailNormalized]; !ok {
			byEmail[p.EmailNormalized] = p
		}
	}

	var result []models.Partner
	seen := make(map[int64]bool)
	for _, address := range addresses {
		email := mailparse.NormalizeEmail(address)
		if email == "" {
			continue
		}
		p, ok := byEmail[email]
		if !ok {
			if !create {
				continue
			}
			name := mailparse.DisplayName(address)
			created, err := s.CreatePartner(ctx, name, email)
			if err != nil {
				return nil, err
			}
			p = *created
			byEmail[email] = p
		}
		if !seen[p.ID] {
			seen[p.ID] = true
			result = append(result, p)
		}
	}
	return result, nil
}

// IncrementPartnerBounce bumps the bounce counter of every partner with the
// given normalized email and returns how many were updated.
func (s *Store) IncrementPartnerBounce(ctx context.Context, email string) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE partners SET message_bounce = message_bounce + 1
		WHERE email_normalized = $1
	`, mailparse.NormalizeEmail(email))
	if err != nil {
		return 0, fmt.Errorf("failed to increment partner bounce: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetRecipients returns the partners with their user shape, ordered by partner id.
// When a partner has several users, the first active one by id is used.
func (s *Store) GetRecipients(ctx context.Context, partnerIDs []int64) ([]models.Recipient, error) {
	if len(partnerIDs) == 0 {
		return nil, nil
	}

	rows, err := s.q.Query(ctx, `
		SELECT p.id, p.name, p.email, p.active, u.id, COALESCE(u.share, FALSE), COALESCE(u.notification_type, '')
		FROM partners p
		LEFT JOIN LATERAL (
			SELECT id, share, notification_type
			FROM users
			WHERE partner_id = p.id AND active
			ORDER BY id
			LIMIT 1
		) u ON TRUE
		WHERE p.id = ANY($1)
		ORDER BY p.id
	`, partnerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var r models.Recipient
		var notificationType string
		if err := rows.Scan(&r.PartnerID, &r.Name, &r.Email, &r.Active, &r.UserID, &r.Share, &notificationType); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		r.NotificationType = models.NotificationType(notificationType)
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

const userColumns = `id, login, partner_id, share, superuser, notification_type, active`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var notificationType string
	if err := row.Scan(&u.ID, &u.Login, &u.PartnerID, &u.Share, &u.Superuser, &notificationType, &u.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.NotificationType = models.NotificationType(notificationType)
	return &u, nil
}

// CreateUser inserts a user bound to an existing partner.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.NotificationType == "" {
		user.NotificationType = models.NotifyInbox
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO users (login, partner_id, share, superuser, notification_type, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id
	`, user.Login, user.PartnerID, user.Share, user.Superuser, string(user.NotificationType)).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.Active = true
	return nil
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByLogin returns the active user with the given login.
func (s *Store) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	return scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE login = $1 AND active`, login))
}

// GetUserByPartner returns the first active user bound to a partner.
func (s *Store) GetUserByPartner(ctx context.Context, partnerID int64) (*models.User, error) {
	return scanUser(s.q.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE partner_id = $1 AND active
		ORDER BY id
		LIMIT 1
	`, partnerID))
}
