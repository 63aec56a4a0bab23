package agency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested account does not hold a quota.
var ErrNotFound = errors.New("agency: not found")

// Repository reads and adjusts quota-holding accounts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const profileSelect = `
		SELECT u.id, u.full_name, u.email, u.role, u.max_listings, u.used_listings,
		       (SELECT COUNT(*) FROM users a WHERE a.real_estate_admin_id = u.id),
		       u.created_at
		FROM users u
		WHERE u.real_estate_admin_id IS NULL AND u.role <> 'system_admin'`

// GetByID fetches a quota holder by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	profile, err := scanProfile(r.pool.QueryRow(ctx, profileSelect+` AND u.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("agency: query by id: %w", err)
	}

	return profile, nil
}

// List fetches up to limit quota holders ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, profileSelect+` ORDER BY u.full_name ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("agency: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("agency: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agency: iterate profiles: %w", err)
	}

	return profiles, nil
}

// SetMaxListings overwrites the quota ceiling. Usage is left as it is.
func (r *Repository) SetMaxListings(ctx context.Context, id string, max int) error {
	const query = `
		UPDATE users SET max_listings = $2, updated_at = now()
		WHERE id = $1 AND real_estate_admin_id IS NULL AND role <> 'system_admin'
	`
	tag, err := r.pool.Exec(ctx, query, id, max)
	if err != nil {
		return fmt.Errorf("agency: set max listings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ManagingAdminID returns the real-estate admin the agent works for, or "" for an
// independent agent.
func (r *Repository) ManagingAdminID(ctx context.Context, agentID string) (string, error) {
	var adminID *string
	err := r.pool.QueryRow(ctx, `SELECT real_estate_admin_id FROM users WHERE id = $1`, agentID).Scan(&adminID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("agency: managing admin: %w", err)
	}
	if adminID == nil {
		return "", nil
	}
	return *adminID, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var profile Profile
	err := row.Scan(
		&profile.ID,
		&profile.Name,
		&profile.Email,
		&profile.Role,
		&profile.MaxListings,
		&profile.UsedListings,
		&profile.AgentCount,
		&profile.CreatedAt,
	)
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}
