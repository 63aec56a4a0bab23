package accesscode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound covers unknown, out-of-scope, inactive and expired codes alike.
	ErrNotFound = errors.New("accesscode: not found")
	// ErrActiveCodeExists signals a concurrent issuer won the one-active-code race.
	ErrActiveCodeExists = errors.New("accesscode: active code already exists for buyer")
)

const oneActiveConstraint = "buyer_codes_one_active_idx"

// Repository defines buyer code persistence.
type Repository interface {
	FindActiveForUpdate(ctx context.Context, tx pgx.Tx, listingID, buyerEmail string) (BuyerCode, error)
	Insert(ctx context.Context, tx pgx.Tx, code BuyerCode) (BuyerCode, bool, error)
	UpdateBuyerName(ctx context.Context, tx pgx.Tx, id, buyerName string, at time.Time) (BuyerCode, error)
	DeactivateByID(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	GetByCode(ctx context.Context, code string) (BuyerCode, error)
	ListByListing(ctx context.Context, listingID string) ([]BuyerCode, error)
	Deactivate(ctx context.Context, code string, at time.Time) (BuyerCode, error)
	MarkEmailSent(ctx context.Context, code string, at time.Time) error
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const codeColumns = `id, code, listing_id, buyer_email, buyer_name, is_active, expires_at, last_email_sent, created_at, updated_at`

func (r *PGRepository) FindActiveForUpdate(ctx context.Context, tx pgx.Tx, listingID, buyerEmail string) (BuyerCode, error) {
	query := `SELECT ` + codeColumns + `
        FROM buyer_codes
        WHERE listing_id = $1 AND lower(buyer_email) = lower($2) AND is_active
        FOR UPDATE`

	code, err := scanCode(tx.QueryRow(ctx, query, listingID, buyerEmail))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BuyerCode{}, ErrNotFound
		}
		return BuyerCode{}, fmt.Errorf("accesscode: find active: %w", err)
	}
	return code, nil
}

// Insert returns ok=false when the code value is already taken.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, code BuyerCode) (BuyerCode, bool, error) {
	query := `
        INSERT INTO buyer_codes (code, listing_id, buyer_email, buyer_name, is_active, expires_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, true, $5, $6, $6)
        ON CONFLICT (code) DO NOTHING
        RETURNING ` + codeColumns

	created, err := scanCode(tx.QueryRow(ctx, query,
		code.Code,
		code.ListingID,
		code.BuyerEmail,
		code.BuyerName,
		code.ExpiresAt,
		code.CreatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BuyerCode{}, false, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == oneActiveConstraint {
			return BuyerCode{}, false, ErrActiveCodeExists
		}
		return BuyerCode{}, false, fmt.Errorf("accesscode: insert: %w", err)
	}
	return created, true, nil
}

func (r *PGRepository) UpdateBuyerName(ctx context.Context, tx pgx.Tx, id, buyerName string, at time.Time) (BuyerCode, error) {
	query := `UPDATE buyer_codes SET buyer_name = $2, updated_at = $3 WHERE id = $1 RETURNING ` + codeColumns

	code, err := scanCode(tx.QueryRow(ctx, query, id, buyerName, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BuyerCode{}, ErrNotFound
		}
		return BuyerCode{}, fmt.Errorf("accesscode: update buyer name: %w", err)
	}
	return code, nil
}

func (r *PGRepository) DeactivateByID(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	if _, err := tx.Exec(ctx, `UPDATE buyer_codes SET is_active = false, updated_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("accesscode: deactivate: %w", err)
	}
	return nil
}

func (r *PGRepository) GetByCode(ctx context.Context, code string) (BuyerCode, error) {
	query := `SELECT ` + codeColumns + ` FROM buyer_codes WHERE code = $1`

	found, err := scanCode(r.pool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BuyerCode{}, ErrNotFound
		}
		return BuyerCode{}, fmt.Errorf("accesscode: get by code: %w", err)
	}
	return found, nil
}

func (r *PGRepository) ListByListing(ctx context.Context, listingID string) ([]BuyerCode, error) {
	query := `SELECT ` + codeColumns + ` FROM buyer_codes WHERE listing_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, listingID)
	if err != nil {
		return nil, fmt.Errorf("accesscode: list: %w", err)
	}
	defer rows.Close()

	codes := []BuyerCode{}
	for rows.Next() {
		code, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("accesscode: scan: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("accesscode: iterate: %w", err)
	}
	return codes, nil
}

func (r *PGRepository) Deactivate(ctx context.Context, code string, at time.Time) (BuyerCode, error) {
	query := `UPDATE buyer_codes SET is_active = false, updated_at = $2 WHERE code = $1 RETURNING ` + codeColumns

	updated, err := scanCode(r.pool.QueryRow(ctx, query, code, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BuyerCode{}, ErrNotFound
		}
		return BuyerCode{}, fmt.Errorf("accesscode: deactivate: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) MarkEmailSent(ctx context.Context, code string, at time.Time) error {
	if _, err := r.pool.Exec(ctx, `UPDATE buyer_codes SET last_email_sent = $2 WHERE code = $1`, code, at); err != nil {
		return fmt.Errorf("accesscode: mark email sent: %w", err)
	}
	return nil
}

func scanCode(row pgx.Row) (BuyerCode, error) {
	var c BuyerCode
	err := row.Scan(
		&c.ID,
		&c.Code,
		&c.ListingID,
		&c.BuyerEmail,
		&c.BuyerName,
		&c.IsActive,
		&c.ExpiresAt,
		&c.LastEmailSent,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return BuyerCode{}, err
	}
	return c, nil
}
