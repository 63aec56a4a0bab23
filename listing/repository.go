package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the listing does not exist.
	ErrNotFound = errors.New("listing: not found")
	// ErrOfferNotFound signals the offer does not exist on the listing.
	ErrOfferNotFound = errors.New("listing: offer not found")
	// ErrQuotaExceeded signals the owning account has no free listing slots.
	ErrQuotaExceeded = errors.New("listing: listing quota exceeded")
	// ErrOwnerNotFound signals the agent or its company account is missing.
	ErrOwnerNotFound = errors.New("listing: owning account not found")
	// ErrStaleOffer signals a compare-and-swap found the offer in an unexpected status.
	ErrStaleOffer = errors.New("listing: offer status changed concurrently")
)

// Repository is the listing store used by Service.
type Repository interface {
	ConsumeQuota(ctx context.Context, tx pgx.Tx, agentID string) (QuotaOwner, error)
	ReleaseQuota(ctx context.Context, tx pgx.Tx, agentID string) error
	InsertListing(ctx context.Context, tx pgx.Tx, l Listing) (Listing, bool, error)
	GetListing(ctx context.Context, id string) (Listing, error)
	GetListingTx(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (Listing, error)
	ListListings(ctx context.Context, filters Filters) ([]Listing, int, error)
	UpdateListing(ctx context.Context, tx pgx.Tx, id string, patch Patch, at time.Time) (Listing, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements the listing store, offers included, on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const listingSelect = `
        SELECT l.id, l.agent_id, u.email, l.address, l.seller_name, l.seller_email, l.listed_price,
               l.main_photo, l.status, l.seller_code, l.created_at, l.updated_at
        FROM listings l
        JOIN users u ON u.id = l.agent_id`

const offerColumns = `id, listing_id, buyer_name, buyer_email, amount, funding_type, chain, aip_present,
        status, counter_offer, notes, agent_notes, created_at, updated_at`

func (r *PGRepository) ConsumeQuota(ctx context.Context, tx pgx.Tx, agentID string) (QuotaOwner, error) {
	const consumeSQL = `
        UPDATE users
        SET used_listings = used_listings + 1, updated_at = now()
        WHERE id = (SELECT COALESCE(real_estate_admin_id, id) FROM users WHERE id = $1)
          AND used_listings < max_listings
        RETURNING id, max_listings, used_listings
    `

	var owner QuotaOwner
	err := tx.QueryRow(ctx, consumeSQL, agentID).Scan(&owner.ID, &owner.MaxListings, &owner.UsedListings)
	if err == nil {
		return owner, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return QuotaOwner{}, fmt.Errorf("listing: consume quota: %w", err)
	}

	const ownerSQL = `
        SELECT o.id, o.max_listings, o.used_listings
        FROM users a
        JOIN users o ON o.id = COALESCE(a.real_estate_admin_id, a.id)
        WHERE a.id = $1
    `
	if err := tx.QueryRow(ctx, ownerSQL, agentID).Scan(&owner.ID, &owner.MaxListings, &owner.UsedListings); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QuotaOwner{}, ErrOwnerNotFound
		}
		return QuotaOwner{}, fmt.Errorf("listing: read quota owner: %w", err)
	}
	return owner, fmt.Errorf("%w: %d of %d listings used", ErrQuotaExceeded, owner.UsedListings, owner.MaxListings)
}

func (r *PGRepository) ReleaseQuota(ctx context.Context, tx pgx.Tx, agentID string) error {
	const releaseSQL = `
        UPDATE users
        SET used_listings = used_listings - 1, updated_at = now()
        WHERE id = (SELECT COALESCE(real_estate_admin_id, id) FROM users WHERE id = $1)
          AND used_listings > 0
    `
	if _, err := tx.Exec(ctx, releaseSQL, agentID); err != nil {
		return fmt.Errorf("listing: release quota: %w", err)
	}
	return nil
}

// InsertListing returns ok=false when the seller code is already taken.
func (r *PGRepository) InsertListing(ctx context.Context, tx pgx.Tx, l Listing) (Listing, bool, error) {
	const insertSQL = `
        WITH inserted AS (
            INSERT INTO listings (agent_id, address, seller_name, seller_email, listed_price, main_photo,
                status, seller_code, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
            ON CONFLICT (seller_code) DO NOTHING
            RETURNING *
        )
        SELECT i.id, i.agent_id, u.email, i.address, i.seller_name, i.seller_email, i.listed_price,
               i.main_photo, i.status, i.seller_code, i.created_at, i.updated_at
        FROM inserted i
        JOIN users u ON u.id = i.agent_id
    `

	created, err := scanListing(tx.QueryRow(ctx, insertSQL,
		l.AgentID,
		l.Address,
		l.SellerName,
		l.SellerEmail,
		l.ListedPrice,
		l.MainPhoto,
		l.Status,
		l.SellerCode,
		l.CreatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, false, nil
		}
		return Listing{}, false, fmt.Errorf("listing: insert: %w", err)
	}
	created.Offers = []Offer{}
	return created, true, nil
}

func (r *PGRepository) GetListing(ctx context.Context, id string) (Listing, error) {
	l, err := scanListing(r.pool.QueryRow(ctx, listingSelect+` WHERE l.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}

	offers, err := loadOffers(ctx, r.pool, []string{l.ID})
	if err != nil {
		return Listing{}, err
	}
	l.Offers = offers[l.ID]
	if l.Offers == nil {
		l.Offers = []Offer{}
	}
	return l, nil
}

// GetListingTx reads the listing row without offers, optionally locking it.
func (r *PGRepository) GetListingTx(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (Listing, error) {
	query := listingSelect + ` WHERE l.id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF l`
	}

	l, err := scanListing(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get in tx: %w", err)
	}
	return l, nil
}

func (r *PGRepository) ListListings(ctx context.Context, filters Filters) ([]Listing, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.AgentID != "" {
		where = append(where, fmt.Sprintf("l.agent_id = $%d", len(args)+1))
		args = append(args, filters.AgentID)
	}
	if filters.AgencyID != "" {
		where = append(where, fmt.Sprintf("(u.real_estate_admin_id = $%d OR u.id = $%d)", len(args)+1, len(args)+1))
		args = append(args, filters.AgencyID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("l.status = $%d", len(args)+1))
		args = append(args, filters.Status)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`%s%s ORDER BY l.created_at DESC LIMIT %d OFFSET %d`, listingSelect, whereClause, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing: query list: %w", err)
	}
	defer rows.Close()

	list := []Listing{}
	ids := []string{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("listing: scan: %w", err)
		}
		list = append(list, l)
		ids = append(ids, l.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing: iterate: %w", err)
	}
	rows.Close()

	var total int
	countQuery := `SELECT COUNT(*) FROM listings l JOIN users u ON u.id = l.agent_id` + whereClause
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("listing: count: %w", err)
	}

	offers, err := loadOffers(ctx, r.pool, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range list {
		list[i].Offers = offers[list[i].ID]
		if list[i].Offers == nil {
			list[i].Offers = []Offer{}
		}
	}
	return list, total, nil
}

func (r *PGRepository) UpdateListing(ctx context.Context, tx pgx.Tx, id string, patch Patch, at time.Time) (Listing, error) {
	sets := []string{}
	args := []any{}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Address != nil {
		add("address", *patch.Address)
	}
	if patch.SellerName != nil {
		add("seller_name", *patch.SellerName)
	}
	if patch.SellerEmail != nil {
		add("seller_email", *patch.SellerEmail)
	}
	if patch.ListedPrice != nil {
		add("listed_price", *patch.ListedPrice)
	}
	if patch.MainPhoto != nil {
		add("main_photo", *patch.MainPhoto)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	add("updated_at", at)
	args = append(args, id)

	query := fmt.Sprintf(`
        WITH updated AS (
            UPDATE listings SET %s WHERE id = $%d RETURNING *
        )
        SELECT i.id, i.agent_id, u.email, i.address, i.seller_name, i.seller_email, i.listed_price,
               i.main_photo, i.status, i.seller_code, i.created_at, i.updated_at
        FROM updated i
        JOIN users u ON u.id = i.agent_id`, strings.Join(sets, ", "), len(args))

	l, err := scanListing(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: update: %w", err)
	}
	return l, nil
}

// GetOffer loads an offer with its history. An empty listingID matches any listing.
func (r *PGRepository) GetOffer(ctx context.Context, tx pgx.Tx, listingID, offerID string) (Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`
	args := []any{offerID}
	if listingID != "" {
		query += ` AND listing_id = $2`
		args = append(args, listingID)
	}

	o, err := scanOffer(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrOfferNotFound
		}
		return Offer{}, fmt.Errorf("listing: get offer: %w", err)
	}

	history, err := loadHistory(ctx, tx, []string{o.ID})
	if err != nil {
		return Offer{}, err
	}
	o.History = history[o.ID]
	return o, nil
}

func (r *PGRepository) InsertOffer(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	query := `
        INSERT INTO offers (listing_id, buyer_name, buyer_email, amount, funding_type, chain, aip_present,
            status, notes, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
        RETURNING ` + offerColumns

	created, err := scanOffer(tx.QueryRow(ctx, query,
		o.ListingID,
		o.BuyerName,
		o.BuyerEmail,
		o.Amount,
		o.FundingType,
		o.Chain,
		o.AIPPresent,
		o.Status,
		o.Notes,
		o.CreatedAt,
	))
	if err != nil {
		return Offer{}, fmt.Errorf("listing: insert offer: %w", err)
	}
	return created, nil
}

// UpdateOffer applies u only while the offer's status is one of u.Expected.
func (r *PGRepository) UpdateOffer(ctx context.Context, tx pgx.Tx, u OfferUpdate) (Offer, error) {
	expected := make([]string, len(u.Expected))
	for i, s := range u.Expected {
		expected[i] = string(s)
	}

	query := `
        UPDATE offers
        SET status = $3,
            counter_offer = COALESCE($4::bigint, counter_offer),
            agent_notes = COALESCE($5::text, agent_notes),
            updated_at = $6
        WHERE id = $1 AND listing_id = $2 AND status = ANY($7::text[])
        RETURNING ` + offerColumns

	o, err := scanOffer(tx.QueryRow(ctx, query, u.OfferID, u.ListingID, u.Next, u.CounterOffer, u.AgentNotes, u.At, expected))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrStaleOffer
		}
		return Offer{}, fmt.Errorf("listing: update offer: %w", err)
	}
	return o, nil
}

func (r *PGRepository) AppendHistory(ctx context.Context, tx pgx.Tx, offerID string, e HistoryEntry) error {
	const insertSQL = `
        INSERT INTO offer_history (offer_id, action, amount, counter_amount, notes, actor, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	if _, err := tx.Exec(ctx, insertSQL, offerID, e.Action, e.Amount, e.CounterAmount, e.Notes, e.Actor, e.At); err != nil {
		return fmt.Errorf("listing: append history: %w", err)
	}
	return nil
}

// RejectOpenSiblings rejects every submitted or countered offer on the listing other than
// keepOfferID and records a history entry for each.
func (r *PGRepository) RejectOpenSiblings(ctx context.Context, tx pgx.Tx, listingID, keepOfferID, note, actor string, at time.Time) ([]Offer, error) {
	query := `
        UPDATE offers
        SET status = 'rejected', agent_notes = $3, updated_at = $4
        WHERE listing_id = $1 AND id <> $2 AND status IN ('submitted', 'countered')
        RETURNING ` + offerColumns

	rows, err := tx.Query(ctx, query, listingID, keepOfferID, note, at)
	if err != nil {
		return nil, fmt.Errorf("listing: reject siblings: %w", err)
	}
	rejected := []Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("listing: scan sibling: %w", err)
		}
		rejected = append(rejected, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate siblings: %w", err)
	}

	for _, o := range rejected {
		entry := HistoryEntry{
			Action:        string(OfferRejected),
			Amount:        o.Amount,
			CounterAmount: o.CounterOffer,
			Notes:         note,
			Actor:         actor,
			At:            at,
		}
		if err := r.AppendHistory(ctx, tx, o.ID, entry); err != nil {
			return nil, err
		}
	}
	return rejected, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, listingID string, status Status, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE listings SET status = $2, updated_at = $3 WHERE id = $1`, listingID, status, at)
	if err != nil {
		return fmt.Errorf("listing: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func loadOffers(ctx context.Context, q querier, listingIDs []string) (map[string][]Offer, error) {
	out := map[string][]Offer{}
	if len(listingIDs) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx, `SELECT `+offerColumns+` FROM offers WHERE listing_id = ANY($1::uuid[]) ORDER BY created_at, id`, listingIDs)
	if err != nil {
		return nil, fmt.Errorf("listing: query offers: %w", err)
	}
	defer rows.Close()

	offerIDs := []string{}
	ordered := []Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan offer: %w", err)
		}
		ordered = append(ordered, o)
		offerIDs = append(offerIDs, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate offers: %w", err)
	}
	rows.Close()

	history, err := loadHistory(ctx, q, offerIDs)
	if err != nil {
		return nil, err
	}
	for _, o := range ordered {
		o.History = history[o.ID]
		out[o.ListingID] = append(out[o.ListingID], o)
	}
	return out, nil
}

func loadHistory(ctx context.Context, q querier, offerIDs []string) (map[string][]HistoryEntry, error) {
	out := map[string][]HistoryEntry{}
	if len(offerIDs) == 0 {
		return out, nil
	}

	const historySQL = `
        SELECT offer_id, action, amount, counter_amount, notes, actor, created_at
        FROM offer_history
        WHERE offer_id = ANY($1::uuid[])
        ORDER BY id
    `
	rows, err := q.Query(ctx, historySQL, offerIDs)
	if err != nil {
		return nil, fmt.Errorf("listing: query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			offerID string
			e       HistoryEntry
		)
		if err := rows.Scan(&offerID, &e.Action, &e.Amount, &e.CounterAmount, &e.Notes, &e.Actor, &e.At); err != nil {
			return nil, fmt.Errorf("listing: scan history: %w", err)
		}
		out[offerID] = append(out[offerID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate history: %w", err)
	}
	return out, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	err := row.Scan(
		&l.ID,
		&l.AgentID,
		&l.AgentEmail,
		&l.Address,
		&l.SellerName,
		&l.SellerEmail,
		&l.ListedPrice,
		&l.MainPhoto,
		&l.Status,
		&l.SellerCode,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return Listing{}, err
	}
	return l, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	err := row.Scan(
		&o.ID,
		&o.ListingID,
		&o.BuyerName,
		&o.BuyerEmail,
		&o.Amount,
		&o.FundingType,
		&o.Chain,
		&o.AIPPresent,
		&o.Status,
		&o.CounterOffer,
		&o.Notes,
		&o.AgentNotes,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return Offer{}, err
	}
	return o, nil
}
