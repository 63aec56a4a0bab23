package listing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestOfferCompareAndSwap_Integration runs the quota counter, offer CAS and accept
// cascade queries against a real PostgreSQL named by DATABASE_URL.
func TestOfferCompareAndSwap_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('public.offers') IS NOT NULL`).Scan(&exists); err != nil || !exists {
		t.Skip("database schema missing; start the api once with RUN_MIGRATIONS=true")
	}

	repo := NewRepository(pool)
	stamp := time.Now().UnixNano()

	var agentID string
	if err := pool.QueryRow(ctx, `
        INSERT INTO users (email, full_name, password_hash, role, max_listings)
        VALUES ($1, 'Ann Agent', 'x', 'agent', 1) RETURNING id`,
		fmt.Sprintf("ann+%d@example.com", stamp)).Scan(&agentID); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	defer pool.Exec(context.Background(), `DELETE FROM users WHERE id = $1`, agentID)

	now := time.Now().UTC().Truncate(time.Microsecond)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := repo.ConsumeQuota(ctx, tx, agentID); err != nil {
		t.Fatalf("consume quota: %v", err)
	}
	l, ok, err := repo.InsertListing(ctx, tx, Listing{
		AgentID: agentID, Address: "1 High St", SellerName: "Sam", SellerEmail: "sam@example.com",
		ListedPrice: 300000, Status: StatusLive, SellerCode: fmt.Sprintf("%08d", stamp%100000000), CreatedAt: now,
	})
	if err != nil || !ok {
		t.Fatalf("insert listing: ok=%v err=%v", ok, err)
	}
	if _, err := repo.ConsumeQuota(ctx, tx, agentID); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second consume: want ErrQuotaExceeded, got %v", err)
	}

	low, err := repo.InsertOffer(ctx, tx, Offer{ListingID: l.ID, BuyerName: "Bea", BuyerEmail: "bea@example.com",
		Amount: 300000, FundingType: FundingCash, Status: OfferSubmitted, CreatedAt: now})
	if err != nil {
		t.Fatalf("insert offer: %v", err)
	}
	high, err := repo.InsertOffer(ctx, tx, Offer{ListingID: l.ID, BuyerName: "Cy", BuyerEmail: "cy@example.com",
		Amount: 310000, FundingType: FundingMortgage, Status: OfferSubmitted, CreatedAt: now})
	if err != nil {
		t.Fatalf("insert offer: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	if _, err := repo.UpdateOffer(ctx, tx, OfferUpdate{
		OfferID: high.ID, ListingID: l.ID, Expected: []OfferStatus{OfferSubmitted}, Next: OfferAccepted, At: now,
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := repo.UpdateOffer(ctx, tx, OfferUpdate{
		OfferID: high.ID, ListingID: l.ID, Expected: []OfferStatus{OfferSubmitted}, Next: OfferRejected, At: now,
	}); !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("second transition: want ErrStaleOffer, got %v", err)
	}

	rejected, err := repo.RejectOpenSiblings(ctx, tx, l.ID, high.ID, "Automatically rejected", "system", now)
	if err != nil {
		t.Fatalf("reject siblings: %v", err)
	}
	if len(rejected) != 1 || rejected[0].ID != low.ID {
		t.Fatalf("expected only the lower offer to be rejected, got %+v", rejected)
	}
	if err := repo.SetStatus(ctx, tx, l.ID, StatusSold, now); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := repo.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.Status != StatusSold {
		t.Fatalf("listing status = %s, want sold", got.Status)
	}
	if got.HighestOffer() != 310000 {
		t.Fatalf("highest offer = %d", got.HighestOffer())
	}
	for _, o := range got.Offers {
		if o.ID == low.ID && (o.Status != OfferRejected || len(o.History) != 1) {
			t.Fatalf("sibling not auto-rejected with history: %+v", o)
		}
	}
}
