package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"offerflow/accesscode"
	"offerflow/auth"
	"offerflow/authz"
	"offerflow/listing"
	"offerflow/negotiation"
)

// Env is the set of real services the actors drive.
type Env struct {
	Pool     *pgxpool.Pool
	Listings *listing.Service
	Engine   *negotiation.Engine
	Codes    *accesscode.Service
	// Chaos makes dropped connections an expected outcome.
	Chaos bool
}

var buyers = []string{"ava@buyers.test", "ben@buyers.test", "cal@buyers.test", "dee@buyers.test", "eli@buyers.test"}

// expected lists the domain outcomes contention legitimately produces.
var expected = []error{
	listing.ErrQuotaExceeded,
	listing.ErrInvalidStatusChange,
	listing.ErrNotFound,
	listing.ErrOfferNotFound,
	negotiation.ErrInvalidTransition,
	negotiation.ErrListingSold,
	negotiation.ErrListingWithdrawn,
	accesscode.ErrNotFound,
	accesscode.ErrActiveCodeExists,
}

func (e *Env) tolerate(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, target := range expected {
		if errors.Is(err, target) {
			return true
		}
	}
	return e.Chaos && connectionLost(err)
}

func connectionLost(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57P01 admin_shutdown, class 08 connection exceptions.
		return pgErr.Code == "57P01" || strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

// ListingCreator keeps creating listings for random agents so companies run into their quota.
func ListingCreator(ctx context.Context, env *Env, agentIDs []string, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		agentID := agentIDs[rand.Intn(len(agentIDs))]
		status := listing.StatusLive
		if rand.Intn(5) == 0 {
			status = listing.StatusDraft
		}
		_, err := env.Listings.Create(ctx, listing.CreateParams{
			AgentID:     agentID,
			Address:     fmt.Sprintf("%d Stress Street", n),
			SellerName:  "Seller",
			SellerEmail: fmt.Sprintf("seller%d@sellers.test", n),
			ListedPrice: int64(200000 + rand.Intn(300000)),
			Status:      status,
		})
		if !env.tolerate(err) {
			return fmt.Errorf("listing creator: %w", err)
		}
		pause(20, 40)
	}
}

// Editor moves listings in and out of withdrawn, which releases and re-consumes quota.
func Editor(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var id string
		var current listing.Status
		err := env.Pool.QueryRow(ctx, `SELECT id, status FROM listings WHERE status <> 'sold' ORDER BY random() LIMIT 1`).Scan(&id, &current)
		if errors.Is(err, pgx.ErrNoRows) {
			pause(20, 20)
			continue
		}
		if err != nil {
			if env.tolerate(err) {
				continue
			}
			return fmt.Errorf("editor pick: %w", err)
		}

		next := listing.StatusWithdrawn
		switch current {
		case listing.StatusWithdrawn:
			next = listing.StatusLive
		case listing.StatusDraft:
			next = listing.StatusLive
		case listing.StatusLive:
			if rand.Intn(3) == 0 {
				next = listing.StatusUnderOffer
			}
		}
		_, err = env.Listings.Update(ctx, id, listing.Patch{Status: &next})
		if !env.tolerate(err) {
			return fmt.Errorf("editor update %s->%s: %w", current, next, err)
		}
		pause(30, 60)
	}
}

// Submitter places offers from a small pool of buyers on random listings.
func Submitter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var listingID string
		err := env.Pool.QueryRow(ctx, `SELECT id FROM listings ORDER BY random() LIMIT 1`).Scan(&listingID)
		if errors.Is(err, pgx.ErrNoRows) {
			pause(20, 20)
			continue
		}
		if err != nil {
			if env.tolerate(err) {
				continue
			}
			return fmt.Errorf("submitter pick: %w", err)
		}

		funding := []listing.FundingType{listing.FundingCash, listing.FundingMortgage, listing.FundingChain}[rand.Intn(3)]
		_, err = env.Engine.Submit(ctx, negotiation.SubmitParams{
			ListingID:   listingID,
			BuyerName:   "Stress Buyer",
			BuyerEmail:  buyers[rand.Intn(len(buyers))],
			Amount:      fmt.Sprintf("£%d", 150000+rand.Intn(400000)),
			FundingType: funding,
			Chain:       funding == listing.FundingChain,
		})
		if !env.tolerate(err) {
			return fmt.Errorf("submitter: %w", err)
		}
		pause(10, 30)
	}
}

type openOffer struct {
	id         string
	listingID  string
	agentID    string
	sellerCode string
	buyerEmail string
}

func pickOpenOffer(ctx context.Context, pool *pgxpool.Pool) (openOffer, error) {
	var o openOffer
	err := pool.QueryRow(ctx, `
        SELECT o.id, o.listing_id, l.agent_id, l.seller_code, o.buyer_email
        FROM offers o JOIN listings l ON l.id = o.listing_id
        WHERE o.status IN ('submitted', 'countered')
        ORDER BY random() LIMIT 1`).Scan(&o.id, &o.listingID, &o.agentID, &o.sellerCode, &o.buyerEmail)
	return o, err
}

// Negotiator counters, rejects and accepts open offers, alternately as the seller
// (by code) and as the owning agent (by session).
func Negotiator(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		o, err := pickOpenOffer(ctx, env.Pool)
		if errors.Is(err, pgx.ErrNoRows) {
			pause(20, 20)
			continue
		}
		if err != nil {
			if env.tolerate(err) {
				continue
			}
			return fmt.Errorf("negotiator pick: %w", err)
		}

		cmd := negotiation.Command{ListingID: o.listingID, OfferID: o.id}
		switch rand.Intn(4) {
		case 0:
			cmd.Action = negotiation.ActionAccept
		case 1:
			cmd.Action = negotiation.ActionReject
		default:
			cmd.Action = negotiation.ActionCounter
			cmd.CounterAmount = fmt.Sprintf("%d", 200000+rand.Intn(300000))
			cmd.Notes = "stress counter"
		}
		if rand.Intn(2) == 0 {
			cmd.Credentials = authz.Credentials{SellerCode: strings.ToLower(o.sellerCode)}
		} else {
			cmd.Credentials = authz.Credentials{Principal: &authz.Principal{UserID: o.agentID, Role: auth.RoleAgent}}
		}

		_, err = env.Engine.Apply(ctx, cmd)
		if !env.tolerate(err) {
			return fmt.Errorf("negotiator %s: %w", cmd.Action, err)
		}
		pause(15, 30)
	}
}

// RacingAcceptor accepts two open offers of one listing at the same instant. At most
// one acceptance may succeed.
func RacingAcceptor(ctx context.Context, env *Env, agentByListing func(string) (string, error), stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var listingID string
		var offerIDs []string
		err := env.Pool.QueryRow(ctx, `
            SELECT listing_id, array_agg(id::text) FROM offers
            WHERE status IN ('submitted', 'countered')
            GROUP BY listing_id HAVING COUNT(*) >= 2
            ORDER BY random() LIMIT 1`).Scan(&listingID, &offerIDs)
		if errors.Is(err, pgx.ErrNoRows) {
			pause(30, 30)
			continue
		}
		if err != nil {
			if env.tolerate(err) {
				continue
			}
			return fmt.Errorf("racing pick: %w", err)
		}
		agentID, err := agentByListing(listingID)
		if err != nil {
			if env.tolerate(err) {
				continue
			}
			return err
		}
		creds := authz.Credentials{Principal: &authz.Principal{UserID: agentID, Role: auth.RoleAgent}}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
			failure  error
		)
		start := make(chan struct{})
		for _, id := range offerIDs[:2] {
			wg.Add(1)
			go func(offerID string) {
				defer wg.Done()
				<-start
				_, err := env.Engine.Apply(ctx, negotiation.Command{OfferID: offerID, Action: negotiation.ActionAccept, Credentials: creds})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					accepted++
				case !env.tolerate(err):
					failure = err
				}
			}(id)
		}
		close(start)
		wg.Wait()

		if failure != nil {
			return fmt.Errorf("racing accept: %w", failure)
		}
		if accepted > 1 {
			return fmt.Errorf("racing accept: %d offers accepted on listing %s", accepted, listingID)
		}
		pause(30, 60)
	}
}

// Withdrawer withdraws open offers as their buyer.
func Withdrawer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		o, err := pickOpenOffer(ctx, env.Pool)
		if errors.Is(err, pgx.ErrNoRows) {
			pause(20, 20)
			continue
		}
		if err != nil {
			if env.tolerate(err) {
				continue
			}
			return fmt.Errorf("withdrawer pick: %w", err)
		}
		_, err = env.Engine.Apply(ctx, negotiation.Command{
			OfferID:     o.id,
			Action:      negotiation.ActionWithdraw,
			Credentials: authz.Credentials{BuyerEmail: strings.ToUpper(o.buyerEmail)},
		})
		if !env.tolerate(err) {
			return fmt.Errorf("withdrawer: %w", err)
		}
		pause(40, 80)
	}
}

// CodeIssuer hammers issuance for the same buyers with varying email case, and now
// and then deactivates a code so a fresh one must be minted.
func CodeIssuer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var ref accesscode.ListingRef
		err := env.Pool.QueryRow(ctx, `SELECT id, address FROM listings ORDER BY random() LIMIT 1`).Scan(&ref.ID, &ref.Address)
		if errors.Is(err, pgx.ErrNoRows) {
			pause(20, 20)
			continue
		}
		if err != nil {
			if env.tolerate(err) {
				continue
			}
			return fmt.Errorf("code issuer pick: %w", err)
		}

		email := buyers[rand.Intn(len(buyers))]
		if rand.Intn(2) == 0 {
			email = strings.ToUpper(email)
		}
		res, err := env.Codes.Issue(ctx, accesscode.IssueParams{Listing: ref, BuyerEmail: email, BuyerName: "Stress Buyer"})
		if !env.tolerate(err) {
			return fmt.Errorf("code issuer: %w", err)
		}
		if err == nil && rand.Intn(4) == 0 {
			if _, err := env.Codes.Deactivate(ctx, res.Code.Code); !env.tolerate(err) {
				return fmt.Errorf("code deactivate: %w", err)
			}
		}
		pause(10, 30)
	}
}
