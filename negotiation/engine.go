// Package negotiation moves offers through their lifecycle. Every transition is a
// compare-and-swap on the offer's status, and accepting an offer rejects its open
// siblings and marks the listing sold in the same transaction.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"offerflow/accesscode"
	"offerflow/authz"
	"offerflow/listing"
	"offerflow/notify"
)

// AutoRejectNote is recorded on every open offer rejected by a sibling's acceptance.
const AutoRejectNote = "Automatically rejected — another offer was accepted"

// SystemActor is the history actor for cascaded changes.
const SystemActor = "system"

var (
	// ErrInvalidOffer signals missing or malformed offer fields.
	ErrInvalidOffer = errors.New("negotiation: invalid offer")
	// ErrListingSold signals an accept or counter on a listing that already has an accepted offer.
	ErrListingSold = errors.New("negotiation: listing is already sold")
	// ErrListingWithdrawn signals an accept or counter on a listing taken off the market.
	ErrListingWithdrawn = errors.New("negotiation: listing is withdrawn")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the slice of the listing store the engine drives. listing.PGRepository implements it.
type Store interface {
	GetListingTx(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (listing.Listing, error)
	GetOffer(ctx context.Context, tx pgx.Tx, listingID, offerID string) (listing.Offer, error)
	InsertOffer(ctx context.Context, tx pgx.Tx, o listing.Offer) (listing.Offer, error)
	UpdateOffer(ctx context.Context, tx pgx.Tx, u listing.OfferUpdate) (listing.Offer, error)
	AppendHistory(ctx context.Context, tx pgx.Tx, offerID string, e listing.HistoryEntry) error
	RejectOpenSiblings(ctx context.Context, tx pgx.Tx, listingID, keepOfferID, note, actor string, at time.Time) ([]listing.Offer, error)
	SetStatus(ctx context.Context, tx pgx.Tx, listingID string, status listing.Status, at time.Time) error
}

// Authorizer is satisfied by *authz.Guard.
type Authorizer interface {
	Authorize(ctx context.Context, action authz.Action, res authz.Resource, creds authz.Credentials) (authz.Actor, error)
}

type SubmitParams struct {
	ListingID   string
	BuyerName   string
	BuyerEmail  string
	Amount      string
	FundingType listing.FundingType
	Chain       bool
	AIPPresent  bool
	Notes       string
}

// Command is one negotiation step on an existing offer. ListingID may be empty when
// the caller only knows the offer.
type Command struct {
	ListingID     string
	OfferID       string
	Action        Action
	CounterAmount string
	Notes         string
	Credentials   authz.Credentials
}

type Result struct {
	Offer         listing.Offer
	ListingStatus listing.Status
	AutoRejected  []listing.Offer
	Actor         authz.Actor
}

// Engine applies negotiation commands.
type Engine struct {
	pool     TxBeginner
	store    Store
	guard    Authorizer
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(pool TxBeginner, store Store, guard Authorizer, notifier notify.Notifier, logger *zap.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		pool:     pool,
		store:    store,
		guard:    guard,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Submit records a new offer in the submitted state. The listing's status is not consulted.
func (e *Engine) Submit(ctx context.Context, params SubmitParams) (listing.Offer, error) {
	params.BuyerName = strings.TrimSpace(params.BuyerName)
	params.BuyerEmail = strings.TrimSpace(params.BuyerEmail)
	params.Notes = strings.TrimSpace(params.Notes)
	if params.ListingID == "" || params.BuyerName == "" || params.BuyerEmail == "" {
		return listing.Offer{}, fmt.Errorf("%w: listingId, buyerName and buyerEmail are required", ErrInvalidOffer)
	}
	if !params.FundingType.Valid() {
		return listing.Offer{}, fmt.Errorf("%w: fundingType must be Cash, Mortgage or Chain", ErrInvalidOffer)
	}
	amount, err := ParseAmount(params.Amount)
	if err != nil {
		return listing.Offer{}, err
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return listing.Offer{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := e.store.GetListingTx(ctx, tx, params.ListingID, false)
	if err != nil {
		return listing.Offer{}, err
	}

	now := e.now()
	offer, err := e.store.InsertOffer(ctx, tx, listing.Offer{
		ListingID:   l.ID,
		BuyerName:   params.BuyerName,
		BuyerEmail:  params.BuyerEmail,
		Amount:      amount,
		FundingType: params.FundingType,
		Chain:       params.Chain,
		AIPPresent:  params.AIPPresent,
		Status:      listing.OfferSubmitted,
		Notes:       params.Notes,
		CreatedAt:   now,
	})
	if err != nil {
		return listing.Offer{}, err
	}

	entry := listing.HistoryEntry{
		Action: string(listing.OfferSubmitted),
		Amount: amount,
		Notes:  params.Notes,
		Actor:  params.BuyerEmail,
		At:     now,
	}
	if err := e.store.AppendHistory(ctx, tx, offer.ID, entry); err != nil {
		return listing.Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return listing.Offer{}, fmt.Errorf("negotiation: commit tx: %w", err)
	}
	offer.History = []listing.HistoryEntry{entry}

	e.notify(ctx, notify.EventOfferSubmitted, l, offer, []string{l.AgentEmail, l.SellerEmail})
	return offer, nil
}

// Apply authorizes and performs one transition. The offer is only updated while its
// status is still the one that was read.
func (e *Engine) Apply(ctx context.Context, cmd Command) (Result, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	offer, err := e.store.GetOffer(ctx, tx, cmd.ListingID, cmd.OfferID)
	if err != nil {
		return Result{}, err
	}
	// Accept and counter depend on the listing status, so they hold its row until commit.
	lock := cmd.Action == ActionAccept || cmd.Action == ActionCounter
	l, err := e.store.GetListingTx(ctx, tx, offer.ListingID, lock)
	if err != nil {
		return Result{}, err
	}

	action := authz.ActionNegotiate
	if cmd.Action == ActionWithdraw {
		action = authz.ActionWithdraw
	}
	actor, err := e.guard.Authorize(ctx, action, authz.Resource{Listing: l, Offer: &offer}, cmd.Credentials)
	if err != nil {
		return Result{}, err
	}

	next, err := Transition(offer.Status, cmd.Action)
	if err != nil {
		return Result{}, err
	}
	if cmd.Action == ActionAccept || cmd.Action == ActionCounter {
		switch l.Status {
		case listing.StatusSold:
			return Result{}, ErrListingSold
		case listing.StatusWithdrawn:
			return Result{}, ErrListingWithdrawn
		}
	}

	now := e.now()
	notes := strings.TrimSpace(cmd.Notes)
	update := listing.OfferUpdate{
		OfferID:   offer.ID,
		ListingID: offer.ListingID,
		Expected:  []listing.OfferStatus{offer.Status},
		Next:      next,
		At:        now,
	}
	counterInEffect := offer.CounterOffer
	if cmd.Action == ActionCounter {
		amount, err := ParseAmount(cmd.CounterAmount)
		if err != nil {
			return Result{}, err
		}
		update.CounterOffer = &amount
		counterInEffect = &amount
	}
	if notes != "" && actor.Kind != authz.ActorBuyer {
		update.AgentNotes = &notes
	}

	updated, err := e.store.UpdateOffer(ctx, tx, update)
	if errors.Is(err, listing.ErrStaleOffer) {
		return Result{}, fmt.Errorf("%w: offer changed concurrently", ErrInvalidTransition)
	}
	if err != nil {
		return Result{}, err
	}

	entry := listing.HistoryEntry{
		Action:        string(next),
		Amount:        offer.Amount,
		CounterAmount: counterInEffect,
		Notes:         notes,
		Actor:         actor.Label(),
		At:            now,
	}
	if err := e.store.AppendHistory(ctx, tx, offer.ID, entry); err != nil {
		return Result{}, err
	}
	updated.History = append(offer.History, entry)

	result := Result{Offer: updated, ListingStatus: l.Status, Actor: actor}
	if next == listing.OfferAccepted {
		rejected, err := e.store.RejectOpenSiblings(ctx, tx, l.ID, offer.ID, AutoRejectNote, SystemActor, now)
		if err != nil {
			return Result{}, err
		}
		if err := e.store.SetStatus(ctx, tx, l.ID, listing.StatusSold, now); err != nil {
			return Result{}, err
		}
		result.AutoRejected = rejected
		result.ListingStatus = listing.StatusSold
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("negotiation: commit tx: %w", err)
	}

	e.logger.Info("offer transition",
		zap.String("listing_id", l.ID),
		zap.String("offer_id", offer.ID),
		zap.String("from", string(offer.Status)),
		zap.String("to", string(next)),
		zap.String("actor_kind", string(actor.Kind)),
		zap.Int("auto_rejected", len(result.AutoRejected)),
	)
	e.announce(ctx, l, result)
	return result, nil
}

func (e *Engine) announce(ctx context.Context, l listing.Listing, result Result) {
	o := result.Offer
	switch o.Status {
	case listing.OfferCountered:
		e.notify(ctx, notify.EventOfferCountered, l, o, []string{o.BuyerEmail})
	case listing.OfferAccepted:
		e.notify(ctx, notify.EventOfferAccepted, l, o, []string{o.BuyerEmail, l.SellerEmail})
	case listing.OfferRejected:
		e.notify(ctx, notify.EventOfferRejected, l, o, []string{o.BuyerEmail})
	case listing.OfferWithdrawn:
		e.notify(ctx, notify.EventOfferWithdrawn, l, o, []string{l.AgentEmail, l.SellerEmail})
	}
	for _, sibling := range result.AutoRejected {
		e.notify(ctx, notify.EventOfferRejected, l, sibling, []string{sibling.BuyerEmail})
	}
}

func (e *Engine) notify(ctx context.Context, eventType notify.EventType, l listing.Listing, o listing.Offer, to []string) {
	recipients := make([]string, 0, len(to))
	for _, addr := range to {
		if addr == "" {
			continue
		}
		dup := false
		for _, seen := range recipients {
			if accesscode.SameEmail(seen, addr) {
				dup = true
				break
			}
		}
		if !dup {
			recipients = append(recipients, addr)
		}
	}

	data := map[string]string{
		"address":     l.Address,
		"listingId":   l.ID,
		"buyerName":   o.BuyerName,
		"amount":      FormatAmount(o.Amount),
		"fundingType": string(o.FundingType),
		"notes":       o.AgentNotes,
	}
	if o.CounterOffer != nil {
		data["counterOffer"] = FormatAmount(*o.CounterOffer)
	}
	e.notifier.Notify(ctx, notify.Event{
		Type:      eventType,
		ListingID: l.ID,
		OfferID:   o.ID,
		To:        recipients,
		Data:      data,
	})
}
