// Package listingtest provides in-memory stand-ins for the listing store and
// its transactions, for tests of packages built on top of it.
package listingtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"offerflow/listing"
)

type account struct {
	id      string
	email   string
	adminID string
	max     int
	used    int
}

// Store implements listing.Repository and the offer operations of listing.PGRepository in memory.
type Store struct {
	mu       sync.Mutex
	accounts map[string]*account
	listings map[string]*listing.Listing
	offers   map[string]*listing.Offer
	order    []string

	// TakenSellerCodes makes InsertListing report a collision for these codes.
	TakenSellerCodes map[string]bool
	// FailUpdateOffer, when set, is returned by UpdateOffer.
	FailUpdateOffer error
	// Locked records the listing ids read FOR UPDATE, in order.
	Locked []string
}

func NewStore() *Store {
	return &Store{
		accounts:         map[string]*account{},
		listings:         map[string]*listing.Listing{},
		offers:           map[string]*listing.Offer{},
		TakenSellerCodes: map[string]bool{},
	}
}

// AddAccount registers a user. adminID binds an agent to a real-estate admin.
func (s *Store) AddAccount(id, email, adminID string, maxListings, usedListings int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id] = &account{id: id, email: email, adminID: adminID, max: maxListings, used: usedListings}
}

// Quota returns the counters of the account id.
func (s *Store) Quota(id string) (maxListings, usedListings int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return 0, 0
	}
	return a.max, a.used
}

// AddListing stores l as-is, assigning an id when empty.
func (s *Store) AddListing(l listing.Listing) listing.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = s.newID()
	}
	if l.Status == "" {
		l.Status = listing.StatusLive
	}
	if a, ok := s.accounts[l.AgentID]; ok {
		l.AgentEmail = a.email
	}
	l.Offers = nil
	s.listings[l.ID] = &l
	return l
}

// AddOffer stores o as-is, assigning an id when empty.
func (s *Store) AddOffer(o listing.Offer) listing.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = s.newID()
	}
	if o.Status == "" {
		o.Status = listing.OfferSubmitted
	}
	s.offers[o.ID] = &o
	s.order = append(s.order, o.ID)
	return o
}

// Offer returns a copy of the stored offer.
func (s *Store) Offer(id string) listing.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOffer(s.offers[id])
}

// Listing returns a copy of the stored listing with its offers.
func (s *Store) Listing(id string) listing.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withOffers(*s.listings[id])
}

func (s *Store) newID() string {
	return uuid.NewString()
}

func (s *Store) owner(agentID string) (*account, bool) {
	a, ok := s.accounts[agentID]
	if !ok {
		return nil, false
	}
	if a.adminID != "" {
		admin, ok := s.accounts[a.adminID]
		return admin, ok
	}
	return a, true
}

func (s *Store) ConsumeQuota(_ context.Context, _ pgx.Tx, agentID string) (listing.QuotaOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owner(agentID)
	if !ok {
		return listing.QuotaOwner{}, listing.ErrOwnerNotFound
	}
	q := listing.QuotaOwner{ID: o.id, MaxListings: o.max, UsedListings: o.used}
	if o.used >= o.max {
		return q, fmt.Errorf("%w: %d of %d listings used", listing.ErrQuotaExceeded, o.used, o.max)
	}
	o.used++
	q.UsedListings = o.used
	return q, nil
}

func (s *Store) ReleaseQuota(_ context.Context, _ pgx.Tx, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.owner(agentID); ok && o.used > 0 {
		o.used--
	}
	return nil
}

func (s *Store) InsertListing(_ context.Context, _ pgx.Tx, l listing.Listing) (listing.Listing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TakenSellerCodes[l.SellerCode] {
		return listing.Listing{}, false, nil
	}
	for _, existing := range s.listings {
		if existing.SellerCode == l.SellerCode {
			return listing.Listing{}, false, nil
		}
	}
	l.ID = s.newID()
	l.UpdatedAt = l.CreatedAt
	if a, ok := s.accounts[l.AgentID]; ok {
		l.AgentEmail = a.email
	}
	s.listings[l.ID] = &l
	out := l
	out.Offers = []listing.Offer{}
	return out, true, nil
}

func (s *Store) GetListing(_ context.Context, id string) (listing.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return listing.Listing{}, listing.ErrNotFound
	}
	return s.withOffers(*l), nil
}

func (s *Store) GetListingTx(_ context.Context, _ pgx.Tx, id string, forUpdate bool) (listing.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return listing.Listing{}, listing.ErrNotFound
	}
	if forUpdate {
		s.Locked = append(s.Locked, id)
	}
	return *l, nil
}

func (s *Store) ListListings(_ context.Context, filters listing.Filters) ([]listing.Listing, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := []listing.Listing{}
	for _, l := range s.listings {
		if filters.AgentID != "" && l.AgentID != filters.AgentID {
			continue
		}
		if filters.AgencyID != "" {
			a := s.accounts[l.AgentID]
			if a == nil || (a.id != filters.AgencyID && a.adminID != filters.AgencyID) {
				continue
			}
		}
		if filters.Status != "" && l.Status != filters.Status {
			continue
		}
		matched = append(matched, s.withOffers(*l))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched, len(matched), nil
}

func (s *Store) UpdateListing(_ context.Context, _ pgx.Tx, id string, patch listing.Patch, at time.Time) (listing.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return listing.Listing{}, listing.ErrNotFound
	}
	if patch.Address != nil {
		l.Address = *patch.Address
	}
	if patch.SellerName != nil {
		l.SellerName = *patch.SellerName
	}
	if patch.SellerEmail != nil {
		l.SellerEmail = *patch.SellerEmail
	}
	if patch.ListedPrice != nil {
		l.ListedPrice = *patch.ListedPrice
	}
	if patch.MainPhoto != nil {
		l.MainPhoto = *patch.MainPhoto
	}
	if patch.Status != nil {
		l.Status = *patch.Status
	}
	l.UpdatedAt = at
	return *l, nil
}

func (s *Store) GetOffer(_ context.Context, _ pgx.Tx, listingID, offerID string) (listing.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok || (listingID != "" && o.ListingID != listingID) {
		return listing.Offer{}, listing.ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (s *Store) InsertOffer(_ context.Context, _ pgx.Tx, o listing.Offer) (listing.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[o.ListingID]; !ok {
		return listing.Offer{}, errors.New("listingtest: offer references a missing listing")
	}
	o.ID = s.newID()
	o.UpdatedAt = o.CreatedAt
	s.offers[o.ID] = &o
	s.order = append(s.order, o.ID)
	return copyOffer(&o), nil
}

func (s *Store) UpdateOffer(_ context.Context, _ pgx.Tx, u listing.OfferUpdate) (listing.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdateOffer != nil {
		return listing.Offer{}, s.FailUpdateOffer
	}
	o, ok := s.offers[u.OfferID]
	if !ok || o.ListingID != u.ListingID || !contains(u.Expected, o.Status) {
		return listing.Offer{}, listing.ErrStaleOffer
	}
	o.Status = u.Next
	if u.CounterOffer != nil {
		v := *u.CounterOffer
		o.CounterOffer = &v
	}
	if u.AgentNotes != nil {
		o.AgentNotes = *u.AgentNotes
	}
	o.UpdatedAt = u.At
	return copyOffer(o), nil
}

func (s *Store) AppendHistory(_ context.Context, _ pgx.Tx, offerID string, e listing.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok {
		return listing.ErrOfferNotFound
	}
	o.History = append(o.History, e)
	return nil
}

func (s *Store) RejectOpenSiblings(_ context.Context, _ pgx.Tx, listingID, keepOfferID, note, actor string, at time.Time) ([]listing.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rejected := []listing.Offer{}
	for _, id := range s.order {
		o := s.offers[id]
		if o.ListingID != listingID || o.ID == keepOfferID || !o.Status.Open() {
			continue
		}
		o.Status = listing.OfferRejected
		o.AgentNotes = note
		o.UpdatedAt = at
		o.History = append(o.History, listing.HistoryEntry{
			Action:        string(listing.OfferRejected),
			Amount:        o.Amount,
			CounterAmount: o.CounterOffer,
			Notes:         note,
			Actor:         actor,
			At:            at,
		})
		rejected = append(rejected, copyOffer(o))
	}
	return rejected, nil
}

func (s *Store) SetStatus(_ context.Context, _ pgx.Tx, listingID string, status listing.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok {
		return listing.ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = at
	return nil
}

func (s *Store) withOffers(l listing.Listing) listing.Listing {
	l.Offers = []listing.Offer{}
	for _, id := range s.order {
		if o := s.offers[id]; o.ListingID == l.ID {
			l.Offers = append(l.Offers, copyOffer(o))
		}
	}
	return l
}

func copyOffer(o *listing.Offer) listing.Offer {
	if o == nil {
		return listing.Offer{}
	}
	out := *o
	out.History = append([]listing.HistoryEntry(nil), o.History...)
	return out
}

func contains(set []listing.OfferStatus, s listing.OfferStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Pool hands out Tx values that record commit and rollback.
type Pool struct {
	mu    sync.Mutex
	Begun int
	Last  *Tx
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Begun++
	p.Last = &Tx{}
	return p.Last, nil
}

// Tx is a pgx.Tx whose statements are not expected to run; stores ignore it.
type Tx struct {
	Committed  bool
	RolledBack bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("listingtest: nested transactions are not supported")
}

func (t *Tx) Commit(context.Context) error {
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if !t.Committed {
		t.RolledBack = true
	}
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}
