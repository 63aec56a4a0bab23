package negotiation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"offerflow/accesscode"
	"offerflow/auth"
	"offerflow/authz"
	"offerflow/listing"
	"offerflow/listing/listingtest"
	"offerflow/notify"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type noOwners struct{}

func (noOwners) ManagingAdminID(context.Context, string) (string, error) { return "", nil }

type noCodes struct{}

func (noCodes) Validate(context.Context, string, string) (accesscode.BuyerCode, error) {
	return accesscode.BuyerCode{}, accesscode.ErrNotFound
}

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) bool {
	r.events = append(r.events, e)
	return true
}

func (r *recordingNotifier) types() []notify.EventType {
	out := make([]notify.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store    *listingtest.Store
	pool     *listingtest.Pool
	notifier *recordingNotifier
	engine   *Engine
	listing  listing.Listing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := listingtest.NewStore()
	store.AddAccount("agent-1", "ann@agency.test", "", 5, 1)
	l := store.AddListing(listing.Listing{
		AgentID: "agent-1", Address: "1 High St", SellerName: "Sam", SellerEmail: "sam@example.com",
		ListedPrice: 320000, Status: listing.StatusLive, SellerCode: "SELLERAA",
	})
	pool := &listingtest.Pool{}
	notifier := &recordingNotifier{}
	engine := NewEngine(pool, store, authz.NewGuard(noOwners{}, noCodes{}), notifier, zap.NewNop()).
		WithClock(func() time.Time { return testNow })
	return &fixture{store: store, pool: pool, notifier: notifier, engine: engine, listing: l}
}

func (f *fixture) offer(amount int64, status listing.OfferStatus) listing.Offer {
	return f.store.AddOffer(listing.Offer{
		ListingID: f.listing.ID, BuyerName: "Bea", BuyerEmail: "bea@example.com",
		Amount: amount, FundingType: listing.FundingCash, Status: status,
	})
}

var (
	agentCreds  = authz.Credentials{Principal: &authz.Principal{UserID: "agent-1", Role: auth.RoleAgent, Email: "ann@agency.test"}}
	sellerCreds = authz.Credentials{SellerCode: "selleraa"}
	buyerCreds  = authz.Credentials{BuyerEmail: "bea@example.com"}
)

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	offer, err := f.engine.Submit(context.Background(), SubmitParams{
		ListingID: f.listing.ID, BuyerName: "Bea", BuyerEmail: "bea@example.com",
		Amount: "£310,000", FundingType: listing.FundingMortgage, AIPPresent: true, Notes: " keen ",
	})
	require.NoError(t, err)

	assert.Equal(t, listing.OfferSubmitted, offer.Status)
	assert.Equal(t, int64(310000), offer.Amount)
	assert.True(t, f.pool.Last.Committed)

	stored := f.store.Offer(offer.ID)
	require.Len(t, stored.History, 1)
	assert.Equal(t, "submitted", stored.History[0].Action)
	assert.Equal(t, "keen", stored.History[0].Notes)
	assert.Equal(t, "bea@example.com", stored.History[0].Actor)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, notify.EventOfferSubmitted, f.notifier.events[0].Type)
	assert.ElementsMatch(t, []string{"ann@agency.test", "sam@example.com"}, f.notifier.events[0].To)
	assert.Equal(t, listing.StatusLive, f.store.Listing(f.listing.ID).Status)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := SubmitParams{ListingID: f.listing.ID, BuyerName: "Bea", BuyerEmail: "bea@example.com", Amount: "1000", FundingType: listing.FundingCash}

	bad := base
	bad.FundingType = "Barter"
	_, err := f.engine.Submit(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidOffer)

	bad = base
	bad.Amount = "lots"
	_, err = f.engine.Submit(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidAmount)

	bad = base
	bad.ListingID = "missing"
	_, err = f.engine.Submit(ctx, bad)
	require.ErrorIs(t, err, listing.ErrNotFound)
}

func TestApply_EveryValidTransitionAppendsOneHistoryEntry(t *testing.T) {
	cases := []struct {
		from   listing.OfferStatus
		action Action
		creds  authz.Credentials
		want   listing.OfferStatus
	}{
		{listing.OfferSubmitted, ActionCounter, agentCreds, listing.OfferCountered},
		{listing.OfferSubmitted, ActionAccept, sellerCreds, listing.OfferAccepted},
		{listing.OfferSubmitted, ActionReject, agentCreds, listing.OfferRejected},
		{listing.OfferSubmitted, ActionWithdraw, buyerCreds, listing.OfferWithdrawn},
		{listing.OfferCountered, ActionAccept, agentCreds, listing.OfferAccepted},
		{listing.OfferCountered, ActionReject, sellerCreds, listing.OfferRejected},
		{listing.OfferCountered, ActionWithdraw, buyerCreds, listing.OfferWithdrawn},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.action), func(t *testing.T) {
			f := newFixture(t)
			o := f.offer(300000, tc.from)
			before := len(f.store.Offer(o.ID).History)

			res, err := f.engine.Apply(context.Background(), Command{
				ListingID: f.listing.ID, OfferID: o.ID, Action: tc.action, CounterAmount: "305000", Credentials: tc.creds,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Offer.Status)

			stored := f.store.Offer(o.ID)
			assert.Equal(t, tc.want, stored.Status)
			require.Len(t, stored.History, before+1)
			assert.Equal(t, string(tc.want), stored.History[before].Action)
			assert.Equal(t, int64(300000), stored.History[before].Amount)
			assert.True(t, f.pool.Last.Committed)
		})
	}
}

func TestApply_TerminalStatesRejectEveryAction(t *testing.T) {
	for _, from := range []listing.OfferStatus{listing.OfferAccepted, listing.OfferRejected, listing.OfferWithdrawn} {
		for _, action := range []Action{ActionCounter, ActionAccept, ActionReject, ActionWithdraw} {
			t.Run(string(from)+"/"+string(action), func(t *testing.T) {
				f := newFixture(t)
				o := f.offer(300000, from)
				creds := agentCreds
				if action == ActionWithdraw {
					creds = buyerCreds
				}

				_, err := f.engine.Apply(context.Background(), Command{
					OfferID: o.ID, Action: action, CounterAmount: "1000", Credentials: creds,
				})
				require.ErrorIs(t, err, ErrInvalidTransition)

				stored := f.store.Offer(o.ID)
				assert.Equal(t, from, stored.Status)
				assert.Empty(t, stored.History)
				assert.False(t, f.pool.Last.Committed)
				assert.Empty(t, f.notifier.events)
			})
		}
	}
}

func TestApply_AcceptCascade(t *testing.T) {
	f := newFixture(t)
	first := f.offer(300000, listing.OfferSubmitted)
	second := f.offer(310000, listing.OfferSubmitted)
	countered := f.offer(305000, listing.OfferCountered)
	withdrawn := f.offer(290000, listing.OfferWithdrawn)
	rejected := f.offer(280000, listing.OfferRejected)

	res, err := f.engine.Apply(context.Background(), Command{
		ListingID: f.listing.ID, OfferID: second.ID, Action: ActionAccept, Credentials: agentCreds,
	})
	require.NoError(t, err)

	assert.Equal(t, listing.OfferAccepted, res.Offer.Status)
	assert.Equal(t, listing.StatusSold, res.ListingStatus)
	assert.Len(t, res.AutoRejected, 2)

	for _, id := range []string{first.ID, countered.ID} {
		o := f.store.Offer(id)
		assert.Equal(t, listing.OfferRejected, o.Status)
		assert.True(t, strings.Contains(o.AgentNotes, "Automatically rejected"))
		require.Len(t, o.History, 1)
		assert.Equal(t, SystemActor, o.History[0].Actor)
	}
	assert.Equal(t, listing.OfferWithdrawn, f.store.Offer(withdrawn.ID).Status)
	assert.Empty(t, f.store.Offer(withdrawn.ID).History)
	assert.Equal(t, listing.OfferRejected, f.store.Offer(rejected.ID).Status)
	assert.Empty(t, f.store.Offer(rejected.ID).History)

	l := f.store.Listing(f.listing.ID)
	assert.Equal(t, listing.StatusSold, l.Status)
	assert.Equal(t, int64(310000), l.HighestOffer())

	assert.Equal(t, []notify.EventType{notify.EventOfferAccepted, notify.EventOfferRejected, notify.EventOfferRejected}, f.notifier.types())
}

func TestApply_AcceptCarriesPriorCounterIntoHistory(t *testing.T) {
	f := newFixture(t)
	o := f.offer(300000, listing.OfferSubmitted)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, Command{OfferID: o.ID, Action: ActionCounter, CounterAmount: "£310,000", Notes: "meet us halfway", Credentials: sellerCreds})
	require.NoError(t, err)

	stored := f.store.Offer(o.ID)
	require.NotNil(t, stored.CounterOffer)
	assert.Equal(t, int64(310000), *stored.CounterOffer)
	assert.Equal(t, "meet us halfway", stored.AgentNotes)
	assert.Equal(t, "sam@example.com", stored.History[0].Actor)

	_, err = f.engine.Apply(ctx, Command{OfferID: o.ID, Action: ActionAccept, Credentials: agentCreds})
	require.NoError(t, err)

	stored = f.store.Offer(o.ID)
	require.Len(t, stored.History, 2)
	require.NotNil(t, stored.History[1].CounterAmount)
	assert.Equal(t, int64(310000), *stored.History[1].CounterAmount)
	assert.Equal(t, "ann@agency.test", stored.History[1].Actor)
}

func TestApply_CounterRequiresPositiveAmount(t *testing.T) {
	for _, amount := range []string{"", "0", "-100", "abc"} {
		f := newFixture(t)
		o := f.offer(300000, listing.OfferSubmitted)

		_, err := f.engine.Apply(context.Background(), Command{OfferID: o.ID, Action: ActionCounter, CounterAmount: amount, Credentials: agentCreds})
		require.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
		assert.Equal(t, listing.OfferSubmitted, f.store.Offer(o.ID).Status)
	}
}

func TestApply_Authorization(t *testing.T) {
	f := newFixture(t)
	o := f.offer(300000, listing.OfferSubmitted)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, Command{OfferID: o.ID, Action: ActionAccept, Credentials: authz.Credentials{SellerCode: "WRONG123"}})
	require.ErrorIs(t, err, authz.ErrForbidden)

	_, err = f.engine.Apply(ctx, Command{OfferID: o.ID, Action: ActionAccept, Credentials: buyerCreds})
	require.ErrorIs(t, err, authz.ErrForbidden)

	_, err = f.engine.Apply(ctx, Command{OfferID: o.ID, Action: ActionWithdraw, Credentials: authz.Credentials{BuyerEmail: "mallory@example.com"}})
	require.ErrorIs(t, err, authz.ErrForbidden)

	other := authz.Credentials{Principal: &authz.Principal{UserID: "agent-2", Role: auth.RoleAgent}}
	_, err = f.engine.Apply(ctx, Command{OfferID: o.ID, Action: ActionReject, Credentials: other})
	require.ErrorIs(t, err, authz.ErrForbidden)

	_, err = f.engine.Apply(ctx, Command{OfferID: o.ID, Action: ActionReject})
	require.ErrorIs(t, err, authz.ErrUnauthenticated)

	assert.Equal(t, listing.OfferSubmitted, f.store.Offer(o.ID).Status)
}

func TestApply_OfferScopedToListing(t *testing.T) {
	f := newFixture(t)
	o := f.offer(300000, listing.OfferSubmitted)

	_, err := f.engine.Apply(context.Background(), Command{ListingID: "listing-other", OfferID: o.ID, Action: ActionReject, Credentials: agentCreds})
	require.ErrorIs(t, err, listing.ErrOfferNotFound)
}

func TestApply_SoldListingBlocksAccept(t *testing.T) {
	f := newFixture(t)
	accepted := f.offer(300000, listing.OfferSubmitted)
	_, err := f.engine.Apply(context.Background(), Command{OfferID: accepted.ID, Action: ActionAccept, Credentials: agentCreds})
	require.NoError(t, err)

	late := f.offer(350000, listing.OfferSubmitted)
	_, err = f.engine.Apply(context.Background(), Command{OfferID: late.ID, Action: ActionAccept, Credentials: agentCreds})
	require.ErrorIs(t, err, ErrListingSold)

	_, err = f.engine.Apply(context.Background(), Command{OfferID: late.ID, Action: ActionReject, Credentials: agentCreds})
	require.NoError(t, err)
}

func TestApply_WithdrawnListingBlocksAcceptAndCounter(t *testing.T) {
	f := newFixture(t)
	o := f.offer(300000, listing.OfferSubmitted)
	require.NoError(t, f.store.SetStatus(context.Background(), nil, f.listing.ID, listing.StatusWithdrawn, testNow))

	_, err := f.engine.Apply(context.Background(), Command{OfferID: o.ID, Action: ActionAccept, Credentials: agentCreds})
	require.ErrorIs(t, err, ErrListingWithdrawn)
	_, err = f.engine.Apply(context.Background(), Command{OfferID: o.ID, Action: ActionCounter, CounterAmount: "310000", Credentials: agentCreds})
	require.ErrorIs(t, err, ErrListingWithdrawn)

	res, err := f.engine.Apply(context.Background(), Command{OfferID: o.ID, Action: ActionReject, Credentials: agentCreds})
	require.NoError(t, err)
	assert.Equal(t, listing.StatusWithdrawn, res.ListingStatus)
}

func TestApply_StatusDependentActionsLockTheListing(t *testing.T) {
	cases := []struct {
		action Action
		creds  authz.Credentials
		locks  bool
	}{
		{ActionAccept, agentCreds, true},
		{ActionCounter, sellerCreds, true},
		{ActionReject, agentCreds, false},
		{ActionWithdraw, buyerCreds, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.action), func(t *testing.T) {
			f := newFixture(t)
			o := f.offer(300000, listing.OfferSubmitted)

			_, err := f.engine.Apply(context.Background(), Command{
				OfferID: o.ID, Action: tc.action, CounterAmount: "310000", Credentials: tc.creds,
			})
			require.NoError(t, err)
			if tc.locks {
				assert.Equal(t, []string{f.listing.ID}, f.store.Locked)
			} else {
				assert.Empty(t, f.store.Locked)
			}
		})
	}
}

func TestApply_LostRaceIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	o := f.offer(300000, listing.OfferSubmitted)
	f.store.FailUpdateOffer = listing.ErrStaleOffer

	_, err := f.engine.Apply(context.Background(), Command{OfferID: o.ID, Action: ActionReject, Credentials: agentCreds})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, f.pool.Last.RolledBack)
}

func TestApply_StoreFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	o := f.offer(300000, listing.OfferSubmitted)
	boom := errors.New("connection reset")
	f.store.FailUpdateOffer = boom

	_, err := f.engine.Apply(context.Background(), Command{OfferID: o.ID, Action: ActionReject, Credentials: agentCreds})
	require.ErrorIs(t, err, boom)
	assert.True(t, f.pool.Last.RolledBack)
	assert.Empty(t, f.notifier.events)
}
