package accesscode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"offerflow/notify"
)

type fakeRepo struct {
	mu      sync.Mutex
	codes   map[string]*BuyerCode
	nextID  int
	sent    []string
	raceOn  int
	inserts int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{codes: map[string]*BuyerCode{}}
}

func (f *fakeRepo) put(c BuyerCode) {
	f.nextID++
	if c.ID == "" {
		c.ID = fmt.Sprintf("code-%d", f.nextID)
	}
	f.codes[c.Code] = &c
}

func (f *fakeRepo) FindActiveForUpdate(_ context.Context, _ pgx.Tx, listingID, buyerEmail string) (BuyerCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.ListingID == listingID && strings.EqualFold(c.BuyerEmail, buyerEmail) && c.IsActive {
			return *c, nil
		}
	}
	return BuyerCode{}, ErrNotFound
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, code BuyerCode) (BuyerCode, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.raceOn == f.inserts {
		// Simulates another issuer committing an active code first.
		f.nextID++
		winner := BuyerCode{ID: "winner", Code: "BUYWINNER", ListingID: code.ListingID, BuyerEmail: code.BuyerEmail,
			BuyerName: code.BuyerName, IsActive: true, ExpiresAt: code.ExpiresAt}
		f.codes[winner.Code] = &winner
		return BuyerCode{}, false, ErrActiveCodeExists
	}
	if _, taken := f.codes[code.Code]; taken {
		return BuyerCode{}, false, nil
	}
	f.put(code)
	return *f.codes[code.Code], true, nil
}

func (f *fakeRepo) UpdateBuyerName(_ context.Context, _ pgx.Tx, id, buyerName string, at time.Time) (BuyerCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.ID == id {
			c.BuyerName = buyerName
			c.UpdatedAt = at
			return *c, nil
		}
	}
	return BuyerCode{}, ErrNotFound
}

func (f *fakeRepo) DeactivateByID(_ context.Context, _ pgx.Tx, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.ID == id {
			c.IsActive = false
			c.UpdatedAt = at
		}
	}
	return nil
}

func (f *fakeRepo) GetByCode(_ context.Context, code string) (BuyerCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.codes[code]
	if !ok {
		return BuyerCode{}, ErrNotFound
	}
	return *c, nil
}

func (f *fakeRepo) ListByListing(_ context.Context, listingID string) ([]BuyerCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []BuyerCode{}
	for _, c := range f.codes {
		if c.ListingID == listingID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeRepo) Deactivate(_ context.Context, code string, at time.Time) (BuyerCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.codes[code]
	if !ok {
		return BuyerCode{}, ErrNotFound
	}
	c.IsActive = false
	c.UpdatedAt = at
	return *c, nil
}

func (f *fakeRepo) MarkEmailSent(_ context.Context, code string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.codes[code]; ok {
		c.LastEmailSent = &at
		f.sent = append(f.sent, code)
	}
	return nil
}

func (f *fakeRepo) active(listingID, email string) []BuyerCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BuyerCode
	for _, c := range f.codes {
		if c.ListingID == listingID && strings.EqualFold(c.BuyerEmail, email) && c.IsActive {
			out = append(out, *c)
		}
	}
	return out
}

type fakePool struct {
	begun int
	last  *fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.begun++
	f.last = &fakeTx{}
	return f.last, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type recordingNotifier struct {
	events []notifyEvent
	accept bool
}

type notifyEvent struct {
	to   []string
	code string
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) bool {
	r.events = append(r.events, notifyEvent{to: e.To, code: e.Data["code"]})
	return r.accept
}
