package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"offerflow/accesscode"
	"offerflow/notify"
)

var (
	// ErrInvalidInput signals missing or malformed listing fields.
	ErrInvalidInput = errors.New("listing: invalid input")
	// ErrInvalidStatusChange signals a status move that editing may not make.
	ErrInvalidStatusChange = errors.New("listing: status change not allowed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// statusEdits lists the status moves an edit may make. Sold is only reached by accepting an offer.
var statusEdits = map[Status][]Status{
	StatusDraft:      {StatusLive},
	StatusLive:       {StatusDraft, StatusUnderOffer, StatusWithdrawn},
	StatusUnderOffer: {StatusLive, StatusWithdrawn},
	StatusWithdrawn:  {StatusLive},
}

// CanEdit reports whether an edit may move a listing from one status to another.
func CanEdit(from, to Status) bool {
	for _, allowed := range statusEdits[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type CreateParams struct {
	AgentID     string
	Address     string
	SellerName  string
	SellerEmail string
	ListedPrice int64
	MainPhoto   string
	Status      Status
}

type ListResult struct {
	Items []Listing
	Total int
}

// Service owns listing creation, quota accounting and edits.
type Service struct {
	pool     TxBeginner
	repo     Repository
	gen      *accesscode.Generator
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, notifier notify.Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		gen:      accesscode.NewGenerator(),
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithGenerator(gen *accesscode.Generator) *Service {
	s.gen = gen
	return s
}

// Create inserts a listing with a fresh seller code and consumes one unit of the owner's
// quota in the same transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (Listing, error) {
	params.Address = strings.TrimSpace(params.Address)
	params.SellerName = strings.TrimSpace(params.SellerName)
	params.SellerEmail = strings.TrimSpace(params.SellerEmail)
	if params.AgentID == "" || params.Address == "" || params.SellerName == "" || params.SellerEmail == "" {
		return Listing{}, fmt.Errorf("%w: address, sellerName and sellerEmail are required", ErrInvalidInput)
	}
	if params.ListedPrice < 0 {
		return Listing{}, fmt.Errorf("%w: listedPrice must not be negative", ErrInvalidInput)
	}
	switch params.Status {
	case "":
		params.Status = StatusLive
	case StatusDraft, StatusLive:
	default:
		return Listing{}, fmt.Errorf("%w: a new listing must be draft or live", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.ConsumeQuota(ctx, tx, params.AgentID); err != nil {
		return Listing{}, err
	}

	now := s.now()
	var created Listing
	_, err = accesscode.MintUnique(s.gen.SellerCode, func(candidate string) (bool, error) {
		var ok bool
		created, ok, err = s.repo.InsertListing(ctx, tx, Listing{
			AgentID:     params.AgentID,
			Address:     params.Address,
			SellerName:  params.SellerName,
			SellerEmail: params.SellerEmail,
			ListedPrice: params.ListedPrice,
			MainPhoto:   params.MainPhoto,
			Status:      params.Status,
			SellerCode:  candidate,
			CreatedAt:   now,
		})
		return ok, err
	})
	if err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}

	s.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventListingCreated,
		ListingID: created.ID,
		To:        []string{created.SellerEmail},
		Data: map[string]string{
			"address":    created.Address,
			"sellerName": created.SellerName,
			"sellerCode": created.SellerCode,
			"listingId":  created.ID,
		},
	})
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Listing, error) {
	return s.repo.GetListing(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return ListResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filters.Status)
	}
	items, total, err := s.repo.ListListings(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Ref returns the listing fields buyer-code emails need.
func (s *Service) Ref(ctx context.Context, id string) (accesscode.ListingRef, error) {
	l, err := s.repo.GetListing(ctx, id)
	if err != nil {
		return accesscode.ListingRef{}, err
	}
	return accesscode.ListingRef{ID: l.ID, Address: l.Address}, nil
}

// Update edits listing fields. Moving into or out of withdrawn releases or consumes a quota unit.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (Listing, error) {
	if err := validatePatch(&patch); err != nil {
		return Listing{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetListingTx(ctx, tx, id, true)
	if err != nil {
		return Listing{}, err
	}

	if patch.Status != nil {
		next := *patch.Status
		if next == current.Status {
			patch.Status = nil
		} else {
			if !CanEdit(current.Status, next) {
				return Listing{}, fmt.Errorf("%w: %s to %s", ErrInvalidStatusChange, current.Status, next)
			}
			switch {
			case current.Status.CountsAgainstQuota() && !next.CountsAgainstQuota():
				if err := s.repo.ReleaseQuota(ctx, tx, current.AgentID); err != nil {
					return Listing{}, err
				}
			case !current.Status.CountsAgainstQuota() && next.CountsAgainstQuota():
				if _, err := s.repo.ConsumeQuota(ctx, tx, current.AgentID); err != nil {
					return Listing{}, err
				}
			}
		}
	}

	if _, err := s.repo.UpdateListing(ctx, tx, id, patch, s.now()); err != nil {
		return Listing{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}
	return s.repo.GetListing(ctx, id)
}

func validatePatch(patch *Patch) error {
	trimmed := func(field string, v *string) error {
		if v == nil {
			return nil
		}
		*v = strings.TrimSpace(*v)
		if *v == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrInvalidInput, field)
		}
		return nil
	}
	if err := trimmed("address", patch.Address); err != nil {
		return err
	}
	if err := trimmed("sellerName", patch.SellerName); err != nil {
		return err
	}
	if err := trimmed("sellerEmail", patch.SellerEmail); err != nil {
		return err
	}
	if patch.ListedPrice != nil && *patch.ListedPrice < 0 {
		return fmt.Errorf("%w: listedPrice must not be negative", ErrInvalidInput)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *patch.Status)
	}
	return nil
}
