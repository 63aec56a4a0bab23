package accesscode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"offerflow/notify"
)

// DefaultTTL is how long a freshly issued buyer code stays valid.
const DefaultTTL = 30 * 24 * time.Hour

// ErrInvalidInput signals missing buyer identity or listing reference.
var ErrInvalidInput = errors.New("accesscode: listing, buyer email and buyer name are required")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service issues and validates buyer codes.
type Service struct {
	pool     TxBeginner
	repo     Repository
	gen      *Generator
	notifier notify.Notifier
	logger   *zap.Logger
	ttl      time.Duration
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, notifier notify.Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		gen:      NewGenerator(),
		notifier: notifier,
		logger:   logger,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
}

func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithGenerator(gen *Generator) *Service {
	s.gen = gen
	return s
}

// Issue returns the buyer's active code for the listing, minting one if none is valid,
// and emails it to the buyer.
func (s *Service) Issue(ctx context.Context, params IssueParams) (IssueResult, error) {
	params.BuyerEmail = strings.TrimSpace(params.BuyerEmail)
	params.BuyerName = strings.TrimSpace(params.BuyerName)
	if params.Listing.ID == "" || params.BuyerEmail == "" || params.BuyerName == "" {
		return IssueResult{}, ErrInvalidInput
	}

	result, err := s.issueOnce(ctx, params)
	if errors.Is(err, ErrActiveCodeExists) {
		// A concurrent issuer committed first; its code is reused on the second pass.
		result, err = s.issueOnce(ctx, params)
	}
	if err != nil {
		return IssueResult{}, err
	}

	if sent := s.deliver(ctx, params.Listing, result.Code); sent != nil {
		result.Code.LastEmailSent = sent
	}
	return result, nil
}

func (s *Service) issueOnce(ctx context.Context, params IssueParams) (IssueResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return IssueResult{}, fmt.Errorf("accesscode: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	existing, err := s.repo.FindActiveForUpdate(ctx, tx, params.Listing.ID, params.BuyerEmail)
	switch {
	case err == nil && existing.ValidAt(now):
		if existing.BuyerName != params.BuyerName {
			existing, err = s.repo.UpdateBuyerName(ctx, tx, existing.ID, params.BuyerName, now)
			if err != nil {
				return IssueResult{}, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return IssueResult{}, fmt.Errorf("accesscode: commit tx: %w", err)
		}
		return IssueResult{Code: existing, Reused: true}, nil
	case err == nil:
		if err := s.repo.DeactivateByID(ctx, tx, existing.ID, now); err != nil {
			return IssueResult{}, err
		}
	case !errors.Is(err, ErrNotFound):
		return IssueResult{}, err
	}

	var created BuyerCode
	_, err = MintUnique(s.gen.BuyerCode, func(candidate string) (bool, error) {
		var ok bool
		created, ok, err = s.repo.Insert(ctx, tx, BuyerCode{
			Code:       candidate,
			ListingID:  params.Listing.ID,
			BuyerEmail: params.BuyerEmail,
			BuyerName:  params.BuyerName,
			IsActive:   true,
			ExpiresAt:  now.Add(s.ttl),
			CreatedAt:  now,
		})
		return ok, err
	})
	if err != nil {
		return IssueResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return IssueResult{}, fmt.Errorf("accesscode: commit tx: %w", err)
	}
	return IssueResult{Code: created}, nil
}

// Validate resolves a presented code. When listingID is non-empty the code must have
// been issued for exactly that listing.
func (s *Service) Validate(ctx context.Context, code, listingID string) (BuyerCode, error) {
	code = Normalize(code)
	if code == "" {
		return BuyerCode{}, ErrNotFound
	}

	found, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return BuyerCode{}, err
	}
	if listingID != "" && found.ListingID != listingID {
		return BuyerCode{}, ErrNotFound
	}
	if !found.ValidAt(s.now()) {
		return BuyerCode{}, ErrNotFound
	}
	return found, nil
}

// Lookup returns a code regardless of validity, for owner-side management.
func (s *Service) Lookup(ctx context.Context, code string) (BuyerCode, error) {
	code = Normalize(code)
	if code == "" {
		return BuyerCode{}, ErrNotFound
	}
	return s.repo.GetByCode(ctx, code)
}

// Deactivate clears the active flag. The row is kept.
func (s *Service) Deactivate(ctx context.Context, code string) (BuyerCode, error) {
	return s.repo.Deactivate(ctx, Normalize(code), s.now())
}

func (s *Service) ListForListing(ctx context.Context, listingID string) ([]BuyerCode, error) {
	return s.repo.ListByListing(ctx, listingID)
}

// Resend emails a still-valid code to its buyer again.
func (s *Service) Resend(ctx context.Context, code string, listing ListingRef) (BuyerCode, error) {
	found, err := s.Validate(ctx, code, listing.ID)
	if err != nil {
		return BuyerCode{}, err
	}
	if sent := s.deliver(ctx, listing, found); sent != nil {
		found.LastEmailSent = sent
	}
	return found, nil
}

func (s *Service) deliver(ctx context.Context, listing ListingRef, code BuyerCode) *time.Time {
	accepted := s.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventBuyerCodeIssued,
		ListingID: listing.ID,
		To:        []string{code.BuyerEmail},
		Data: map[string]string{
			"address":   listing.Address,
			"buyerName": code.BuyerName,
			"code":      code.Code,
			"listingId": listing.ID,
			"expiresAt": code.ExpiresAt.UTC().Format("2 January 2006"),
		},
	})
	if !accepted {
		return nil
	}

	sentAt := s.now()
	if err := s.repo.MarkEmailSent(ctx, code.Code, sentAt); err != nil {
		s.logger.Warn("record buyer code email", zap.String("listing_id", listing.ID), zap.Error(err))
		return nil
	}
	return &sentAt
}
