package agency

import (
	"context"
	"errors"
)

// ErrInvalidQuota signals a negative listing ceiling.
var ErrInvalidQuota = errors.New("agency: max listings must not be negative")

// Store abstracts repository operations for the service.
type Store interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	SetMaxListings(ctx context.Context, id string, max int) error
	ManagingAdminID(ctx context.Context, agentID string) (string, error)
}

// Service exposes company quota operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// GetByID returns the quota holder for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit quota holders.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// SetMaxListings changes the ceiling. A value below current usage blocks new listings
// without touching existing ones.
func (s *Service) SetMaxListings(ctx context.Context, id string, max int) (Profile, error) {
	if max < 0 {
		return Profile{}, ErrInvalidQuota
	}
	if err := s.repo.SetMaxListings(ctx, id, max); err != nil {
		return Profile{}, err
	}
	return s.repo.GetByID(ctx, id)
}

// ManagingAdminID returns the admin an agent reports to, "" when independent.
func (s *Service) ManagingAdminID(ctx context.Context, agentID string) (string, error) {
	return s.repo.ManagingAdminID(ctx, agentID)
}
