// Package authz decides whether a caller may act on a listing or one of its offers.
// Session roles and presented access codes are separate strategies behind one Guard.
package authz

import (
	"context"
	"errors"
	"strings"

	"offerflow/accesscode"
	"offerflow/auth"
	"offerflow/listing"
)

var (
	// ErrUnauthenticated signals that no credential of any kind was presented.
	ErrUnauthenticated = errors.New("authz: credentials required")
	// ErrForbidden signals credentials that do not grant the action on this resource.
	ErrForbidden = errors.New("authz: forbidden")
)

type Action string

const (
	ActionViewListing      Action = "view_listing"
	ActionEditListing      Action = "edit_listing"
	ActionManageBuyerCodes Action = "manage_buyer_codes"
	ActionNegotiate        Action = "negotiate"
	ActionWithdraw         Action = "withdraw"
)

type ActorKind string

const (
	ActorSystemAdmin     ActorKind = "system_admin"
	ActorRealEstateAdmin ActorKind = "real_estate_admin"
	ActorAgent           ActorKind = "agent"
	ActorSeller          ActorKind = "seller"
	ActorBuyer           ActorKind = "buyer"
)

// Actor is who the guard established the caller to be.
type Actor struct {
	Kind  ActorKind
	ID    string
	Name  string
	Email string
}

// Label is the identity recorded in offer history.
func (a Actor) Label() string {
	if a.Email != "" {
		return a.Email
	}
	return a.Name
}

// Principal is a caller resolved from a session token.
type Principal struct {
	UserID string
	Role   auth.Role
	Email  string
}

// Credentials is everything a request presented.
type Credentials struct {
	Principal  *Principal
	SellerCode string
	BuyerCode  string
	BuyerEmail string
}

func (c Credentials) empty() bool {
	return c.Principal == nil && strings.TrimSpace(c.SellerCode) == "" &&
		strings.TrimSpace(c.BuyerCode) == "" && strings.TrimSpace(c.BuyerEmail) == ""
}

// Resource is the target of an action. Offer is set for offer-level actions.
type Resource struct {
	Listing listing.Listing
	Offer   *listing.Offer
}

// OwnerDirectory resolves the company an agent belongs to.
type OwnerDirectory interface {
	ManagingAdminID(ctx context.Context, agentID string) (string, error)
}

// CodeValidator checks a buyer code against one listing.
type CodeValidator interface {
	Validate(ctx context.Context, code, listingID string) (accesscode.BuyerCode, error)
}

// Strategy grants an action from one kind of credential. ok=false means this
// strategy does not grant it; an error is an infrastructure failure.
type Strategy interface {
	Grant(ctx context.Context, action Action, res Resource, creds Credentials) (Actor, bool, error)
}

// Guard applies the strategies configured for each action in order.
type Guard struct {
	strategies map[Action][]Strategy
}

func NewGuard(owners OwnerDirectory, codes CodeValidator) *Guard {
	role := RoleStrategy{Owners: owners}
	seller := SellerCodeStrategy{}
	buyer := BuyerCodeStrategy{Codes: codes}
	claim := BuyerEmailStrategy{}

	return &Guard{strategies: map[Action][]Strategy{
		ActionViewListing:      {role, seller, buyer},
		ActionEditListing:      {role},
		ActionManageBuyerCodes: {role},
		ActionNegotiate:        {role, seller},
		ActionWithdraw:         {buyer, claim},
	}}
}

// Authorize returns the actor the credentials establish for action on res.
func (g *Guard) Authorize(ctx context.Context, action Action, res Resource, creds Credentials) (Actor, error) {
	if creds.empty() {
		return Actor{}, ErrUnauthenticated
	}
	for _, s := range g.strategies[action] {
		actor, ok, err := s.Grant(ctx, action, res, creds)
		if err != nil {
			return Actor{}, err
		}
		if ok {
			return actor, nil
		}
	}
	return Actor{}, ErrForbidden
}

// RoleStrategy grants by session role and listing ownership. Real-estate admins reach
// listings of their own agents only; system admins reach everything.
type RoleStrategy struct {
	Owners OwnerDirectory
}

func (s RoleStrategy) Grant(ctx context.Context, _ Action, res Resource, creds Credentials) (Actor, bool, error) {
	p := creds.Principal
	if p == nil {
		return Actor{}, false, nil
	}
	actor := Actor{ID: p.UserID, Email: p.Email}

	switch p.Role {
	case auth.RoleSystemAdmin:
		actor.Kind = ActorSystemAdmin
		return actor, true, nil
	case auth.RoleAgent:
		actor.Kind = ActorAgent
		return actor, res.Listing.AgentID == p.UserID, nil
	case auth.RoleRealEstateAdmin:
		actor.Kind = ActorRealEstateAdmin
		if res.Listing.AgentID == p.UserID {
			return actor, true, nil
		}
		adminID, err := s.Owners.ManagingAdminID(ctx, res.Listing.AgentID)
		if err != nil {
			return Actor{}, false, err
		}
		return actor, adminID != "" && adminID == p.UserID, nil
	}
	return Actor{}, false, nil
}

// SellerCodeStrategy grants to whoever presents the listing's seller code.
type SellerCodeStrategy struct{}

func (SellerCodeStrategy) Grant(_ context.Context, _ Action, res Resource, creds Credentials) (Actor, bool, error) {
	code := strings.TrimSpace(creds.SellerCode)
	if code == "" || res.Listing.SellerCode == "" || !strings.EqualFold(code, res.Listing.SellerCode) {
		return Actor{}, false, nil
	}
	return Actor{Kind: ActorSeller, ID: res.Listing.ID, Name: res.Listing.SellerName, Email: res.Listing.SellerEmail}, true, nil
}

// BuyerCodeStrategy grants to the holder of a valid buyer code issued for this listing.
// On offer-level actions the code's buyer must also be the offer's buyer.
type BuyerCodeStrategy struct {
	Codes CodeValidator
}

func (s BuyerCodeStrategy) Grant(ctx context.Context, _ Action, res Resource, creds Credentials) (Actor, bool, error) {
	if strings.TrimSpace(creds.BuyerCode) == "" || res.Listing.ID == "" {
		return Actor{}, false, nil
	}
	code, err := s.Codes.Validate(ctx, creds.BuyerCode, res.Listing.ID)
	if errors.Is(err, accesscode.ErrNotFound) {
		return Actor{}, false, nil
	}
	if err != nil {
		return Actor{}, false, err
	}
	if res.Offer != nil && !accesscode.SameEmail(code.BuyerEmail, res.Offer.BuyerEmail) {
		return Actor{}, false, nil
	}
	return Actor{Kind: ActorBuyer, ID: code.Code, Name: code.BuyerName, Email: code.BuyerEmail}, true, nil
}

// BuyerEmailStrategy grants when the claimed email is the offer's buyer email.
type BuyerEmailStrategy struct{}

func (BuyerEmailStrategy) Grant(_ context.Context, _ Action, res Resource, creds Credentials) (Actor, bool, error) {
	claim := strings.TrimSpace(creds.BuyerEmail)
	if claim == "" || res.Offer == nil || !accesscode.SameEmail(claim, res.Offer.BuyerEmail) {
		return Actor{}, false, nil
	}
	return Actor{Kind: ActorBuyer, Name: res.Offer.BuyerName, Email: res.Offer.BuyerEmail}, true, nil
}
