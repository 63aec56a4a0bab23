package main

import (
	"time"

	"offerflow/accesscode"
	"offerflow/agency"
	"offerflow/auth"
	"offerflow/authz"
	"offerflow/listing"
	"offerflow/negotiation"
)

type userResponse struct {
	ID                string  `json:"id"`
	Email             string  `json:"email"`
	FullName          string  `json:"fullName"`
	Role              string  `json:"role"`
	RealEstateAdminID *string `json:"realEstateAdminId,omitempty"`
	MaxListings       int     `json:"maxListings"`
	UsedListings      int     `json:"usedListings"`
	CreatedAt         string  `json:"createdAt"`
}

func newUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:                u.ID,
		Email:             u.Email,
		FullName:          u.FullName,
		Role:              string(u.Role),
		RealEstateAdminID: u.RealEstateAdminID,
		MaxListings:       u.MaxListings,
		UsedListings:      u.UsedListings,
		CreatedAt:         u.CreatedAt.Format(time.RFC3339),
	}
}

type historyResponse struct {
	Action        string `json:"action"`
	Amount        int64  `json:"amount"`
	CounterAmount *int64 `json:"counterAmount,omitempty"`
	Notes         string `json:"notes,omitempty"`
	Actor         string `json:"actor"`
	Timestamp     string `json:"timestamp"`
}

type offerResponse struct {
	ID           string            `json:"id"`
	ListingID    string            `json:"listingId"`
	BuyerName    string            `json:"buyerName"`
	BuyerEmail   string            `json:"buyerEmail"`
	Amount       int64             `json:"amount"`
	FundingType  string            `json:"fundingType"`
	Chain        bool              `json:"chain"`
	AIPPresent   bool              `json:"aipPresent"`
	Status       string            `json:"status"`
	CounterOffer *int64            `json:"counterOffer,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	AgentNotes   string            `json:"agentNotes,omitempty"`
	CreatedAt    string            `json:"createdAt"`
	UpdatedAt    string            `json:"updatedAt"`
	OfferHistory []historyResponse `json:"offerHistory"`
}

func newOfferResponse(o listing.Offer) offerResponse {
	history := make([]historyResponse, 0, len(o.History))
	for _, h := range o.History {
		history = append(history, historyResponse{
			Action:        h.Action,
			Amount:        h.Amount,
			CounterAmount: h.CounterAmount,
			Notes:         h.Notes,
			Actor:         h.Actor,
			Timestamp:     h.At.Format(time.RFC3339),
		})
	}
	return offerResponse{
		ID:           o.ID,
		ListingID:    o.ListingID,
		BuyerName:    o.BuyerName,
		BuyerEmail:   o.BuyerEmail,
		Amount:       o.Amount,
		FundingType:  string(o.FundingType),
		Chain:        o.Chain,
		AIPPresent:   o.AIPPresent,
		Status:       string(o.Status),
		CounterOffer: o.CounterOffer,
		Notes:        o.Notes,
		AgentNotes:   o.AgentNotes,
		CreatedAt:    o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    o.UpdatedAt.Format(time.RFC3339),
		OfferHistory: history,
	}
}

// listingResponse never carries the seller code.
type listingResponse struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agentId"`
	Address      string          `json:"address"`
	SellerName   string          `json:"sellerName"`
	SellerEmail  string          `json:"sellerEmail,omitempty"`
	ListedPrice  int64           `json:"listedPrice"`
	MainPhoto    string          `json:"mainPhoto,omitempty"`
	Status       string          `json:"status"`
	HighestOffer int64           `json:"highestOffer"`
	Offers       []offerResponse `json:"offers"`
	CreatedAt    string          `json:"createdAt"`
	UpdatedAt    string          `json:"updatedAt"`
}

func newListingResponse(l listing.Listing) listingResponse {
	offers := make([]offerResponse, 0, len(l.Offers))
	for _, o := range l.Offers {
		offers = append(offers, newOfferResponse(o))
	}
	return listingResponse{
		ID:           l.ID,
		AgentID:      l.AgentID,
		Address:      l.Address,
		SellerName:   l.SellerName,
		SellerEmail:  l.SellerEmail,
		ListedPrice:  l.ListedPrice,
		MainPhoto:    l.MainPhoto,
		Status:       string(l.Status),
		HighestOffer: l.HighestOffer(),
		Offers:       offers,
		CreatedAt:    l.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    l.UpdatedAt.Format(time.RFC3339),
	}
}

// viewFor shapes a listing for the actor that was granted access. A buyer sees only
// their own offers and not the seller's contact details.
func viewFor(l listing.Listing, actor authz.Actor) listingResponse {
	if actor.Kind != authz.ActorBuyer {
		return newListingResponse(l)
	}
	own := make([]listing.Offer, 0, len(l.Offers))
	for _, o := range l.Offers {
		if accesscode.SameEmail(o.BuyerEmail, actor.Email) {
			own = append(own, o)
		}
	}
	l.Offers = own
	l.SellerEmail = ""
	return newListingResponse(l)
}

type listListingsResponse struct {
	Items    []listingResponse `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}

type actionResponse struct {
	Offer         offerResponse `json:"offer"`
	ListingStatus string        `json:"listingStatus"`
	AutoRejected  []string      `json:"autoRejected"`
}

func newActionResponse(r negotiation.Result) actionResponse {
	rejected := make([]string, 0, len(r.AutoRejected))
	for _, o := range r.AutoRejected {
		rejected = append(rejected, o.ID)
	}
	return actionResponse{
		Offer:         newOfferResponse(r.Offer),
		ListingStatus: string(r.ListingStatus),
		AutoRejected:  rejected,
	}
}

type buyerCodeResponse struct {
	Code          string  `json:"code"`
	ListingID     string  `json:"listingId"`
	BuyerEmail    string  `json:"buyerEmail"`
	BuyerName     string  `json:"buyerName"`
	IsActive      bool    `json:"isActive"`
	ExpiresAt     string  `json:"expiresAt"`
	LastEmailSent *string `json:"lastEmailSent,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	Reused        bool    `json:"reused,omitempty"`
}

func newBuyerCodeResponse(c accesscode.BuyerCode) buyerCodeResponse {
	resp := buyerCodeResponse{
		Code:       c.Code,
		ListingID:  c.ListingID,
		BuyerEmail: c.BuyerEmail,
		BuyerName:  c.BuyerName,
		IsActive:   c.IsActive,
		ExpiresAt:  c.ExpiresAt.Format(time.RFC3339),
		CreatedAt:  c.CreatedAt.Format(time.RFC3339),
	}
	if c.LastEmailSent != nil {
		sent := c.LastEmailSent.Format(time.RFC3339)
		resp.LastEmailSent = &sent
	}
	return resp
}

type codeCheckResponse struct {
	Valid      bool   `json:"valid"`
	ListingID  string `json:"listingId"`
	Address    string `json:"address"`
	BuyerName  string `json:"buyerName"`
	BuyerEmail string `json:"buyerEmail"`
	ExpiresAt  string `json:"expiresAt"`
}

type agencyResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	MaxListings  int    `json:"maxListings"`
	UsedListings int    `json:"usedListings"`
	AgentCount   int    `json:"agentCount"`
	CreatedAt    string `json:"createdAt"`
}

func newAgencyResponse(p agency.Profile) agencyResponse {
	return agencyResponse{
		ID:           p.ID,
		Name:         p.Name,
		Email:        p.Email,
		Role:         p.Role,
		MaxListings:  p.MaxListings,
		UsedListings: p.UsedListings,
		AgentCount:   p.AgentCount,
		CreatedAt:    p.CreatedAt.Format(time.RFC3339),
	}
}
