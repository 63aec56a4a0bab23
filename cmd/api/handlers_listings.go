package main

import (
	"fmt"
	"net/http"
	"strings"

	"offerflow/auth"
	"offerflow/authz"
	"offerflow/listing"
	"offerflow/negotiation"
)

type createListingRequest struct {
	Address     string     `json:"address" validate:"required"`
	SellerName  string     `json:"sellerName" validate:"required"`
	SellerEmail string     `json:"sellerEmail" validate:"required,email"`
	ListedPrice flexAmount `json:"listedPrice" validate:"required"`
	MainPhoto   string     `json:"mainPhoto"`
	Status      string     `json:"status" validate:"omitempty,oneof=draft live"`
}

type updateListingRequest struct {
	Address     *string     `json:"address"`
	SellerName  *string     `json:"sellerName"`
	SellerEmail *string     `json:"sellerEmail" validate:"omitempty,email"`
	ListedPrice *flexAmount `json:"listedPrice"`
	MainPhoto   *string     `json:"mainPhoto"`
	Status      *string     `json:"status"`
}

// credentials collects everything the request presented: the session, if any, and
// access codes sent in headers.
func credentials(r *http.Request) authz.Credentials {
	return authz.Credentials{
		Principal:  principal(r),
		SellerCode: strings.TrimSpace(r.Header.Get("X-Seller-Code")),
		BuyerCode:  strings.TrimSpace(r.Header.Get("X-Buyer-Code")),
	}
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.Role != auth.RoleAgent && p.Role != auth.RoleRealEstateAdmin {
		s.writeError(w, r, authz.ErrForbidden)
		return
	}
	var req createListingRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	price, err := negotiation.ParseAmount(string(req.ListedPrice))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: listedPrice: %v", errBadRequest, err))
		return
	}

	created, err := s.listingService.Create(r.Context(), listing.CreateParams{
		AgentID:     p.UserID,
		Address:     req.Address,
		SellerName:  req.SellerName,
		SellerEmail: req.SellerEmail,
		ListedPrice: price,
		MainPhoto:   req.MainPhoto,
		Status:      listing.Status(req.Status),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newListingResponse(created))
}

// handleListListings scopes results to the caller: agents see their own listings,
// real-estate admins their company's, system admins everything.
func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()

	page, err := queryInt(r, "page")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	filters := listing.Filters{Status: listing.Status(q.Get("status")), Page: page, PageSize: pageSize}
	switch p.Role {
	case auth.RoleAgent:
		filters.AgentID = p.UserID
	case auth.RoleRealEstateAdmin:
		filters.AgencyID = p.UserID
	case auth.RoleSystemAdmin:
		filters.AgentID = q.Get("agentId")
		filters.AgencyID = q.Get("agencyId")
	default:
		s.writeError(w, r, authz.ErrForbidden)
		return
	}

	result, err := s.listingService.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]listingResponse, 0, len(result.Items))
	for _, l := range result.Items {
		items = append(items, newListingResponse(l))
	}
	writeJSON(w, http.StatusOK, listListingsResponse{Items: items, Total: result.Total, Page: page, PageSize: pageSize})
}

// handleGetListing serves staff sessions, sellers presenting X-Seller-Code and buyers
// presenting X-Buyer-Code.
func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", listing.ErrNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.listingService.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, err := s.guard.Authorize(r.Context(), authz.ActionViewListing, authz.Resource{Listing: l}, credentials(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFor(l, actor))
}

func (s *Server) handleUpdateListing(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", listing.ErrNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateListingRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	patch := listing.Patch{
		Address:     req.Address,
		SellerName:  req.SellerName,
		SellerEmail: req.SellerEmail,
		MainPhoto:   req.MainPhoto,
	}
	if req.ListedPrice != nil {
		price, err := negotiation.ParseAmount(string(*req.ListedPrice))
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: listedPrice: %v", errBadRequest, err))
			return
		}
		patch.ListedPrice = &price
	}
	if req.Status != nil {
		status := listing.Status(*req.Status)
		patch.Status = &status
	}

	current, err := s.listingService.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.guard.Authorize(r.Context(), authz.ActionEditListing, authz.Resource{Listing: current}, authz.Credentials{Principal: principal(r)}); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.listingService.Update(r.Context(), id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingResponse(updated))
}
