package main

import (
	"net/http"
	"time"

	"offerflow/accesscode"
	"offerflow/authz"
	"offerflow/listing"
)

type generateCodeRequest struct {
	BuyerEmail string `json:"buyerEmail" validate:"required,email"`
	BuyerName  string `json:"buyerName" validate:"required"`
}

// managedListing loads a listing and checks that the session may manage its buyer codes.
func (s *Server) managedListing(r *http.Request, id string) (listing.Listing, error) {
	l, err := s.listingService.Get(r.Context(), id)
	if err != nil {
		return listing.Listing{}, err
	}
	creds := authz.Credentials{Principal: principal(r)}
	if _, err := s.guard.Authorize(r.Context(), authz.ActionManageBuyerCodes, authz.Resource{Listing: l}, creds); err != nil {
		return listing.Listing{}, err
	}
	return l, nil
}

func (s *Server) handleGenerateBuyerCode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", listing.ErrNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req generateCodeRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.managedListing(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.codeService.Issue(r.Context(), accesscode.IssueParams{
		Listing:    accesscode.ListingRef{ID: l.ID, Address: l.Address},
		BuyerEmail: req.BuyerEmail,
		BuyerName:  req.BuyerName,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := newBuyerCodeResponse(result.Code)
	resp.Reused = result.Reused
	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListBuyerCodes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", listing.ErrNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.managedListing(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	codes, err := s.codeService.ListForListing(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := make([]buyerCodeResponse, 0, len(codes))
	for _, c := range codes {
		resp = append(resp, newBuyerCodeResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleValidateBuyerCode is the public code check. With listingId the code must have
// been issued for that listing.
func (s *Server) handleValidateBuyerCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.codeService.Validate(r.Context(), r.PathValue("code"), r.URL.Query().Get("listingId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.listingService.Get(r.Context(), code.ListingID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, codeCheckResponse{
		Valid:      true,
		ListingID:  code.ListingID,
		Address:    l.Address,
		BuyerName:  code.BuyerName,
		BuyerEmail: code.BuyerEmail,
		ExpiresAt:  code.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleDeactivateBuyerCode(w http.ResponseWriter, r *http.Request) {
	found, err := s.codeService.Lookup(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.managedListing(r, found.ListingID); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.codeService.Deactivate(r.Context(), found.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBuyerCodeResponse(updated))
}

func (s *Server) handleResendBuyerCode(w http.ResponseWriter, r *http.Request) {
	found, err := s.codeService.Lookup(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.managedListing(r, found.ListingID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sent, err := s.codeService.Resend(r.Context(), found.Code, accesscode.ListingRef{ID: l.ID, Address: l.Address})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBuyerCodeResponse(sent))
}
