package main

import (
	"fmt"
	"net/http"
	"strings"

	"offerflow/authz"
	"offerflow/listing"
	"offerflow/negotiation"
)

type submitOfferRequest struct {
	ListingID   string     `json:"listingId" validate:"required"`
	BuyerName   string     `json:"buyerName" validate:"required"`
	BuyerEmail  string     `json:"buyerEmail" validate:"required,email"`
	Amount      flexAmount `json:"amount" validate:"required"`
	FundingType string     `json:"fundingType" validate:"required,oneof=Cash Mortgage Chain"`
	Chain       bool       `json:"chain"`
	AIPPresent  bool       `json:"aipPresent"`
	Notes       string     `json:"notes"`
}

type submitOfferResponse struct {
	ID    string        `json:"id"`
	Offer offerResponse `json:"offer"`
}

type sellerActionRequest struct {
	Status       string     `json:"status" validate:"required"`
	SellerCode   string     `json:"sellerCode"`
	CounterOffer flexAmount `json:"counterOffer"`
	Notes        string     `json:"notes"`
}

type agentActionRequest struct {
	Action        string     `json:"action" validate:"required,oneof=accept reject counter"`
	CounterAmount flexAmount `json:"counterAmount"`
	CounterNotes  string     `json:"counterNotes"`
	Notes         string     `json:"notes"`
}

type withdrawRequest struct {
	BuyerEmail string `json:"buyerEmail" validate:"omitempty,email"`
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req submitOfferRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	listingID, err := parseID(req.ListingID, listing.ErrNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offer, err := s.negotiator.Submit(r.Context(), negotiation.SubmitParams{
		ListingID:   listingID,
		BuyerName:   req.BuyerName,
		BuyerEmail:  req.BuyerEmail,
		Amount:      string(req.Amount),
		FundingType: listing.FundingType(req.FundingType),
		Chain:       req.Chain,
		AIPPresent:  req.AIPPresent,
		Notes:       req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitOfferResponse{ID: offer.ID, Offer: newOfferResponse(offer)})
}

// handleSellerAction lets the holder of a listing's seller code accept, reject or
// counter one of its offers.
func (s *Server) handleSellerAction(w http.ResponseWriter, r *http.Request) {
	listingID, err := pathID(r, "id", listing.ErrNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offerID, err := pathID(r, "offerId", listing.ErrOfferNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req sellerActionRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	action, ok := negotiation.ParseAction(req.Status)
	if !ok || action == negotiation.ActionWithdraw {
		s.writeError(w, r, fmt.Errorf("%w: status must be accepted, rejected or countered", errBadRequest))
		return
	}

	code := strings.TrimSpace(req.SellerCode)
	if code == "" {
		code = strings.TrimSpace(r.Header.Get("X-Seller-Code"))
	}
	result, err := s.negotiator.Apply(r.Context(), negotiation.Command{
		ListingID:     listingID,
		OfferID:       offerID,
		Action:        action,
		CounterAmount: string(req.CounterOffer),
		Notes:         req.Notes,
		Credentials:   authz.Credentials{SellerCode: code},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newActionResponse(result))
}

func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	offerID, err := pathID(r, "offerId", listing.ErrOfferNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req agentActionRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	action, _ := negotiation.ParseAction(req.Action)
	notes := req.CounterNotes
	if strings.TrimSpace(notes) == "" {
		notes = req.Notes
	}

	result, err := s.negotiator.Apply(r.Context(), negotiation.Command{
		OfferID:       offerID,
		Action:        action,
		CounterAmount: string(req.CounterAmount),
		Notes:         notes,
		Credentials:   authz.Credentials{Principal: principal(r)},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newActionResponse(result))
}

// handleWithdrawOffer withdraws an offer for a buyer identified by the offer's email
// address or by a buyer code issued for the listing.
func (s *Server) handleWithdrawOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := pathID(r, "offerId", listing.ErrOfferNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req withdrawRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	creds := authz.Credentials{
		BuyerEmail: strings.TrimSpace(req.BuyerEmail),
		BuyerCode:  strings.TrimSpace(r.Header.Get("X-Buyer-Code")),
	}
	if creds.BuyerEmail == "" && creds.BuyerCode == "" {
		s.writeError(w, r, fmt.Errorf("%w: buyerEmail is required", errBadRequest))
		return
	}

	result, err := s.negotiator.Apply(r.Context(), negotiation.Command{
		OfferID:     offerID,
		Action:      negotiation.ActionWithdraw,
		Credentials: creds,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newActionResponse(result))
}
