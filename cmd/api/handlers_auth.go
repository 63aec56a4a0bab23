package main

import (
	"net/http"

	"offerflow/agency"
	"offerflow/auth"
	"offerflow/authz"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"fullName" validate:"required"`
	Role     string `json:"role" validate:"required,oneof=agent real_estate_admin"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type createAgentRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"fullName" validate:"required"`
}

type quotaRequest struct {
	MaxListings *int `json:"maxListings" validate:"required"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.authService.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Role:     auth.Role(req.Role),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.authService.Login(r.Context(), auth.LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, User: newUserResponse(result.User)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.authService.GetUserByID(r.Context(), principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(*user))
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.Role != auth.RoleRealEstateAdmin {
		s.writeError(w, r, authz.ErrForbidden)
		return
	}
	var req createAgentRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.authService.CreateAgent(r.Context(), p.UserID, auth.CreateAgentRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(*user))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if principal(r).Role != auth.RoleSystemAdmin {
		s.writeError(w, r, authz.ErrForbidden)
		return
	}
	id, err := pathID(r, "id", auth.ErrUserNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authService.DeleteAccount(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgencies(w http.ResponseWriter, r *http.Request) {
	if principal(r).Role != auth.RoleSystemAdmin {
		s.writeError(w, r, authz.ErrForbidden)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	profiles, err := s.agencyService.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := make([]agencyResponse, 0, len(profiles))
	for _, p := range profiles {
		resp = append(resp, newAgencyResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetAgency serves a quota profile to system admins and to the account itself.
func (s *Server) handleGetAgency(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", agency.ErrNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	profile, err := s.agencyService.GetByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p := principal(r); p.Role != auth.RoleSystemAdmin && p.UserID != profile.ID {
		s.writeError(w, r, authz.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, newAgencyResponse(profile))
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	if principal(r).Role != auth.RoleSystemAdmin {
		s.writeError(w, r, authz.ErrForbidden)
		return
	}
	id, err := pathID(r, "id", agency.ErrNotFound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req quotaRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	profile, err := s.agencyService.SetMaxListings(r.Context(), id, *req.MaxListings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgencyResponse(profile))
}
