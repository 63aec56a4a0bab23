package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"offerflow/accesscode"
	"offerflow/agency"
	"offerflow/auth"
	"offerflow/authz"
	"offerflow/listing"
	"offerflow/negotiation"
	"offerflow/ratelimit"
)

type contextKey string

const (
	ctxKeyUserID  contextKey = "user_id"
	ctxKeyRole    contextKey = "role"
	ctxKeyEmail   contextKey = "email"
	ctxKeyRequest contextKey = "request_info"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(token string) (auth.Claims, error)
	CreateAgent(ctx context.Context, adminID string, req auth.CreateAgentRequest) (*auth.User, error)
	DeleteAccount(ctx context.Context, userID string) error
}

type listingService interface {
	Create(ctx context.Context, params listing.CreateParams) (listing.Listing, error)
	Get(ctx context.Context, id string) (listing.Listing, error)
	List(ctx context.Context, filters listing.Filters) (listing.ListResult, error)
	Update(ctx context.Context, id string, patch listing.Patch) (listing.Listing, error)
}

type negotiator interface {
	Submit(ctx context.Context, params negotiation.SubmitParams) (listing.Offer, error)
	Apply(ctx context.Context, cmd negotiation.Command) (negotiation.Result, error)
}

type codeService interface {
	Issue(ctx context.Context, params accesscode.IssueParams) (accesscode.IssueResult, error)
	Validate(ctx context.Context, code, listingID string) (accesscode.BuyerCode, error)
	Lookup(ctx context.Context, code string) (accesscode.BuyerCode, error)
	Deactivate(ctx context.Context, code string) (accesscode.BuyerCode, error)
	ListForListing(ctx context.Context, listingID string) ([]accesscode.BuyerCode, error)
	Resend(ctx context.Context, code string, ref accesscode.ListingRef) (accesscode.BuyerCode, error)
}

type agencyService interface {
	GetByID(ctx context.Context, id string) (agency.Profile, error)
	List(ctx context.Context, limit int) ([]agency.Profile, error)
	SetMaxListings(ctx context.Context, id string, max int) (agency.Profile, error)
}

type authorizer interface {
	Authorize(ctx context.Context, action authz.Action, res authz.Resource, creds authz.Credentials) (authz.Actor, error)
}

// Server holds the HTTP handlers' collaborators.
type Server struct {
	authService    authService
	listingService listingService
	negotiator     negotiator
	codeService    codeService
	agencyService  agencyService
	guard          authorizer
	limiter        ratelimit.Limiter
	clients        ratelimit.ClientResolver
	validate       *validator.Validate
	logger         *zap.Logger
}

func NewServer(
	authSvc authService,
	listings listingService,
	engine negotiator,
	codes codeService,
	agencies agencyService,
	guard authorizer,
	limiter ratelimit.Limiter,
	logger *zap.Logger,
) *Server {
	return &Server{
		authService:    authSvc,
		listingService: listings,
		negotiator:     engine,
		codeService:    codes,
		agencyService:  agencies,
		guard:          guard,
		limiter:        limiter,
		validate:       newValidator(),
		logger:         logger,
	}
}

// WithClientResolver sets the proxies whose X-Forwarded-For is believed when keying
// rate limits.
func (s *Server) WithClientResolver(clients ratelimit.ClientResolver) *Server {
	s.clients = clients
	return s
}

func (s *Server) throttle(scope string, h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return ratelimit.Middleware(s.limiter, s.clients, scope, s.logger)(h)
}

// throttleCodes limits anonymous requests that authenticate with an access code.
func (s *Server) throttleCodes(scope string, h http.HandlerFunc) http.HandlerFunc {
	limited := s.throttle(scope, h)
	return func(w http.ResponseWriter, r *http.Request) {
		if principal(r) == nil && (r.Header.Get("X-Seller-Code") != "" || r.Header.Get("X-Buyer-Code") != "") {
			limited.ServeHTTP(w, r)
			return
		}
		h(w, r)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	public := func(scope string, h http.HandlerFunc) http.Handler {
		return s.throttle(scope, h)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.Handle("GET /api/auth/me", s.requireAuth(s.handleMe))

	mux.Handle("POST /api/listings", s.requireAuth(s.handleCreateListing))
	mux.Handle("GET /api/listings", s.requireAuth(s.handleListListings))
	mux.Handle("GET /api/listings/{id}", s.optionalAuth(s.throttleCodes("code-lookup", s.handleGetListing)))
	mux.Handle("PATCH /api/listings/{id}", s.requireAuth(s.handleUpdateListing))
	mux.Handle("PATCH /api/listings/{id}/offers/{offerId}/seller-action", public("seller-action", s.handleSellerAction))
	mux.Handle("POST /api/listings/{id}/generate-buyer-code", s.requireAuth(s.handleGenerateBuyerCode))
	mux.Handle("GET /api/listings/{id}/buyer-codes", s.requireAuth(s.handleListBuyerCodes))

	mux.Handle("POST /api/offers", public("submit-offer", s.handleSubmitOffer))
	mux.Handle("POST /api/offers/{offerId}/action", s.requireAuth(s.handleAgentAction))
	mux.Handle("POST /api/offers/{offerId}/withdraw", public("withdraw-offer", s.handleWithdrawOffer))

	mux.Handle("GET /api/buyer-codes/{code}", public("code-lookup", s.handleValidateBuyerCode))
	mux.Handle("POST /api/buyer-codes/{code}/deactivate", s.requireAuth(s.handleDeactivateBuyerCode))
	mux.Handle("POST /api/buyer-codes/{code}/resend", s.requireAuth(s.handleResendBuyerCode))

	mux.Handle("POST /api/agency/agents", s.requireAuth(s.handleCreateAgent))
	mux.Handle("GET /api/agencies", s.requireAuth(s.handleListAgencies))
	mux.Handle("GET /api/agencies/{id}", s.requireAuth(s.handleGetAgency))
	mux.Handle("PATCH /api/agencies/{id}/quota", s.requireAuth(s.handleSetQuota))

	mux.Handle("DELETE /api/admin/accounts/{id}", s.requireAuth(s.handleDeleteAccount))

	return s.recoverer(s.logRequests(mux))
}

type requestInfo struct {
	userID string
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKeyRequest, info)))

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("user_id", info.userID),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving request", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests without a valid bearer token.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return s.authenticate(next, true)
}

// optionalAuth verifies a bearer token when one is sent and otherwise lets the request
// through for code-based access.
func (s *Server) optionalAuth(next http.HandlerFunc) http.Handler {
	return s.authenticate(next, false)
}

func (s *Server) authenticate(next http.HandlerFunc, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			if required {
				s.writeError(w, r, authz.ErrUnauthenticated)
				return
			}
			next(w, r)
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, auth.ErrInvalidToken)
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if info, ok := r.Context().Value(ctxKeyRequest).(*requestInfo); ok {
			info.userID = claims.UserID
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		ctx = context.WithValue(ctx, ctxKeyEmail, claims.Email)
		next(w, r.WithContext(ctx))
	})
}

// principal returns the session caller, or nil for anonymous requests.
func principal(r *http.Request) *authz.Principal {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	if userID == "" {
		return nil
	}
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	email, _ := r.Context().Value(ctxKeyEmail).(string)
	return &authz.Principal{UserID: userID, Role: role, Email: email}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
