package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidInput signals missing registration fields or a role that cannot be chosen.
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrNotRealEstateAdmin signals that only a real-estate admin may add agents.
	ErrNotRealEstateAdmin = errors.New("auth: account is not a real-estate admin")
	// ErrProtectedAccount signals an attempt to delete a system admin.
	ErrProtectedAccount = errors.New("auth: system admin accounts cannot be deleted")
	// ErrInvalidToken signals a token that does not verify.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// DefaultTokenTTL is the session lifetime when none is configured.
const DefaultTokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo               Repository
	jwtSecret          []byte
	tokenTTL           time.Duration
	defaultMaxListings int
	now                func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:               repo,
		jwtSecret:          []byte(jwtSecret),
		tokenTTL:           DefaultTokenTTL,
		defaultMaxListings: 5,
		now:                time.Now,
	}
}

func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

// WithDefaultMaxListings sets the quota granted to self-registered accounts.
func (s *Service) WithDefaultMaxListings(n int) *Service {
	if n >= 0 {
		s.defaultMaxListings = n
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new independent agent or real-estate admin account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleAgent
	}
	if role != RoleAgent && role != RoleRealEstateAdmin {
		return nil, fmt.Errorf("%w: role %q cannot self-register", ErrInvalidInput, role)
	}

	user, err := s.create(ctx, req.Email, req.Password, req.FullName, CreateUserParams{
		Role:        role,
		MaxListings: s.defaultMaxListings,
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateAgent adds an agent to the real-estate admin's company. The agent draws on the
// company's listing quota rather than its own.
func (s *Service) CreateAgent(ctx context.Context, adminID string, req CreateAgentRequest) (*User, error) {
	admin, err := s.repo.GetUserByID(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if admin.Role != RoleRealEstateAdmin {
		return nil, ErrNotRealEstateAdmin
	}

	user, err := s.create(ctx, req.Email, req.Password, req.FullName, CreateUserParams{
		Role:              RoleAgent,
		RealEstateAdminID: &admin.ID,
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureSystemAdmin creates the bootstrap system admin unless the email is already registered.
func (s *Service) EnsureSystemAdmin(ctx context.Context, email, password string) (bool, error) {
	if _, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return false, err
	}

	_, err := s.create(ctx, email, password, "System Admin", CreateUserParams{Role: RoleSystemAdmin})
	if errors.Is(err, ErrDuplicateEmail) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) create(ctx context.Context, email, password, fullName string, params CreateUserParams) (User, error) {
	if len(password) < 8 {
		return User{}, ErrWeakPassword
	}

	params.Email = strings.TrimSpace(email)
	params.FullName = strings.TrimSpace(fullName)
	if params.Email == "" || params.FullName == "" {
		return User{}, fmt.Errorf("%w: email and full_name are required", ErrInvalidInput)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("auth: hash password: %w", err)
	}
	params.PasswordHash = string(passwordHash)

	return s.repo.CreateUser(ctx, params)
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// DeleteAccount hard-deletes an account and everything it owns.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Role == RoleSystemAdmin {
		return ErrProtectedAccount
	}
	return s.repo.DeleteUser(ctx, userID)
}

// VerifyToken validates a JWT token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	userID, ok := mapClaims["user_id"].(string)
	if !ok || userID == "" {
		return Claims{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := mapClaims["role"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Claims{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleStr)
	}
	email, _ := mapClaims["email"].(string)

	return Claims{UserID: userID, Role: role, Email: email}, nil
}

func (s *Service) generateToken(user User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"role":    user.Role,
		"email":   user.Email,
		"exp":     now.Add(s.tokenTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleSystemAdmin, RoleRealEstateAdmin, RoleAgent:
		return true
	default:
		return false
	}
}
