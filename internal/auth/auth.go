package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

const (
	tokenTTL = 7 * 24 * time.Hour
	actorKey = "actor"
)

// Actor is the authenticated caller of a service operation. Admin checks are
// made against Role, which only ever comes from a verified token.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == ledger.RoleAdmin
}

// SetActor stores the authenticated actor on the request context.
func SetActor(c *gin.Context, actor Actor) {
	c.Set(actorKey, actor)
}

// ActorFromContext returns the actor set by the auth middleware.
func ActorFromContext(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok && actor.ID != ""
}

// Credentials represents a login request
type Credentials struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string          `json:"jwt_token"`
	Expiration time.Time       `json:"expiration"`
	Account    *ledger.Account `json:"account"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	db        *ledger.Database
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, gormDB *gorm.DB) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		db:        ledger.NewDatabase(gormDB),
	}
}

// Login verifies email and password and issues a token for the account.
func (s *Service) Login(ctx context.Context, creds Credentials) (*TokenResponse, error) {
	account, err := s.db.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(creds.Email)))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if account.IsBlocked {
		return nil, ledger.ErrAccountBlocked
	}

	return s.GenerateToken(account)
}

// GenerateToken signs a token carrying the account id and role.
func (s *Service) GenerateToken(account *ledger.Account) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.AccountID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		AccountID: account.AccountID,
		Role:      account.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		Account:    account,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.AccountID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate resolves a token to an actor. The role is re-read from the
// account so a demoted or blocked account loses access before its token
// expires.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (Actor, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return Actor{}, err
	}

	account, err := s.db.GetAccount(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Actor{}, ErrInvalidToken
		}
		return Actor{}, err
	}
	if account.IsBlocked {
		return Actor{}, ledger.ErrAccountBlocked
	}

	return Actor{ID: account.AccountID, Role: account.Role}, nil
}

// SeedAdmin creates the admin account if no account uses email yet.
func (s *Service) SeedAdmin(ctx context.Context, email, password string) (*ledger.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	logger := log.With().Str("email", email).Str("service", "auth").Logger()

	existing, err := s.db.GetAccountByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	admin := &ledger.Account{
		AccountID:    "ACC_" + uuid.New().String(),
		Name:         "Administrator",
		Email:        email,
		PasswordHash: hash,
		Role:         ledger.RoleAdmin,
		ReferralCode: "ADM" + strings.ToUpper(uuid.New().String()[:5]),
	}
	if err := s.db.CreateAccount(ctx, admin); err != nil {
		return nil, fmt.Errorf("failed to seed admin: %w", err)
	}

	logger.Info().Str("account_id", admin.AccountID).Msg("Admin account seeded")
	return admin, nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// LoginHandler handles POST /auth/login
func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.Login(c.Request.Context(), creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// MeHandler returns the authenticated account.
func (h *GinHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		account, err := h.service.db.GetAccount(c.Request.Context(), actor.ID)
		response.Handle(c, account, err)
	}
}
