package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	minPasswordLength = 8
	codeAttempts      = 10
)

// ReferralRegistrar links a new account to its referrer.
type ReferralRegistrar interface {
	RegisterReferral(ctx context.Context, newAccountID, code string) (bool, error)
}

// Service handles account registration and administration
type Service struct {
	db        *ledger.Database
	referrals ReferralRegistrar
}

func NewService(gormDB *gorm.DB, referrals ReferralRegistrar) *Service {
	return &Service{
		db:        ledger.NewDatabase(gormDB),
		referrals: referrals,
	}
}

// RegisterRequest is the public sign-up payload
type RegisterRequest struct {
	Name         string `json:"name" binding:"required"`
	Email        string `json:"email" binding:"required"`
	Password     string `json:"password" binding:"required"`
	ReferralCode string `json:"referral_code"`
}

// Register creates a USER account with a zero balance and a fresh referral
// code, then links it to the referrer named by req.ReferralCode if any.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*ledger.Account, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ledger.ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: invalid email address", ledger.ErrInvalidInput)
	}
	if len(req.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ledger.ErrInvalidInput, minPasswordLength)
	}

	if _, err := s.db.GetAccountByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("email %s: %w", email, ledger.ErrDuplicate)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	code, err := s.newReferralCode(ctx)
	if err != nil {
		return nil, err
	}

	account := &ledger.Account{
		AccountID:    "ACC_" + uuid.New().String(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         ledger.RoleUser,
		ReferralCode: code,
	}
	if err := s.db.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	logger := log.With().Str("account_id", account.AccountID).Str("service", "accounts").Logger()
	logger.Info().Msg("Account registered")

	if req.ReferralCode != "" {
		linked, err := s.referrals.RegisterReferral(ctx, account.AccountID, req.ReferralCode)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to register referral")
		} else if linked {
			return s.db.GetAccount(ctx, account.AccountID)
		}
	}

	return account, nil
}

// newReferralCode returns an unused 6 character upper-case hex code.
func (s *Service) newReferralCode(ctx context.Context) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
		exists, err := s.db.ReferralCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("failed to generate a unique referral code")
}

// Get returns an account. Users may only read their own.
func (s *Service) Get(ctx context.Context, actor auth.Actor, accountID string) (*ledger.Account, error) {
	if !actor.IsAdmin() && actor.ID != accountID {
		return nil, ledger.ErrForbidden
	}
	return s.db.GetAccount(ctx, accountID)
}

// AccountPage is one page of the admin account listing
type AccountPage struct {
	Accounts []ledger.Account `json:"accounts"`
	Total    int64            `json:"total"`
}

func (s *Service) List(ctx context.Context, actor auth.Actor, limit, offset int) (*AccountPage, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	accounts, err := s.db.ListAccounts(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.db.CountAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return &AccountPage{Accounts: accounts, Total: total}, nil
}

// SetBlocked blocks or unblocks an account. Admins cannot block themselves.
func (s *Service) SetBlocked(ctx context.Context, actor auth.Actor, accountID string, blocked bool) (*ledger.Account, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	if actor.ID == accountID {
		return nil, fmt.Errorf("%w: cannot change own block status", ledger.ErrInvalidInput)
	}

	if err := s.db.SetBlocked(ctx, accountID, blocked); err != nil {
		return nil, err
	}

	log.Info().
		Str("account_id", accountID).
		Str("actor_id", actor.ID).
		Bool("blocked", blocked).
		Str("service", "accounts").
		Msg("Account block status changed")

	return s.db.GetAccount(ctx, accountID)
}

// GinHandlers contains HTTP handlers for account endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// RegisterHandler handles POST /auth/register
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		account, err := h.service.Register(c.Request.Context(), req)
		response.Handle(c, account, err)
	}
}

// GetAccountHandler handles GET /admin/accounts/:account_id
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		account, err := h.service.Get(c.Request.Context(), actor, c.Param("account_id"))
		response.Handle(c, account, err)
	}
}

// ListAccountsHandler handles GET /admin/accounts?limit=&offset=
func (h *GinHandlers) ListAccountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		page, err := h.service.List(c.Request.Context(), actor, limit, offset)
		response.Handle(c, page, err)
	}
}

// BlockHandler handles POST /admin/accounts/:account_id/block and /unblock
func (h *GinHandlers) BlockHandler(blocked bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		account, err := h.service.SetBlocked(c.Request.Context(), actor, c.Param("account_id"), blocked)
		response.Handle(c, account, err)
	}
}
