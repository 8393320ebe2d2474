package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/notification"
	"github.com/ksred/klear-ledger/internal/push"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const firstDepositReason = "first deposit bonus"

// Service maintains the referral graph and pays referral bonuses.
type Service struct {
	db        *ledger.Database
	sink      notification.Sink
	pusher    push.Pusher
	bonusRate decimal.Decimal
}

// NewService creates a referral service paying bonusRate of a referred
// account's first approved deposit.
func NewService(gormDB *gorm.DB, sink notification.Sink, pusher push.Pusher, bonusRate decimal.Decimal) *Service {
	return &Service{
		db:        ledger.NewDatabase(gormDB),
		sink:      sink,
		pusher:    pusher,
		bonusRate: bonusRate,
	}
}

// RegisterReferral links newAccountID to the owner of code. Unknown codes and
// self-referrals are ignored, as is any call once a referrer is already set.
// It reports whether a link was written.
func (s *Service) RegisterReferral(ctx context.Context, newAccountID, code string) (bool, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false, nil
	}

	logger := log.With().
		Str("account_id", newAccountID).
		Str("referral_code", code).
		Str("service", "referral").
		Logger()

	referrer, err := s.db.GetAccountByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			logger.Debug().Msg("Unknown referral code ignored")
			return false, nil
		}
		return false, err
	}
	if referrer.AccountID == newAccountID {
		logger.Debug().Msg("Self-referral ignored")
		return false, nil
	}

	linked, err := s.db.SetReferredBy(ctx, newAccountID, referrer.AccountID)
	if err != nil {
		return false, fmt.Errorf("failed to link referral: %w", err)
	}
	if linked {
		logger.Info().Str("referrer_id", referrer.AccountID).Msg("Referral registered")
	}
	return linked, nil
}

// CreditReferralBonus credits amount to referrerID at most once per
// (referredID, trigger). A repeated call returns the stored bonus and false.
func (s *Service) CreditReferralBonus(ctx context.Context, referrerID, referredID, trigger string, amount decimal.Decimal, reason string) (*ledger.ReferralBonus, bool, error) {
	if !amount.IsPositive() {
		return nil, false, ledger.ErrInvalidAmount
	}

	key := dedupeKey(referredID, trigger)
	logger := log.With().
		Str("referrer_id", referrerID).
		Str("dedupe_key", key).
		Str("service", "referral").
		Logger()

	type outcome struct {
		bonus   *ledger.ReferralBonus
		account *ledger.Account
		created bool
	}

	res, err := ledger.Retry(ctx, ledger.DefaultRetryAttempts, func() (outcome, error) {
		var out outcome
		err := s.db.Atomic(ctx, func(tx *ledger.Database) error {
			existing, err := tx.GetReferralBonusByKey(ctx, key)
			if err == nil {
				out.bonus = existing
				return nil
			}
			if !errors.Is(err, ledger.ErrNotFound) {
				return err
			}

			account, err := tx.GetAccount(ctx, referrerID)
			if err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, account, amount); err != nil {
				return err
			}

			bonus := &ledger.ReferralBonus{
				BonusID:          "BON_" + uuid.New().String(),
				ReferrerID:       referrerID,
				ReferredID:       referredID,
				TriggerReference: trigger,
				DedupeKey:        key,
				Amount:           amount,
				Reason:           reason,
			}
			if err := tx.CreateReferralBonus(ctx, bonus); err != nil {
				return fmt.Errorf("failed to record referral bonus: %w", err)
			}

			out = outcome{bonus: bonus, account: account, created: true}
			return nil
		})
		return out, err
	})
	if err != nil {
		// A concurrent credit may have won the unique key.
		if existing, lookupErr := s.db.GetReferralBonusByKey(ctx, key); lookupErr == nil {
			return existing, false, nil
		}
		logger.Error().Err(err).Msg("Failed to credit referral bonus")
		return nil, false, err
	}

	if !res.created {
		logger.Debug().Msg("Referral bonus already credited")
		return res.bonus, false, nil
	}

	logger.Info().Str("amount", amount.String()).Msg("Referral bonus credited")

	s.sink.Notify(ctx, referrerID, "Referral bonus",
		fmt.Sprintf("You earned a referral bonus of %s", amount.StringFixed(2)),
		notification.CategoryReferral)
	s.pusher.Push(referrerID, push.NewBalanceUpdate(res.account.Balance, nil, "referral bonus"))

	return res.bonus, true, nil
}

// OnDepositApproved pays the referrer of txn's account when txn is that
// account's first approved deposit. Later deposits pay nothing.
func (s *Service) OnDepositApproved(ctx context.Context, txn *ledger.Transaction) error {
	if txn.Kind != ledger.KindDeposit || s.bonusRate.IsZero() {
		return nil
	}

	account, err := s.db.GetAccount(ctx, txn.AccountID)
	if err != nil {
		return err
	}
	if account.ReferredBy == "" {
		return nil
	}

	first, err := s.db.FirstApprovedDeposit(ctx, account.AccountID)
	if err != nil {
		return err
	}
	if first.TransactionID != txn.TransactionID {
		return nil
	}

	bonus := txn.Amount.Mul(s.bonusRate).Round(8)
	if !bonus.IsPositive() {
		return nil
	}

	_, _, err = s.CreditReferralBonus(ctx, account.ReferredBy, account.AccountID, txn.TransactionID, bonus, firstDepositReason)
	return err
}

// Summary is an account's view of its referrals.
type Summary struct {
	ReferralCode  string          `json:"referral_code"`
	ReferredBy    string          `json:"referred_by,omitempty"`
	Referred      []ReferredEntry `json:"referred"`
	TotalEarnings decimal.Decimal `json:"total_earnings"`
}

type ReferredEntry struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

func (s *Service) Summary(ctx context.Context, accountID string) (*Summary, error) {
	account, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	referred, err := s.db.ListReferredAccounts(ctx, accountID)
	if err != nil {
		return nil, err
	}

	earnings, err := s.db.ReferralEarnings(ctx, accountID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		ReferralCode:  account.ReferralCode,
		ReferredBy:    account.ReferredBy,
		Referred:      make([]ReferredEntry, 0, len(referred)),
		TotalEarnings: earnings,
	}
	for _, a := range referred {
		summary.Referred = append(summary.Referred, ReferredEntry{AccountID: a.AccountID, Name: a.Name})
	}
	return summary, nil
}

func dedupeKey(referredID, trigger string) string {
	return referredID + ":" + trigger
}

// GinHandlers contains HTTP handlers for referral endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SummaryHandler handles GET /referrals
func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		summary, err := h.service.Summary(c.Request.Context(), actor.ID)
		response.Handle(c, summary, err)
	}
}

type creditBonusRequest struct {
	ReferrerID string          `json:"referrer_id" binding:"required"`
	ReferredID string          `json:"referred_id" binding:"required"`
	Trigger    string          `json:"trigger_reference" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
}

// CreditBonusHandler handles POST /admin/referrals/bonus for manual credits.
func (h *GinHandlers) CreditBonusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req creditBonusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		bonus, created, err := h.service.CreditReferralBonus(c.Request.Context(),
			req.ReferrerID, req.ReferredID, req.Trigger, req.Amount, req.Reason)
		if err == nil && !created {
			response.Success(c, gin.H{"bonus": bonus, "created": false})
			return
		}
		response.Handle(c, gin.H{"bonus": bonus, "created": created}, err)
	}
}
