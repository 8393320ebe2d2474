// Package copytrading executes admin trades and copies them to every follower
// of the trader. Each follower is processed in its own database transaction,
// so one bad follower never rolls back the others.
package copytrading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/metrics"
	"github.com/ksred/klear-ledger/internal/notification"
	"github.com/ksred/klear-ledger/internal/push"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Service struct {
	db      *ledger.Database
	sink    notification.Sink
	pusher  push.Pusher
	metrics metrics.Collector
}

func NewService(gormDB *gorm.DB, sink notification.Sink, pusher push.Pusher, collector metrics.Collector) *Service {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Service{
		db:      ledger.NewDatabase(gormDB),
		sink:    sink,
		pusher:  pusher,
		metrics: collector,
	}
}

// FanOutResult reports one run of the follower loop. Copies only holds the
// copy trades created by this run.
type FanOutResult struct {
	Trade    *ledger.Trade            `json:"trade"`
	Copies   []ledger.CopyTrade       `json:"copies"`
	Failures []ledger.FollowerFailure `json:"failures,omitempty"`
}

// TradeDetail is a trade together with every copy made of it.
type TradeDetail struct {
	Trade  *ledger.Trade      `json:"trade"`
	Copies []ledger.CopyTrade `json:"copies"`
}

func (s *Service) CreateTrader(ctx context.Context, actor auth.Actor, displayName, bio string) (*ledger.TraderProfile, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, fmt.Errorf("%w: display name is required", ledger.ErrInvalidInput)
	}

	trader := &ledger.TraderProfile{
		TraderID:    "TRR_" + uuid.New().String(),
		OwnerID:     actor.ID,
		DisplayName: displayName,
		Bio:         strings.TrimSpace(bio),
	}
	if err := s.db.CreateTrader(ctx, trader); err != nil {
		return nil, fmt.Errorf("failed to create trader: %w", err)
	}

	log.Info().
		Str("trader_id", trader.TraderID).
		Str("actor_id", actor.ID).
		Str("service", "copytrading").
		Msg("Trader profile created")
	return trader, nil
}

func (s *Service) ListTraders(ctx context.Context) ([]ledger.TraderProfile, error) {
	return s.db.ListTraders(ctx)
}

// CreateTrade records a PENDING trade for a trader. Nothing is copied until
// the trade is executed.
func (s *Service) CreateTrade(ctx context.Context, actor auth.Actor, traderID, pair, direction string, amount decimal.Decimal) (*ledger.Trade, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	direction = strings.ToUpper(strings.TrimSpace(direction))
	if direction != ledger.DirectionBuy && direction != ledger.DirectionSell {
		return nil, fmt.Errorf("%w: direction must be BUY or SELL", ledger.ErrInvalidInput)
	}
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if pair == "" {
		return nil, fmt.Errorf("%w: pair is required", ledger.ErrInvalidInput)
	}
	if _, err := s.db.GetTrader(ctx, traderID); err != nil {
		return nil, err
	}

	trade := &ledger.Trade{
		TradeID:   "TRD_" + uuid.New().String(),
		TraderID:  traderID,
		Pair:      pair,
		Direction: direction,
		Amount:    amount,
		Status:    ledger.TradeStatusPending,
	}
	if err := s.db.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	log.Info().
		Str("trade_id", trade.TradeID).
		Str("trader_id", traderID).
		Str("pair", pair).
		Str("direction", direction).
		Str("amount", amount.String()).
		Str("service", "copytrading").
		Msg("Trade created")
	return trade, nil
}

func (s *Service) CancelTrade(ctx context.Context, actor auth.Actor, tradeID string) (*ledger.Trade, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}

	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	err = s.db.TransitionTrade(ctx, tradeID, ledger.TradeStatusPending, ledger.TradeStatusCancelled, nil)
	if errors.Is(err, ledger.ErrStatusPrecondition) {
		// re-read: the status may have moved since the first lookup
		if current, getErr := s.db.GetTrade(ctx, tradeID); getErr == nil && current.Status == ledger.TradeStatusExecuted {
			return nil, ledger.ErrAlreadyExecuted
		}
		return nil, ledger.ErrAlreadyFinalized
	}
	if err != nil {
		return nil, err
	}

	trade.Status = ledger.TradeStatusCancelled
	log.Info().
		Str("trade_id", tradeID).
		Str("actor_id", actor.ID).
		Str("service", "copytrading").
		Msg("Trade cancelled")
	return trade, nil
}

// ExecuteTrade moves a PENDING trade to EXECUTED and copies it to every
// follower. Follower failures come back as a *ledger.PartialFanOutError
// together with a non-nil result; the trade stays EXECUTED either way.
func (s *Service) ExecuteTrade(ctx context.Context, actor auth.Actor, tradeID string) (*FanOutResult, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}

	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != ledger.TradeStatusPending {
		return nil, ledger.ErrAlreadyExecuted
	}

	// failed_copies starts at the follower count and is lowered once the
	// loop finishes, so an interrupted fan-out stays visible to Reconcile.
	now := time.Now()
	followers, err := s.db.FollowerIDsAsOf(ctx, trade.TraderID, now)
	if err != nil {
		return nil, err
	}
	err = s.db.TransitionTrade(ctx, tradeID, ledger.TradeStatusPending, ledger.TradeStatusExecuted, map[string]interface{}{
		"executed_at":   now,
		"failed_copies": len(followers),
	})
	if errors.Is(err, ledger.ErrStatusPrecondition) {
		return nil, ledger.ErrAlreadyExecuted
	}
	if err != nil {
		return nil, err
	}
	trade.Status = ledger.TradeStatusExecuted
	trade.ExecutedAt = &now
	trade.FailedCopies = len(followers)

	log.Info().
		Str("trade_id", tradeID).
		Str("actor_id", actor.ID).
		Str("service", "copytrading").
		Msg("Trade executed")

	return s.fanOut(ctx, trade, followers)
}

// RetryFanOut re-runs the follower loop for an EXECUTED trade. Followers that
// already hold a copy are skipped.
func (s *Service) RetryFanOut(ctx context.Context, actor auth.Actor, tradeID string) (*FanOutResult, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}

	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != ledger.TradeStatusExecuted {
		return nil, fmt.Errorf("%w: trade %s is %s", ledger.ErrInvalidInput, tradeID, trade.Status)
	}
	followers, err := s.followersAtExecution(ctx, trade)
	if err != nil {
		return nil, err
	}
	return s.fanOut(ctx, trade, followers)
}

// Reconcile retries every executed trade whose last fan-out left failures.
// It returns how many trades are now fully copied.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	trades, err := s.db.ListTradesWithFailedCopies(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list trades: %w", err)
	}

	settled := 0
	for i := range trades {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		followers, err := s.followersAtExecution(ctx, &trades[i])
		if err != nil {
			return settled, err
		}
		if _, err := s.fanOut(ctx, &trades[i], followers); err == nil {
			settled++
		}
	}
	return settled, nil
}

// followersAtExecution excludes accounts that followed after the trade ran.
func (s *Service) followersAtExecution(ctx context.Context, trade *ledger.Trade) ([]string, error) {
	if trade.ExecutedAt == nil {
		return s.db.FollowerIDs(ctx, trade.TraderID)
	}
	return s.db.FollowerIDsAsOf(ctx, trade.TraderID, *trade.ExecutedAt)
}

func (s *Service) fanOut(ctx context.Context, trade *ledger.Trade, followers []string) (*FanOutResult, error) {
	logger := log.With().
		Str("trade_id", trade.TradeID).
		Str("service", "copytrading").
		Logger()

	result := &FanOutResult{Trade: trade, Copies: []ledger.CopyTrade{}}
	for _, followerID := range followers {
		copied, err := s.copyToFollower(ctx, trade, followerID)
		if err != nil {
			s.metrics.RecordFanOutFailure()
			logger.Warn().Err(err).Str("follower_id", followerID).Msg("Copy trade failed")
			result.Failures = append(result.Failures, ledger.FollowerFailure{
				AccountID: followerID,
				Reason:    err.Error(),
				Err:       err,
			})
			continue
		}
		if copied == nil {
			continue
		}

		result.Copies = append(result.Copies, *copied.copyTrade)
		s.metrics.RecordCopyTrade(copied.copyTrade.Mode)
		s.sink.Notify(ctx, followerID, "Trade Signal",
			fmt.Sprintf("Trader executed %s on %s (%s)", trade.Direction, trade.Pair, strings.ToLower(copied.copyTrade.Mode)),
			notification.CategoryTrade)
		s.pusher.Push(followerID, push.NewTradeSignal(trade, copied.copyTrade))
		if copied.copyTrade.Mode == ledger.ModeLive {
			s.pusher.Push(followerID, push.NewBalanceUpdate(copied.balance, nil, "copy_trade"))
		}
	}

	if err := s.db.SetTradeFailedCopies(ctx, trade.TradeID, len(result.Failures)); err != nil {
		logger.Error().Err(err).Msg("Failed to record fan-out failures")
	}
	trade.FailedCopies = len(result.Failures)

	logger.Info().
		Int("followers", len(followers)).
		Int("copied", len(result.Copies)).
		Int("failed", len(result.Failures)).
		Msg("Fan-out complete")

	if len(result.Failures) > 0 {
		return result, &ledger.PartialFanOutError{TradeID: trade.TradeID, Failures: result.Failures}
	}
	return result, nil
}

type copyOutcome struct {
	copyTrade *ledger.CopyTrade
	balance   decimal.Decimal
}

// copyToFollower returns nil when the follower already holds a copy.
func (s *Service) copyToFollower(ctx context.Context, trade *ledger.Trade, followerID string) (*copyOutcome, error) {
	return ledger.Retry(ctx, ledger.DefaultRetryAttempts, func() (*copyOutcome, error) {
		var out *copyOutcome
		err := s.db.Atomic(ctx, func(tx *ledger.Database) error {
			exists, err := tx.CopyTradeExists(ctx, trade.TradeID, followerID)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}

			account, err := tx.GetAccount(ctx, followerID)
			if err != nil {
				return err
			}
			if account.IsBlocked {
				return ledger.ErrAccountBlocked
			}

			mode := ledger.ModeDemo
			allocated := decimal.Zero
			if account.Balance.GreaterThanOrEqual(trade.Amount) {
				mode = ledger.ModeLive
				allocated = trade.Amount
				if err := tx.UpdateBalance(ctx, account, trade.Amount.Neg()); err != nil {
					return err
				}
			}

			copyTrade := &ledger.CopyTrade{
				CopyID:            "CPY_" + uuid.New().String(),
				FollowerAccountID: followerID,
				SourceTradeID:     trade.TradeID,
				AllocatedAmount:   allocated,
				Mode:              mode,
				Status:            ledger.TradeStatusExecuted,
				ExecutedAt:        time.Now(),
			}
			if err := tx.CreateCopyTrade(ctx, copyTrade); err != nil {
				return fmt.Errorf("failed to record copy trade: %w", err)
			}

			out = &copyOutcome{copyTrade: copyTrade, balance: account.Balance}
			return nil
		})
		return out, err
	})
}

func (s *Service) GetTrade(ctx context.Context, tradeID string) (*TradeDetail, error) {
	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	copies, err := s.db.ListCopyTradesByTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return &TradeDetail{Trade: trade, Copies: copies}, nil
}

func (s *Service) ListTrades(ctx context.Context, actor auth.Actor, status string) ([]ledger.Trade, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	return s.db.ListTrades(ctx, strings.ToUpper(status))
}

// Follow subscribes the actor to a trader's future executions.
func (s *Service) Follow(ctx context.Context, actor auth.Actor, traderID string) (*ledger.Follow, error) {
	if _, err := s.db.GetTrader(ctx, traderID); err != nil {
		return nil, err
	}

	exists, err := s.db.FollowExists(ctx, actor.ID, traderID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("already following trader %s: %w", traderID, ledger.ErrDuplicate)
	}

	follow := &ledger.Follow{AccountID: actor.ID, TraderID: traderID}
	if err := s.db.CreateFollow(ctx, follow); err != nil {
		return nil, fmt.Errorf("failed to follow trader: %w", err)
	}

	log.Info().
		Str("account_id", actor.ID).
		Str("trader_id", traderID).
		Str("service", "copytrading").
		Msg("Trader followed")
	return follow, nil
}

func (s *Service) Unfollow(ctx context.Context, actor auth.Actor, traderID string) error {
	removed, err := s.db.DeleteFollow(ctx, actor.ID, traderID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("follow of trader %s: %w", traderID, ledger.ErrNotFound)
	}

	log.Info().
		Str("account_id", actor.ID).
		Str("trader_id", traderID).
		Str("service", "copytrading").
		Msg("Trader unfollowed")
	return nil
}

func (s *Service) Following(ctx context.Context, actor auth.Actor) ([]ledger.Follow, error) {
	return s.db.ListFollowedTraders(ctx, actor.ID)
}

func (s *Service) ListFollowers(ctx context.Context, actor auth.Actor, traderID string) ([]string, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	if _, err := s.db.GetTrader(ctx, traderID); err != nil {
		return nil, err
	}
	return s.db.FollowerIDs(ctx, traderID)
}

func (s *Service) CopyTradesForAccount(ctx context.Context, actor auth.Actor) ([]ledger.CopyTrade, error) {
	return s.db.ListCopyTradesByAccount(ctx, actor.ID)
}
