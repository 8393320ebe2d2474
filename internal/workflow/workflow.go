package workflow

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

// DepositHook runs after a deposit approval has committed.
type DepositHook interface {
	OnDepositApproved(ctx context.Context, txn *ledger.Transaction) error
}

// Service drives the deposit and withdrawal state machine. Balance changes
// happen only on approval, in the same database transaction as the status
// change.
type Service struct {
	db      *ledger.Database
	sink    notification.Sink
	pusher  push.Pusher
	metrics metrics.Collector
	hooks   []DepositHook
}

// NewService creates a new workflow service
func NewService(gormDB *gorm.DB, sink notification.Sink, pusher push.Pusher, collector metrics.Collector, hooks ...DepositHook) *Service {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Service{
		db:      ledger.NewDatabase(gormDB),
		sink:    sink,
		pusher:  pusher,
		metrics: collector,
		hooks:   hooks,
	}
}

// Submit creates a PENDING transaction for the actor's own account.
// Withdrawals are checked against the current balance here, and again on
// approval.
func (s *Service) Submit(ctx context.Context, actor auth.Actor, kind string, amount decimal.Decimal, proof string) (*ledger.Transaction, error) {
	kind = strings.ToUpper(kind)
	if kind != ledger.KindDeposit && kind != ledger.KindWithdrawal {
		return nil, fmt.Errorf("%w: unknown transaction kind %q", ledger.ErrInvalidInput, kind)
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	if kind == ledger.KindWithdrawal && proof != "" {
		return nil, fmt.Errorf("%w: proof is only accepted for deposits", ledger.ErrInvalidInput)
	}

	account, err := s.db.GetAccount(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if account.IsBlocked {
		return nil, ledger.ErrAccountBlocked
	}
	if kind == ledger.KindWithdrawal && amount.GreaterThan(account.Balance) {
		return nil, ledger.ErrInsufficientFunds
	}

	txn := &ledger.Transaction{
		TransactionID:  "TXN_" + uuid.New().String(),
		AccountID:      account.AccountID,
		Kind:           kind,
		Amount:         amount,
		Status:         ledger.StatusPending,
		ProofReference: proof,
	}
	if err := s.db.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	log.Info().
		Str("transaction_id", txn.TransactionID).
		Str("account_id", txn.AccountID).
		Str("kind", kind).
		Str("amount", amount.String()).
		Str("service", "workflow").
		Msg("Transaction submitted")

	return txn, nil
}

type approval struct {
	txn     *ledger.Transaction
	balance decimal.Decimal
}

// Approve finalizes a PENDING transaction and applies its balance change
// exactly once. A withdrawal that no longer fits the balance fails with
// ErrInsufficientFunds and stays PENDING.
func (s *Service) Approve(ctx context.Context, actor auth.Actor, transactionID string) (*ledger.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}

	logger := log.With().
		Str("transaction_id", transactionID).
		Str("actor_id", actor.ID).
		Str("service", "workflow").
		Logger()

	result, err := ledger.Retry(ctx, ledger.DefaultRetryAttempts, func() (approval, error) {
		var out approval
		err := s.db.Atomic(ctx, func(tx *ledger.Database) error {
			txn, err := tx.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			if txn.Status != ledger.StatusPending {
				return ledger.ErrAlreadyFinalized
			}

			account, err := tx.GetAccount(ctx, txn.AccountID)
			if err != nil {
				return err
			}

			delta := txn.Amount
			if txn.Kind == ledger.KindWithdrawal {
				delta = delta.Neg()
			}
			if err := tx.UpdateBalance(ctx, account, delta); err != nil {
				return err
			}

			now := time.Now()
			err = tx.TransitionTransaction(ctx, txn.TransactionID, ledger.StatusPending, ledger.StatusApproved, map[string]interface{}{
				"applied":      true,
				"finalized_by": actor.ID,
				"finalized_at": now,
			})
			if errors.Is(err, ledger.ErrStatusPrecondition) {
				return ledger.ErrAlreadyFinalized
			}
			if err != nil {
				return err
			}

			txn.Status = ledger.StatusApproved
			txn.Applied = true
			txn.FinalizedBy = actor.ID
			txn.FinalizedAt = &now
			out = approval{txn: txn, balance: account.Balance}
			return nil
		})
		return out, err
	})
	if err != nil {
		kind := "UNKNOWN"
		if txn, getErr := s.db.GetTransaction(ctx, transactionID); getErr == nil {
			kind = txn.Kind
		}
		s.metrics.RecordTransition(kind, "failed")
		logger.Warn().Err(err).Msg("Transaction approval failed")
		return nil, err
	}

	txn := result.txn
	s.metrics.RecordTransition(txn.Kind, "approved")
	logger.Info().
		Str("kind", txn.Kind).
		Str("amount", txn.Amount.String()).
		Str("new_balance", result.balance.String()).
		Msg("Transaction approved")

	label := kindLabel(txn.Kind)
	s.sink.Notify(ctx, txn.AccountID, label+" Approved",
		fmt.Sprintf("Your %s of $%s was approved.", strings.ToLower(label), txn.Amount.StringFixed(2)),
		categoryFor(txn.Kind))
	s.pusher.Push(txn.AccountID, push.NewBalanceUpdate(result.balance, txn, ""))

	if txn.Kind == ledger.KindDeposit {
		for _, hook := range s.hooks {
			if err := hook.OnDepositApproved(ctx, txn); err != nil {
				logger.Error().Err(err).Msg("Deposit hook failed")
			}
		}
	}

	return txn, nil
}

// Reject finalizes a PENDING transaction without touching the balance.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, transactionID, note string) (*ledger.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}

	var rejected *ledger.Transaction
	err := s.db.Atomic(ctx, func(tx *ledger.Database) error {
		txn, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status != ledger.StatusPending {
			return ledger.ErrAlreadyFinalized
		}

		now := time.Now()
		err = tx.TransitionTransaction(ctx, transactionID, ledger.StatusPending, ledger.StatusRejected, map[string]interface{}{
			"admin_note":   note,
			"finalized_by": actor.ID,
			"finalized_at": now,
		})
		if errors.Is(err, ledger.ErrStatusPrecondition) {
			return ledger.ErrAlreadyFinalized
		}
		if err != nil {
			return err
		}

		txn.Status = ledger.StatusRejected
		txn.AdminNote = note
		txn.FinalizedBy = actor.ID
		txn.FinalizedAt = &now
		rejected = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(rejected.Kind, "rejected")
	log.Info().
		Str("transaction_id", transactionID).
		Str("actor_id", actor.ID).
		Str("service", "workflow").
		Msg("Transaction rejected")

	label := kindLabel(rejected.Kind)
	body := fmt.Sprintf("Your %s of $%s was rejected.", strings.ToLower(label), rejected.Amount.StringFixed(2))
	if note != "" {
		body += " " + note
	}
	s.sink.Notify(ctx, rejected.AccountID, label+" Rejected", body, categoryFor(rejected.Kind))

	return rejected, nil
}

// CreditProfit adds an admin profit credit to an account.
func (s *Service) CreditProfit(ctx context.Context, actor auth.Actor, accountID string, amount decimal.Decimal, note string) (*ledger.ProfitCredit, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	type credited struct {
		profit  *ledger.ProfitCredit
		balance decimal.Decimal
	}

	result, err := ledger.Retry(ctx, ledger.DefaultRetryAttempts, func() (credited, error) {
		var out credited
		err := s.db.Atomic(ctx, func(tx *ledger.Database) error {
			account, err := tx.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, account, amount); err != nil {
				return err
			}

			profit := &ledger.ProfitCredit{
				ProfitID:   "PRF_" + uuid.New().String(),
				AccountID:  accountID,
				Amount:     amount,
				Note:       note,
				CreditedBy: actor.ID,
			}
			if err := tx.CreateProfitCredit(ctx, profit); err != nil {
				return fmt.Errorf("failed to record profit: %w", err)
			}

			out = credited{profit: profit, balance: account.Balance}
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("account_id", accountID).
		Str("actor_id", actor.ID).
		Str("amount", amount.String()).
		Str("service", "workflow").
		Msg("Profit credited")

	body := fmt.Sprintf("Admin added a profit of $%s to your wallet.", amount.StringFixed(2))
	if note != "" {
		body = fmt.Sprintf("Admin added a profit of $%s - %s to your wallet.", amount.StringFixed(2), note)
	}
	s.sink.Notify(ctx, accountID, "Profit Added", body, notification.CategoryProfit)
	s.pusher.Push(accountID, push.NewBalanceUpdate(result.balance, nil, "profit"))

	return result.profit, nil
}

// Get returns a transaction. Users may only read their own.
func (s *Service) Get(ctx context.Context, actor auth.Actor, transactionID string) (*ledger.Transaction, error) {
	txn, err := s.db.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && txn.AccountID != actor.ID {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, ledger.ErrNotFound)
	}
	return txn, nil
}

func (s *Service) List(ctx context.Context, actor auth.Actor, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	return s.db.ListTransactions(ctx, filter)
}

func (s *Service) ListForAccount(ctx context.Context, actor auth.Actor, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	filter.AccountID = actor.ID
	return s.db.ListTransactions(ctx, filter)
}

func (s *Service) ListProfits(ctx context.Context, actor auth.Actor, accountID string) ([]ledger.ProfitCredit, error) {
	if !actor.IsAdmin() && actor.ID != accountID {
		return nil, ledger.ErrForbidden
	}
	return s.db.ListProfitCredits(ctx, accountID)
}

// Stats summarises the ledger for the admin dashboard
type Stats struct {
	TotalUsers          int64           `json:"total_users"`
	ApprovedDeposits    decimal.Decimal `json:"approved_deposits"`
	ApprovedWithdrawals decimal.Decimal `json:"approved_withdrawals"`
	PendingCount        int64           `json:"pending_count"`
}

func (s *Service) Stats(ctx context.Context, actor auth.Actor) (*Stats, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}

	users, err := s.db.CountAccounts(ctx)
	if err != nil {
		return nil, err
	}
	deposits, err := s.db.SumTransactions(ctx, ledger.TransactionFilter{Kind: ledger.KindDeposit, Status: ledger.StatusApproved})
	if err != nil {
		return nil, err
	}
	withdrawals, err := s.db.SumTransactions(ctx, ledger.TransactionFilter{Kind: ledger.KindWithdrawal, Status: ledger.StatusApproved})
	if err != nil {
		return nil, err
	}
	pending, err := s.db.CountTransactions(ctx, ledger.TransactionFilter{Status: ledger.StatusPending})
	if err != nil {
		return nil, err
	}

	return &Stats{
		TotalUsers:          users,
		ApprovedDeposits:    deposits,
		ApprovedWithdrawals: withdrawals,
		PendingCount:        pending,
	}, nil
}

func kindLabel(kind string) string {
	if kind == ledger.KindWithdrawal {
		return "Withdrawal"
	}
	return "Deposit"
}

func categoryFor(kind string) string {
	if kind == ledger.KindWithdrawal {
		return notification.CategoryWithdrawal
	}
	return notification.CategoryDeposit
}
