package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database is the Ledger Store. All balance and status mutations go through
// guarded updates so callers can compose them inside Atomic without a
// global lock.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying gorm handle for packages that keep their own
// tables next to the ledger (notifications, messages).
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Atomic runs fn inside a database transaction. The *Database passed to fn
// is bound to that transaction; fn must not use the outer handle.
func (d *Database) Atomic(ctx context.Context, fn func(tx *Database) error) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Database{db: tx}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("failed to fetch %s %s: %w", kind, id, err)
}

// Accounts

func (d *Database) CreateAccount(ctx context.Context, account *Account) error {
	return d.db.WithContext(ctx).Create(account).Error
}

func (d *Database) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := d.db.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error; err != nil {
		return nil, notFound("account", accountID, err)
	}
	return &account, nil
}

func (d *Database) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	var account Account
	if err := d.db.WithContext(ctx).Where("email = ?", email).First(&account).Error; err != nil {
		return nil, notFound("account", email, err)
	}
	return &account, nil
}

func (d *Database) GetAccountByReferralCode(ctx context.Context, code string) (*Account, error) {
	var account Account
	if err := d.db.WithContext(ctx).Where("referral_code = ?", code).First(&account).Error; err != nil {
		return nil, notFound("referral code", code, err)
	}
	return &account, nil
}

func (d *Database) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&Account{}).Where("referral_code = ?", code).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *Database) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	var accounts []Account
	q := d.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (d *Database) CountAccounts(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Account{}).Where("role = ?", RoleUser).Count(&count).Error
	return count, err
}

// UpdateBalance applies delta to the account with an optimistic version check.
// On success the passed account reflects the stored balance and version.
func (d *Database) UpdateBalance(ctx context.Context, account *Account, delta decimal.Decimal) error {
	newBalance := account.Balance.Add(delta)
	if newBalance.IsNegative() {
		return ErrInsufficientFunds
	}

	result := d.db.WithContext(ctx).Model(&Account{}).
		Where("account_id = ? AND version = ?", account.AccountID, account.Version).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    account.Version + 1,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConcurrentUpdateConflict
	}

	account.Balance = newBalance
	account.Version++
	return nil
}

func (d *Database) SetBlocked(ctx context.Context, accountID string, blocked bool) error {
	result := d.db.WithContext(ctx).Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"is_blocked": blocked,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}

// SetReferredBy links accountID to referrerID only if no referrer is set yet.
// It reports whether the link was written.
func (d *Database) SetReferredBy(ctx context.Context, accountID, referrerID string) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Account{}).
		Where("account_id = ? AND (referred_by = '' OR referred_by IS NULL)", accountID).
		Updates(map[string]interface{}{
			"referred_by": referrerID,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) ListReferredAccounts(ctx context.Context, referrerID string) ([]Account, error) {
	var accounts []Account
	if err := d.db.WithContext(ctx).
		Where("referred_by = ?", referrerID).
		Order("created_at ASC").
		Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// Transactions

func (d *Database) CreateTransaction(ctx context.Context, txn *Transaction) error {
	return d.db.WithContext(ctx).Create(txn).Error
}

func (d *Database) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var txn Transaction
	if err := d.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&txn).Error; err != nil {
		return nil, notFound("transaction", transactionID, err)
	}
	return &txn, nil
}

// TransitionTransaction moves a transaction from one status to another,
// writing fields in the same statement. It fails with ErrStatusPrecondition
// when the stored status is not from.
func (d *Database) TransitionTransaction(ctx context.Context, transactionID, from, to string, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	result := d.db.WithContext(ctx).Model(&Transaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusPrecondition
	}
	return nil
}

// TransactionFilter narrows transaction listings. Empty fields are ignored.
type TransactionFilter struct {
	AccountID string
	Kind      string
	Status    string
	Limit     int
	Offset    int
}

func (f TransactionFilter) apply(q *gorm.DB) *gorm.DB {
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return q
}

func (d *Database) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	var txns []Transaction
	q := filter.apply(d.db.WithContext(ctx).Model(&Transaction{})).Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit).Offset(filter.Offset)
	}
	if err := q.Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (d *Database) CountTransactions(ctx context.Context, filter TransactionFilter) (int64, error) {
	var count int64
	err := filter.apply(d.db.WithContext(ctx).Model(&Transaction{})).Count(&count).Error
	return count, err
}

// SumTransactions adds amounts in Go; SQL SUM over sqlite would go through
// floating point.
func (d *Database) SumTransactions(ctx context.Context, filter TransactionFilter) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := filter.apply(d.db.WithContext(ctx).Model(&Transaction{})).Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum(amounts), nil
}

// FirstApprovedDeposit returns the account's earliest approved deposit.
func (d *Database) FirstApprovedDeposit(ctx context.Context, accountID string) (*Transaction, error) {
	var txn Transaction
	err := d.db.WithContext(ctx).
		Where("account_id = ? AND kind = ? AND status = ?", accountID, KindDeposit, StatusApproved).
		Order("finalized_at ASC, id ASC").
		First(&txn).Error
	if err != nil {
		return nil, notFound("approved deposit for account", accountID, err)
	}
	return &txn, nil
}

// Traders and trades

func (d *Database) CreateTrader(ctx context.Context, trader *TraderProfile) error {
	return d.db.WithContext(ctx).Create(trader).Error
}

func (d *Database) GetTrader(ctx context.Context, traderID string) (*TraderProfile, error) {
	var trader TraderProfile
	if err := d.db.WithContext(ctx).Where("trader_id = ?", traderID).First(&trader).Error; err != nil {
		return nil, notFound("trader", traderID, err)
	}
	return &trader, nil
}

func (d *Database) ListTraders(ctx context.Context) ([]TraderProfile, error) {
	var traders []TraderProfile
	if err := d.db.WithContext(ctx).Order("display_name ASC").Find(&traders).Error; err != nil {
		return nil, err
	}
	return traders, nil
}

func (d *Database) CreateTrade(ctx context.Context, trade *Trade) error {
	return d.db.WithContext(ctx).Create(trade).Error
}

func (d *Database) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	var trade Trade
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		return nil, notFound("trade", tradeID, err)
	}
	return &trade, nil
}

// TransitionTrade is the trade counterpart of TransitionTransaction.
func (d *Database) TransitionTrade(ctx context.Context, tradeID, from, to string, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	result := d.db.WithContext(ctx).Model(&Trade{}).
		Where("trade_id = ? AND status = ?", tradeID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusPrecondition
	}
	return nil
}

func (d *Database) SetTradeFailedCopies(ctx context.Context, tradeID string, failed int) error {
	return d.db.WithContext(ctx).Model(&Trade{}).
		Where("trade_id = ?", tradeID).
		Updates(map[string]interface{}{
			"failed_copies": failed,
			"updated_at":    time.Now(),
		}).Error
}

func (d *Database) ListTrades(ctx context.Context, status string) ([]Trade, error) {
	var trades []Trade
	q := d.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// ListTradesWithFailedCopies returns executed trades whose last fan-out run
// left followers unprocessed.
func (d *Database) ListTradesWithFailedCopies(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	if err := d.db.WithContext(ctx).
		Where("status = ? AND failed_copies > 0", TradeStatusExecuted).
		Order("executed_at ASC").
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// Follows

func (d *Database) CreateFollow(ctx context.Context, follow *Follow) error {
	return d.db.WithContext(ctx).Create(follow).Error
}

func (d *Database) FollowExists(ctx context.Context, accountID, traderID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Follow{}).
		Where("account_id = ? AND trader_id = ?", accountID, traderID).
		Count(&count).Error
	return count > 0, err
}

// DeleteFollow removes the pair permanently so the unique index allows a
// later re-follow.
func (d *Database) DeleteFollow(ctx context.Context, accountID, traderID string) (bool, error) {
	result := d.db.WithContext(ctx).Unscoped().
		Where("account_id = ? AND trader_id = ?", accountID, traderID).
		Delete(&Follow{})
	return result.RowsAffected > 0, result.Error
}

// FollowerIDs returns the followers of a trader in ascending account id order.
func (d *Database) FollowerIDs(ctx context.Context, traderID string) ([]string, error) {
	var ids []string
	if err := d.db.WithContext(ctx).Model(&Follow{}).
		Where("trader_id = ?", traderID).
		Order("account_id ASC").
		Pluck("account_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch followers: %w", err)
	}
	return ids, nil
}

// FollowerIDsAsOf returns the followers whose follow existed at cutoff, in
// ascending account id order. The cutoff is applied in Go since sqlite keeps
// timestamps as text.
func (d *Database) FollowerIDsAsOf(ctx context.Context, traderID string, cutoff time.Time) ([]string, error) {
	var follows []Follow
	if err := d.db.WithContext(ctx).
		Where("trader_id = ?", traderID).
		Order("account_id ASC").
		Find(&follows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch followers: %w", err)
	}
	ids := make([]string, 0, len(follows))
	for _, f := range follows {
		if !f.CreatedAt.After(cutoff) {
			ids = append(ids, f.AccountID)
		}
	}
	return ids, nil
}

func (d *Database) ListFollowedTraders(ctx context.Context, accountID string) ([]Follow, error) {
	var follows []Follow
	if err := d.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&follows).Error; err != nil {
		return nil, err
	}
	return follows, nil
}

// Copy trades

func (d *Database) CreateCopyTrade(ctx context.Context, copyTrade *CopyTrade) error {
	return d.db.WithContext(ctx).Create(copyTrade).Error
}

func (d *Database) CopyTradeExists(ctx context.Context, tradeID, followerID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&CopyTrade{}).
		Where("source_trade_id = ? AND follower_account_id = ?", tradeID, followerID).
		Count(&count).Error
	return count > 0, err
}

func (d *Database) ListCopyTradesByTrade(ctx context.Context, tradeID string) ([]CopyTrade, error) {
	var copies []CopyTrade
	if err := d.db.WithContext(ctx).
		Where("source_trade_id = ?", tradeID).
		Order("follower_account_id ASC").
		Find(&copies).Error; err != nil {
		return nil, err
	}
	return copies, nil
}

func (d *Database) ListCopyTradesByAccount(ctx context.Context, accountID string) ([]CopyTrade, error) {
	var copies []CopyTrade
	if err := d.db.WithContext(ctx).
		Where("follower_account_id = ?", accountID).
		Order("executed_at DESC").
		Find(&copies).Error; err != nil {
		return nil, err
	}
	return copies, nil
}

// Referral bonuses and profit credits

func (d *Database) CreateReferralBonus(ctx context.Context, bonus *ReferralBonus) error {
	return d.db.WithContext(ctx).Create(bonus).Error
}

func (d *Database) GetReferralBonusByKey(ctx context.Context, dedupeKey string) (*ReferralBonus, error) {
	var bonus ReferralBonus
	if err := d.db.WithContext(ctx).Where("dedupe_key = ?", dedupeKey).First(&bonus).Error; err != nil {
		return nil, notFound("referral bonus", dedupeKey, err)
	}
	return &bonus, nil
}

func (d *Database) ReferralEarnings(ctx context.Context, referrerID string) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := d.db.WithContext(ctx).Model(&ReferralBonus{}).
		Where("referrer_id = ?", referrerID).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum referral earnings: %w", err)
	}
	return sum(amounts), nil
}

func sum(amounts []decimal.Decimal) decimal.Decimal {
	if len(amounts) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(amounts[0], amounts[1:]...)
}

func (d *Database) CreateProfitCredit(ctx context.Context, profit *ProfitCredit) error {
	return d.db.WithContext(ctx).Create(profit).Error
}

func (d *Database) ListProfitCredits(ctx context.Context, accountID string) ([]ProfitCredit, error) {
	var profits []ProfitCredit
	if err := d.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Find(&profits).Error; err != nil {
		return nil, err
	}
	return profits, nil
}
