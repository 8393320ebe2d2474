package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

const (
	KindDeposit    = "DEPOSIT"
	KindWithdrawal = "WITHDRAWAL"
)

const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

const (
	TradeStatusPending   = "PENDING"
	TradeStatusExecuted  = "EXECUTED"
	TradeStatusCancelled = "CANCELLED"
)

const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

const (
	ModeLive = "LIVE"
	ModeDemo = "DEMO"
)

// Account holds a wallet balance. Balance is only ever changed through
// Database.UpdateBalance, which enforces the optimistic version check.
// Money columns are TEXT so sqlite keeps the exact decimal string.
type Account struct {
	gorm.Model   `json:"-"`
	AccountID    string          `gorm:"uniqueIndex" json:"account_id"`
	Name         string          `json:"name"`
	Email        string          `gorm:"uniqueIndex" json:"email"`
	PasswordHash string          `json:"-"`
	Role         string          `gorm:"default:USER" json:"role"` // USER, ADMIN
	Balance      decimal.Decimal `gorm:"type:text;not null;default:'0'" json:"balance"`
	IsBlocked    bool            `gorm:"not null;default:false" json:"is_blocked"`
	ReferralCode string          `gorm:"uniqueIndex" json:"referral_code"`
	ReferredBy   string          `gorm:"index" json:"referred_by,omitempty"`
	Version      int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transaction is a deposit or withdrawal request. Applied is flipped in the
// same database transaction as the balance mutation.
type Transaction struct {
	gorm.Model     `json:"-"`
	TransactionID  string          `gorm:"uniqueIndex" json:"transaction_id"`
	AccountID      string          `gorm:"index" json:"account_id"`
	Kind           string          `gorm:"index" json:"kind"`   // DEPOSIT, WITHDRAWAL
	Amount         decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Status         string          `gorm:"index" json:"status"` // PENDING, APPROVED, REJECTED
	ProofReference string          `json:"proof_reference,omitempty"`
	AdminNote      string          `json:"admin_note,omitempty"`
	Applied        bool            `gorm:"not null;default:false" json:"applied"`
	FinalizedBy    string          `json:"finalized_by,omitempty"`
	FinalizedAt    *time.Time      `json:"finalized_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type TraderProfile struct {
	gorm.Model  `json:"-"`
	TraderID    string    `gorm:"uniqueIndex" json:"trader_id"`
	OwnerID     string    `gorm:"index" json:"owner_id"`
	DisplayName string    `json:"display_name"`
	Bio         string    `json:"bio,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Trade struct {
	gorm.Model   `json:"-"`
	TradeID      string          `gorm:"uniqueIndex" json:"trade_id"`
	TraderID     string          `gorm:"index" json:"trader_id"`
	Pair         string          `json:"pair"`
	Direction    string          `json:"direction"` // BUY or SELL
	Amount       decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Status       string          `gorm:"index" json:"status"` // PENDING, EXECUTED, CANCELLED
	FailedCopies int             `gorm:"not null;default:0" json:"failed_copies"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type CopyTrade struct {
	gorm.Model        `json:"-"`
	CopyID            string          `gorm:"uniqueIndex" json:"copy_id"`
	FollowerAccountID string          `gorm:"uniqueIndex:idx_copy_trades_trade_follower,priority:2" json:"follower_account_id"`
	SourceTradeID     string          `gorm:"uniqueIndex:idx_copy_trades_trade_follower,priority:1" json:"source_trade_id"`
	AllocatedAmount   decimal.Decimal `gorm:"type:text;not null" json:"allocated_amount"`
	Mode              string          `json:"mode"` // LIVE or DEMO
	Status            string          `json:"status"`
	ExecutedAt        time.Time       `json:"executed_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

type Follow struct {
	gorm.Model `json:"-"`
	AccountID  string    `gorm:"uniqueIndex:idx_follows_account_trader,priority:1" json:"account_id"`
	TraderID   string    `gorm:"uniqueIndex:idx_follows_account_trader,priority:2;index" json:"trader_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReferralBonus records one bonus credit. DedupeKey is unique so the same
// trigger can never pay twice.
type ReferralBonus struct {
	gorm.Model       `json:"-"`
	BonusID          string          `gorm:"uniqueIndex" json:"bonus_id"`
	ReferrerID       string          `gorm:"index" json:"referrer_id"`
	ReferredID       string          `json:"referred_id"`
	TriggerReference string          `json:"trigger_reference"`
	DedupeKey        string          `gorm:"uniqueIndex" json:"-"`
	Amount           decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Reason           string          `json:"reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type ProfitCredit struct {
	gorm.Model `json:"-"`
	ProfitID   string          `gorm:"uniqueIndex" json:"profit_id"`
	AccountID  string          `gorm:"index" json:"account_id"`
	Amount     decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Note       string          `json:"note,omitempty"`
	CreditedBy string          `json:"credited_by"`
	CreatedAt  time.Time       `json:"created_at"`
}
