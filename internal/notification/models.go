package notification

import (
	"time"

	"gorm.io/gorm"
)

const (
	CategoryDeposit    = "DEPOSIT"
	CategoryWithdrawal = "WITHDRAWAL"
	CategoryTrade      = "TRADE"
	CategoryProfit     = "PROFIT"
	CategoryReferral   = "REFERRAL"
	CategoryMessage    = "MESSAGE"
	CategoryInfo       = "INFO"
)

type Notification struct {
	gorm.Model     `json:"-"`
	NotificationID string    `gorm:"uniqueIndex" json:"notification_id"`
	AccountID      string    `gorm:"index" json:"account_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Category       string    `json:"category"`
	IsRead         bool      `gorm:"not null;default:false" json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is an admin broadcast. Recipients are stored one row each so
// "messages for me" is an indexed lookup.
type Message struct {
	gorm.Model `json:"-"`
	MessageID  string             `gorm:"uniqueIndex" json:"message_id"`
	SenderID   string             `json:"sender_id"`
	Title      string             `json:"title"`
	Content    string             `json:"content"`
	Recipients []MessageRecipient `gorm:"foreignKey:MessageID;references:MessageID" json:"recipients,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

type MessageRecipient struct {
	gorm.Model `json:"-"`
	MessageID  string `gorm:"index" json:"message_id"`
	AccountID  string `gorm:"index" json:"account_id"`
}

// Delivery is one queued notification request.
type Delivery struct {
	AccountID string    `json:"account_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}
