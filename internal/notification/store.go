package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/ledger"
	"gorm.io/gorm"
)

// Store persists notifications and messages. It is the primary Deliverer
// behind the Dispatcher.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Deliver stores d as an unread notification.
func (s *Store) Deliver(ctx context.Context, d Delivery) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(&Notification{
		NotificationID: "NTF_" + uuid.New().String(),
		AccountID:      d.AccountID,
		Title:          d.Title,
		Body:           d.Body,
		Category:       d.Category,
		CreatedAt:      createdAt,
	}).Error
}

func (s *Store) ListNotifications(ctx context.Context, accountID string) ([]Notification, error) {
	var notifications []Notification
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

func (s *Store) MarkRead(ctx context.Context, accountID, notificationID string) (*Notification, error) {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("notification_id = ? AND account_id = ?", notificationID, accountID).
		Update("is_read", true)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("notification %s: %w", notificationID, ledger.ErrNotFound)
	}

	var n Notification
	if err := s.db.WithContext(ctx).Where("notification_id = ?", notificationID).First(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) MarkAllRead(ctx context.Context, accountID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("account_id = ? AND is_read = ?", accountID, false).
		Update("is_read", true)
	return result.RowsAffected, result.Error
}

func (s *Store) CountUnread(ctx context.Context, accountID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("account_id = ? AND is_read = ?", accountID, false).
		Count(&count).Error
	return count, err
}

// CreateMessage stores the message and its recipient rows together.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(msg).Error
	})
}

func (s *Store) ListMessages(ctx context.Context, accountID string) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Joins("JOIN message_recipients ON message_recipients.message_id = messages.message_id").
		Where("message_recipients.account_id = ? AND message_recipients.deleted_at IS NULL", accountID).
		Order("messages.created_at DESC").
		Find(&messages).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return messages, nil
}
