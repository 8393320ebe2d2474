package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service exposes an account's notifications and admin messaging.
type Service struct {
	store    *Store
	accounts *ledger.Database
	sink     Sink
}

// NewService creates the service. Messages fan out to recipients through sink.
func NewService(gormDB *gorm.DB, sink Sink) *Service {
	return &Service{
		store:    NewStore(gormDB),
		accounts: ledger.NewDatabase(gormDB),
		sink:     sink,
	}
}

// Inbox is the caller's notification list with its unread count.
type Inbox struct {
	Notifications []Notification `json:"notifications"`
	Unread        int64          `json:"unread"`
}

func (s *Service) Inbox(ctx context.Context, actor auth.Actor) (*Inbox, error) {
	notifications, err := s.store.ListNotifications(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	unread, err := s.store.CountUnread(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	return &Inbox{Notifications: notifications, Unread: unread}, nil
}

func (s *Service) MarkRead(ctx context.Context, actor auth.Actor, notificationID string) (*Notification, error) {
	return s.store.MarkRead(ctx, actor.ID, notificationID)
}

func (s *Service) MarkAllRead(ctx context.Context, actor auth.Actor) (int64, error) {
	return s.store.MarkAllRead(ctx, actor.ID)
}

// SendMessage stores an admin message and notifies each recipient. Unknown
// recipients fail the whole request; nothing is stored.
func (s *Service) SendMessage(ctx context.Context, actor auth.Actor, recipients []string, title, content string) (*Message, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrForbidden
	}

	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if title == "" || content == "" {
		return nil, fmt.Errorf("%w: title and content are required", ledger.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(recipients))
	unique := make([]string, 0, len(recipients))
	for _, id := range recipients {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ledger.ErrInvalidInput)
	}

	for _, id := range unique {
		if _, err := s.accounts.GetAccount(ctx, id); err != nil {
			return nil, err
		}
	}

	msg := &Message{
		MessageID: "MSG_" + uuid.New().String(),
		SenderID:  actor.ID,
		Title:     title,
		Content:   content,
	}
	for _, id := range unique {
		msg.Recipients = append(msg.Recipients, MessageRecipient{MessageID: msg.MessageID, AccountID: id})
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	for _, id := range unique {
		s.sink.Notify(ctx, id, title, content, CategoryMessage)
	}

	log.Info().
		Str("message_id", msg.MessageID).
		Str("sender_id", actor.ID).
		Int("recipients", len(unique)).
		Str("service", "notification").
		Msg("Message sent")

	return msg, nil
}

func (s *Service) Messages(ctx context.Context, actor auth.Actor) ([]Message, error) {
	return s.store.ListMessages(ctx, actor.ID)
}

// GinHandlers contains HTTP handlers for notification endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ListNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		inbox, err := h.service.Inbox(c.Request.Context(), actor)
		response.Handle(c, inbox, err)
	}
}

// MarkReadHandler handles POST /notifications/:notification_id/read
func (h *GinHandlers) MarkReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		n, err := h.service.MarkRead(c.Request.Context(), actor, c.Param("notification_id"))
		response.Handle(c, n, err)
	}
}

func (h *GinHandlers) MarkAllReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		updated, err := h.service.MarkAllRead(c.Request.Context(), actor)
		response.Handle(c, gin.H{"updated": updated}, err)
	}
}

type sendMessageRequest struct {
	Recipients []string `json:"recipients" binding:"required"`
	Title      string   `json:"title" binding:"required"`
	Content    string   `json:"content" binding:"required"`
}

// SendMessageHandler handles POST /admin/messages
func (h *GinHandlers) SendMessageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		var req sendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		msg, err := h.service.SendMessage(c.Request.Context(), actor, req.Recipients, req.Title, req.Content)
		response.Handle(c, msg, err)
	}
}

func (h *GinHandlers) ListMessagesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		messages, err := h.service.Messages(c.Request.Context(), actor)
		response.Handle(c, messages, err)
	}
}
