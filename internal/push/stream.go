package push

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
)

const (
	defaultBuffer     = 32
	keepAliveInterval = 15 * time.Second
)

// ChanConn buffers events for one server-sent event stream.
type ChanConn struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func NewChanConn(buffer int) *ChanConn {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &ChanConn{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (c *ChanConn) Send(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *ChanConn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *ChanConn) Events() <-chan Event {
	return c.events
}

func (c *ChanConn) Done() <-chan struct{} {
	return c.done
}

// AccountReader loads the account whose balance opens a stream.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID string) (*ledger.Account, error)
}

// GinHandlers contains the streaming endpoint
type GinHandlers struct {
	hub      *Hub
	accounts AccountReader
}

func NewGinHandlers(hub *Hub, accounts AccountReader) *GinHandlers {
	return &GinHandlers{hub: hub, accounts: accounts}
}

// StreamHandler handles GET /stream. The first event carries the current
// balance; later events arrive as they are pushed.
func (h *GinHandlers) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		account, err := h.accounts.GetAccount(c.Request.Context(), actor.ID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		logger := log.With().Str("account_id", actor.ID).Str("component", "push_stream").Logger()

		conn := NewChanConn(defaultBuffer)
		h.hub.Attach(actor.ID, conn)
		defer h.hub.Detach(actor.ID, conn)
		conn.Send(NewBalanceUpdate(account.Balance, nil, "connected"))

		logger.Debug().Msg("Stream opened")

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		c.Stream(func(w io.Writer) bool {
			select {
			case ev := <-conn.Events():
				c.SSEvent(ev.Type, ev)
				return true
			case <-ticker.C:
				c.SSEvent("ping", time.Now().Unix())
				return true
			case <-conn.Done():
				logger.Debug().Msg("Stream replaced by a newer connection")
				return false
			case <-c.Request.Context().Done():
				return false
			}
		})

		logger.Debug().Msg("Stream closed")
	}
}
