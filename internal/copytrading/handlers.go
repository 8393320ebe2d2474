package copytrading

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for traders, trades and follows
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type createTraderRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	Bio         string `json:"bio"`
}

// CreateTraderHandler handles POST /admin/traders
func (h *GinHandlers) CreateTraderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		var req createTraderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		trader, err := h.service.CreateTrader(c.Request.Context(), actor, req.DisplayName, req.Bio)
		response.Handle(c, trader, err)
	}
}

// ListTradersHandler handles GET /traders
func (h *GinHandlers) ListTradersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		traders, err := h.service.ListTraders(c.Request.Context())
		response.Handle(c, traders, err)
	}
}

type createTradeRequest struct {
	TraderID  string          `json:"trader_id" binding:"required"`
	Pair      string          `json:"pair" binding:"required"`
	Direction string          `json:"direction" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

// CreateTradeHandler handles POST /admin/trades
func (h *GinHandlers) CreateTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		var req createTradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		trade, err := h.service.CreateTrade(c.Request.Context(), actor, req.TraderID, req.Pair, req.Direction, req.Amount)
		response.Handle(c, trade, err)
	}
}

// ExecuteTradeHandler handles POST /admin/trades/:trade_id/execute. Partial
// fan-out answers 207 with the failed followers listed.
func (h *GinHandlers) ExecuteTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		result, err := h.service.ExecuteTrade(c.Request.Context(), actor, c.Param("trade_id"))
		response.Handle(c, result, err)
	}
}

// RetryFanOutHandler handles POST /admin/trades/:trade_id/retry
func (h *GinHandlers) RetryFanOutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		result, err := h.service.RetryFanOut(c.Request.Context(), actor, c.Param("trade_id"))
		response.Handle(c, result, err)
	}
}

// CancelTradeHandler handles POST /admin/trades/:trade_id/cancel
func (h *GinHandlers) CancelTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		trade, err := h.service.CancelTrade(c.Request.Context(), actor, c.Param("trade_id"))
		response.Handle(c, trade, err)
	}
}

// GetTradeHandler handles GET /admin/trades/:trade_id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := h.service.GetTrade(c.Request.Context(), c.Param("trade_id"))
		response.Handle(c, detail, err)
	}
}

// ListTradesHandler handles GET /admin/trades?status=
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		trades, err := h.service.ListTrades(c.Request.Context(), actor, c.Query("status"))
		response.Handle(c, trades, err)
	}
}

// ListFollowersHandler handles GET /admin/traders/:trader_id/followers
func (h *GinHandlers) ListFollowersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		followers, err := h.service.ListFollowers(c.Request.Context(), actor, c.Param("trader_id"))
		response.Handle(c, followers, err)
	}
}

type followRequest struct {
	TraderID string `json:"trader_id" binding:"required"`
}

// FollowHandler handles POST /follow
func (h *GinHandlers) FollowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		var req followRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		follow, err := h.service.Follow(c.Request.Context(), actor, req.TraderID)
		response.Handle(c, follow, err)
	}
}

// UnfollowHandler handles DELETE /follow/:trader_id
func (h *GinHandlers) UnfollowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		traderID := c.Param("trader_id")
		err := h.service.Unfollow(c.Request.Context(), actor, traderID)
		response.Handle(c, gin.H{"trader_id": traderID, "following": false}, err)
	}
}

// FollowingHandler handles GET /follow
func (h *GinHandlers) FollowingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		follows, err := h.service.Following(c.Request.Context(), actor)
		response.Handle(c, follows, err)
	}
}

// CopyTradesHandler handles GET /copy-trades
func (h *GinHandlers) CopyTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		copies, err := h.service.CopyTradesForAccount(c.Request.Context(), actor)
		response.Handle(c, copies, err)
	}
}
