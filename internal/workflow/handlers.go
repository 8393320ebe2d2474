package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/shopspring/decimal"
)

const maxProofSize = 10 << 20

var proofExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".pdf": true, ".webp": true,
}

// GinHandlers contains HTTP handlers for transaction endpoints
type GinHandlers struct {
	service   *Service
	uploadDir string
}

// NewGinHandlers creates the handlers. Deposit proofs are stored under
// uploadDir.
func NewGinHandlers(service *Service, uploadDir string) *GinHandlers {
	return &GinHandlers{service: service, uploadDir: uploadDir}
}

type submitRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	ProofReference string          `json:"proof_reference"`
}

// SubmitHandler handles POST /deposits and /withdrawals. Deposits may be sent
// as multipart form data with an "amount" field and a "proof" file.
func (h *GinHandlers) SubmitHandler(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		var req submitRequest
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			amount, err := decimal.NewFromString(c.PostForm("amount"))
			if err != nil {
				response.BadRequest(c, "Invalid amount")
				return
			}
			req.Amount = amount

			if kind == ledger.KindDeposit {
				proof, err := h.saveProof(c)
				if err != nil {
					response.BadRequest(c, err.Error())
					return
				}
				req.ProofReference = proof
			}
		} else if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		txn, err := h.service.Submit(c.Request.Context(), actor, kind, req.Amount, req.ProofReference)
		response.Handle(c, txn, err)
	}
}

// saveProof stores the optional "proof" upload and returns its file name.
func (h *GinHandlers) saveProof(c *gin.Context) (string, error) {
	file, err := c.FormFile("proof")
	if err != nil {
		return "", nil
	}
	if file.Size > maxProofSize {
		return "", fmt.Errorf("proof exceeds %d bytes", maxProofSize)
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !proofExtensions[ext] {
		return "", fmt.Errorf("unsupported proof type %q", ext)
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to prepare upload dir: %w", err)
	}

	name := "proof_" + uuid.New().String() + ext
	if err := c.SaveUploadedFile(file, filepath.Join(h.uploadDir, name)); err != nil {
		return "", fmt.Errorf("failed to store proof: %w", err)
	}
	return name, nil
}

// ApproveHandler handles POST /admin/transactions/:transaction_id/approve
func (h *GinHandlers) ApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		txn, err := h.service.Approve(c.Request.Context(), actor, c.Param("transaction_id"))
		response.Handle(c, txn, err)
	}
}

type rejectRequest struct {
	Note string `json:"note"`
}

// RejectHandler handles POST /admin/transactions/:transaction_id/reject
func (h *GinHandlers) RejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		var req rejectRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, "Invalid request body")
				return
			}
		}
		txn, err := h.service.Reject(c.Request.Context(), actor, c.Param("transaction_id"), req.Note)
		response.Handle(c, txn, err)
	}
}

type profitRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// CreditProfitHandler handles POST /admin/accounts/:account_id/profits
func (h *GinHandlers) CreditProfitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		var req profitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		profit, err := h.service.CreditProfit(c.Request.Context(), actor, c.Param("account_id"), req.Amount, req.Note)
		response.Handle(c, profit, err)
	}
}

// ListProfitsHandler serves both GET /profits and the admin view of an
// account's profits.
func (h *GinHandlers) ListProfitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		accountID := c.Param("account_id")
		if accountID == "" {
			accountID = actor.ID
		}
		profits, err := h.service.ListProfits(c.Request.Context(), actor, accountID)
		response.Handle(c, profits, err)
	}
}

// GetTransactionHandler handles GET /transactions/:transaction_id
func (h *GinHandlers) GetTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		txn, err := h.service.Get(c.Request.Context(), actor, c.Param("transaction_id"))
		response.Handle(c, txn, err)
	}
}

// ListMyTransactionsHandler handles GET /transactions?kind=&status=
func (h *GinHandlers) ListMyTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		txns, err := h.service.ListForAccount(c.Request.Context(), actor, filterFromQuery(c))
		response.Handle(c, txns, err)
	}
}

// ListTransactionsHandler handles GET /admin/transactions?kind=&status=&account_id=
func (h *GinHandlers) ListTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		filter := filterFromQuery(c)
		filter.AccountID = c.Query("account_id")
		txns, err := h.service.List(c.Request.Context(), actor, filter)
		response.Handle(c, txns, err)
	}
}

// StatsHandler handles GET /admin/stats
func (h *GinHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}
		stats, err := h.service.Stats(c.Request.Context(), actor)
		response.Handle(c, stats, err)
	}
}

func filterFromQuery(c *gin.Context) ledger.TransactionFilter {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return ledger.TransactionFilter{
		Kind:   strings.ToUpper(c.Query("kind")),
		Status: strings.ToUpper(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	}
}
