package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/txn"
)

// BalanceReader is the read-side account view the API exposes.
type BalanceReader interface {
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

func RegisterHandlers(r *gin.Engine, svc *txn.Service, balances BalanceReader) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	v1 := r.Group("/v1")
	{
		v1.POST("/transactions", createHandler(svc))
		v1.POST("/transactions/:id/reverse", reverseHandler(svc))
		v1.GET("/transactions/:id", getHandler(svc))
		v1.GET("/accounts/:id/transactions", historyHandler(svc))
		v1.GET("/accounts/:id/balance", balanceHandler(balances))
	}
}

type createReq struct {
	TransactionID        string  `json:"transaction_id"`
	SourceAccountID      string  `json:"source_account_id" binding:"required"`
	DestinationAccountID *string `json:"destination_account_id"`
	Amount               string  `json:"amount" binding:"required"`
	Currency             string  `json:"currency" binding:"required"`
	Kind                 string  `json:"kind" binding:"required"`
	ScheduledAt          *string `json:"scheduled_at"`
	Description          string  `json:"description"`
	ReferenceNumber      string  `json:"reference_number"`
}

func createHandler(svc *txn.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		var schedAt *time.Time
		if req.ScheduledAt != nil {
			ts, err := time.Parse(time.RFC3339, *req.ScheduledAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scheduled_at"})
				return
			}
			schedAt = &ts
		}
		t, err := svc.Create(c, txn.CreateRequest{
			ID:                   req.TransactionID,
			SourceAccountID:      req.SourceAccountID,
			DestinationAccountID: req.DestinationAccountID,
			Amount:               amt,
			Currency:             req.Currency,
			Kind:                 req.Kind,
			ScheduledAt:          schedAt,
			Description:          req.Description,
			ReferenceNumber:      req.ReferenceNumber,
		})
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, t)
	}
}

type reverseReq struct {
	Reason string `json:"reason" binding:"required"`
}

func reverseHandler(svc *txn.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reverseReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		comp, err := svc.Reverse(c, c.Param("id"), req.Reason)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, comp)
	}
}

func getHandler(svc *txn.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.Get(c, c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func historyHandler(svc *txn.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		txs, err := svc.ListByAccount(c, c.Param("id"), limit, since)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func balanceHandler(balances BalanceReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := balances.Balance(c, c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "balance": bal})
	}
}

// statusFor maps the error taxonomy onto HTTP. Conflicts are retryable
// client errors; insufficient funds is a business rejection, not a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
