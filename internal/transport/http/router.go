package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/finbank/transaction-engine/internal/config"
	"github.com/finbank/transaction-engine/internal/txn"
)

func NewRouter(svc *txn.Service, balances BalanceReader, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, balances)
	return r
}
