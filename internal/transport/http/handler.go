package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tessera/internal/broker"
	"tessera/internal/gateway"
	"tessera/internal/ledger"
	"tessera/internal/logger"
	"tessera/internal/reconcile"
	"tessera/internal/store"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	Broker    broker.BrokerProvider
	Ledger    *ledger.Ledger
	Gateway   *gateway.Gateway
	Reconcile *reconcile.Engine
	Store     store.Store
}

func (h *Handler) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/account", h.handleAccount)
	group.GET("/positions", h.handlePositions)
	group.GET("/clock", h.handleClock)
	group.GET("/virtual-accounts", h.handleVirtualAccounts)
	group.GET("/lots", h.handleLots)
	group.GET("/pnl", h.handlePnL)
	group.GET("/adjustments", h.handleAdjustments)
	group.GET("/orders/open", h.handleOpenOrders)
	group.GET("/events", h.handleEvents)
	group.GET("/reconcile/report", h.handleReconcileReport)
	group.POST("/reconcile/run", h.handleReconcileRun)
}

func (h *Handler) handleAccount(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	info, err := h.Broker.GetAccount(ctx)
	if err != nil {
		logger.Errorf("[api] account failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":      info.AccountID,
		"cash":            info.Cash,
		"portfolio_value": info.PortfolioValue,
		"buying_power":    info.BuyingPower,
		"currency":        info.Currency,
	})
}

func (h *Handler) handlePositions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	positions, err := h.Broker.GetPositions(ctx)
	if err != nil {
		logger.Errorf("[api] positions failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (h *Handler) handleClock(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	clock, err := h.Broker.GetClock(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, clock)
}

func (h *Handler) handleVirtualAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"accounts":    h.Ledger.VirtualAccounts(),
		"unallocated": h.Ledger.Unallocated(),
		"total_cash":  h.Ledger.TotalCash(),
	})
}

func (h *Handler) handleLots(c *gin.Context) {
	strategyID := strings.TrimSpace(c.Query("strategy"))
	c.JSON(http.StatusOK, gin.H{"lots": h.Ledger.OpenLots(strategyID)})
}

func (h *Handler) handlePnL(c *gin.Context) {
	strategyID := strings.TrimSpace(c.Query("strategy"))
	if strategyID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strategy query parameter is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"realized": h.Ledger.RealizedPnLs(strategyID)})
}

func (h *Handler) handleAdjustments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"adjustments": h.Ledger.Adjustments()})
}

func (h *Handler) handleOpenOrders(c *gin.Context) {
	if h.Gateway == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"open":       h.Gateway.OpenOrders(),
		"unresolved": h.Gateway.Pending(),
	})
}

func (h *Handler) handleEvents(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log not enabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	since := time.Time{}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}
	records, err := h.Store.LoadEvents(c.Request.Context(), since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, rec := range records {
		var payload map[string]any
		_ = json.Unmarshal(rec.Payload, &payload)
		out = append(out, gin.H{
			"id":          rec.ID,
			"type":        rec.Type,
			"strategy_id": rec.StrategyID,
			"symbol":      rec.Symbol,
			"payload":     payload,
			"created_at":  rec.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (h *Handler) handleReconcileReport(c *gin.Context) {
	if h.Reconcile == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not running"})
		return
	}
	report, ok := h.Reconcile.LastReport()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reconciliation pass has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "halted": h.Reconcile.Halted()})
}

func (h *Handler) handleReconcileRun(c *gin.Context) {
	if h.Reconcile == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not running"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	report, err := h.Reconcile.Run(ctx)
	if err != nil {
		logger.Errorf("[api] manual reconcile failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] manual reconcile ip=%s clean=%v", c.ClientIP(), report.Clean)
	c.JSON(http.StatusOK, gin.H{"report": report, "halted": h.Reconcile.Halted()})
}
