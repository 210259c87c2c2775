package ledger

import (
	"fmt"
	"net/http"

	"learnhub-rewards/pkg/db/pagination"
	"learnhub-rewards/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	svc *Service
}

type HandlerParams struct {
	fx.In

	Engine  *gin.Engine
	Service *Service
}

func RegisterRoutes(p HandlerParams) {
	h := &Handler{svc: p.Service}

	v1 := p.Engine.Group("/v1")
	v1.GET("/users/:id/balance", h.getBalance)
	v1.GET("/users/:id/transactions", h.getHistory)
	v1.GET("/users/:id/balance/verify", h.verifyBalance)
	v1.GET("/transactions/:id", h.getTransaction)
	v1.POST("/transactions/:id/cancel", h.cancel)
	v1.POST("/users/:id/grants", h.grant)
	v1.POST("/users/:id/spends", h.spend)
}

func (h *Handler) getBalance(c *gin.Context) {
	view, err := h.svc.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) getHistory(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.ValidationFailed("invalid pagination parameters", errutil.WithErr(err)))
		return
	}

	records, info, err := h.svc.GetHistory(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records, "page_info": info})
}

func (h *Handler) verifyBalance(c *gin.Context) {
	ok, err := h.svc.VerifyBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": ok})
}

func (h *Handler) getTransaction(c *gin.Context) {
	txID, err := parseTxID(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	record, err := h.svc.GetTransaction(c.Request.Context(), txID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) cancel(c *gin.Context) {
	txID, err := parseTxID(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), txID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(StatusCancelled)})
}

type manualRequest struct {
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	ReasonCode string `json:"reasonCode" binding:"required"`
	RelatedID  string `json:"relatedId"`
}

func (h *Handler) grant(c *gin.Context) {
	var req manualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid grant payload", errutil.WithErr(err)))
		return
	}

	record, err := h.svc.CreateCredit(c.Request.Context(), CreditIntent{
		UserID:         c.Param("id"),
		Type:           "custom",
		Amount:         req.Amount,
		IdempotencyKey: fmt.Sprintf("grant:%s:%s", c.Param("id"), relatedOrNew(h.svc, req.RelatedID)),
		Description:    req.ReasonCode,
		RelatedID:      req.RelatedID,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *Handler) spend(c *gin.Context) {
	var req manualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid spend payload", errutil.WithErr(err)))
		return
	}

	record, err := h.svc.CreateDebit(c.Request.Context(), DebitParams{
		UserID:     c.Param("id"),
		Amount:     req.Amount,
		Type:       "custom",
		ReasonCode: req.ReasonCode,
		RelatedID:  req.RelatedID,
	})
	if err != nil {
		c.Error(err)
		return
	}

	// Admin spends have no external settlement step.
	if err := h.svc.MarkCompleted(c.Request.Context(), record.ID, nil); err != nil {
		c.Error(err)
		return
	}
	record.Status = StatusCompleted
	c.JSON(http.StatusCreated, record)
}

func relatedOrNew(svc *Service, relatedID string) string {
	if relatedID != "" {
		return relatedID
	}
	return svc.node.Generate().String()
}

func parseTxID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, errutil.ValidationFailed("invalid transaction id", errutil.WithErr(err))
	}
	return id, nil
}
