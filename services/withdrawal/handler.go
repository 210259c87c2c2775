package withdrawal

import (
	"net/http"

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

	v1 := p.Engine.Group("/v1/withdrawals")
	v1.POST("", h.create)
	v1.GET("/:id", h.get)
	v1.POST("/callback", h.callback)
}

func (h *Handler) create(c *gin.Context) {
	var params WithdrawParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.Error(errutil.ValidationFailed("invalid withdrawal payload", errutil.WithErr(err)))
		return
	}

	request, err := h.svc.Withdraw(c.Request.Context(), params)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, request)
}

func (h *Handler) get(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		c.Error(errutil.ValidationFailed("invalid withdrawal id", errutil.WithErr(err)))
		return
	}

	request, record, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawal": request,
		"status":     record.Status,
	})
}

func (h *Handler) callback(c *gin.Context) {
	var payload CallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.Error(errutil.ValidationFailed("invalid callback payload", errutil.WithErr(err)))
		return
	}

	if err := h.svc.HandleCallback(c.Request.Context(), payload); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}
