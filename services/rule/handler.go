package rule

import (
	"net/http"
	"strconv"

	"learnhub-rewards/pkg/errutil"

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

	v1 := p.Engine.Group("/v1/rules")
	v1.POST("", h.create)
	v1.GET("", h.list)
	v1.GET("/:id", h.get)
	v1.PATCH("/:id", h.update)
	v1.DELETE("/:id", h.delete)
	v1.POST("/:id/duplicate", h.duplicate)
	v1.POST("/:id/toggle", h.toggle)
}

func (h *Handler) create(c *gin.Context) {
	var input RuleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.Error(errutil.ValidationFailed("invalid rule payload", errutil.WithErr(err)))
		return
	}

	rule, err := h.svc.Create(c.Request.Context(), input)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) list(c *gin.Context) {
	params := ListParams{Type: c.Query("type")}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			c.Error(errutil.ValidationFailed("active must be true or false"))
			return
		}
		params.Active = &active
	}

	rules, err := h.svc.List(c.Request.Context(), params)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules})
}

func (h *Handler) get(c *gin.Context) {
	rule, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) update(c *gin.Context) {
	var input RuleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.Error(errutil.ValidationFailed("invalid rule payload", errutil.WithErr(err)))
		return
	}

	rule, err := h.svc.Update(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) duplicate(c *gin.Context) {
	rule, err := h.svc.Duplicate(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) toggle(c *gin.Context) {
	rule, err := h.svc.Toggle(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rule)
}
