package adminquery

import (
	"net/http"
	"strconv"

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

	v1 := p.Engine.Group("/v1/admin")
	v1.GET("/top-users", h.topUsers)
	v1.GET("/rule-performance", h.rulePerformance)
	v1.GET("/stats", h.stats)
}

func (h *Handler) topUsers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	users, err := h.svc.TopUsersByBalance(c.Request.Context(), limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": users})
}

func (h *Handler) rulePerformance(c *gin.Context) {
	report, err := h.svc.RulePerformanceReport(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.svc.AdminStats(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
