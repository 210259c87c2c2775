package engine

import (
	"net/http"

	"learnhub-rewards/pkg/errutil"
	"learnhub-rewards/pkg/task"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Handler struct {
	svc      *Service
	enqueuer task.Enqueuer
}

type HandlerParams struct {
	fx.In

	Engine   *gin.Engine
	Service  *Service
	Enqueuer task.Enqueuer
}

func RegisterRoutes(p HandlerParams) {
	h := &Handler{svc: p.Service, enqueuer: p.Enqueuer}

	v1 := p.Engine.Group("/v1/events")
	v1.POST("", h.ingest)
	v1.POST("/sync", h.ingestSync)
}

// ingest validates the event and queues it for asynchronous processing.
func (h *Handler) ingest(c *gin.Context) {
	var event TriggerEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.Error(errutil.ValidationFailed("invalid event payload", errutil.WithErr(err)))
		return
	}
	if err := event.Validate(); err != nil {
		c.Error(err)
		return
	}

	t, err := NewProcessEventTask(event)
	if err != nil {
		c.Error(err)
		return
	}
	if _, err := h.enqueuer.Enqueue(t, asynq.Queue("default"), asynq.MaxRetry(5)); err != nil {
		zap.L().Error("failed to enqueue trigger event",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		c.Error(errutil.Internal("failed to queue event"))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"eventId": event.EventID,
		"status":  "queued",
	})
}

// ingestSync fires the event inline and returns the outcome. Used by internal
// callers that need the resulting transaction immediately.
func (h *Handler) ingestSync(c *gin.Context) {
	var event TriggerEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.Error(errutil.ValidationFailed("invalid event payload", errutil.WithErr(err)))
		return
	}

	record, err := h.svc.Fire(c.Request.Context(), event)
	if err != nil {
		c.Error(err)
		return
	}
	if record == nil {
		c.JSON(http.StatusOK, gin.H{"matched": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"matched": true, "transaction": record})
}
