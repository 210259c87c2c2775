package middleware

import (
	"errors"
	"net/http"

	"learnhub-rewards/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error maps domain errors attached to the gin context onto JSON responses.
// Invalid state transitions are logged loudly: reaching one means either a
// programming error or a race the state machine had to absorb.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var base errutil.BaseError
		if errors.As(last.Err, &base) {
			if base.Code == errutil.StatusInvalidStateTransition {
				zap.L().Error("invalid state transition reached transport layer",
					zap.String("path", c.FullPath()),
					zap.Error(last.Err),
				)
			}
			c.JSON(base.Code.HTTPStatus(), base.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": errutil.StatusInternal, "message": "internal error"},
		})
	}
}
