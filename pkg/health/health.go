package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Invoke(RegisterRoutes))

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type Params struct {
	fx.In

	Engine *gin.Engine
	DB     *gorm.DB
	Redis  *redis.Client
}

func RegisterRoutes(p Params) {
	p.Engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	p.Engine.GET("/readyz", func(c *gin.Context) {
		deps := make([]Dependency, 0, 2)
		healthy := true

		dbDep := Dependency{Name: "database", Status: "ok"}
		if sqlDB, err := p.DB.DB(); err != nil {
			dbDep.Status, dbDep.Message = "down", err.Error()
			healthy = false
		} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			dbDep.Status, dbDep.Message = "down", err.Error()
			healthy = false
		}
		deps = append(deps, dbDep)

		redisDep := Dependency{Name: "redis", Status: "ok"}
		if err := p.Redis.Ping(c.Request.Context()).Err(); err != nil {
			redisDep.Status, redisDep.Message = "down", err.Error()
			healthy = false
		}
		deps = append(deps, redisDep)

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"dependencies": deps})
	})
}
