package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"learnhub-rewards/pkg/config"
	"learnhub-rewards/pkg/db"
	"learnhub-rewards/pkg/gen"
	"learnhub-rewards/pkg/health"
	"learnhub-rewards/pkg/logger"
	"learnhub-rewards/pkg/otelcol"
	"learnhub-rewards/pkg/redis"
	"learnhub-rewards/pkg/sequence"
	"learnhub-rewards/pkg/server"
	"learnhub-rewards/pkg/task"
	"learnhub-rewards/services/adminquery"
	"learnhub-rewards/services/engine"
	"learnhub-rewards/services/ledger"
	"learnhub-rewards/services/rule"
	"learnhub-rewards/services/withdrawal"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		gen.Module,
		server.ProvideHTTPServer,
		health.Module,
		rule.Module,
		ledger.Module,
		engine.Module,
		withdrawal.Module,
		adminquery.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
