package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"learnhub-rewards/pkg/config"
	"learnhub-rewards/pkg/db"
	"learnhub-rewards/pkg/logger"
	"learnhub-rewards/services/ledger"
	"learnhub-rewards/services/rule"
	"learnhub-rewards/services/withdrawal"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(migrate),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func migrate(gdb *gorm.DB, shutdowner fx.Shutdowner) error {
	err := gdb.AutoMigrate(
		&rule.RewardRule{},
		&ledger.RewardTransaction{},
		&ledger.Balance{},
		&withdrawal.WithdrawalRequest{},
	)
	if err != nil {
		zap.L().Error("migration failed", zap.Error(err))
		return err
	}

	zap.L().Info("migration complete")
	return shutdowner.Shutdown()
}
