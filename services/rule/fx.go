package rule

import (
	"learnhub-rewards/pkg/config"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("rule.service",
	fx.Provide(
		func(db *gorm.DB) Repository { return NewRepository(db) },
		func(repo Repository, cfg *config.Config) *RuleCache {
			return NewRuleCache(repo, cfg.Reward.RuleCacheTTL)
		},
		NewEvaluator,
		NewService,
	),
	fx.Invoke(RegisterRoutes),
)
