package withdrawal

import (
	"learnhub-rewards/pkg/config"

	"go.uber.org/fx"
)

var Module = fx.Module("withdrawal.service",
	fx.Provide(
		func(cfg *config.Config) Bridge {
			return NewGatewayBridge(cfg.Withdrawal.GatewayURL, cfg.Withdrawal.SubmitTimeout)
		},
		NewService,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RegisterTasks),
	fx.Invoke(RegisterSweeper),
)
