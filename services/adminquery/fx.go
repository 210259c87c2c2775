package adminquery

import (
	"go.uber.org/fx"
)

var Module = fx.Module("adminquery.service",
	fx.Provide(NewService),
	fx.Invoke(RegisterRoutes),
)
