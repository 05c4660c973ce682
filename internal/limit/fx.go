package limit

import (
	"github.com/nimbusbase/meterbill/internal/limit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("limit.service",
	fx.Provide(service.NewService),
)
