package reconcile

import (
	"github.com/nimbusbase/meterbill/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.service",
	fx.Provide(service.NewService),
)
