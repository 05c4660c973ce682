package subscription

import (
	subdomain "github.com/nimbusbase/meterbill/internal/subscription/domain"
	"github.com/nimbusbase/meterbill/internal/subscription/service"
	txdomain "github.com/nimbusbase/meterbill/internal/transaction/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(
		service.NewService,
		func(s *service.Service) subdomain.Service { return s },
		func(s *service.Service) txdomain.PlanResolver { return s },
	),
)
