package credit

import (
	"github.com/smallbiznis/studioledger/internal/credit/projection"
	"github.com/smallbiznis/studioledger/internal/credit/repository"
	"github.com/smallbiznis/studioledger/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit",
	fx.Provide(repository.Provide),
	fx.Provide(projection.New),
	fx.Provide(service.Provide),
)
