package hierarchy

import (
	"github.com/ledgerline/ledgerline/internal/hierarchy/repository"
	"github.com/ledgerline/ledgerline/internal/hierarchy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("hierarchy.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
