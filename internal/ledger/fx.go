package ledger

import (
	"github.com/ledgerline/ledgerline/internal/ledger/repository"
	"github.com/ledgerline/ledgerline/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
