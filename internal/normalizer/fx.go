package normalizer

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ledgerline/ledgerline/internal/clock"
	"github.com/ledgerline/ledgerline/internal/config"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"github.com/ledgerline/ledgerline/internal/normalizer/repository"
	vaultdomain "github.com/ledgerline/ledgerline/internal/vault/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("normalizer",
	fx.Provide(repository.NewRepository),
	fx.Provide(provideProviderClient),
	fx.Provide(NewRegistry),
)

func provideProviderClient(cfg config.Config) ProviderClient {
	return NewHTTPProviderClient(cfg.AIUsageAPIBase)
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Holder *config.NormalizerConfigHolder
	Repo   normalizerdomain.Repository
	Vault  vaultdomain.Service
	Client ProviderClient
}

func NewRegistry(p Params) normalizerdomain.Registry {
	base := func(domain string) baseRunner {
		return baseRunner{
			domain: domain,
			db:     p.DB,
			log:    p.Log.Named("normalizer." + domain),
			genID:  p.GenID,
			clock:  p.Clock,
			repo:   p.Repo,
			holder: p.Holder,
		}
	}

	return &registry{runners: map[string]normalizerdomain.Runner{
		DomainCloud:        &CloudRunner{baseRunner: base(DomainCloud)},
		DomainSubscription: &SubscriptionRunner{baseRunner: base(DomainSubscription)},
		DomainAIUsage: &AIUsageRunner{
			baseRunner: base(DomainAIUsage),
			vault:      p.Vault,
			client:     p.Client,
			sleep:      time.Sleep,
		},
	}}
}
