package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ledgerline/ledgerline/internal/clock"
	"github.com/ledgerline/ledgerline/internal/config"
	hierarchydomain "github.com/ledgerline/ledgerline/internal/hierarchy/domain"
	ledgerdomain "github.com/ledgerline/ledgerline/internal/ledger/domain"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Holder    *config.NormalizerConfigHolder
	Repo      ledgerdomain.Repository
	Hierarchy hierarchydomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	holder    *config.NormalizerConfigHolder
	repo      ledgerdomain.Repository
	hierarchy hierarchydomain.Service
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("ledger.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		holder:    p.Holder,
		repo:      p.Repo,
		hierarchy: p.Hierarchy,
	}
}

func (s *Service) Merge(ctx context.Context, domain string, start, end time.Time, runID string) (*ledgerdomain.MergeSummary, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if strings.TrimSpace(runID) == "" {
		return nil, ledgerdomain.ErrMissingRunID
	}
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return nil, ledgerdomain.ErrInvalidDateRange
	}
	table, ok := s.holder.Get().Table(domain)
	if !ok {
		return nil, ledgerdomain.ErrUnknownDomain
	}

	daily, err := s.repo.ReadDaily(ctx, s.db, table.DailyTable, snowflake.ID(tenantID), start, end)
	if err != nil {
		s.log.Error("daily table read failed", zap.String("domain", domain), zap.Error(err))
		return nil, ledgerdomain.ErrLedgerWrite
	}

	now := s.clock.Now()
	attributions := map[string]*hierarchydomain.Attribution{}
	// The canonical key excludes entity_id, so two daily rows for the
	// same object and day attributed to different entities cannot both
	// land in one batch.
	entityByKey := map[string]string{}
	records := make([]*ledgerdomain.CostRecord, 0, len(daily))
	var total float64
	for _, row := range daily {
		key := strings.Join([]string{row.UsageDate.Format("2006-01-02"), row.Provider, row.ObjectID}, "|")
		if prev, dup := entityByKey[key]; dup {
			s.log.Error("conflicting entity attribution for one ledger row",
				zap.String("domain", domain),
				zap.String("object_id", row.ObjectID),
				zap.String("usage_date", row.UsageDate.Format("2006-01-02")),
				zap.String("entity_a", prev),
				zap.String("entity_b", row.EntityID),
			)
			return nil, fmt.Errorf("%w: object %s on %s attributed to both %s and %s",
				ledgerdomain.ErrAmbiguousAttribution, row.ObjectID, row.UsageDate.Format("2006-01-02"), prev, row.EntityID)
		}
		entityByKey[key] = row.EntityID

		attribution, ok := attributions[row.EntityID]
		if !ok {
			attribution, err = s.hierarchy.Denormalize(ctx, row.EntityID)
			if err != nil {
				return nil, err
			}
			attributions[row.EntityID] = attribution
		}

		record := &ledgerdomain.CostRecord{
			ID:         s.genID.Generate(),
			TenantID:   snowflake.ID(tenantID),
			Domain:     domain,
			UsageDate:  row.UsageDate,
			Provider:   row.Provider,
			ObjectID:   row.ObjectID,
			ObjectName: row.ObjectName,
			EntityID:   row.EntityID,
			Quantity:   row.Quantity,
			UnitPrice:  row.UnitPrice,
			Discount:   row.Discount,
			Cost:       row.Cost,
			Currency:   row.Currency,
			RunID:      runID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		for n := 1; n <= hierarchydomain.MaxDepth; n++ {
			if level := attribution.Level(n); level != nil {
				record.SetLevel(n, level.ID, level.Name)
			}
		}
		records = append(records, record)
		total += record.Cost
	}

	// One transaction per merge: a failed merge leaves the ledger in
	// its last known good state, never a partial row set.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.UpsertRecords(ctx, tx, records)
	})
	if err != nil {
		s.log.Error("canonical ledger merge failed",
			zap.String("domain", domain),
			zap.String("run_id", runID),
			zap.Error(err),
		)
		return nil, ledgerdomain.ErrLedgerWrite
	}

	return &ledgerdomain.MergeSummary{
		Domain:     domain,
		RowsRead:   len(daily),
		RowsMerged: len(records),
		RunID:      runID,
		RangeStart: start.Format("2006-01-02"),
		RangeEnd:   end.Format("2006-01-02"),
		TotalCost:  total,
	}, nil
}

func (s *Service) Aggregate(ctx context.Context, req ledgerdomain.AggregateRequest) ([]ledgerdomain.AggregateRow, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if req.Start.IsZero() || req.End.IsZero() || req.End.Before(req.Start) {
		return nil, ledgerdomain.ErrInvalidDateRange
	}
	if req.Domain != "" {
		if _, ok := s.holder.Get().Table(req.Domain); !ok {
			return nil, ledgerdomain.ErrUnknownDomain
		}
	}
	return s.repo.Aggregate(ctx, s.db, snowflake.ID(tenantID), req)
}
