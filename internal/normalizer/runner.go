package normalizer

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ledgerline/ledgerline/internal/clock"
	"github.com/ledgerline/ledgerline/internal/config"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// pricer turns one classified usage payload into daily rows. It may
// expand a single payload into many dates (subscription proration) or
// collapse to one (cloud, ai-usage).
type pricer func(payload *normalizerdomain.UsagePayload, usageDate time.Time, start, end time.Time) ([]*normalizerdomain.DailyCost, error)

type baseRunner struct {
	domain string
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   normalizerdomain.Repository
	holder *config.NormalizerConfigHolder
}

func (b *baseRunner) Domain() string { return b.domain }

func (b *baseRunner) tables() (config.DomainTable, error) {
	table, ok := b.holder.Get().Table(b.domain)
	if !ok {
		return config.DomainTable{}, normalizerdomain.ErrUnknownDomain
	}
	return table, nil
}

func validateRange(start, end time.Time, runID string) error {
	if strings.TrimSpace(runID) == "" {
		return normalizerdomain.ErrMissingRunID
	}
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return normalizerdomain.ErrInvalidDateRange
	}
	return nil
}

// normalizeLocal is the shared path for domains whose source of truth
// is the raw table: classify each row once, price the usage rows, and
// upsert the daily table in one batch. Event-shaped domains read rows
// dated inside the range; state-shaped domains (subscriptions) read
// everything active by the range end so a recurring object keeps
// billing in months after its activation.
func (b *baseRunner) normalizeLocal(
	ctx context.Context,
	tenantID snowflake.ID,
	start, end time.Time,
	runID string,
	price pricer,
	activeState bool,
) (*normalizerdomain.Result, error) {
	table, err := b.tables()
	if err != nil {
		return nil, err
	}

	var raws []*normalizerdomain.RawUsageRecord
	if activeState {
		raws, err = b.repo.ReadActive(ctx, b.db, table.SourceTable, tenantID, end)
	} else {
		raws, err = b.repo.ReadRaw(ctx, b.db, table.SourceTable, tenantID, start, end)
	}
	if err != nil {
		return nil, err
	}

	result := &normalizerdomain.Result{Domain: b.domain, RowsRead: len(raws)}
	byKey := map[string]*normalizerdomain.DailyCost{}
	for _, raw := range raws {
		class, payload := normalizerdomain.Classify(raw.Payload)
		switch class {
		case normalizerdomain.MetadataRecord:
			result.RowsSkipped++
			continue
		case normalizerdomain.UnknownRecord:
			result.RowsSkipped++
			b.log.Warn("skipping unclassifiable raw record",
				zap.String("domain", b.domain),
				zap.Stringer("raw_id", raw.ID),
			)
			continue
		}

		payload.ObjectName = strings.TrimSpace(payload.ObjectName)
		if payload.ObjectName == "" {
			payload.ObjectName = payload.ObjectID
		}

		rows, err := price(payload, raw.UsageDate, start, end)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			b.stampRow(row, tenantID, raw.Provider, runID)
			byKey[dailyKey(row)] = row
		}
	}

	rows := make([]*normalizerdomain.DailyCost, 0, len(byKey))
	for _, row := range byKey {
		rows = append(rows, row)
	}
	if err := b.repo.UpsertDaily(ctx, b.db, table.DailyTable, rows); err != nil {
		return nil, err
	}
	result.RowsWritten = len(rows)
	return result, nil
}

func (b *baseRunner) stampRow(row *normalizerdomain.DailyCost, tenantID snowflake.ID, provider, runID string) {
	now := b.clock.Now()
	row.ID = b.genID.Generate()
	row.TenantID = tenantID
	if row.Provider == "" {
		row.Provider = provider
	}
	row.RunID = runID
	row.CreatedAt = now
	row.UpdatedAt = now
}

func dailyKey(row *normalizerdomain.DailyCost) string {
	return strings.Join([]string{
		row.UsageDate.Format("2006-01-02"),
		row.Provider,
		row.ObjectID,
		row.EntityID,
	}, "|")
}

// checkDiscount enforces that a fixed discount never exceeds the unit
// price it discounts, so no negative cost can be produced.
func checkDiscount(payload *normalizerdomain.UsagePayload) error {
	if payload.Discount > payload.UnitPrice {
		return normalizerdomain.ErrDiscountExceedsUnitPrice
	}
	return nil
}
