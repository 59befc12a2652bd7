package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	hierarchydomain "github.com/ledgerline/ledgerline/internal/hierarchy/domain"
	ledgerdomain "github.com/ledgerline/ledgerline/internal/ledger/domain"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func NewRepository() ledgerdomain.Repository { return &repo{} }

func (repo) ReadDaily(ctx context.Context, db *gorm.DB, table string, tenantID snowflake.ID, start, end time.Time) ([]*normalizerdomain.DailyCost, error) {
	var rows []*normalizerdomain.DailyCost
	err := db.WithContext(ctx).
		Table(table).
		Where("tenant_id = ? AND usage_date >= ? AND usage_date <= ?", tenantID, start, end).
		Order("usage_date ASC, object_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (repo) UpsertRecords(ctx context.Context, db *gorm.DB, records []*ledgerdomain.CostRecord) error {
	if len(records) == 0 {
		return nil
	}

	updates := []string{
		"object_name", "entity_id", "quantity", "unit_price",
		"discount", "cost", "currency", "run_id", "updated_at",
	}
	for n := 1; n <= hierarchydomain.MaxDepth; n++ {
		updates = append(updates, fmt.Sprintf("level_%d_id", n), fmt.Sprintf("level_%d_name", n))
	}

	// id and created_at are deliberately absent from the update set so
	// the first insert of a natural key wins them permanently.
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"},
				{Name: "domain"},
				{Name: "usage_date"},
				{Name: "provider"},
				{Name: "object_id"},
			},
			DoUpdates: clause.AssignmentColumns(updates),
		}).
		Create(records).Error
}

func (repo) Aggregate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, req ledgerdomain.AggregateRequest) ([]ledgerdomain.AggregateRow, error) {
	var bucket string
	switch req.GroupBy {
	case "", "day":
		bucket = "usage_date"
	case "domain":
		bucket = "domain"
	case "entity":
		bucket = "entity_id"
	default:
		return nil, ledgerdomain.ErrInvalidGroupBy
	}

	query := db.WithContext(ctx).
		Table("cost_records").
		Select(fmt.Sprintf("CAST(%s AS TEXT) AS bucket, domain, SUM(cost) AS total_cost, COUNT(*) AS row_count", bucket)).
		Where("tenant_id = ? AND usage_date >= ? AND usage_date <= ?", tenantID, req.Start, req.End)

	if req.Domain != "" {
		query = query.Where("domain = ?", req.Domain)
	}
	if req.EntityID != "" {
		conditions := []string{"entity_id = ?"}
		args := []any{req.EntityID}
		for n := 1; n <= hierarchydomain.MaxDepth; n++ {
			conditions = append(conditions, fmt.Sprintf("level_%d_id = ?", n))
			args = append(args, req.EntityID)
		}
		query = query.Where("("+strings.Join(conditions, " OR ")+")", args...)
	}

	var rows []ledgerdomain.AggregateRow
	err := query.
		Group("bucket, domain").
		Order("bucket ASC, domain ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
