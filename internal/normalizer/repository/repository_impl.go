package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func NewRepository() normalizerdomain.Repository { return &repo{} }

func (repo) ReadRaw(ctx context.Context, db *gorm.DB, table string, tenantID snowflake.ID, start, end time.Time) ([]*normalizerdomain.RawUsageRecord, error) {
	var rows []*normalizerdomain.RawUsageRecord
	err := db.WithContext(ctx).
		Table(table).
		Where("tenant_id = ? AND usage_date >= ? AND usage_date <= ?", tenantID, start, end).
		Order("usage_date ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (repo) ReadActive(ctx context.Context, db *gorm.DB, table string, tenantID snowflake.ID, end time.Time) ([]*normalizerdomain.RawUsageRecord, error) {
	var rows []*normalizerdomain.RawUsageRecord
	err := db.WithContext(ctx).
		Table(table).
		Where("tenant_id = ? AND usage_date <= ?", tenantID, end).
		Order("usage_date ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (repo) UpsertDaily(ctx context.Context, db *gorm.DB, table string, rows []*normalizerdomain.DailyCost) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Table(table).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"},
				{Name: "usage_date"},
				{Name: "provider"},
				{Name: "object_id"},
				{Name: "entity_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"object_name", "quantity", "unit_price", "discount",
				"cost", "currency", "run_id", "updated_at",
			}),
		}).
		Create(rows).Error
}
