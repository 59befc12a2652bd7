package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	pipelinedomain "github.com/ledgerline/ledgerline/internal/pipeline/domain"
	"gorm.io/gorm"
)

type repo struct{}

func NewRepository() pipelinedomain.Repository { return &repo{} }

func (repo) Insert(ctx context.Context, db *gorm.DB, run *pipelinedomain.PipelineRun) error {
	return db.WithContext(ctx).Create(run).Error
}

func (repo) Update(ctx context.Context, db *gorm.DB, run *pipelinedomain.PipelineRun) error {
	return db.WithContext(ctx).
		Model(&pipelinedomain.PipelineRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"run_id":          run.RunID,
			"status":          run.Status,
			"rows_read":       run.RowsRead,
			"rows_normalized": run.RowsNormalized,
			"rows_merged":     run.RowsMerged,
			"error":           run.Error,
			"started_at":      run.StartedAt,
			"finished_at":     run.FinishedAt,
			"updated_at":      run.UpdatedAt,
		}).Error
}

func (repo) FindByRunID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, runID string) (*pipelinedomain.PipelineRun, error) {
	var run pipelinedomain.PipelineRun
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND run_id = ?", tenantID, runID).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pipelinedomain.ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (repo) ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string, limit int) ([]*pipelinedomain.PipelineRun, error) {
	query := db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if domain != "" {
		query = query.Where("domain = ?", domain)
	}
	var runs []*pipelinedomain.PipelineRun
	err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (repo) LastSuccessEnd(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string) (*time.Time, error) {
	var run pipelinedomain.PipelineRun
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND domain = ? AND status = ?", tenantID, domain, pipelinedomain.StatusSucceeded).
		Order("range_end DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	end := run.RangeEnd
	return &end, nil
}
