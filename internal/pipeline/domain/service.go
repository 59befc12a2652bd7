package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// Trigger runs a (tenant, domain) pipeline invocation to its
	// terminal state and returns the resulting run view.
	Trigger(ctx context.Context, req TriggerRequest) (*RunView, error)

	// Status looks up a run by its run id for polling callers.
	Status(ctx context.Context, runID string) (*RunView, error)

	List(ctx context.Context, domain string, limit int) ([]*RunView, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, run *PipelineRun) error
	Update(ctx context.Context, db *gorm.DB, run *PipelineRun) error
	FindByRunID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, runID string) (*PipelineRun, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string, limit int) ([]*PipelineRun, error)
	// LastSuccessEnd returns the range end of the most recent
	// SUCCEEDED run for the (tenant, domain), or nil when none exists.
	LastSuccessEnd(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string) (*time.Time, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrUnknownDomain    = errors.New("unknown_domain")
	ErrInvalidDateRange = errors.New("invalid_date_range")
	ErrRunNotFound      = errors.New("pipeline_run_not_found")
)
