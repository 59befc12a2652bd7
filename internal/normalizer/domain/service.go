package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Runner normalizes one domain's raw rows into its daily table. The
// parameter order is the stable conversion signature shared by every
// domain: catalog, tenant dataset, start, end, pipeline id, credential
// id, run id. Callers must always supply the run id so every produced
// row groups under one invocation.
type Runner interface {
	Domain() string
	Run(
		ctx context.Context,
		catalog string,
		tenantDataset string,
		start time.Time,
		end time.Time,
		pipelineID string,
		credentialID snowflake.ID,
		runID string,
	) (*Result, error)
}

// Registry resolves the Runner for a domain.
type Registry interface {
	Runner(domain string) (Runner, error)
	Domains() []string
}

type Repository interface {
	// ReadRaw selects event-shaped rows whose usage date falls inside
	// the range.
	ReadRaw(ctx context.Context, db *gorm.DB, table string, tenantID snowflake.ID, start, end time.Time) ([]*RawUsageRecord, error)
	// ReadActive selects state-shaped rows in effect at any point up to
	// the range end. A subscription's usage date is its activation
	// date, so a range starting after activation must still see it.
	ReadActive(ctx context.Context, db *gorm.DB, table string, tenantID snowflake.ID, end time.Time) ([]*RawUsageRecord, error)
	// UpsertDaily writes rows into the domain's daily table keyed on
	// (tenant, date, provider, object, entity). Re-running the same
	// range replaces measures instead of appending.
	UpsertDaily(ctx context.Context, db *gorm.DB, table string, rows []*DailyCost) error
}

var (
	ErrInvalidTenant            = errors.New("invalid_tenant")
	ErrUnknownDomain            = errors.New("unknown_domain")
	ErrInvalidDateRange         = errors.New("invalid_date_range")
	ErrMissingRunID             = errors.New("missing_run_id")
	ErrDiscountExceedsUnitPrice = errors.New("discount_exceeds_unit_price")
	ErrTransientProvider        = errors.New("transient_provider_failure")
	ErrAuthProvider             = errors.New("provider_auth_failed")
)
