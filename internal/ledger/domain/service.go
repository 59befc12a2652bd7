package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"gorm.io/gorm"
)

// AggregateRequest filters and buckets a canonical ledger read.
type AggregateRequest struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Domain   string    `json:"domain,omitempty"`
	EntityID string    `json:"entity_id,omitempty"`
	// GroupBy is "day", "domain" or "entity". Defaults to "day".
	GroupBy string `json:"group_by,omitempty"`
}

type Service interface {
	// Merge reads a domain's intermediate daily table for the range and
	// upserts into the canonical ledger, attaching the full hierarchy
	// attribution block. created_at is stamped only on first insert of
	// a natural key. Merge is the single place allowed to write the
	// canonical ledger.
	Merge(ctx context.Context, domain string, start, end time.Time, runID string) (*MergeSummary, error)

	// Aggregate serves time-range and hierarchy-filtered reads.
	Aggregate(ctx context.Context, req AggregateRequest) ([]AggregateRow, error)
}

type Repository interface {
	ReadDaily(ctx context.Context, db *gorm.DB, table string, tenantID snowflake.ID, start, end time.Time) ([]*normalizerdomain.DailyCost, error)
	// UpsertRecords writes the batch keyed on the natural key. Existing
	// rows keep their id and created_at.
	UpsertRecords(ctx context.Context, db *gorm.DB, records []*CostRecord) error
	Aggregate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, req AggregateRequest) ([]AggregateRow, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrUnknownDomain    = errors.New("unknown_domain")
	ErrInvalidDateRange = errors.New("invalid_date_range")
	ErrMissingRunID     = errors.New("missing_run_id")
	ErrInvalidGroupBy   = errors.New("invalid_group_by")
	// ErrAmbiguousAttribution means one canonical key carries two
	// different entity attributions in a single merge. The batch upsert
	// would hit the same target row twice, which postgres rejects, so
	// the merge fails with a diagnosable error instead.
	ErrAmbiguousAttribution = errors.New("ambiguous_attribution")
	// ErrLedgerWrite is fatal for the run and surfaced to operators.
	ErrLedgerWrite = errors.New("ledger_write_failed")
)
