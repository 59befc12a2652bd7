package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type RunStatus string

const (
	StatusQueued    RunStatus = "QUEUED"
	StatusRunning   RunStatus = "RUNNING"
	StatusSucceeded RunStatus = "SUCCEEDED"
	StatusFailed    RunStatus = "FAILED"
)

// PipelineRun is one invocation of a (tenant, domain) pipeline. The
// run id is minted exactly once, at the transition to RUNNING, and
// threaded through every downstream call; every output row of the
// invocation carries it.
type PipelineRun struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	RunID    *string      `gorm:"column:run_id;type:text;uniqueIndex"`
	TenantID snowflake.ID `gorm:"column:tenant_id;not null;index:ix_pipeline_runs_tenant_domain"`
	Domain   string       `gorm:"type:text;not null;index:ix_pipeline_runs_tenant_domain"`

	Status     RunStatus `gorm:"type:text;not null"`
	RangeStart time.Time `gorm:"column:range_start;type:date;not null"`
	RangeEnd   time.Time `gorm:"column:range_end;type:date;not null"`

	CredentialID  *snowflake.ID `gorm:"column:credential_id"`
	CorrelationID *string       `gorm:"column:correlation_id;type:text"`

	RowsRead       int `gorm:"column:rows_read;not null;default:0"`
	RowsNormalized int `gorm:"column:rows_normalized;not null;default:0"`
	RowsMerged     int `gorm:"column:rows_merged;not null;default:0"`

	Error *string `gorm:"type:text"`

	StartedAt  *time.Time `gorm:"column:started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at"`
	CreatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PipelineRun) TableName() string { return "pipeline_runs" }

// Terminal reports whether the run reached an end state.
func (r *PipelineRun) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

type TriggerRequest struct {
	Domain string `json:"domain"`
	// Start and End default to the day after the last successful run
	// through today.
	Start        *time.Time    `json:"start,omitempty"`
	End          *time.Time    `json:"end,omitempty"`
	CredentialID *snowflake.ID `json:"credential_id,omitempty"`
}

// RunView is the caller-facing shape of a run: trigger responses and
// status polls both return it.
type RunView struct {
	RunID          string     `json:"run_id"`
	Domain         string     `json:"domain"`
	Status         RunStatus  `json:"status"`
	RangeStart     string     `json:"range_start"`
	RangeEnd       string     `json:"range_end"`
	RowsRead       int        `json:"rows_read"`
	RowsNormalized int        `json:"rows_normalized"`
	RowsMerged     int        `json:"rows_merged"`
	Error          string     `json:"error,omitempty"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}
