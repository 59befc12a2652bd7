package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem ActorType = "system"
	ActorTypeUser   ActorType = "user"
	ActorTypeAPIKey ActorType = "api_key"
)

// AuditEntry records one credential, hierarchy or pipeline operation.
type AuditEntry struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	TenantID      *snowflake.ID     `gorm:"column:tenant_id;index"`
	ActorType     string            `gorm:"type:text;not null"`
	ActorID       *string           `gorm:"type:text"`
	Action        string            `gorm:"type:text;not null;index"`
	TargetType    string            `gorm:"type:text;not null"`
	TargetID      *string           `gorm:"type:text"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CorrelationID *string           `gorm:"column:correlation_id;type:text"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AuditEntry) TableName() string { return "audit_entries" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	TenantID   snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
