package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RawUsageRecord is one ingested provider row, stored as-is in the
// domain's raw table before normalization.
type RawUsageRecord struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	TenantID  snowflake.ID   `gorm:"column:tenant_id;not null;index"`
	Provider  string         `gorm:"type:text;not null"`
	UsageDate time.Time      `gorm:"column:usage_date;type:date;not null;index"`
	Payload   datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// DailyCost is one row of a per-domain intermediate daily table:
// (tenant, date, cost-bearing object, hierarchy entity) with the
// day's normalized cost, tagged with the producing run id.
type DailyCost struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID snowflake.ID `gorm:"column:tenant_id;not null;uniqueIndex:ux_daily_natural"`

	UsageDate time.Time `gorm:"column:usage_date;type:date;not null;uniqueIndex:ux_daily_natural"`
	Provider  string    `gorm:"type:text;not null;uniqueIndex:ux_daily_natural"`
	ObjectID  string    `gorm:"column:object_id;type:text;not null;uniqueIndex:ux_daily_natural"`
	EntityID  string    `gorm:"column:entity_id;type:text;not null;uniqueIndex:ux_daily_natural"`

	ObjectName string  `gorm:"column:object_name;type:text;not null"`
	Quantity   float64 `gorm:"type:numeric(18,6);not null"`
	UnitPrice  float64 `gorm:"column:unit_price;type:numeric(18,6);not null"`
	Discount   float64 `gorm:"type:numeric(18,6);not null;default:0"`
	Cost       float64 `gorm:"type:numeric(18,6);not null"`
	Currency   string  `gorm:"type:text;not null;default:'USD'"`

	RunID     string    `gorm:"column:run_id;type:text;not null;index"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// Result reports what one normalizer run produced.
type Result struct {
	Domain      string `json:"domain"`
	RowsRead    int    `json:"rows_read"`
	RowsWritten int    `json:"rows_written"`
	RowsSkipped int    `json:"rows_skipped"`
}

// RecordClass tags a raw payload once, before normalization. Malformed
// or non-cost payloads are skipped explicitly instead of being
// discovered through parse failures halfway into pricing.
type RecordClass int

const (
	// UsageRecord is a well-formed cost-bearing payload.
	UsageRecord RecordClass = iota
	// MetadataRecord is a valid payload that carries no cost data
	// (manifests, schema descriptors). Skipped silently.
	MetadataRecord
	// UnknownRecord is a payload that parses as neither. Skipped with
	// a warning.
	UnknownRecord
)

// UsagePayload is the normalized shape of a cost-bearing raw payload.
type UsagePayload struct {
	ObjectID   string  `json:"object_id"`
	ObjectName string  `json:"object_name"`
	EntityID   string  `json:"entity_id"`
	Quantity   float64 `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	Discount   float64 `json:"discount"`
	Currency   string  `json:"currency"`

	// Subscription-only fields.
	Seats        int    `json:"seats"`
	BillingCycle string `json:"billing_cycle"`

	// AI-usage-only fields.
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Classify tags a raw payload exactly once. A payload is metadata when
// it declares a record_type other than "usage"; it is usage when it
// carries an object id and an entity id.
func Classify(payload []byte) (RecordClass, *UsagePayload) {
	var probe struct {
		RecordType string `json:"record_type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return UnknownRecord, nil
	}
	if probe.RecordType != "" && probe.RecordType != "usage" {
		return MetadataRecord, nil
	}

	var usage UsagePayload
	if err := json.Unmarshal(payload, &usage); err != nil {
		return UnknownRecord, nil
	}
	if usage.ObjectID == "" || usage.EntityID == "" {
		return UnknownRecord, nil
	}
	if usage.Currency == "" {
		usage.Currency = "USD"
	}
	return UsageRecord, &usage
}
