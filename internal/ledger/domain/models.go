package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CostRecord is one row of the canonical ledger. The natural key is
// (tenant, usage date, domain, provider, cost-bearing object);
// re-merging a range updates the measures in place and preserves
// created_at from the first insert.
type CostRecord struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID snowflake.ID `gorm:"column:tenant_id;not null;uniqueIndex:ux_cost_records_natural"`
	Domain   string       `gorm:"type:text;not null;uniqueIndex:ux_cost_records_natural"`

	UsageDate time.Time `gorm:"column:usage_date;type:date;not null;uniqueIndex:ux_cost_records_natural"`
	Provider  string    `gorm:"type:text;not null;uniqueIndex:ux_cost_records_natural"`
	ObjectID  string    `gorm:"column:object_id;type:text;not null;uniqueIndex:ux_cost_records_natural"`

	ObjectName string `gorm:"column:object_name;type:text;not null"`
	EntityID   string `gorm:"column:entity_id;type:text;not null;index"`

	Quantity  float64 `gorm:"type:numeric(18,6);not null"`
	UnitPrice float64 `gorm:"column:unit_price;type:numeric(18,6);not null"`
	Discount  float64 `gorm:"type:numeric(18,6);not null;default:0"`
	Cost      float64 `gorm:"type:numeric(18,6);not null"`
	Currency  string  `gorm:"type:text;not null;default:'USD'"`

	Level1ID    *string `gorm:"column:level_1_id;type:text"`
	Level1Name  *string `gorm:"column:level_1_name;type:text"`
	Level2ID    *string `gorm:"column:level_2_id;type:text"`
	Level2Name  *string `gorm:"column:level_2_name;type:text"`
	Level3ID    *string `gorm:"column:level_3_id;type:text"`
	Level3Name  *string `gorm:"column:level_3_name;type:text"`
	Level4ID    *string `gorm:"column:level_4_id;type:text"`
	Level4Name  *string `gorm:"column:level_4_name;type:text"`
	Level5ID    *string `gorm:"column:level_5_id;type:text"`
	Level5Name  *string `gorm:"column:level_5_name;type:text"`
	Level6ID    *string `gorm:"column:level_6_id;type:text"`
	Level6Name  *string `gorm:"column:level_6_name;type:text"`
	Level7ID    *string `gorm:"column:level_7_id;type:text"`
	Level7Name  *string `gorm:"column:level_7_name;type:text"`
	Level8ID    *string `gorm:"column:level_8_id;type:text"`
	Level8Name  *string `gorm:"column:level_8_name;type:text"`
	Level9ID    *string `gorm:"column:level_9_id;type:text"`
	Level9Name  *string `gorm:"column:level_9_name;type:text"`
	Level10ID   *string `gorm:"column:level_10_id;type:text"`
	Level10Name *string `gorm:"column:level_10_name;type:text"`

	RunID     string    `gorm:"column:run_id;type:text;not null;index"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CostRecord) TableName() string { return "cost_records" }

// SetLevel fills the 1-based attribution slot.
func (r *CostRecord) SetLevel(n int, id, name string) {
	switch n {
	case 1:
		r.Level1ID, r.Level1Name = &id, &name
	case 2:
		r.Level2ID, r.Level2Name = &id, &name
	case 3:
		r.Level3ID, r.Level3Name = &id, &name
	case 4:
		r.Level4ID, r.Level4Name = &id, &name
	case 5:
		r.Level5ID, r.Level5Name = &id, &name
	case 6:
		r.Level6ID, r.Level6Name = &id, &name
	case 7:
		r.Level7ID, r.Level7Name = &id, &name
	case 8:
		r.Level8ID, r.Level8Name = &id, &name
	case 9:
		r.Level9ID, r.Level9Name = &id, &name
	case 10:
		r.Level10ID, r.Level10Name = &id, &name
	}
}

// LevelID returns the 1-based attribution slot id, or "" when empty.
func (r *CostRecord) LevelID(n int) string {
	ptrs := []*string{
		r.Level1ID, r.Level2ID, r.Level3ID, r.Level4ID, r.Level5ID,
		r.Level6ID, r.Level7ID, r.Level8ID, r.Level9ID, r.Level10ID,
	}
	if n < 1 || n > len(ptrs) || ptrs[n-1] == nil {
		return ""
	}
	return *ptrs[n-1]
}

// MergeSummary reports what one merge invocation did.
type MergeSummary struct {
	Domain     string  `json:"domain"`
	RowsRead   int     `json:"rows_read"`
	RowsMerged int     `json:"rows_merged"`
	RunID      string  `json:"run_id"`
	RangeStart string  `json:"range_start"`
	RangeEnd   string  `json:"range_end"`
	TotalCost  float64 `json:"total_cost"`
}

// AggregateRow is one bucket of a ledger aggregation query.
type AggregateRow struct {
	Bucket    string  `json:"bucket"`
	Domain    string  `json:"domain"`
	TotalCost float64 `json:"total_cost"`
	RowCount  int64   `json:"row_count"`
}
