package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// MaxDepth is the fixed attribution width of the canonical ledger.
// Hierarchies deeper than this are rejected at creation time.
const MaxDepth = 10

// Entity is one node of a tenant's cost-attribution tree. The parent
// pointer is the source of truth; Path and PathNames are denormalized
// on every write so reads never walk the tree.
type Entity struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	TenantID       snowflake.ID   `gorm:"column:tenant_id;not null;uniqueIndex:ux_hierarchy_tenant_entity"`
	EntityID       string         `gorm:"column:entity_id;type:text;not null;uniqueIndex:ux_hierarchy_tenant_entity"`
	Name           string         `gorm:"type:text;not null"`
	LevelCode      string         `gorm:"column:level_code;type:text;not null"`
	ParentEntityID *string        `gorm:"column:parent_entity_id;type:text"`
	Path           pq.StringArray `gorm:"type:text[];not null"`
	PathNames      pq.StringArray `gorm:"column:path_names;type:text[];not null"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entity) TableName() string { return "hierarchy_entities" }

// Depth is the entity's 1-based depth. Roots are depth 1.
func (e *Entity) Depth() int { return len(e.Path) }

// AttributionLevel is one populated slot of the fixed-width block.
type AttributionLevel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attribution is the denormalized view of one entity: the fixed-width
// ancestor block (root at level 1) plus the entity's own identity for
// exact-entity queries. Slots past the entity's depth stay nil.
type Attribution struct {
	EntityID   string                      `json:"entity_id"`
	EntityName string                      `json:"entity_name"`
	LevelCode  string                      `json:"level_code"`
	Path       []string                    `json:"path"`
	PathNames  []string                    `json:"path_names"`
	Levels     [MaxDepth]*AttributionLevel `json:"levels"`
	Truncated  bool                        `json:"truncated,omitempty"`
}

// Level returns the 1-based slot, or nil when empty or out of range.
func (a *Attribution) Level(n int) *AttributionLevel {
	if n < 1 || n > MaxDepth {
		return nil
	}
	return a.Levels[n-1]
}
