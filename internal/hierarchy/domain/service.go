package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateRequest struct {
	EntityID       string  `json:"entity_id"`
	Name           string  `json:"name"`
	LevelCode      string  `json:"level_code"`
	ParentEntityID *string `json:"parent_entity_id,omitempty"`
}

type UpdateRequest struct {
	Name           *string `json:"name,omitempty"`
	ParentEntityID *string `json:"parent_entity_id,omitempty"`
	// ClearParent promotes the entity to a root. Mutually exclusive
	// with ParentEntityID.
	ClearParent bool `json:"clear_parent,omitempty"`
}

type Service interface {
	// Validate resolves an entity id within the tenant's hierarchy.
	Validate(ctx context.Context, entityID string) (*Entity, error)

	// Denormalize produces the fixed-width attribution block for an
	// entity. It never mutates hierarchy state.
	Denormalize(ctx context.Context, entityID string) (*Attribution, error)

	Create(ctx context.Context, req CreateRequest) (*Entity, error)
	Update(ctx context.Context, entityID string, req UpdateRequest) (*Entity, error)

	// Delete removes an entity. Entities referenced by cost records are
	// always rejected. Entities with children require cascade, which
	// removes the whole subtree after checking every node for
	// references.
	Delete(ctx context.Context, entityID string, cascade bool) error

	List(ctx context.Context, levelCode string) ([]*Entity, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entity *Entity) error
	FindByEntityID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityID string) (*Entity, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, levelCode string) ([]*Entity, error)
	// ListSubtree returns the entity and every descendant, ordered by
	// depth so parents precede children.
	ListSubtree(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityID string) ([]*Entity, error)
	Update(ctx context.Context, db *gorm.DB, entity *Entity) error
	DeleteByEntityIDs(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityIDs []string) error
	HasChildren(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityID string) (bool, error)
	// CountCostReferences counts canonical ledger rows attributing cost
	// to the entity, directly or through any attribution level.
	CountCostReferences(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityID string) (int64, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidEntityID  = errors.New("invalid_entity_id")
	ErrInvalidName      = errors.New("invalid_entity_name")
	ErrInvalidLevelCode = errors.New("invalid_level_code")

	ErrUnknownEntity    = errors.New("unknown_hierarchy_entity")
	ErrDuplicateEntity  = errors.New("duplicate_hierarchy_entity")
	ErrUnknownParent    = errors.New("unknown_parent_entity")
	ErrCycle            = errors.New("hierarchy_cycle")
	ErrDepthExceeded    = errors.New("hierarchy_depth_exceeded")
	ErrHasChildren      = errors.New("entity_has_children")
	ErrEntityReferenced = errors.New("entity_referenced_by_cost_records")
)
