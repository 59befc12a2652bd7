package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	hierarchydomain "github.com/ledgerline/ledgerline/internal/hierarchy/domain"
	"gorm.io/gorm"
)

type repo struct{}

func NewRepository() hierarchydomain.Repository { return &repo{} }

func (repo) Insert(ctx context.Context, db *gorm.DB, entity *hierarchydomain.Entity) error {
	return db.WithContext(ctx).Create(entity).Error
}

func (repo) FindByEntityID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityID string) (*hierarchydomain.Entity, error) {
	var entity hierarchydomain.Entity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_id = ?", tenantID, entityID).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, hierarchydomain.ErrUnknownEntity
		}
		return nil, err
	}
	return &entity, nil
}

func (repo) ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, levelCode string) ([]*hierarchydomain.Entity, error) {
	query := db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if levelCode != "" {
		query = query.Where("level_code = ?", levelCode)
	}
	var entities []*hierarchydomain.Entity
	if err := query.Order("entity_id ASC").Find(&entities).Error; err != nil {
		return nil, err
	}
	return entities, nil
}

// ListSubtree loads the whole tenant tree and filters by path
// membership in memory. Tenant hierarchies are small, a recursive CTE
// is not worth the dialect divergence.
func (r repo) ListSubtree(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityID string) ([]*hierarchydomain.Entity, error) {
	all, err := r.ListByTenant(ctx, db, tenantID, "")
	if err != nil {
		return nil, err
	}
	var subtree []*hierarchydomain.Entity
	for _, entity := range all {
		for _, id := range entity.Path {
			if id == entityID {
				subtree = append(subtree, entity)
				break
			}
		}
	}
	sortByDepth(subtree)
	return subtree, nil
}

// sortByDepth orders ancestors before descendants; ties keep the
// entity_id order of the underlying query.
func sortByDepth(entities []*hierarchydomain.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].Depth() < entities[j].Depth()
	})
}

func (repo) Update(ctx context.Context, db *gorm.DB, entity *hierarchydomain.Entity) error {
	return db.WithContext(ctx).
		Model(&hierarchydomain.Entity{}).
		Where("id = ?", entity.ID).
		Updates(map[string]any{
			"name":             entity.Name,
			"parent_entity_id": entity.ParentEntityID,
			"path":             entity.Path,
			"path_names":       entity.PathNames,
			"updated_at":       entity.UpdatedAt,
		}).Error
}

func (repo) DeleteByEntityIDs(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Where("tenant_id = ? AND entity_id IN ?", tenantID, entityIDs).
		Delete(&hierarchydomain.Entity{}).Error
}

func (repo) HasChildren(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&hierarchydomain.Entity{}).
		Where("tenant_id = ? AND parent_entity_id = ?", tenantID, entityID).
		Count(&count).Error
	return count > 0, err
}

// CountCostReferences scans the canonical ledger's attribution columns
// alongside the direct entity column so ancestors of attributed
// entities are protected from deletion too.
func (repo) CountCostReferences(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, entityID string) (int64, error) {
	conditions := []string{"entity_id = ?"}
	args := []any{tenantID, entityID}
	for n := 1; n <= hierarchydomain.MaxDepth; n++ {
		conditions = append(conditions, fmt.Sprintf("level_%d_id = ?", n))
		args = append(args, entityID)
	}

	var count int64
	err := db.WithContext(ctx).
		Table("cost_records").
		Where("tenant_id = ? AND ("+strings.Join(conditions, " OR ")+")", args...).
		Count(&count).Error
	return count, err
}
