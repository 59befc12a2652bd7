package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/ledgerline/ledgerline/internal/audit/domain"
	"github.com/ledgerline/ledgerline/internal/cache"
	"github.com/ledgerline/ledgerline/internal/clock"
	hierarchydomain "github.com/ledgerline/ledgerline/internal/hierarchy/domain"
	pkgdb "github.com/ledgerline/ledgerline/pkg/db"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxNameLen     = 200
	entityCacheTTL = time.Minute
)

var (
	entityIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
	levelCodePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  hierarchydomain.Repository
	Audit auditdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  hierarchydomain.Repository
	audit auditdomain.Service
	cache cache.Cache[string, *hierarchydomain.Entity]
}

func NewService(p Params) hierarchydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("hierarchy.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		audit: p.Audit,
		cache: cache.NewTTLCache[string, *hierarchydomain.Entity](),
	}
}

func (s *Service) Validate(ctx context.Context, entityID string) (*hierarchydomain.Entity, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, hierarchydomain.ErrInvalidTenant
	}
	entityID = strings.TrimSpace(entityID)
	if !entityIDPattern.MatchString(entityID) {
		return nil, hierarchydomain.ErrInvalidEntityID
	}

	key := cacheKey(snowflake.ID(tenantID), entityID)
	if cached, ok := s.cache.Get(key); ok {
		clone := *cached
		return &clone, nil
	}

	entity, err := s.repo.FindByEntityID(ctx, s.db, snowflake.ID(tenantID), entityID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, entity, entityCacheTTL)
	clone := *entity
	return &clone, nil
}

// Denormalize expands an entity's stored path into the fixed-width
// attribution block. Pure read, never mutates hierarchy state.
func (s *Service) Denormalize(ctx context.Context, entityID string) (*hierarchydomain.Attribution, error) {
	entity, err := s.Validate(ctx, entityID)
	if err != nil {
		return nil, err
	}

	attribution := &hierarchydomain.Attribution{
		EntityID:   entity.EntityID,
		EntityName: entity.Name,
		LevelCode:  entity.LevelCode,
		Path:       append([]string(nil), entity.Path...),
		PathNames:  append([]string(nil), entity.PathNames...),
	}

	depth := len(entity.Path)
	if depth > hierarchydomain.MaxDepth {
		// Creation rejects over-deep trees, so this only fires on rows
		// written before that rule existed. Attribution keeps the
		// root-most levels.
		s.log.Warn("hierarchy deeper than attribution width, truncating",
			zap.String("entity_id", entity.EntityID),
			zap.Int("depth", depth),
		)
		depth = hierarchydomain.MaxDepth
		attribution.Truncated = true
	}
	for i := 0; i < depth; i++ {
		attribution.Levels[i] = &hierarchydomain.AttributionLevel{
			ID:   entity.Path[i],
			Name: entity.PathNames[i],
		}
	}
	return attribution, nil
}

func (s *Service) Create(ctx context.Context, req hierarchydomain.CreateRequest) (*hierarchydomain.Entity, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, hierarchydomain.ErrInvalidTenant
	}

	entityID := strings.TrimSpace(req.EntityID)
	if !entityIDPattern.MatchString(entityID) {
		return nil, hierarchydomain.ErrInvalidEntityID
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxNameLen {
		return nil, hierarchydomain.ErrInvalidName
	}
	levelCode := strings.ToLower(strings.TrimSpace(req.LevelCode))
	if !levelCodePattern.MatchString(levelCode) {
		return nil, hierarchydomain.ErrInvalidLevelCode
	}

	now := s.clock.Now()
	entity := &hierarchydomain.Entity{
		ID:        s.genID.Generate(),
		TenantID:  snowflake.ID(tenantID),
		EntityID:  entityID,
		Name:      name,
		LevelCode: levelCode,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.ParentEntityID != nil {
			parentID := strings.TrimSpace(*req.ParentEntityID)
			parent, err := s.repo.FindByEntityID(ctx, tx, entity.TenantID, parentID)
			if err != nil {
				if errors.Is(err, hierarchydomain.ErrUnknownEntity) {
					return hierarchydomain.ErrUnknownParent
				}
				return err
			}
			if parent.Depth()+1 > hierarchydomain.MaxDepth {
				return hierarchydomain.ErrDepthExceeded
			}
			entity.ParentEntityID = &parent.EntityID
			entity.Path = append(append([]string(nil), parent.Path...), entityID)
			entity.PathNames = append(append([]string(nil), parent.PathNames...), name)
		} else {
			entity.Path = []string{entityID}
			entity.PathNames = []string{name}
		}

		if err := s.repo.Insert(ctx, tx, entity); err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return hierarchydomain.ErrDuplicateEntity
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateTenant(entity.TenantID)
	s.recordAudit(ctx, entity, "hierarchy.entity_created", map[string]any{
		"level_code": levelCode,
		"depth":      entity.Depth(),
	})
	return entity, nil
}

func (s *Service) Update(ctx context.Context, entityID string, req hierarchydomain.UpdateRequest) (*hierarchydomain.Entity, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, hierarchydomain.ErrInvalidTenant
	}
	entityID = strings.TrimSpace(entityID)
	if !entityIDPattern.MatchString(entityID) {
		return nil, hierarchydomain.ErrInvalidEntityID
	}
	if req.ParentEntityID != nil && req.ClearParent {
		return nil, hierarchydomain.ErrUnknownParent
	}

	var updated *hierarchydomain.Entity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tid := snowflake.ID(tenantID)
		entity, err := s.repo.FindByEntityID(ctx, tx, tid, entityID)
		if err != nil {
			return err
		}

		name := entity.Name
		if req.Name != nil {
			name = strings.TrimSpace(*req.Name)
			if name == "" || len(name) > maxNameLen {
				return hierarchydomain.ErrInvalidName
			}
		}

		newParent := entity.ParentEntityID
		var parentPath, parentNames []string
		reparent := req.ClearParent || req.ParentEntityID != nil
		if req.ClearParent {
			newParent = nil
		}
		if req.ParentEntityID != nil {
			parentID := strings.TrimSpace(*req.ParentEntityID)
			if parentID == entity.EntityID {
				return hierarchydomain.ErrCycle
			}
			parent, err := s.repo.FindByEntityID(ctx, tx, tid, parentID)
			if err != nil {
				if errors.Is(err, hierarchydomain.ErrUnknownEntity) {
					return hierarchydomain.ErrUnknownParent
				}
				return err
			}
			// A parent inside the entity's own subtree would close a cycle.
			for _, id := range parent.Path {
				if id == entity.EntityID {
					return hierarchydomain.ErrCycle
				}
			}
			newParent = &parent.EntityID
			parentPath = parent.Path
			parentNames = parent.PathNames
		}

		subtree, err := s.repo.ListSubtree(ctx, tx, tid, entity.EntityID)
		if err != nil {
			return err
		}

		if reparent {
			maxRelative := 0
			for _, node := range subtree {
				if rel := node.Depth() - entity.Depth() + 1; rel > maxRelative {
					maxRelative = rel
				}
			}
			if len(parentPath)+maxRelative > hierarchydomain.MaxDepth {
				return hierarchydomain.ErrDepthExceeded
			}
		}

		now := s.clock.Now()
		oldDepth := entity.Depth()
		for _, node := range subtree {
			suffixIDs := node.Path[oldDepth-1:]
			suffixNames := append([]string(nil), node.PathNames[oldDepth-1:]...)
			if node.EntityID == entity.EntityID {
				node.Name = name
				suffixNames[0] = name
				node.ParentEntityID = newParent
			} else if len(suffixNames) > 0 {
				suffixNames[0] = name
			}
			if reparent {
				node.Path = append(append([]string(nil), parentPath...), suffixIDs...)
				node.PathNames = append(append([]string(nil), parentNames...), suffixNames...)
			} else {
				node.PathNames = append(append([]string(nil), node.PathNames[:oldDepth-1]...), suffixNames...)
			}
			node.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, node); err != nil {
				return err
			}
			if node.EntityID == entity.EntityID {
				updated = node
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateTenant(snowflake.ID(tenantID))
	s.recordAudit(ctx, updated, "hierarchy.entity_updated", map[string]any{
		"depth": updated.Depth(),
	})
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, entityID string, cascade bool) error {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return hierarchydomain.ErrInvalidTenant
	}
	entityID = strings.TrimSpace(entityID)
	if !entityIDPattern.MatchString(entityID) {
		return hierarchydomain.ErrInvalidEntityID
	}

	var deleted []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tid := snowflake.ID(tenantID)
		entity, err := s.repo.FindByEntityID(ctx, tx, tid, entityID)
		if err != nil {
			return err
		}

		hasChildren, err := s.repo.HasChildren(ctx, tx, tid, entity.EntityID)
		if err != nil {
			return err
		}
		if hasChildren && !cascade {
			return hierarchydomain.ErrHasChildren
		}

		subtree, err := s.repo.ListSubtree(ctx, tx, tid, entity.EntityID)
		if err != nil {
			return err
		}
		for _, node := range subtree {
			refs, err := s.repo.CountCostReferences(ctx, tx, tid, node.EntityID)
			if err != nil {
				return err
			}
			if refs > 0 {
				return fmt.Errorf("%w: %s has %d cost records", hierarchydomain.ErrEntityReferenced, node.EntityID, refs)
			}
			deleted = append(deleted, node.EntityID)
		}
		return s.repo.DeleteByEntityIDs(ctx, tx, tid, deleted)
	})
	if err != nil {
		return err
	}

	tid := snowflake.ID(tenantID)
	s.invalidateTenant(tid)
	s.audit.Record(ctx, &tid, "hierarchy.entity_deleted", "hierarchy_entity", &entityID, map[string]any{
		"cascade": cascade,
		"removed": len(deleted),
	})
	return nil
}

func (s *Service) List(ctx context.Context, levelCode string) ([]*hierarchydomain.Entity, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, hierarchydomain.ErrInvalidTenant
	}
	levelCode = strings.ToLower(strings.TrimSpace(levelCode))
	if levelCode != "" && !levelCodePattern.MatchString(levelCode) {
		return nil, hierarchydomain.ErrInvalidLevelCode
	}
	return s.repo.ListByTenant(ctx, s.db, snowflake.ID(tenantID), levelCode)
}

func (s *Service) invalidateTenant(tenantID snowflake.ID) {
	prefix := fmt.Sprintf("%d|", tenantID)
	s.cache.DeletePrefixFn(func(key string) bool { return strings.HasPrefix(key, prefix) })
}

func (s *Service) recordAudit(ctx context.Context, entity *hierarchydomain.Entity, action string, metadata map[string]any) {
	if entity == nil {
		return
	}
	targetID := entity.EntityID
	s.audit.Record(ctx, &entity.TenantID, action, "hierarchy_entity", &targetID, metadata)
}

func cacheKey(tenantID snowflake.ID, entityID string) string {
	return fmt.Sprintf("%d|%s", tenantID, entityID)
}
