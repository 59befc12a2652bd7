package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	vaultdomain "github.com/ledgerline/ledgerline/internal/vault/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func NewRepository() vaultdomain.Repository { return &repo{} }

func (repo) Insert(ctx context.Context, db *gorm.DB, credential *vaultdomain.Credential) error {
	return db.WithContext(ctx).Create(credential).Error
}

func (repo) FindActive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string) (*vaultdomain.Credential, error) {
	return findActive(ctx, db, tenantID, provider)
}

// FindActiveForUpdate takes a row lock so concurrent rotations for the
// same (tenant, provider) serialize instead of both deactivating.
func (repo) FindActiveForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string) (*vaultdomain.Credential, error) {
	return findActive(ctx, db.Clauses(clause.Locking{Strength: "UPDATE"}), tenantID, provider)
}

func findActive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string) (*vaultdomain.Credential, error) {
	var credential vaultdomain.Credential
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ? AND is_active = ?", tenantID, provider, true).
		First(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vaultdomain.ErrNotFound
		}
		return nil, err
	}
	return &credential, nil
}

func (repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, credentialID snowflake.ID) (*vaultdomain.Credential, error) {
	var credential vaultdomain.Credential
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, credentialID).
		First(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vaultdomain.ErrNotFound
		}
		return nil, err
	}
	return &credential, nil
}

func (repo) Deactivate(ctx context.Context, db *gorm.DB, credentialID snowflake.ID, graceUntil, now time.Time) error {
	return db.WithContext(ctx).Exec(`
		UPDATE credentials
		SET is_active = ?, grace_until = ?, updated_at = ?
		WHERE id = ?
	`, false, graceUntil, now, credentialID).Error
}

func (repo) DeleteByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM credentials WHERE tenant_id = ?`, tenantID)
	return result.RowsAffected, result.Error
}
