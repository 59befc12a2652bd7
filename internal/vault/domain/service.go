package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type StoreRequest struct {
	Provider  string     `json:"provider"`
	Plaintext string     `json:"credential"`
	Label     string     `json:"label,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type Service interface {
	// Store encrypts and persists a credential, swapping out the prior
	// active one for the same (tenant, provider) atomically. The prior
	// credential stays decryptable for the rotation grace window.
	Store(ctx context.Context, req StoreRequest) (*StoreResponse, error)

	// Decrypt returns the active credential's plaintext under a lease
	// bounded by ttl.
	Decrypt(ctx context.Context, provider string, ttl time.Duration) (*LeasedSecret, error)

	// DecryptByID resolves a specific credential id, honoring the
	// rotation grace window for deactivated rows.
	DecryptByID(ctx context.Context, credentialID snowflake.ID, ttl time.Duration) (*LeasedSecret, error)

	// Revoke deactivates the active credential without replacement.
	Revoke(ctx context.Context, provider string) error

	// Purge hard-deletes every credential for the tenant. Used only on
	// tenant offboarding.
	Purge(ctx context.Context) (int64, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, credential *Credential) error
	FindActive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string) (*Credential, error)
	FindActiveForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string) (*Credential, error)
	FindByID(ctx context.Context, db *gorm.DB, tenantID, credentialID snowflake.ID) (*Credential, error)
	Deactivate(ctx context.Context, db *gorm.DB, credentialID snowflake.ID, graceUntil, now time.Time) error
	DeleteByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrInvalidPlaintext = errors.New("invalid_credential_payload")
	ErrInvalidTTL       = errors.New("invalid_ttl")
	ErrInvalidExpiry    = errors.New("invalid_expiry")
	ErrLabelTooLong     = errors.New("label_too_long")

	ErrEncryption = errors.New("encryption_failed")
	ErrStorage    = errors.New("credential_storage_failed")
	ErrNotFound   = errors.New("credential_not_found")
	ErrExpired    = errors.New("credential_expired")
	ErrFormat     = errors.New("credential_format_invalid")
	ErrConflict   = errors.New("credential_conflict")
)
