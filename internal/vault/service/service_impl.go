package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/ledgerline/ledgerline/internal/audit/domain"
	"github.com/ledgerline/ledgerline/internal/audit/masking"
	"github.com/ledgerline/ledgerline/internal/cache"
	"github.com/ledgerline/ledgerline/internal/clock"
	"github.com/ledgerline/ledgerline/internal/vault/crypto"
	vaultdomain "github.com/ledgerline/ledgerline/internal/vault/domain"
	pkgdb "github.com/ledgerline/ledgerline/pkg/db"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// rotationGraceWindow keeps a replaced credential decryptable by id
	// so pipeline runs that fetched the old id before the swap finish
	// cleanly.
	rotationGraceWindow = 10 * time.Minute

	maxLeaseTTL        = 15 * time.Minute
	maxLabelLen        = 120
	credentialCacheTTL = 30 * time.Second
)

var providerPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,63}$`)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Keyring *crypto.Keyring
	Repo    vaultdomain.Repository
	Audit   auditdomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	keyring *crypto.Keyring
	repo    vaultdomain.Repository
	audit   auditdomain.Service
	cache   cache.Cache[string, *vaultdomain.Credential]
}

func NewService(p Params) vaultdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("vault.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		keyring: p.Keyring,
		repo:    p.Repo,
		audit:   p.Audit,
		cache:   cache.NewTTLCache[string, *vaultdomain.Credential](),
	}
}

func (s *Service) Store(ctx context.Context, req vaultdomain.StoreRequest) (*vaultdomain.StoreResponse, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, vaultdomain.ErrInvalidTenant
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if !providerPattern.MatchString(provider) {
		return nil, vaultdomain.ErrInvalidProvider
	}

	plaintext := strings.TrimSpace(req.Plaintext)
	if plaintext == "" {
		return nil, vaultdomain.ErrInvalidPlaintext
	}
	if !vaultdomain.ValidFormat(provider, plaintext) {
		return nil, vaultdomain.ErrFormat
	}

	label := strings.TrimSpace(req.Label)
	if len(label) > maxLabelLen {
		return nil, vaultdomain.ErrLabelTooLong
	}

	now := s.clock.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, vaultdomain.ErrInvalidExpiry
	}

	env, err := s.keyring.Seal([]byte(plaintext))
	if err != nil {
		s.log.Error("credential encryption failed", zap.String("provider", provider), zap.Error(err))
		return nil, vaultdomain.ErrEncryption
	}

	// Verify the envelope opens back to the same bytes before the swap
	// touches the database. A credential that cannot decrypt must never
	// replace one that can.
	roundTrip, err := s.keyring.Open(env)
	if err != nil || !bytes.Equal(roundTrip, []byte(plaintext)) {
		crypto.Zero(roundTrip)
		s.log.Error("credential round trip verification failed", zap.String("provider", provider))
		return nil, vaultdomain.ErrEncryption
	}
	crypto.Zero(roundTrip)

	credential := &vaultdomain.Credential{
		ID:          s.genID.Generate(),
		TenantID:    snowflake.ID(tenantID),
		Provider:    provider,
		KeyRef:      env.KeyRef,
		WrappedKey:  env.WrappedKey,
		Ciphertext:  env.Ciphertext,
		ContentHash: contentHash(plaintext),
		IsActive:    true,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if label != "" {
		credential.Label = &label
	}

	// Insert and deactivate run in one transaction. If anything fails
	// after encryption but before commit, the previously active
	// credential stays active.
	var rotatedFrom *snowflake.ID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		previous, err := s.repo.FindActiveForUpdate(ctx, tx, credential.TenantID, provider)
		if err != nil && !errors.Is(err, vaultdomain.ErrNotFound) {
			return err
		}
		if previous != nil {
			credential.RotatedFrom = &previous.ID
			rotatedFrom = &previous.ID
		}
		if err := s.repo.Insert(ctx, tx, credential); err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return vaultdomain.ErrConflict
			}
			return err
		}
		if previous != nil {
			return s.repo.Deactivate(ctx, tx, previous.ID, now.Add(rotationGraceWindow), now)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, vaultdomain.ErrConflict) {
			return nil, vaultdomain.ErrConflict
		}
		s.log.Error("credential store failed", zap.String("provider", provider), zap.Error(err))
		return nil, vaultdomain.ErrStorage
	}

	s.cache.Delete(cacheKey(credential.TenantID, provider))

	action := "credential.stored"
	metadata := map[string]any{
		"provider":      provider,
		"credential_id": credential.ID.String(),
	}
	if rotatedFrom != nil {
		action = "credential.rotated"
		metadata["rotated_from"] = rotatedFrom.String()
	}
	targetID := credential.ID.String()
	s.audit.Record(ctx, &credential.TenantID, action, "credential", &targetID, metadata)

	resp := &vaultdomain.StoreResponse{
		CredentialID: credential.ID,
		Provider:     provider,
		Masked:       masking.MaskSecret(plaintext),
	}
	if rotatedFrom != nil {
		previousID := rotatedFrom.String()
		resp.RotatedFrom = &previousID
	}
	return resp, nil
}

func (s *Service) Decrypt(ctx context.Context, provider string, ttl time.Duration) (*vaultdomain.LeasedSecret, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, vaultdomain.ErrInvalidTenant
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !providerPattern.MatchString(provider) {
		return nil, vaultdomain.ErrInvalidProvider
	}
	if ttl <= 0 || ttl > maxLeaseTTL {
		return nil, vaultdomain.ErrInvalidTTL
	}

	key := cacheKey(snowflake.ID(tenantID), provider)
	credential, cached := s.cache.Get(key)
	if !cached {
		var err error
		credential, err = s.repo.FindActive(ctx, s.db, snowflake.ID(tenantID), provider)
		if err != nil {
			if errors.Is(err, vaultdomain.ErrNotFound) {
				return nil, vaultdomain.ErrNotFound
			}
			s.log.Error("credential lookup failed", zap.String("provider", provider), zap.Error(err))
			return nil, vaultdomain.ErrStorage
		}
		s.cache.Set(key, credential, credentialCacheTTL)
	}

	return s.lease(ctx, credential, ttl)
}

func (s *Service) DecryptByID(ctx context.Context, credentialID snowflake.ID, ttl time.Duration) (*vaultdomain.LeasedSecret, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, vaultdomain.ErrInvalidTenant
	}
	if ttl <= 0 || ttl > maxLeaseTTL {
		return nil, vaultdomain.ErrInvalidTTL
	}

	credential, err := s.repo.FindByID(ctx, s.db, snowflake.ID(tenantID), credentialID)
	if err != nil {
		if errors.Is(err, vaultdomain.ErrNotFound) {
			return nil, vaultdomain.ErrNotFound
		}
		s.log.Error("credential lookup failed", zap.Stringer("credential_id", credentialID), zap.Error(err))
		return nil, vaultdomain.ErrStorage
	}

	// Deactivated credentials stay usable until their grace window
	// ends. The window is half open, so a revoke with grace_until = now
	// stops working immediately.
	if !credential.IsActive {
		now := s.clock.Now()
		if credential.GraceUntil == nil || !now.Before(*credential.GraceUntil) {
			return nil, vaultdomain.ErrExpired
		}
	}

	return s.lease(ctx, credential, ttl)
}

func (s *Service) Revoke(ctx context.Context, provider string) error {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return vaultdomain.ErrInvalidTenant
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !providerPattern.MatchString(provider) {
		return vaultdomain.ErrInvalidProvider
	}

	now := s.clock.Now()
	var revokedID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credential, err := s.repo.FindActiveForUpdate(ctx, tx, snowflake.ID(tenantID), provider)
		if err != nil {
			return err
		}
		revokedID = credential.ID
		// No grace on revoke. The credential must stop working now.
		return s.repo.Deactivate(ctx, tx, credential.ID, now, now)
	})
	if err != nil {
		if errors.Is(err, vaultdomain.ErrNotFound) {
			return vaultdomain.ErrNotFound
		}
		s.log.Error("credential revoke failed", zap.String("provider", provider), zap.Error(err))
		return vaultdomain.ErrStorage
	}

	tid := snowflake.ID(tenantID)
	s.cache.Delete(cacheKey(tid, provider))

	targetID := revokedID.String()
	s.audit.Record(ctx, &tid, "credential.revoked", "credential", &targetID, map[string]any{
		"provider": provider,
	})
	return nil
}

func (s *Service) Purge(ctx context.Context) (int64, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return 0, vaultdomain.ErrInvalidTenant
	}

	tid := snowflake.ID(tenantID)
	deleted, err := s.repo.DeleteByTenant(ctx, s.db, tid)
	if err != nil {
		s.log.Error("credential purge failed", zap.Stringer("tenant_id", tid), zap.Error(err))
		return 0, vaultdomain.ErrStorage
	}

	prefix := fmt.Sprintf("%d|", tid)
	s.cache.DeletePrefixFn(func(key string) bool { return strings.HasPrefix(key, prefix) })

	s.audit.Record(ctx, &tid, "credential.purged", "credential", nil, map[string]any{
		"deleted": deleted,
	})
	return deleted, nil
}

func (s *Service) lease(ctx context.Context, credential *vaultdomain.Credential, ttl time.Duration) (*vaultdomain.LeasedSecret, error) {
	now := s.clock.Now()
	if credential.ExpiresAt != nil && now.After(*credential.ExpiresAt) {
		return nil, vaultdomain.ErrExpired
	}

	plaintext, err := s.keyring.Open(crypto.Envelope{
		KeyRef:     credential.KeyRef,
		WrappedKey: credential.WrappedKey,
		Ciphertext: credential.Ciphertext,
	})
	if err != nil {
		s.log.Error("credential decryption failed",
			zap.Stringer("credential_id", credential.ID),
			zap.String("provider", credential.Provider),
			zap.Error(err),
		)
		return nil, vaultdomain.ErrEncryption
	}

	// The stored hash and format check catch a decrypt that silently
	// yields garbage before the value reaches a provider API.
	if contentHash(string(plaintext)) != credential.ContentHash ||
		!vaultdomain.ValidFormat(credential.Provider, string(plaintext)) {
		crypto.Zero(plaintext)
		return nil, vaultdomain.ErrFormat
	}

	targetID := credential.ID.String()
	s.audit.Record(ctx, &credential.TenantID, "credential.decrypted", "credential", &targetID, map[string]any{
		"provider": credential.Provider,
	})

	return vaultdomain.NewLeasedSecret(credential.ID, credential.Provider, plaintext, now.Add(ttl)), nil
}

func cacheKey(tenantID snowflake.ID, provider string) string {
	return fmt.Sprintf("%d|%s", tenantID, provider)
}

func contentHash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
