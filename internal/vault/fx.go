package vault

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/ledgerline/ledgerline/internal/config"
	"github.com/ledgerline/ledgerline/internal/vault/crypto"
	"github.com/ledgerline/ledgerline/internal/vault/repository"
	"github.com/ledgerline/ledgerline/internal/vault/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("vault.service",
	fx.Provide(provideKeyring),
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)

func provideKeyring(cfg config.Config, log *zap.Logger) (*crypto.Keyring, error) {
	masterKey := cfg.VaultMasterKey
	if masterKey == "" {
		if cfg.IsProduction() {
			return nil, crypto.ErrInvalidMasterKey
		}
		// Development only. Credentials stored under an ephemeral key
		// are unreadable after restart.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		masterKey = base64.StdEncoding.EncodeToString(buf)
		log.Warn("VAULT_MASTER_KEY not set, using ephemeral master key")
	}
	return crypto.NewKeyring(masterKey)
}
