package domain

import (
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Credential stores one encrypted third-party secret scoped to a
// tenant and provider. At most one row per (tenant, provider) is
// active at a time; a deactivated row stays decryptable until its
// grace window ends so in-flight pipeline steps do not fail mid-run.
type Credential struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	TenantID    snowflake.ID  `gorm:"column:tenant_id;not null;index:ix_credentials_tenant_provider"`
	Provider    string        `gorm:"type:text;not null;index:ix_credentials_tenant_provider"`
	KeyRef      string        `gorm:"column:key_ref;type:text;not null"`
	WrappedKey  []byte        `gorm:"column:wrapped_key;not null"`
	Ciphertext  []byte        `gorm:"not null"`
	ContentHash string        `gorm:"column:content_hash;type:text;not null"`
	Label       *string       `gorm:"type:text"`
	IsActive    bool          `gorm:"column:is_active;not null;default:true"`
	ExpiresAt   *time.Time    `gorm:"column:expires_at"`
	GraceUntil  *time.Time    `gorm:"column:grace_until"`
	RotatedFrom *snowflake.ID `gorm:"column:rotated_from"`
	CreatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credential) TableName() string { return "credentials" }

// LeasedSecret is a decrypted credential bounded by an absolute
// expiry. Callers must treat Value as invalid once ExpiresAt passes
// and must Clear the lease when the pipeline step finishes.
type LeasedSecret struct {
	CredentialID snowflake.ID
	Provider     string
	value        []byte
	ExpiresAt    time.Time
}

func NewLeasedSecret(credentialID snowflake.ID, provider string, value []byte, expiresAt time.Time) *LeasedSecret {
	return &LeasedSecret{
		CredentialID: credentialID,
		Provider:     provider,
		value:        value,
		ExpiresAt:    expiresAt,
	}
}

// Value returns the plaintext, or "" once the lease expired or was cleared.
func (l *LeasedSecret) Value(now time.Time) string {
	if l == nil || l.value == nil || now.After(l.ExpiresAt) {
		return ""
	}
	return string(l.value)
}

// Clear zeroes the plaintext. Safe to call repeatedly.
func (l *LeasedSecret) Clear() {
	if l == nil {
		return
	}
	for i := range l.value {
		l.value[i] = 0
	}
	l.value = nil
}

// StoreResponse never carries the plaintext back to the caller.
type StoreResponse struct {
	CredentialID snowflake.ID `json:"credential_id"`
	Provider     string       `json:"provider"`
	Masked       string       `json:"masked"`
	RotatedFrom  *string      `json:"rotated_from,omitempty"`
}

// providerFormats recognizes the key shape per provider so a decrypt
// that yields garbage (wrong master key, corrupted row) is caught
// before the value reaches a provider API.
var providerFormats = map[string]*regexp.Regexp{
	"aws":       regexp.MustCompile(`^AKIA[0-9A-Z]{16}:[A-Za-z0-9/+=]{30,}$`),
	"gcp":       regexp.MustCompile(`^\{[\s\S]*"type"\s*:\s*"service_account"[\s\S]*\}$`),
	"azure":     regexp.MustCompile(`^[A-Za-z0-9._~-]{20,}$`),
	"openai":    regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`),
	"anthropic": regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`),
}

// genericFormat is the fallback for providers without a known pattern.
// Length bounds live outside the regexp: Go's regexp rejects repeat
// counts above 1000 at compile time.
var genericFormat = regexp.MustCompile(`^[[:print:]]*$`)

const (
	genericMinLength = 8
	genericMaxLength = 4096
)

// ValidFormat reports whether a plaintext credential matches the
// expected shape for the provider.
func ValidFormat(provider, value string) bool {
	if pattern, ok := providerFormats[provider]; ok {
		return pattern.MatchString(value)
	}
	if len(value) < genericMinLength || len(value) > genericMaxLength {
		return false
	}
	return genericFormat.MatchString(value)
}

// KnownProvider reports whether the provider has a dedicated format rule.
func KnownProvider(provider string) bool {
	_, ok := providerFormats[provider]
	return ok
}
