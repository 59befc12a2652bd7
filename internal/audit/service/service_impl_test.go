package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/ledgerline/ledgerline/internal/audit/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type flakyRepo struct {
	failures int
	inserted []*auditdomain.AuditEntry
}

func (r *flakyRepo) Insert(_ context.Context, _ *gorm.DB, entry *auditdomain.AuditEntry) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("write failed")
	}
	r.inserted = append(r.inserted, entry)
	return nil
}

func (r *flakyRepo) List(context.Context, *gorm.DB, auditdomain.ListFilter) ([]*auditdomain.AuditEntry, error) {
	return nil, nil
}

func newTestService(t *testing.T, repo auditdomain.Repository) (*Service, *[]time.Duration) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	var sleeps []time.Duration
	svc := &Service{
		log:   zap.NewNop(),
		genID: node,
		repo:  repo,
		sleep: func(d time.Duration) { sleeps = append(sleeps, d) },
	}
	return svc, &sleeps
}

func TestRecordRetriesWithBackoffThenSucceeds(t *testing.T) {
	repo := &flakyRepo{failures: 2}
	svc, sleeps := newTestService(t, repo)

	svc.Record(context.Background(), nil, "credential.stored", "credential", nil, nil)

	if len(repo.inserted) != 1 {
		t.Fatalf("expected 1 inserted entry, got %d", len(repo.inserted))
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*sleeps))
	}
	if (*sleeps)[1] != 2*(*sleeps)[0] {
		t.Fatalf("expected exponential backoff, got %v", *sleeps)
	}
}

func TestRecordGivesUpAfterBoundedAttempts(t *testing.T) {
	repo := &flakyRepo{failures: 100}
	svc, sleeps := newTestService(t, repo)

	// Must not panic or block; failure is swallowed by design.
	svc.Record(context.Background(), nil, "credential.decrypted", "credential", nil, nil)

	if len(repo.inserted) != 0 {
		t.Fatalf("expected no inserts, got %d", len(repo.inserted))
	}
	if len(*sleeps) != maxInsertAttempts-1 {
		t.Fatalf("expected %d sleeps, got %d", maxInsertAttempts-1, len(*sleeps))
	}
}

func TestRecordMasksSecretMetadata(t *testing.T) {
	repo := &flakyRepo{}
	svc, _ := newTestService(t, repo)

	svc.Record(context.Background(), nil, "credential.stored", "credential", nil, map[string]any{
		"api_key": "sk_live_abcdef1234567890",
	})

	if len(repo.inserted) != 1 {
		t.Fatalf("expected 1 inserted entry, got %d", len(repo.inserted))
	}
	masked, _ := repo.inserted[0].Metadata["api_key"].(string)
	if masked == "sk_live_abcdef1234567890" {
		t.Fatal("expected secret to be masked in audit metadata")
	}
}
