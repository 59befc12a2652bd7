package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/ledgerline/ledgerline/internal/clock"
	"github.com/ledgerline/ledgerline/internal/config"
	hierarchydomain "github.com/ledgerline/ledgerline/internal/hierarchy/domain"
	ledgerdomain "github.com/ledgerline/ledgerline/internal/ledger/domain"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeRepo struct {
	daily   map[string][]*normalizerdomain.DailyCost
	records map[string]*ledgerdomain.CostRecord
	upserts int
	failing bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		daily:   map[string][]*normalizerdomain.DailyCost{},
		records: map[string]*ledgerdomain.CostRecord{},
	}
}

func naturalKey(r *ledgerdomain.CostRecord) string {
	return strings.Join([]string{
		r.TenantID.String(), r.Domain, r.UsageDate.Format("2006-01-02"), r.Provider, r.ObjectID,
	}, "|")
}

func (r *fakeRepo) ReadDaily(_ context.Context, _ *gorm.DB, table string, tenantID snowflake.ID, start, end time.Time) ([]*normalizerdomain.DailyCost, error) {
	var out []*normalizerdomain.DailyCost
	for _, row := range r.daily[table] {
		if row.TenantID == tenantID && !row.UsageDate.Before(start) && !row.UsageDate.After(end) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpsertRecords(_ context.Context, _ *gorm.DB, records []*ledgerdomain.CostRecord) error {
	if r.failing {
		return errors.New("write conflict")
	}
	r.upserts++
	for _, record := range records {
		key := naturalKey(record)
		if existing, ok := r.records[key]; ok {
			// Conflict update keeps id and created_at from the first insert.
			record.ID = existing.ID
			record.CreatedAt = existing.CreatedAt
		}
		r.records[key] = record
	}
	return nil
}

func (r *fakeRepo) Aggregate(_ context.Context, _ *gorm.DB, tenantID snowflake.ID, req ledgerdomain.AggregateRequest) ([]ledgerdomain.AggregateRow, error) {
	totals := map[string]*ledgerdomain.AggregateRow{}
	for _, record := range r.records {
		if record.TenantID != tenantID {
			continue
		}
		bucket := record.UsageDate.Format("2006-01-02")
		row, ok := totals[bucket+record.Domain]
		if !ok {
			row = &ledgerdomain.AggregateRow{Bucket: bucket, Domain: record.Domain}
			totals[bucket+record.Domain] = row
		}
		row.TotalCost += record.Cost
		row.RowCount++
	}
	out := make([]ledgerdomain.AggregateRow, 0, len(totals))
	for _, row := range totals {
		out = append(out, *row)
	}
	return out, nil
}

type fakeHierarchy struct {
	chains map[string][]hierarchydomain.AttributionLevel
}

func (h *fakeHierarchy) Validate(_ context.Context, entityID string) (*hierarchydomain.Entity, error) {
	if _, ok := h.chains[entityID]; !ok {
		return nil, hierarchydomain.ErrUnknownEntity
	}
	return &hierarchydomain.Entity{EntityID: entityID}, nil
}

func (h *fakeHierarchy) Denormalize(_ context.Context, entityID string) (*hierarchydomain.Attribution, error) {
	chain, ok := h.chains[entityID]
	if !ok {
		return nil, hierarchydomain.ErrUnknownEntity
	}
	attribution := &hierarchydomain.Attribution{EntityID: entityID}
	for i, level := range chain {
		lvl := level
		attribution.Levels[i] = &lvl
	}
	return attribution, nil
}

func (h *fakeHierarchy) Create(context.Context, hierarchydomain.CreateRequest) (*hierarchydomain.Entity, error) {
	return nil, nil
}
func (h *fakeHierarchy) Update(context.Context, string, hierarchydomain.UpdateRequest) (*hierarchydomain.Entity, error) {
	return nil, nil
}
func (h *fakeHierarchy) Delete(context.Context, string, bool) error { return nil }
func (h *fakeHierarchy) List(context.Context, string) ([]*hierarchydomain.Entity, error) {
	return nil, nil
}

func newTestService(t *testing.T, repo ledgerdomain.Repository, hierarchy hierarchydomain.Service) (*Service, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	holder, err := config.NewStaticNormalizerConfigHolder(config.DefaultNormalizerConfig())
	if err != nil {
		t.Fatalf("config holder: %v", err)
	}
	fake := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	return &Service{
		db:        db,
		log:       zap.NewNop(),
		genID:     node,
		clock:     fake,
		holder:    holder,
		repo:      repo,
		hierarchy: hierarchy,
	}, fake
}

func day(d int) time.Time {
	return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
}

func seedDaily(repo *fakeRepo, table string, days, cents int) {
	for d := 1; d <= days; d++ {
		repo.daily[table] = append(repo.daily[table], &normalizerdomain.DailyCost{
			TenantID:  7,
			UsageDate: day(d),
			Provider:  "internal",
			ObjectID:  "sub-1",
			EntityID:  "TEAM-BACKEND",
			Quantity:  20,
			UnitPrice: 12.50,
			Cost:      float64(cents) / 100,
			Currency:  "USD",
			RunID:     "run-a",
		})
	}
}

func backendChain() *fakeHierarchy {
	return &fakeHierarchy{chains: map[string][]hierarchydomain.AttributionLevel{
		"TEAM-BACKEND": {
			{ID: "DEPT-ENG", Name: "Engineering"},
			{ID: "PROJ-PLATFORM", Name: "Platform"},
			{ID: "TEAM-BACKEND", Name: "Backend"},
		},
	}}
}

func TestMergeAttachesAttributionBlock(t *testing.T) {
	repo := newFakeRepo()
	seedDaily(repo, "daily_subscription_costs", 3, 806)
	svc, _ := newTestService(t, repo, backendChain())
	ctx := tenantctx.WithTenantID(context.Background(), 7)

	summary, err := svc.Merge(ctx, "subscription", day(1), day(31), "run-a")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if summary.RowsMerged != 3 {
		t.Fatalf("expected 3 merged rows, got %d", summary.RowsMerged)
	}

	for _, record := range repo.records {
		if record.LevelID(1) != "DEPT-ENG" || record.LevelID(2) != "PROJ-PLATFORM" || record.LevelID(3) != "TEAM-BACKEND" {
			t.Fatalf("attribution block wrong: %+v", record)
		}
		if record.LevelID(4) != "" {
			t.Fatal("levels past depth must stay empty")
		}
		if record.RunID != "run-a" {
			t.Fatalf("run id missing on record: %+v", record)
		}
	}
}

func TestMergeRerunIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	seedDaily(repo, "daily_subscription_costs", 31, 806)
	svc, fake := newTestService(t, repo, backendChain())
	ctx := tenantctx.WithTenantID(context.Background(), 7)

	first, err := svc.Merge(ctx, "subscription", day(1), day(31), "run-a")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	createdAts := map[string]time.Time{}
	for key, record := range repo.records {
		createdAts[key] = record.CreatedAt
	}

	fake.Advance(time.Hour)
	second, err := svc.Merge(ctx, "subscription", day(1), day(31), "run-b")
	if err != nil {
		t.Fatalf("re-merge: %v", err)
	}

	if len(repo.records) != 31 {
		t.Fatalf("expected 31 rows after re-merge, got %d", len(repo.records))
	}
	if math.Abs(first.TotalCost-second.TotalCost) > 1e-9 {
		t.Fatalf("total cost drifted: %f vs %f", first.TotalCost, second.TotalCost)
	}
	for key, record := range repo.records {
		if !record.CreatedAt.Equal(createdAts[key]) {
			t.Fatal("created_at must be preserved across re-merge")
		}
		if record.RunID != "run-b" {
			t.Fatal("run id must reflect the latest merge")
		}
	}
}

func TestMergeUnknownEntityFailsBeforeWrite(t *testing.T) {
	repo := newFakeRepo()
	seedDaily(repo, "daily_subscription_costs", 2, 100)
	svc, _ := newTestService(t, repo, &fakeHierarchy{chains: map[string][]hierarchydomain.AttributionLevel{}})
	ctx := tenantctx.WithTenantID(context.Background(), 7)

	_, err := svc.Merge(ctx, "subscription", day(1), day(31), "run-a")
	if !errors.Is(err, hierarchydomain.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if repo.upserts != 0 {
		t.Fatal("merge must not write when attribution fails")
	}
}

func TestMergeRejectsConflictingEntityAttribution(t *testing.T) {
	repo := newFakeRepo()
	repo.daily["daily_subscription_costs"] = []*normalizerdomain.DailyCost{
		{
			TenantID: 7, UsageDate: day(5), Provider: "internal",
			ObjectID: "sub-1", EntityID: "TEAM-BACKEND", Cost: 8.06, Currency: "USD", RunID: "run-a",
		},
		{
			TenantID: 7, UsageDate: day(5), Provider: "internal",
			ObjectID: "sub-1", EntityID: "TEAM-FRONTEND", Cost: 8.06, Currency: "USD", RunID: "run-a",
		},
	}
	hierarchy := backendChain()
	hierarchy.chains["TEAM-FRONTEND"] = []hierarchydomain.AttributionLevel{
		{ID: "DEPT-ENG", Name: "Engineering"},
		{ID: "TEAM-FRONTEND", Name: "Frontend"},
	}
	svc, _ := newTestService(t, repo, hierarchy)
	ctx := tenantctx.WithTenantID(context.Background(), 7)

	_, err := svc.Merge(ctx, "subscription", day(1), day(31), "run-a")
	if !errors.Is(err, ledgerdomain.ErrAmbiguousAttribution) {
		t.Fatalf("expected ErrAmbiguousAttribution, got %v", err)
	}
	if !strings.Contains(err.Error(), "sub-1") {
		t.Fatalf("error must name the object: %v", err)
	}
	if repo.upserts != 0 {
		t.Fatal("merge must not write when attribution is ambiguous")
	}
}

func TestMergeFailureSurfacesLedgerWriteError(t *testing.T) {
	repo := newFakeRepo()
	seedDaily(repo, "daily_subscription_costs", 2, 100)
	repo.failing = true
	svc, _ := newTestService(t, repo, backendChain())
	ctx := tenantctx.WithTenantID(context.Background(), 7)

	_, err := svc.Merge(ctx, "subscription", day(1), day(31), "run-a")
	if !errors.Is(err, ledgerdomain.ErrLedgerWrite) {
		t.Fatalf("expected ErrLedgerWrite, got %v", err)
	}
}

func TestMergeValidatesInput(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(t, repo, backendChain())
	ctx := tenantctx.WithTenantID(context.Background(), 7)

	if _, err := svc.Merge(ctx, "bogus", day(1), day(31), "run-a"); !errors.Is(err, ledgerdomain.ErrUnknownDomain) {
		t.Fatalf("expected ErrUnknownDomain, got %v", err)
	}
	if _, err := svc.Merge(ctx, "subscription", day(31), day(1), "run-a"); !errors.Is(err, ledgerdomain.ErrInvalidDateRange) {
		t.Fatalf("expected ErrInvalidDateRange, got %v", err)
	}
	if _, err := svc.Merge(ctx, "subscription", day(1), day(31), ""); !errors.Is(err, ledgerdomain.ErrMissingRunID) {
		t.Fatalf("expected ErrMissingRunID, got %v", err)
	}
	if _, err := svc.Merge(context.Background(), "subscription", day(1), day(31), "run-a"); !errors.Is(err, ledgerdomain.ErrInvalidTenant) {
		t.Fatalf("expected ErrInvalidTenant, got %v", err)
	}
}
