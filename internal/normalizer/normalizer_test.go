package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ledgerline/ledgerline/internal/clock"
	"github.com/ledgerline/ledgerline/internal/config"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	vaultdomain "github.com/ledgerline/ledgerline/internal/vault/domain"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeRepo struct {
	raw      map[string][]*normalizerdomain.RawUsageRecord
	daily    map[string]map[string]*normalizerdomain.DailyCost
	upserts  int
	readErr  error
	writeErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		raw:   map[string][]*normalizerdomain.RawUsageRecord{},
		daily: map[string]map[string]*normalizerdomain.DailyCost{},
	}
}

func (r *fakeRepo) ReadRaw(_ context.Context, _ *gorm.DB, table string, tenantID snowflake.ID, start, end time.Time) ([]*normalizerdomain.RawUsageRecord, error) {
	if r.readErr != nil {
		return nil, r.readErr
	}
	var out []*normalizerdomain.RawUsageRecord
	for _, row := range r.raw[table] {
		if row.TenantID == tenantID && !row.UsageDate.Before(start) && !row.UsageDate.After(end) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeRepo) ReadActive(_ context.Context, _ *gorm.DB, table string, tenantID snowflake.ID, end time.Time) ([]*normalizerdomain.RawUsageRecord, error) {
	if r.readErr != nil {
		return nil, r.readErr
	}
	var out []*normalizerdomain.RawUsageRecord
	for _, row := range r.raw[table] {
		if row.TenantID == tenantID && !row.UsageDate.After(end) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpsertDaily(_ context.Context, _ *gorm.DB, table string, rows []*normalizerdomain.DailyCost) error {
	if r.writeErr != nil {
		return r.writeErr
	}
	r.upserts++
	bucket := r.daily[table]
	if bucket == nil {
		bucket = map[string]*normalizerdomain.DailyCost{}
		r.daily[table] = bucket
	}
	for _, row := range rows {
		bucket[dailyKey(row)] = row
	}
	return nil
}

func rawRecord(t *testing.T, tenantID int64, provider string, date time.Time, payload map[string]any) *normalizerdomain.RawUsageRecord {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &normalizerdomain.RawUsageRecord{
		ID:        snowflake.ID(time.Now().UnixNano()),
		TenantID:  snowflake.ID(tenantID),
		Provider:  provider,
		UsageDate: date,
		Payload:   body,
	}
}

func testBase(t *testing.T, domain string, repo normalizerdomain.Repository) baseRunner {
	t.Helper()
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	holder, err := config.NewStaticNormalizerConfigHolder(config.DefaultNormalizerConfig())
	if err != nil {
		t.Fatalf("config holder: %v", err)
	}
	return baseRunner{
		domain: domain,
		log:    zap.NewNop(),
		genID:  node,
		clock:  clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		repo:   repo,
		holder: holder,
	}
}

func tenantCtx(id int64) context.Context {
	return tenantctx.WithTenantID(context.Background(), id)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCloudRunRejectsDiscountAboveUnitPrice(t *testing.T) {
	repo := newFakeRepo()
	runner := &CloudRunner{baseRunner: testBase(t, DomainCloud, repo)}
	repo.raw["raw_cloud_billing"] = []*normalizerdomain.RawUsageRecord{
		rawRecord(t, 7, "aws", day(2026, 1, 5), map[string]any{
			"object_id": "i-123", "entity_id": "TEAM-BACKEND",
			"quantity": 10.0, "unit_price": 0.5, "discount": 0.75,
		}),
	}

	_, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 1, 1), day(2026, 1, 31), "pipe-1", 0, "run-1")
	if !errors.Is(err, normalizerdomain.ErrDiscountExceedsUnitPrice) {
		t.Fatalf("expected ErrDiscountExceedsUnitPrice, got %v", err)
	}
	if len(repo.daily["daily_cloud_costs"]) != 0 {
		t.Fatal("no daily rows may be written when pricing is rejected")
	}
}

func TestCloudDiscountEqualToUnitPriceYieldsZeroCost(t *testing.T) {
	repo := newFakeRepo()
	runner := &CloudRunner{baseRunner: testBase(t, DomainCloud, repo)}
	repo.raw["raw_cloud_billing"] = []*normalizerdomain.RawUsageRecord{
		rawRecord(t, 7, "aws", day(2026, 1, 5), map[string]any{
			"object_id": "i-123", "entity_id": "TEAM-BACKEND",
			"quantity": 10.0, "unit_price": 0.5, "discount": 0.5,
		}),
	}

	result, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 1, 1), day(2026, 1, 31), "pipe-1", 0, "run-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RowsWritten != 1 {
		t.Fatalf("expected 1 row, got %d", result.RowsWritten)
	}
	for _, row := range repo.daily["daily_cloud_costs"] {
		if row.Cost != 0 {
			t.Fatalf("expected zero cost, got %f", row.Cost)
		}
	}
}

func TestCloudSkipsMetadataAndUnknownRecords(t *testing.T) {
	repo := newFakeRepo()
	runner := &CloudRunner{baseRunner: testBase(t, DomainCloud, repo)}
	repo.raw["raw_cloud_billing"] = []*normalizerdomain.RawUsageRecord{
		rawRecord(t, 7, "aws", day(2026, 1, 5), map[string]any{
			"record_type": "manifest", "files": 12,
		}),
		{
			ID: 99, TenantID: 7, Provider: "aws", UsageDate: day(2026, 1, 5),
			Payload: []byte("not json at all"),
		},
		rawRecord(t, 7, "aws", day(2026, 1, 5), map[string]any{
			"object_id": "i-1", "entity_id": "TEAM-BACKEND",
			"quantity": 1.0, "unit_price": 2.0,
		}),
	}

	result, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 1, 1), day(2026, 1, 31), "pipe-1", 0, "run-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RowsRead != 3 || result.RowsSkipped != 2 || result.RowsWritten != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunRequiresRunID(t *testing.T) {
	repo := newFakeRepo()
	runner := &CloudRunner{baseRunner: testBase(t, DomainCloud, repo)}

	_, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 1, 1), day(2026, 1, 31), "pipe-1", 0, "  ")
	if !errors.Is(err, normalizerdomain.ErrMissingRunID) {
		t.Fatalf("expected ErrMissingRunID, got %v", err)
	}
}

func TestSubscriptionProratesAcrossMonth(t *testing.T) {
	repo := newFakeRepo()
	runner := &SubscriptionRunner{baseRunner: testBase(t, DomainSubscription, repo)}
	repo.raw["subscription_objects"] = []*normalizerdomain.RawUsageRecord{
		rawRecord(t, 7, "internal", day(2026, 1, 1), map[string]any{
			"object_id": "sub-dev-tools", "object_name": "Dev Tools",
			"entity_id": "TEAM-BACKEND", "seats": 20,
			"unit_price": 12.50, "billing_cycle": "monthly",
		}),
	}

	result, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 1, 1), day(2026, 1, 31), "pipe-1", 0, "run-xyz")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RowsWritten != 31 {
		t.Fatalf("expected 31 daily rows, got %d", result.RowsWritten)
	}

	wantDaily := 12.50 * 20 / 31
	var total float64
	for _, row := range repo.daily["daily_subscription_costs"] {
		if math.Abs(row.Cost-wantDaily) > 1e-9 {
			t.Fatalf("daily cost %f, want %f", row.Cost, wantDaily)
		}
		if row.RunID != "run-xyz" {
			t.Fatalf("row missing run id: %+v", row)
		}
		total += row.Cost
	}
	if math.Abs(total-250.0) > 1e-9 {
		t.Fatalf("month total %f, want 250", total)
	}
}

func TestSubscriptionKeepsBillingAfterFirstMonth(t *testing.T) {
	repo := newFakeRepo()
	runner := &SubscriptionRunner{baseRunner: testBase(t, DomainSubscription, repo)}
	repo.raw["subscription_objects"] = []*normalizerdomain.RawUsageRecord{
		rawRecord(t, 7, "internal", day(2026, 1, 1), map[string]any{
			"object_id": "sub-dev-tools", "object_name": "Dev Tools",
			"entity_id": "TEAM-BACKEND", "seats": 20,
			"unit_price": 12.50, "billing_cycle": "monthly",
		}),
	}

	// Second billing month starts after the activation date; the object
	// must still be picked up and prorated across February.
	result, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 2, 1), day(2026, 2, 28), "pipe-1", 0, "run-feb")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RowsRead != 1 {
		t.Fatalf("expected the active subscription to be read, got %d rows", result.RowsRead)
	}
	if result.RowsWritten != 28 {
		t.Fatalf("expected 28 daily rows, got %d", result.RowsWritten)
	}

	wantDaily := 12.50 * 20 / 28
	var total float64
	for _, row := range repo.daily["daily_subscription_costs"] {
		if row.UsageDate.Month() != time.February {
			t.Fatalf("row outside requested range: %+v", row)
		}
		if math.Abs(row.Cost-wantDaily) > 1e-9 {
			t.Fatalf("daily cost %f, want %f", row.Cost, wantDaily)
		}
		total += row.Cost
	}
	if math.Abs(total-250.0) > 1e-9 {
		t.Fatalf("february total %f, want 250", total)
	}
}

func TestSubscriptionRerunIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	runner := &SubscriptionRunner{baseRunner: testBase(t, DomainSubscription, repo)}
	repo.raw["subscription_objects"] = []*normalizerdomain.RawUsageRecord{
		rawRecord(t, 7, "internal", day(2026, 1, 1), map[string]any{
			"object_id": "sub-1", "entity_id": "TEAM-BACKEND",
			"seats": 5, "unit_price": 10.0,
		}),
	}

	for i := 0; i < 2; i++ {
		if _, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 1, 1), day(2026, 1, 31), "pipe-1", 0, "run-1"); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := len(repo.daily["daily_subscription_costs"]); got != 31 {
		t.Fatalf("expected 31 rows after re-run, got %d", got)
	}
}

type fakeVault struct {
	secret   string
	provider string
}

func (v *fakeVault) Store(context.Context, vaultdomain.StoreRequest) (*vaultdomain.StoreResponse, error) {
	return nil, nil
}

func (v *fakeVault) Decrypt(_ context.Context, provider string, ttl time.Duration) (*vaultdomain.LeasedSecret, error) {
	return vaultdomain.NewLeasedSecret(1, provider, []byte(v.secret), time.Now().Add(ttl)), nil
}

func (v *fakeVault) DecryptByID(_ context.Context, id snowflake.ID, ttl time.Duration) (*vaultdomain.LeasedSecret, error) {
	return vaultdomain.NewLeasedSecret(id, v.provider, []byte(v.secret), time.Now().UTC().Add(ttl)), nil
}

func (v *fakeVault) Revoke(context.Context, string) error { return nil }
func (v *fakeVault) Purge(context.Context) (int64, error) { return 0, nil }

type scriptedClient struct {
	failures int
	failWith error
	lines    []UsageLine
	calls    int
}

func (c *scriptedClient) FetchUsage(context.Context, string, string, time.Time, time.Time) ([]UsageLine, error) {
	c.calls++
	if c.failures > 0 {
		c.failures--
		return nil, c.failWith
	}
	return c.lines, nil
}

func newAIRunner(t *testing.T, repo normalizerdomain.Repository, client ProviderClient) *AIUsageRunner {
	t.Helper()
	return &AIUsageRunner{
		baseRunner: testBase(t, DomainAIUsage, repo),
		vault:      &fakeVault{secret: "sk-ant-REDACTED", provider: "anthropic"},
		client:     client,
		sleep:      func(time.Duration) {},
	}
}

func TestAIUsageRetriesTransientFailures(t *testing.T) {
	repo := newFakeRepo()
	client := &scriptedClient{
		failures: 2,
		failWith: fmt.Errorf("%w: 429", normalizerdomain.ErrTransientProvider),
		lines: []UsageLine{{
			Date: day(2026, 1, 10),
			Payload: normalizerdomain.UsagePayload{
				ObjectID: "ws-1", EntityID: "TEAM-BACKEND",
				Model: "sonnet", InputTokens: 9000, OutputTokens: 1000,
				UnitPrice: 3.0, Currency: "USD",
			},
		}},
	}
	runner := newAIRunner(t, repo, client)

	result, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 1, 1), day(2026, 1, 31), "pipe-1", 500, "run-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", client.calls)
	}
	if result.RowsWritten != 1 {
		t.Fatalf("expected 1 row, got %d", result.RowsWritten)
	}
	for _, row := range repo.daily["daily_ai_costs"] {
		// 10k tokens at 3.0 per 1k.
		if math.Abs(row.Cost-30.0) > 1e-9 {
			t.Fatalf("cost %f, want 30", row.Cost)
		}
	}
}

func TestAIUsageAbortsImmediatelyOnAuthFailure(t *testing.T) {
	repo := newFakeRepo()
	client := &scriptedClient{
		failures: 100,
		failWith: fmt.Errorf("%w: 401", normalizerdomain.ErrAuthProvider),
	}
	runner := newAIRunner(t, repo, client)

	_, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 1, 1), day(2026, 1, 31), "pipe-1", 500, "run-1")
	if !errors.Is(err, normalizerdomain.ErrAuthProvider) {
		t.Fatalf("expected ErrAuthProvider, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("auth failure must not retry, got %d calls", client.calls)
	}
}

func TestAIUsageSurfacesTransientAfterBoundedRetries(t *testing.T) {
	repo := newFakeRepo()
	client := &scriptedClient{
		failures: 100,
		failWith: fmt.Errorf("%w: 503", normalizerdomain.ErrTransientProvider),
	}
	runner := newAIRunner(t, repo, client)

	_, err := runner.Run(tenantCtx(7), "catalog", "acme", day(2026, 1, 1), day(2026, 1, 31), "pipe-1", 500, "run-1")
	if !errors.Is(err, normalizerdomain.ErrTransientProvider) {
		t.Fatalf("expected ErrTransientProvider, got %v", err)
	}
	if client.calls != maxFetchAttempts {
		t.Fatalf("expected %d attempts, got %d", maxFetchAttempts, client.calls)
	}
}
