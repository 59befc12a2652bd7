package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/ledgerline/ledgerline/internal/audit/domain"
	"github.com/ledgerline/ledgerline/internal/clock"
	"github.com/ledgerline/ledgerline/internal/config"
	ledgerdomain "github.com/ledgerline/ledgerline/internal/ledger/domain"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"github.com/ledgerline/ledgerline/internal/observability"
	pipelinedomain "github.com/ledgerline/ledgerline/internal/pipeline/domain"
	"github.com/ledgerline/ledgerline/internal/pipeline/lock"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[snowflake.ID]*pipelinedomain.PipelineRun
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: map[snowflake.ID]*pipelinedomain.PipelineRun{}}
}

func (r *fakeRunRepo) Insert(_ context.Context, _ *gorm.DB, run *pipelinedomain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *run
	r.runs[run.ID] = &clone
	return nil
}

func (r *fakeRunRepo) Update(_ context.Context, _ *gorm.DB, run *pipelinedomain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *run
	r.runs[run.ID] = &clone
	return nil
}

func (r *fakeRunRepo) FindByRunID(_ context.Context, _ *gorm.DB, tenantID snowflake.ID, runID string) (*pipelinedomain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.TenantID == tenantID && run.RunID != nil && *run.RunID == runID {
			clone := *run
			return &clone, nil
		}
	}
	return nil, pipelinedomain.ErrRunNotFound
}

func (r *fakeRunRepo) ListByTenant(_ context.Context, _ *gorm.DB, tenantID snowflake.ID, domain string, limit int) ([]*pipelinedomain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*pipelinedomain.PipelineRun
	for _, run := range r.runs {
		if run.TenantID != tenantID {
			continue
		}
		if domain != "" && run.Domain != domain {
			continue
		}
		clone := *run
		out = append(out, &clone)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRunRepo) LastSuccessEnd(_ context.Context, _ *gorm.DB, tenantID snowflake.ID, domain string) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *time.Time
	for _, run := range r.runs {
		if run.TenantID == tenantID && run.Domain == domain && run.Status == pipelinedomain.StatusSucceeded {
			end := run.RangeEnd
			if latest == nil || end.After(*latest) {
				latest = &end
			}
		}
	}
	return latest, nil
}

type scriptedRunner struct {
	mu       sync.Mutex
	domain   string
	failures int
	failWith error
	calls    int
	runIDs   []string
	starts   []time.Time
	ends     []time.Time
}

func (r *scriptedRunner) Domain() string { return r.domain }

func (r *scriptedRunner) Run(_ context.Context, _ string, _ string, start, end time.Time, _ string, _ snowflake.ID, runID string) (*normalizerdomain.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.runIDs = append(r.runIDs, runID)
	r.starts = append(r.starts, start)
	r.ends = append(r.ends, end)
	if r.failures > 0 {
		r.failures--
		return nil, r.failWith
	}
	return &normalizerdomain.Result{Domain: r.domain, RowsRead: 5, RowsWritten: 5}, nil
}

type fakeRegistry struct {
	runners map[string]normalizerdomain.Runner
}

func (f *fakeRegistry) Runner(domain string) (normalizerdomain.Runner, error) {
	runner, ok := f.runners[domain]
	if !ok {
		return nil, normalizerdomain.ErrUnknownDomain
	}
	return runner, nil
}

func (f *fakeRegistry) Domains() []string { return nil }

type mergeInterval struct {
	tenant snowflake.ID
	start  time.Time
	end    time.Time
}

type fakeLedger struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	hold      time.Duration
	runIDs    []string
	intervals []mergeInterval
}

func (l *fakeLedger) Merge(ctx context.Context, domain string, _, _ time.Time, runID string) (*ledgerdomain.MergeSummary, error) {
	tenantID, _ := tenantctx.TenantID(ctx)
	began := time.Now()
	if l.hold > 0 {
		time.Sleep(l.hold)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, l.failWith
	}
	l.runIDs = append(l.runIDs, runID)
	l.intervals = append(l.intervals, mergeInterval{
		tenant: snowflake.ID(tenantID),
		start:  began,
		end:    time.Now(),
	})
	return &ledgerdomain.MergeSummary{Domain: domain, RowsMerged: 5, RunID: runID}, nil
}

func (l *fakeLedger) Aggregate(context.Context, ledgerdomain.AggregateRequest) ([]ledgerdomain.AggregateRow, error) {
	return nil, nil
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, *snowflake.ID, string, string, *string, map[string]any) {}
func (noopAudit) List(context.Context, auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	return auditdomain.ListResponse{}, nil
}

func newTestService(t *testing.T, repo pipelinedomain.Repository, runners normalizerdomain.Registry, ledger ledgerdomain.Service, writeLock lock.WriteLock) *Service {
	t.Helper()
	node, err := snowflake.NewNode(5)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	metrics := observability.NewPipelineMetrics(prometheus.NewRegistry())
	return &Service{
		log:     zap.NewNop(),
		genID:   node,
		clock:   clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)),
		cfg:     config.Config{AppName: "ledgerline"},
		runners: runners,
		ledger:  ledger,
		repo:    repo,
		lock:    writeLock,
		audit:   noopAudit{},
		metrics: metrics,
		sleep:   func(time.Duration) {},
	}
}

func tenantCtx(id int64) context.Context {
	return tenantctx.WithTenantID(context.Background(), id)
}

func TestTriggerMintsOneRunIDPerInvocation(t *testing.T) {
	runner := &scriptedRunner{domain: "cloud"}
	ledger := &fakeLedger{}
	svc := newTestService(t, newFakeRunRepo(), &fakeRegistry{runners: map[string]normalizerdomain.Runner{"cloud": runner}}, ledger, lock.NewLocalLock())

	first, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: "cloud"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	second, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: "cloud"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if first.RunID == "" || first.RunID == second.RunID {
		t.Fatalf("expected distinct run ids, got %q and %q", first.RunID, second.RunID)
	}
	// Normalize and merge both saw the run's single id.
	if runner.runIDs[0] != first.RunID || ledger.runIDs[0] != first.RunID {
		t.Fatalf("run id not threaded through: runner=%v ledger=%v", runner.runIDs, ledger.runIDs)
	}
	if first.Status != pipelinedomain.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", first.Status)
	}
}

func TestMergesForOneTenantNeverOverlap(t *testing.T) {
	cloudRunner := &scriptedRunner{domain: "cloud"}
	aiRunner := &scriptedRunner{domain: "ai_usage"}
	ledger := &fakeLedger{hold: 30 * time.Millisecond}
	registry := &fakeRegistry{runners: map[string]normalizerdomain.Runner{
		"cloud":    cloudRunner,
		"ai_usage": aiRunner,
	}}
	svc := newTestService(t, newFakeRunRepo(), registry, ledger, lock.NewLocalLock())

	var wg sync.WaitGroup
	for _, domain := range []string{"cloud", "ai_usage"} {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			if _, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: domain}); err != nil {
				t.Errorf("trigger %s: %v", domain, err)
			}
		}(domain)
	}
	wg.Wait()

	if len(ledger.intervals) != 2 {
		t.Fatalf("expected 2 merges, got %d", len(ledger.intervals))
	}
	a, b := ledger.intervals[0], ledger.intervals[1]
	if a.start.Before(b.end) && b.start.Before(a.end) {
		t.Fatalf("merge hold intervals overlap: %+v %+v", a, b)
	}
}

func TestLockReleasedAfterMergeFailure(t *testing.T) {
	runner := &scriptedRunner{domain: "cloud"}
	ledger := &fakeLedger{failures: 100, failWith: ledgerdomain.ErrLedgerWrite}
	registry := &fakeRegistry{runners: map[string]normalizerdomain.Runner{"cloud": runner}}
	svc := newTestService(t, newFakeRunRepo(), registry, ledger, lock.NewLocalLock())

	failed, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: "cloud"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if failed.Status != pipelinedomain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", failed.Status)
	}

	// The lock must be free for the next run.
	ledger.mu.Lock()
	ledger.failures = 0
	ledger.mu.Unlock()
	ok, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: "cloud"})
	if err != nil {
		t.Fatalf("trigger after failure: %v", err)
	}
	if ok.Status != pipelinedomain.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED after lock release, got %s: %s", ok.Status, ok.Error)
	}
}

func TestDefaultRangeResumesAfterLastSuccess(t *testing.T) {
	repo := newFakeRunRepo()
	node, _ := snowflake.NewNode(6)
	end := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	runID := "01HMPREVIOUSRUN"
	repo.runs[node.Generate()] = &pipelinedomain.PipelineRun{
		ID: node.Generate(), RunID: &runID, TenantID: 7, Domain: "cloud",
		Status: pipelinedomain.StatusSucceeded,
		RangeStart: end.AddDate(0, 0, -5), RangeEnd: end,
	}

	runner := &scriptedRunner{domain: "cloud"}
	registry := &fakeRegistry{runners: map[string]normalizerdomain.Runner{"cloud": runner}}
	svc := newTestService(t, repo, registry, &fakeLedger{}, lock.NewLocalLock())

	if _, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: "cloud"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	wantStart := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if !runner.starts[0].Equal(wantStart) || !runner.ends[0].Equal(wantEnd) {
		t.Fatalf("range %v..%v, want %v..%v", runner.starts[0], runner.ends[0], wantStart, wantEnd)
	}
}

func TestStepRetryIsBoundedAndTransientOnly(t *testing.T) {
	runner := &scriptedRunner{
		domain:   "cloud",
		failures: 2,
		failWith: fmt.Errorf("%w: 503", normalizerdomain.ErrTransientProvider),
	}
	registry := &fakeRegistry{runners: map[string]normalizerdomain.Runner{"cloud": runner}}
	svc := newTestService(t, newFakeRunRepo(), registry, &fakeLedger{}, lock.NewLocalLock())

	view, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: "cloud"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if view.Status != pipelinedomain.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED after retries, got %s", view.Status)
	}
	if runner.calls != 3 {
		t.Fatalf("expected 3 normalize attempts, got %d", runner.calls)
	}
}

func TestAuthFailureIsNotRetriedAndSanitized(t *testing.T) {
	runner := &scriptedRunner{
		domain:   "cloud",
		failures: 100,
		failWith: fmt.Errorf("%w: 401 from provider", normalizerdomain.ErrAuthProvider),
	}
	registry := &fakeRegistry{runners: map[string]normalizerdomain.Runner{"cloud": runner}}
	svc := newTestService(t, newFakeRunRepo(), registry, &fakeLedger{}, lock.NewLocalLock())

	view, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: "cloud"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if view.Status != pipelinedomain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", view.Status)
	}
	if runner.calls != 1 {
		t.Fatalf("auth failure must not retry, got %d calls", runner.calls)
	}
	if view.Error != "provider rejected the credential, please re-authorize" {
		t.Fatalf("expected sanitized error, got %q", view.Error)
	}
	if view.CorrelationID == "" {
		t.Fatal("failed runs must carry a correlation id")
	}
}

func TestStatusLooksUpRunByID(t *testing.T) {
	runner := &scriptedRunner{domain: "cloud"}
	registry := &fakeRegistry{runners: map[string]normalizerdomain.Runner{"cloud": runner}}
	svc := newTestService(t, newFakeRunRepo(), registry, &fakeLedger{}, lock.NewLocalLock())

	view, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: "cloud"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	polled, err := svc.Status(tenantCtx(7), view.RunID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if polled.Status != pipelinedomain.StatusSucceeded || polled.RowsMerged != 5 {
		t.Fatalf("unexpected polled view: %+v", polled)
	}

	if _, err := svc.Status(tenantCtx(8), view.RunID); !errors.Is(err, pipelinedomain.ErrRunNotFound) {
		t.Fatalf("expected cross-tenant lookup to fail, got %v", err)
	}
}

func TestTriggerRejectsUnknownDomain(t *testing.T) {
	svc := newTestService(t, newFakeRunRepo(), &fakeRegistry{runners: map[string]normalizerdomain.Runner{}}, &fakeLedger{}, lock.NewLocalLock())

	if _, err := svc.Trigger(tenantCtx(7), pipelinedomain.TriggerRequest{Domain: "bogus"}); !errors.Is(err, pipelinedomain.ErrUnknownDomain) {
		t.Fatalf("expected ErrUnknownDomain, got %v", err)
	}
}
