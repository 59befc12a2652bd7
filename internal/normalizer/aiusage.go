package normalizer

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	vaultdomain "github.com/ledgerline/ledgerline/internal/vault/domain"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
	"go.uber.org/zap"
)

const (
	// aiCredentialTTL bounds the decrypted credential lease to the
	// normalizer's expected runtime.
	aiCredentialTTL = 5 * time.Minute

	maxFetchAttempts = 3
	fetchBaseBackoff = 200 * time.Millisecond
)

// UsageLine is one dated usage entry returned by a provider API.
type UsageLine struct {
	Date    time.Time
	Payload normalizerdomain.UsagePayload
}

// ProviderClient fetches metered AI usage from a provider API.
// Implementations must return ErrTransientProvider for retryable
// failures and ErrAuthProvider for credential rejections.
type ProviderClient interface {
	FetchUsage(ctx context.Context, provider, secret string, start, end time.Time) ([]UsageLine, error)
}

// AIUsageRunner normalizes metered AI spend. Raw table rows are priced
// locally; when a credential is supplied the provider's usage API is
// fetched as well and merged by natural key.
type AIUsageRunner struct {
	baseRunner

	vault  vaultdomain.Service
	client ProviderClient
	sleep  func(time.Duration)
}

func (r *AIUsageRunner) Run(
	ctx context.Context,
	catalog string,
	tenantDataset string,
	start time.Time,
	end time.Time,
	pipelineID string,
	credentialID snowflake.ID,
	runID string,
) (*normalizerdomain.Result, error) {
	if err := validateRange(start, end, runID); err != nil {
		return nil, err
	}
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, normalizerdomain.ErrInvalidTenant
	}

	table, err := r.tables()
	if err != nil {
		return nil, err
	}

	raws, err := r.repo.ReadRaw(ctx, r.db, table.SourceTable, snowflake.ID(tenantID), start, end)
	if err != nil {
		return nil, err
	}

	result := &normalizerdomain.Result{Domain: r.domain, RowsRead: len(raws)}
	byKey := map[string]*normalizerdomain.DailyCost{}
	for _, raw := range raws {
		class, payload := normalizerdomain.Classify(raw.Payload)
		switch class {
		case normalizerdomain.MetadataRecord:
			result.RowsSkipped++
			continue
		case normalizerdomain.UnknownRecord:
			result.RowsSkipped++
			r.log.Warn("skipping unclassifiable raw record",
				zap.String("domain", r.domain),
				zap.Stringer("raw_id", raw.ID),
			)
			continue
		}
		row, err := priceTokens(payload, raw.UsageDate)
		if err != nil {
			return nil, err
		}
		r.stampRow(row, snowflake.ID(tenantID), raw.Provider, runID)
		byKey[dailyKey(row)] = row
	}

	if credentialID != 0 {
		lines, provider, err := r.fetchProviderUsage(ctx, credentialID, start, end)
		if err != nil {
			return nil, err
		}
		result.RowsRead += len(lines)
		for _, line := range lines {
			payload := line.Payload
			row, err := priceTokens(&payload, line.Date)
			if err != nil {
				return nil, err
			}
			r.stampRow(row, snowflake.ID(tenantID), provider, runID)
			byKey[dailyKey(row)] = row
		}
	}

	rows := make([]*normalizerdomain.DailyCost, 0, len(byKey))
	for _, row := range byKey {
		rows = append(rows, row)
	}
	if err := r.repo.UpsertDaily(ctx, r.db, table.DailyTable, rows); err != nil {
		return nil, err
	}
	result.RowsWritten = len(rows)
	return result, nil
}

// fetchProviderUsage decrypts the credential under a bounded lease and
// calls the provider API with retries. Transient failures back off and
// retry; an authentication failure aborts the run immediately so the
// operator sees a diagnosable error instead of a retry storm.
func (r *AIUsageRunner) fetchProviderUsage(ctx context.Context, credentialID snowflake.ID, start, end time.Time) ([]UsageLine, string, error) {
	lease, err := r.vault.DecryptByID(ctx, credentialID, aiCredentialTTL)
	if err != nil {
		return nil, "", err
	}
	defer lease.Clear()

	backoff := fetchBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		secret := lease.Value(r.clock.Now())
		if secret == "" {
			return nil, "", vaultdomain.ErrExpired
		}

		lines, err := r.client.FetchUsage(ctx, lease.Provider, secret, start, end)
		if err == nil {
			return lines, lease.Provider, nil
		}
		if errors.Is(err, normalizerdomain.ErrAuthProvider) {
			return nil, "", err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < maxFetchAttempts {
			r.log.Warn("provider usage fetch failed, retrying",
				zap.String("provider", lease.Provider),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			r.sleep(backoff)
			backoff *= 2
		}
	}
	return nil, "", lastErr
}

// priceTokens charges total tokens at the discounted per-1k-token rate.
func priceTokens(payload *normalizerdomain.UsagePayload, usageDate time.Time) (*normalizerdomain.DailyCost, error) {
	if err := checkDiscount(payload); err != nil {
		return nil, err
	}

	quantity := payload.Quantity
	if tokens := payload.InputTokens + payload.OutputTokens; tokens > 0 {
		quantity = float64(tokens) / 1000
	}

	objectID := payload.ObjectID
	if payload.Model != "" {
		objectID = payload.ObjectID + ":" + payload.Model
	}
	objectName := payload.ObjectName
	if objectName == "" {
		objectName = objectID
	}

	return &normalizerdomain.DailyCost{
		UsageDate:  usageDate,
		ObjectID:   objectID,
		ObjectName: objectName,
		EntityID:   payload.EntityID,
		Quantity:   quantity,
		UnitPrice:  payload.UnitPrice,
		Discount:   payload.Discount,
		Cost:       quantity * (payload.UnitPrice - payload.Discount),
		Currency:   payload.Currency,
	}, nil
}
