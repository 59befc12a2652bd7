package normalizer

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
)

// CloudRunner normalizes cloud billing exports: one raw row per
// (day, billable resource), priced as quantity times the discounted
// unit rate.
type CloudRunner struct {
	baseRunner
}

func (r *CloudRunner) Run(
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

	return r.normalizeLocal(ctx, snowflake.ID(tenantID), start, end, runID, priceCloud, false)
}

func priceCloud(payload *normalizerdomain.UsagePayload, usageDate time.Time, _, _ time.Time) ([]*normalizerdomain.DailyCost, error) {
	if err := checkDiscount(payload); err != nil {
		return nil, err
	}
	return []*normalizerdomain.DailyCost{{
		UsageDate:  usageDate,
		ObjectID:   payload.ObjectID,
		ObjectName: payload.ObjectName,
		EntityID:   payload.EntityID,
		Quantity:   payload.Quantity,
		UnitPrice:  payload.UnitPrice,
		Discount:   payload.Discount,
		Cost:       payload.Quantity * (payload.UnitPrice - payload.Discount),
		Currency:   payload.Currency,
	}}, nil
}
