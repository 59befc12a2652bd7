package normalizer

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
)

// SubscriptionRunner normalizes seat-based SaaS subscriptions. A raw
// row describes a subscription active from its usage date; the runner
// prorates the monthly charge across the days of each covered month.
type SubscriptionRunner struct {
	baseRunner
}

func (r *SubscriptionRunner) Run(
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

	return r.normalizeLocal(ctx, snowflake.ID(tenantID), start, end, runID, priceSubscription, true)
}

// priceSubscription expands one subscription into a row per covered
// day. The daily cost is seats times the discounted per-seat price,
// divided by the number of days in that day's month, so a month sums
// back to the full monthly charge.
func priceSubscription(payload *normalizerdomain.UsagePayload, activeFrom time.Time, start, end time.Time) ([]*normalizerdomain.DailyCost, error) {
	if err := checkDiscount(payload); err != nil {
		return nil, err
	}

	seats := payload.Seats
	if seats == 0 {
		seats = int(payload.Quantity)
	}

	first := start
	if activeFrom.After(first) {
		first = activeFrom
	}

	var rows []*normalizerdomain.DailyCost
	for day := first; !day.After(end); day = day.AddDate(0, 0, 1) {
		monthDays := daysInMonth(day)
		daily := float64(seats) * (payload.UnitPrice - payload.Discount) / float64(monthDays)
		rows = append(rows, &normalizerdomain.DailyCost{
			UsageDate:  day,
			ObjectID:   payload.ObjectID,
			ObjectName: payload.ObjectName,
			EntityID:   payload.EntityID,
			Quantity:   float64(seats),
			UnitPrice:  payload.UnitPrice,
			Discount:   payload.Discount,
			Cost:       daily,
			Currency:   payload.Currency,
		})
	}
	return rows, nil
}

func daysInMonth(day time.Time) int {
	firstOfMonth := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 1, -1).Day()
}
