// Package observability provides a metrics extension for the credits engine
// that records operation outcomes as OpenTelemetry instruments.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/credits"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/types"
)

const meterName = "github.com/xraph/credits"

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin             = (*MetricsExtension)(nil)
	_ plugin.OnCharged          = (*MetricsExtension)(nil)
	_ plugin.OnRefunded         = (*MetricsExtension)(nil)
	_ plugin.OnGranted          = (*MetricsExtension)(nil)
	_ plugin.OnTierChanged      = (*MetricsExtension)(nil)
	_ plugin.OnOperationFailed  = (*MetricsExtension)(nil)
	_ plugin.OnIdempotentReplay = (*MetricsExtension)(nil)
)

// MetricsExtension records engine metrics.
// Register it as a credits plugin to automatically track ledger activity.
type MetricsExtension struct {
	// Charge metrics
	Charges       metric.Int64Counter
	ChargedAmount metric.Float64Histogram

	// Credit metrics
	Refunds        metric.Int64Counter
	Grants         metric.Int64Counter
	CreditedAmount metric.Float64Histogram

	// Membership metrics
	TierChanges metric.Int64Counter

	// Outcome metrics
	Failures metric.Int64Counter
	Replays  metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global meter
// provider.
func NewMetricsExtension() (*MetricsExtension, error) {
	return NewMetricsExtensionWithProvider(otel.GetMeterProvider())
}

// NewMetricsExtensionWithProvider creates a MetricsExtension on mp.
func NewMetricsExtensionWithProvider(mp metric.MeterProvider) (*MetricsExtension, error) {
	meter := mp.Meter(meterName)
	m := &MetricsExtension{}
	var err error

	m.Charges, err = meter.Int64Counter("credits.charges",
		metric.WithDescription("Number of committed charges"))
	if err != nil {
		return nil, err
	}

	m.ChargedAmount, err = meter.Float64Histogram("credits.charged.amount",
		metric.WithDescription("Credits debited per charge"))
	if err != nil {
		return nil, err
	}

	m.Refunds, err = meter.Int64Counter("credits.refunds",
		metric.WithDescription("Number of committed refunds"))
	if err != nil {
		return nil, err
	}

	m.Grants, err = meter.Int64Counter("credits.grants",
		metric.WithDescription("Number of committed grants"))
	if err != nil {
		return nil, err
	}

	m.CreditedAmount, err = meter.Float64Histogram("credits.credited.amount",
		metric.WithDescription("Credits added per refund or grant"))
	if err != nil {
		return nil, err
	}

	m.TierChanges, err = meter.Int64Counter("credits.tier.changes",
		metric.WithDescription("Number of tier upgrades and downgrades"))
	if err != nil {
		return nil, err
	}

	m.Failures, err = meter.Int64Counter("credits.operation.failures",
		metric.WithDescription("Number of failed operations by reason"))
	if err != nil {
		return nil, err
	}

	m.Replays, err = meter.Int64Counter("credits.idempotency.replays",
		metric.WithDescription("Number of operations answered from an idempotency record"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnCharged implements plugin.OnCharged.
func (m *MetricsExtension) OnCharged(ctx context.Context, e *entry.Entry, calc *cost.CalculationDetails) error {
	dynamic := calc != nil && calc.IsDynamic
	attrs := metric.WithAttributes(
		attribute.String("action", e.Action),
		attribute.Bool("dynamic", dynamic),
	)
	m.Charges.Add(ctx, 1, attrs)
	m.ChargedAmount.Record(ctx, e.Delta.Neg().InexactFloat64(), attrs)
	return nil
}

// OnRefunded implements plugin.OnRefunded.
func (m *MetricsExtension) OnRefunded(ctx context.Context, e *entry.Entry) error {
	m.Refunds.Add(ctx, 1)
	m.CreditedAmount.Record(ctx, e.Delta.InexactFloat64(),
		metric.WithAttributes(attribute.String("operation", string(types.OpRefund))))
	return nil
}

// OnGranted implements plugin.OnGranted.
func (m *MetricsExtension) OnGranted(ctx context.Context, e *entry.Entry) error {
	m.Grants.Add(ctx, 1)
	m.CreditedAmount.Record(ctx, e.Delta.InexactFloat64(),
		metric.WithAttributes(attribute.String("operation", string(types.OpGrant))))
	return nil
}

// OnTierChanged implements plugin.OnTierChanged.
func (m *MetricsExtension) OnTierChanged(ctx context.Context, e *entry.Entry, from, to string) error {
	m.TierChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", string(e.Operation)),
		attribute.String("from", from),
		attribute.String("to", to),
	))
	return nil
}

// OnOperationFailed implements plugin.OnOperationFailed.
func (m *MetricsExtension) OnOperationFailed(ctx context.Context, op types.Operation, _ id.AccountID, _ string, err error) error {
	m.Failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", string(op)),
		attribute.String("reason", Reason(err)),
	))
	return nil
}

// OnIdempotentReplay implements plugin.OnIdempotentReplay.
func (m *MetricsExtension) OnIdempotentReplay(ctx context.Context, op types.Operation, _ string) error {
	m.Replays.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", string(op))))
	return nil
}

// Reason maps an operation error to a low-cardinality label.
func Reason(err error) string {
	var (
		balance    *credits.InsufficientBalanceError
		membership *credits.MembershipRequiredError
		missing    *credits.MissingVariableError
		evalErr    *credits.EvaluationError
		tierChange *credits.InvalidTierChangeError
		storeErr   *credits.StoreError
	)
	switch {
	case errors.As(err, &balance):
		return "insufficient_balance"
	case errors.As(err, &membership):
		return "membership_required"
	case errors.As(err, &missing):
		return "missing_variable"
	case errors.As(err, &evalErr):
		return "evaluation_error"
	case errors.As(err, &tierChange):
		return "invalid_tier_change"
	case errors.Is(err, credits.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, credits.ErrUndefinedAction):
		return "undefined_action"
	case errors.Is(err, credits.ErrUndefinedTier):
		return "undefined_tier"
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrInvalidInput):
		return "invalid_input"
	case errors.As(err, &storeErr):
		return "store"
	}
	return "other"
}
