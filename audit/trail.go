package audit

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/xraph/credits/expr"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// Trail builds audit records for engine operations and hands them to a
// Recorder.
type Trail struct {
	recorder Recorder
	enabled  map[types.Operation]bool // nil = all enabled
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithLogger sets the logger used to report recorder failures.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trail) { t.logger = logger }
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// WithEnabledOperations audits only the listed operations.
func WithEnabledOperations(ops ...types.Operation) Option {
	return func(t *Trail) {
		t.enabled = make(map[types.Operation]bool)
		for _, op := range ops {
			t.enabled[op] = true
		}
	}
}

// WithDisabledOperations skips the listed operations.
func WithDisabledOperations(ops ...types.Operation) Option {
	return func(t *Trail) {
		if t.enabled == nil {
			t.enabled = make(map[types.Operation]bool)
			for _, op := range types.Operations() {
				t.enabled[op] = true
			}
		}
		for _, op := range ops {
			delete(t.enabled, op)
		}
	}
}

// NewTrail creates a Trail that records through r.
func NewTrail(r Recorder, opts ...Option) *Trail {
	t := &Trail{
		recorder: r,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enabled reports whether op is audited.
func (t *Trail) Enabled(op types.Operation) bool {
	return t.enabled == nil || t.enabled[op]
}

// Success records a completed operation.
func (t *Trail) Success(ctx context.Context, tx types.Tx, accountID id.AccountID, op types.Operation, action string, meta map[string]any) {
	t.record(ctx, tx, &Record{
		AccountID: accountID,
		Operation: op,
		Action:    action,
		Outcome:   OutcomeSuccess,
		Metadata:  maps.Clone(meta),
	})
}

// Failure records a failed operation. Formula errors add their details to
// the caller's metadata.
func (t *Trail) Failure(ctx context.Context, tx types.Tx, accountID id.AccountID, op types.Operation, action string, meta map[string]any, cause error) {
	t.record(ctx, tx, &Record{
		AccountID: accountID,
		Operation: op,
		Action:    action,
		Outcome:   OutcomeFailed,
		Metadata:  FailureMetadata(cause, meta),
		Error:     cause.Error(),
	})
}

func (t *Trail) record(ctx context.Context, tx types.Tx, r *Record) {
	if !t.Enabled(r.Operation) {
		return
	}

	r.ID = id.NewAuditID()
	r.CreatedAt = t.now().UTC()

	if err := t.recorder.Record(ctx, tx, r); err != nil {
		t.logger.Warn("audit: failed to record operation outcome",
			"account_id", r.AccountID.String(),
			"operation", string(r.Operation),
			"action", r.Action,
			"outcome", string(r.Outcome),
			"error", err,
		)
	}
}

// FailureMetadata merges error details into a copy of meta. Error details
// win over caller keys of the same name.
func FailureMetadata(cause error, meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+3)
	maps.Copy(out, meta)

	var missing *expr.MissingVariableError
	var evalErr *expr.EvaluationError
	switch {
	case errors.As(cause, &missing):
		out[MetaFormula] = missing.Formula
		out[MetaMissingVariable] = missing.MissingName()
		out[MetaProvidedVariables] = missing.Provided
	case errors.As(cause, &evalErr):
		out[MetaFormula] = evalErr.Formula
		out[MetaVariables] = evalErr.Variables
		out[MetaCause] = string(evalErr.Cause)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}
