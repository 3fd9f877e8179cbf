package audit_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/expr"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

type captured struct {
	records []*audit.Record
	txs     []types.Tx
}

func (c *captured) recorder() audit.Recorder {
	return audit.RecorderFunc(func(_ context.Context, tx types.Tx, r *audit.Record) error {
		c.records = append(c.records, r)
		c.txs = append(c.txs, tx)
		return nil
	})
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSuccessRecord(t *testing.T) {
	var c captured
	trail := audit.NewTrail(c.recorder(), audit.WithClock(func() time.Time { return fixedNow }))

	acct := id.NewAccountID()
	meta := map[string]any{"source": "api"}
	trail.Success(context.Background(), "tx-token", acct, types.OpCharge, "generate-post", meta)

	require.Len(t, c.records, 1)
	r := c.records[0]
	assert.Equal(t, id.PrefixAudit, r.ID.Prefix())
	assert.Equal(t, acct, r.AccountID)
	assert.Equal(t, types.OpCharge, r.Operation)
	assert.Equal(t, "generate-post", r.Action)
	assert.Equal(t, audit.OutcomeSuccess, r.Outcome)
	assert.Equal(t, fixedNow, r.CreatedAt)
	assert.Equal(t, "api", r.Metadata["source"])
	assert.Empty(t, r.Error)
	assert.Equal(t, "tx-token", c.txs[0])

	// Caller metadata is copied.
	meta["source"] = "changed"
	assert.Equal(t, "api", r.Metadata["source"])
}

func TestFailureEnrichesMissingVariable(t *testing.T) {
	var c captured
	trail := audit.NewTrail(c.recorder())

	x := expr.MustParse("{duration} * 2 + {resolution} * 0.5")
	_, cause := x.Evaluate(map[string]float64{"duration": 120})
	require.Error(t, cause)

	trail.Failure(context.Background(), nil, id.NewAccountID(), types.OpCharge, "render", map[string]any{"request": "r1"}, cause)

	require.Len(t, c.records, 1)
	r := c.records[0]
	assert.Equal(t, audit.OutcomeFailed, r.Outcome)
	assert.Equal(t, cause.Error(), r.Error)
	assert.Equal(t, "{duration} * 2 + {resolution} * 0.5", r.Metadata[audit.MetaFormula])
	assert.Equal(t, "resolution", r.Metadata[audit.MetaMissingVariable])
	assert.Equal(t, []string{"duration"}, r.Metadata[audit.MetaProvidedVariables])
	assert.Equal(t, "r1", r.Metadata["request"])
}

func TestFailureEnrichesEvaluationError(t *testing.T) {
	x := expr.MustParse("{amount} / {count}")
	_, cause := x.Evaluate(map[string]float64{"amount": 1, "count": 0})

	meta := audit.FailureMetadata(cause, map[string]any{audit.MetaCause: "caller value"})
	assert.Equal(t, "{amount} / {count}", meta[audit.MetaFormula])
	assert.Equal(t, "division-by-zero", meta[audit.MetaCause])
	assert.Equal(t, map[string]float64{"amount": 1, "count": 0}, meta[audit.MetaVariables])
}

func TestFailureMetadataPlainError(t *testing.T) {
	assert.Nil(t, audit.FailureMetadata(errors.New("boom"), nil))
	assert.Equal(t, map[string]any{"k": "v"}, audit.FailureMetadata(errors.New("boom"), map[string]any{"k": "v"}))
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	failing := audit.RecorderFunc(func(context.Context, types.Tx, *audit.Record) error {
		return errors.New("disk full")
	})
	trail := audit.NewTrail(failing, audit.WithLogger(logger))

	assert.NotPanics(t, func() {
		trail.Failure(context.Background(), nil, id.NewAccountID(), types.OpGrant, "", nil, errors.New("original"))
	})
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "disk full")
}

func TestOperationFilters(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		var c captured
		trail := audit.NewTrail(c.recorder(), audit.WithEnabledOperations(types.OpCharge))
		trail.Success(context.Background(), nil, id.NewAccountID(), types.OpCharge, "a", nil)
		trail.Success(context.Background(), nil, id.NewAccountID(), types.OpGrant, "", nil)
		require.Len(t, c.records, 1)
		assert.Equal(t, types.OpCharge, c.records[0].Operation)
	})

	t.Run("disabled", func(t *testing.T) {
		var c captured
		trail := audit.NewTrail(c.recorder(), audit.WithDisabledOperations(types.OpCharge))
		trail.Success(context.Background(), nil, id.NewAccountID(), types.OpCharge, "a", nil)
		trail.Success(context.Background(), nil, id.NewAccountID(), types.OpRefund, "", nil)
		require.Len(t, c.records, 1)
		assert.Equal(t, types.OpRefund, c.records[0].Operation)
		assert.False(t, trail.Enabled(types.OpCharge))
		assert.True(t, trail.Enabled(types.OpUpgrade))
	})
}

func TestMultiRecorder(t *testing.T) {
	var a, b captured
	failing := audit.RecorderFunc(func(context.Context, types.Tx, *audit.Record) error {
		return errors.New("down")
	})

	multi := audit.MultiRecorder(a.recorder(), failing, b.recorder())
	err := multi.Record(context.Background(), nil, &audit.Record{Operation: types.OpCharge})
	assert.EqualError(t, err, "down")
	assert.Len(t, a.records, 1)
	assert.Len(t, b.records, 1)
}
