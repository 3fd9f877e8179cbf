package credits_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/expr"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/types"
)

var base = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

const tieredRows = "{rows} <= 1000 ? {rows} * 0.1 : 100 + ({rows} - 1000) * 0.05"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testPricing() credits.Pricing {
	return credits.Pricing{
		Actions: map[string]cost.ActionSpec{
			"send-email": {
				Default: cost.FixedSpec(1),
				Tiers:   map[string]cost.Spec{"pro": cost.FixedSpec(0.5)},
			},
			"generate-post": {Default: cost.FormulaSpec("{token} * 0.001 + 10")},
			"export-rows":   {Default: cost.FormulaSpec(tieredRows)},
			"ratio":         {Default: cost.FormulaSpec("{amount} / {count}")},
			"free-preview":  {Default: cost.FixedSpec(0)},
			"render-video": {
				Default: cost.FixedSpec(20),
				Tiers:   map[string]cost.Spec{"enterprise": cost.FixedSpec(5)},
				MinTier: "pro",
			},
		},
		Tiers: map[string]credits.TierSpec{
			"basic":      {Rank: 1, CreditCap: 100},
			"pro":        {Rank: 2, CreditCap: 500},
			"enterprise": {Rank: 3, CreditCap: 2000},
		},
	}
}

type harness struct {
	engine *credits.Engine
	store  *memory.Store
	clock  *clock
}

func newHarness(t *testing.T, opts ...credits.Option) *harness {
	t.Helper()

	clk := &clock{t: base}
	s := memory.New(memory.WithClock(clk.Now))
	opts = append([]credits.Option{
		credits.WithClock(clk.Now),
		credits.WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)

	engine, err := credits.New(s, testPricing(), opts...)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))

	return &harness{engine: engine, store: s, clock: clk}
}

func (h *harness) open(t *testing.T, balance string, tierName string, expiresAt *time.Time) id.AccountID {
	t.Helper()

	b := decimal.RequireFromString(balance)
	a, err := h.engine.OpenAccount(context.Background(), credits.OpenAccountRequest{
		Tier:      tierName,
		ExpiresAt: expiresAt,
		Balance:   &b,
	})
	require.NoError(t, err)
	return a.ID
}

func (h *harness) balance(t *testing.T, accountID id.AccountID) decimal.Decimal {
	t.Helper()

	b, err := h.engine.QueryBalance(context.Background(), nil, accountID)
	require.NoError(t, err)
	return b.Balance
}

func (h *harness) history(t *testing.T, accountID id.AccountID) []*entry.Entry {
	t.Helper()

	entries, err := h.engine.GetHistory(context.Background(), nil, accountID, entry.ListOpts{})
	require.NoError(t, err)
	return entries
}

func (h *harness) failures(t *testing.T, accountID id.AccountID) []*audit.Record {
	t.Helper()

	records, err := h.engine.ListAudit(context.Background(), nil, accountID, audit.ListOpts{Outcome: audit.OutcomeFailed})
	require.NoError(t, err)
	return records
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestChargeTokenBilling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.open(t, "100", "", nil)

	res, err := h.engine.Charge(ctx, credits.ChargeRequest{
		AccountID: acct,
		Action:    "generate-post",
		Variables: map[string]float64{"token": 3500},
		Metadata:  map[string]any{"request_id": "r-1"},
	})
	require.NoError(t, err)

	assertDecimal(t, "13.5", res.Amount)
	assertDecimal(t, "-13.5", res.Delta)
	assertDecimal(t, "100", res.BalanceBefore)
	assertDecimal(t, "86.5", res.BalanceAfter)
	assert.Equal(t, types.OpCharge, res.Operation)
	require.NotNil(t, res.Calculation)
	assert.True(t, res.Calculation.IsDynamic)
	assert.Equal(t, "{token} * 0.001 + 10", res.Calculation.Formula)
	assert.InDelta(t, 13.5, res.Calculation.RawCost, 1e-9)

	assertDecimal(t, "86.5", h.balance(t, acct))

	entries := h.history(t, acct)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, res.TransactionID, e.ID)
	assert.True(t, e.Balanced())
	assert.Equal(t, "r-1", e.Metadata["request_id"])

	calc, ok := e.Metadata[entry.MetaCalculation].(map[string]any)
	require.True(t, ok, "dynamic charges carry calculation metadata")
	assert.Equal(t, "{token} * 0.001 + 10", calc["formula"])
	assert.Equal(t, true, calc["is_dynamic"])

	records, err := h.engine.ListAudit(ctx, nil, acct, audit.ListOpts{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, res.TransactionID.String(), records[0].Metadata[audit.MetaTransactionID])
}

func TestChargeTieredBilling(t *testing.T) {
	tests := []struct {
		rows float64
		cost string
	}{
		{500, "50"},
		{1000, "100"},
		{2000, "150"},
	}

	for _, tt := range tests {
		t.Run(decimal.NewFromFloat(tt.rows).String(), func(t *testing.T) {
			h := newHarness(t)
			acct := h.open(t, "1000", "", nil)

			res, err := h.engine.Charge(context.Background(), credits.ChargeRequest{
				AccountID: acct,
				Action:    "export-rows",
				Variables: map[string]float64{"rows": tt.rows},
			})
			require.NoError(t, err)
			assertDecimal(t, tt.cost, res.Amount)
			assertDecimal(t, tt.cost, dec("1000").Sub(h.balance(t, acct)))
		})
	}
}

func TestChargeFixedCostHasNoCalculationMetadata(t *testing.T) {
	h := newHarness(t)
	acct := h.open(t, "5", "", nil)

	res, err := h.engine.Charge(context.Background(), credits.ChargeRequest{
		AccountID: acct,
		Action:    "send-email",
	})
	require.NoError(t, err)
	assertDecimal(t, "1", res.Amount)
	require.NotNil(t, res.Calculation)
	assert.False(t, res.Calculation.IsDynamic)

	entries := h.history(t, acct)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Metadata, entry.MetaCalculation)
}

func TestChargeZeroCost(t *testing.T) {
	h := newHarness(t)
	acct := h.open(t, "0", "", nil)

	res, err := h.engine.Charge(context.Background(), credits.ChargeRequest{
		AccountID: acct,
		Action:    "free-preview",
	})
	require.NoError(t, err)
	assert.True(t, res.Amount.IsZero())
	assert.True(t, h.balance(t, acct).IsZero())
	assert.Len(t, h.history(t, acct), 1)
}

func TestChargeInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	acct := h.open(t, "10", "", nil)

	_, err := h.engine.Charge(context.Background(), credits.ChargeRequest{
		AccountID: acct,
		Action:    "generate-post",
		Variables: map[string]float64{"token": 3500},
	})

	var low *credits.InsufficientBalanceError
	require.ErrorAs(t, err, &low)
	assertDecimal(t, "13.5", low.Required)
	assertDecimal(t, "10", low.Available)
	assert.ErrorIs(t, err, account.ErrInsufficientFunds)
	assert.True(t, credits.IsBusinessError(err))
	assert.False(t, credits.IsRetryable(err))

	assertDecimal(t, "10", h.balance(t, acct))
	assert.Empty(t, h.history(t, acct))

	failures := h.failures(t, acct)
	require.Len(t, failures, 1)
	assert.Equal(t, "generate-post", failures[0].Action)
	assert.Equal(t, err.Error(), failures[0].Error)
}

func TestChargeIdempotent(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()
	acct := h.open(t, "100", "", nil)

	req := credits.ChargeRequest{
		AccountID:      acct,
		Action:         "generate-post",
		Variables:      map[string]float64{"token": 3500},
		IdempotencyKey: "req-1",
	}

	first, err := h.engine.Charge(ctx, req)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	second, err := h.engine.Charge(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assertDecimal(t, "86.5", h.balance(t, acct))
	assert.Len(t, h.history(t, acct), 1)
	assert.Equal(t, 1, rec.count("replay"))
	assert.Equal(t, 1, rec.count("charged"))

	// Past the TTL the key is free again.
	h.clock.Advance(credits.DefaultIdempotencyTTL)
	third, err := h.engine.Charge(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.TransactionID, third.TransactionID)
	assertDecimal(t, "73", h.balance(t, acct))
}

func TestChargeIdempotencyKeysAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.open(t, "10", "", nil)

	for _, key := range []string{"a", "b", "c"} {
		_, err := h.engine.Charge(ctx, credits.ChargeRequest{
			AccountID:      acct,
			Action:         "send-email",
			IdempotencyKey: key,
		})
		require.NoError(t, err)
	}
	assertDecimal(t, "7", h.balance(t, acct))
}

func TestChargeMissingVariable(t *testing.T) {
	h := newHarness(t)
	acct := h.open(t, "100", "", nil)

	_, err := h.engine.Charge(context.Background(), credits.ChargeRequest{
		AccountID: acct,
		Action:    "generate-post",
		Variables: map[string]float64{"tokens": 3500},
		Metadata:  map[string]any{"request_id": "r-7"},
	})

	var missing *credits.MissingVariableError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"token"}, missing.Missing)

	assertDecimal(t, "100", h.balance(t, acct))
	assert.Empty(t, h.history(t, acct))

	failures := h.failures(t, acct)
	require.Len(t, failures, 1)
	meta := failures[0].Metadata
	assert.Equal(t, "{token} * 0.001 + 10", meta[audit.MetaFormula])
	assert.Equal(t, "token", meta[audit.MetaMissingVariable])
	assert.Equal(t, []string{"tokens"}, meta[audit.MetaProvidedVariables])
	assert.Equal(t, "r-7", meta["request_id"])
}

func TestChargeDivisionByZero(t *testing.T) {
	h := newHarness(t)
	acct := h.open(t, "100", "", nil)

	_, err := h.engine.Charge(context.Background(), credits.ChargeRequest{
		AccountID: acct,
		Action:    "ratio",
		Variables: map[string]float64{"amount": 10, "count": 0},
	})

	var evalErr *credits.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, expr.CauseDivisionByZero, evalErr.Cause)

	assertDecimal(t, "100", h.balance(t, acct))
	assert.Empty(t, h.history(t, acct))

	failures := h.failures(t, acct)
	require.Len(t, failures, 1)
	assert.Equal(t, string(expr.CauseDivisionByZero), failures[0].Metadata[audit.MetaCause])
}

func TestChargeLookupFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.open(t, "100", "", nil)

	_, err := h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "teleport"})
	assert.ErrorIs(t, err, credits.ErrUndefinedAction)
	assert.True(t, credits.IsNotFound(err))

	_, err = h.engine.Charge(ctx, credits.ChargeRequest{AccountID: id.NewAccountID(), Action: "send-email"})
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func TestChargeMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	charge := func(acct id.AccountID) (*credits.Result, error) {
		return h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "render-video"})
	}

	t.Run("no tier", func(t *testing.T) {
		acct := h.open(t, "100", "", nil)
		_, err := charge(acct)

		var mre *credits.MembershipRequiredError
		require.ErrorAs(t, err, &mre)
		assert.Equal(t, "pro", mre.Required)
		assert.Empty(t, mre.Current)
		assertDecimal(t, "100", h.balance(t, acct))
	})

	t.Run("lower tier", func(t *testing.T) {
		acct := h.open(t, "100", "basic", nil)
		_, err := charge(acct)

		var mre *credits.MembershipRequiredError
		require.ErrorAs(t, err, &mre)
		assert.Equal(t, "basic", mre.Current)
		assert.False(t, mre.Expired)
	})

	t.Run("required tier", func(t *testing.T) {
		acct := h.open(t, "100", "pro", nil)
		res, err := charge(acct)
		require.NoError(t, err)
		assertDecimal(t, "20", res.Amount)
		assert.Equal(t, "pro", res.Tier)
	})

	t.Run("higher tier uses its override", func(t *testing.T) {
		acct := h.open(t, "100", "enterprise", nil)
		res, err := charge(acct)
		require.NoError(t, err)
		assertDecimal(t, "5", res.Amount)
	})

	t.Run("expired tier", func(t *testing.T) {
		expires := base.Add(time.Hour)
		acct := h.open(t, "100", "enterprise", &expires)
		h.clock.Advance(2 * time.Hour)
		defer h.clock.Advance(-2 * time.Hour)

		_, err := charge(acct)

		var mre *credits.MembershipRequiredError
		require.ErrorAs(t, err, &mre)
		assert.True(t, mre.Expired)
		assert.Equal(t, "enterprise", mre.Current)
	})
}

func TestExpiredTierPricesAtDefault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expires := base.Add(time.Hour)
	acct := h.open(t, "10", "pro", &expires)

	res, err := h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "send-email"})
	require.NoError(t, err)
	assertDecimal(t, "0.5", res.Amount)

	h.clock.Advance(time.Hour)

	res, err = h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "send-email"})
	require.NoError(t, err)
	assertDecimal(t, "1", res.Amount)
	assert.Empty(t, res.Tier)

	b, err := h.engine.QueryBalance(ctx, nil, acct)
	require.NoError(t, err)
	assert.Equal(t, "pro", b.Tier)
	assert.Empty(t, b.ActiveTier)
}

func TestGrantAndRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.open(t, "10", "", nil)

	res, err := h.engine.Grant(ctx, credits.CreditRequest{
		AccountID: acct,
		Amount:    dec("25.555"),
		Reason:    "welcome-bonus",
	})
	require.NoError(t, err)
	assertDecimal(t, "25.56", res.Amount)
	assertDecimal(t, "35.56", res.BalanceAfter)
	assert.Equal(t, types.OpGrant, res.Operation)
	assert.Equal(t, "welcome-bonus", res.Action)

	res, err = h.engine.Refund(ctx, credits.CreditRequest{
		AccountID: acct,
		Amount:    dec("5"),
		Reason:    "failed-render",
	})
	require.NoError(t, err)
	assertDecimal(t, "5", res.Delta)
	assertDecimal(t, "40.56", h.balance(t, acct))

	entries, err := h.engine.GetHistory(ctx, nil, acct, entry.ListOpts{Operation: types.OpRefund})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "failed-render", entries[0].Action)
}

func TestGrantRejectsNonPositiveAmounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.open(t, "10", "", nil)

	for _, amount := range []string{"0", "-5", "0.001"} {
		_, err := h.engine.Grant(ctx, credits.CreditRequest{AccountID: acct, Amount: dec(amount)})
		assert.ErrorIs(t, err, credits.ErrInvalidAmount, amount)

		_, err = h.engine.Refund(ctx, credits.CreditRequest{AccountID: acct, Amount: dec(amount)})
		assert.ErrorIs(t, err, credits.ErrInvalidAmount, amount)
	}

	assertDecimal(t, "10", h.balance(t, acct))
	assert.Empty(t, h.history(t, acct))

	_, err := h.engine.Grant(ctx, credits.CreditRequest{AccountID: id.NewAccountID(), Amount: dec("1")})
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func TestTierChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.open(t, "40", "basic", nil)

	res, err := h.engine.UpgradeTier(ctx, credits.TierChangeRequest{AccountID: acct, Tier: "pro"})
	require.NoError(t, err)
	assert.Equal(t, "pro", res.Tier)
	assert.Equal(t, "basic", res.PreviousTier)
	assertDecimal(t, "460", res.Delta)
	assertDecimal(t, "40", res.BalanceBefore)
	assertDecimal(t, "500", res.BalanceAfter)

	_, err = h.engine.UpgradeTier(ctx, credits.TierChangeRequest{AccountID: acct, Tier: "basic"})
	var invalid *credits.InvalidTierChangeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "pro", invalid.From)

	_, err = h.engine.UpgradeTier(ctx, credits.TierChangeRequest{AccountID: acct, Tier: "pro"})
	require.ErrorAs(t, err, &invalid)

	_, err = h.engine.DowngradeTier(ctx, credits.TierChangeRequest{AccountID: acct, Tier: "enterprise"})
	require.ErrorAs(t, err, &invalid)

	res, err = h.engine.DowngradeTier(ctx, credits.TierChangeRequest{AccountID: acct, Tier: "basic"})
	require.NoError(t, err)
	assertDecimal(t, "-400", res.Delta)
	assertDecimal(t, "100", h.balance(t, acct))

	_, err = h.engine.UpgradeTier(ctx, credits.TierChangeRequest{AccountID: acct, Tier: "platinum"})
	assert.ErrorIs(t, err, credits.ErrUndefinedTier)

	entries := h.history(t, acct)
	require.Len(t, entries, 2)
	assert.Equal(t, types.OpDowngrade, entries[0].Operation)
	assert.Equal(t, types.OpUpgrade, entries[1].Operation)
	for _, e := range entries {
		assert.True(t, e.Balanced())
	}
}

func TestTierChangesWithoutActiveTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.open(t, "7", "", nil)

	_, err := h.engine.DowngradeTier(ctx, credits.TierChangeRequest{AccountID: acct, Tier: "basic"})
	var invalid *credits.InvalidTierChangeError
	require.ErrorAs(t, err, &invalid)

	_, err = h.engine.UpgradeTier(ctx, credits.TierChangeRequest{
		AccountID: acct,
		Tier:      "pro",
		ExpiresAt: &base,
	})
	assert.ErrorIs(t, err, credits.ErrInvalidInput)

	expires := base.Add(30 * 24 * time.Hour)
	res, err := h.engine.UpgradeTier(ctx, credits.TierChangeRequest{
		AccountID: acct,
		Tier:      "pro",
		ExpiresAt: &expires,
	})
	require.NoError(t, err)
	assert.Empty(t, res.PreviousTier)
	assertDecimal(t, "493", res.Delta)

	b, err := h.engine.QueryBalance(ctx, nil, acct)
	require.NoError(t, err)
	require.NotNil(t, b.TierExpiresAt)
	assert.True(t, expires.Equal(*b.TierExpiresAt))

	// Once the tier lapses the account can upgrade back onto it.
	h.clock.Advance(31 * 24 * time.Hour)
	_, err = h.engine.UpgradeTier(ctx, credits.TierChangeRequest{AccountID: acct, Tier: "basic"})
	require.NoError(t, err)
}

func TestValidateAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	basic := h.open(t, "0", "basic", nil)
	pro := h.open(t, "0", "pro", nil)

	assert.NoError(t, h.engine.ValidateAccess(ctx, nil, basic, "send-email"))
	assert.NoError(t, h.engine.ValidateAccess(ctx, nil, pro, "render-video"))

	var mre *credits.MembershipRequiredError
	assert.ErrorAs(t, h.engine.ValidateAccess(ctx, nil, basic, "render-video"), &mre)
	assert.ErrorIs(t, h.engine.ValidateAccess(ctx, nil, basic, "teleport"), credits.ErrUndefinedAction)
	assert.ErrorIs(t, h.engine.ValidateAccess(ctx, nil, id.NewAccountID(), "send-email"), credits.ErrAccountNotFound)

	// Validation never touches the balance or the audit trail.
	records, err := h.engine.ListAudit(ctx, nil, basic, audit.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOpenAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.engine.OpenAccount(ctx, credits.OpenAccountRequest{Tier: "pro"})
	require.NoError(t, err)
	assert.Equal(t, id.PrefixAccount, a.ID.Prefix())
	assertDecimal(t, "500", a.Balance)

	_, err = h.engine.OpenAccount(ctx, credits.OpenAccountRequest{ID: a.ID})
	assert.ErrorIs(t, err, credits.ErrAccountExists)

	_, err = h.engine.OpenAccount(ctx, credits.OpenAccountRequest{Tier: "gold"})
	assert.ErrorIs(t, err, credits.ErrUndefinedTier)

	negative := dec("-1")
	_, err = h.engine.OpenAccount(ctx, credits.OpenAccountRequest{Balance: &negative})
	assert.ErrorIs(t, err, credits.ErrInvalidInput)
}

func TestHistoryNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.open(t, "100", "", nil)

	for i := range 3 {
		h.clock.Advance(time.Second)
		_, err := h.engine.Charge(ctx, credits.ChargeRequest{
			AccountID: acct,
			Action:    "export-rows",
			Variables: map[string]float64{"rows": float64(10 * (i + 1))},
		})
		require.NoError(t, err)
	}

	entries := h.history(t, acct)
	require.Len(t, entries, 3)
	assertDecimal(t, "-3", entries[0].Delta)
	assertDecimal(t, "-1", entries[2].Delta)
	assertDecimal(t, "94", entries[0].BalanceAfter)

	page, err := h.engine.GetHistory(ctx, nil, acct, entry.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, entries[1].ID, page[0].ID)

	_, err = h.engine.GetHistory(ctx, nil, id.NewAccountID(), entry.ListOpts{})
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func TestConcurrentChargesNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.open(t, "10", "", nil)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "send-email"})

			mu.Lock()
			defer mu.Unlock()
			var low *credits.InsufficientBalanceError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &low):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, rejected)
	assert.True(t, h.balance(t, acct).IsZero())
	assert.Len(t, h.history(t, acct), 10)
}

func TestAuditFailureIsSwallowed(t *testing.T) {
	failing := audit.RecorderFunc(func(context.Context, types.Tx, *audit.Record) error {
		return errors.New("audit sink unavailable")
	})
	h := newHarness(t, credits.WithAuditRecorder(failing))
	ctx := context.Background()
	acct := h.open(t, "10", "", nil)

	res, err := h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "send-email"})
	require.NoError(t, err)
	assertDecimal(t, "9", res.BalanceAfter)

	// The triggering error is returned, not the audit error.
	_, err = h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "teleport"})
	assert.ErrorIs(t, err, credits.ErrUndefinedAction)
}

func TestAuditFilters(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, credits.WithAudit(false))
		acct := h.open(t, "10", "", nil)

		_, err := h.engine.Charge(context.Background(), credits.ChargeRequest{AccountID: acct, Action: "send-email"})
		require.NoError(t, err)

		records, err := h.engine.ListAudit(context.Background(), nil, acct, audit.ListOpts{})
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("operation filter", func(t *testing.T) {
		h := newHarness(t, credits.WithAudit(true, audit.WithDisabledOperations(types.OpCharge)))
		ctx := context.Background()
		acct := h.open(t, "10", "", nil)

		_, err := h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "send-email"})
		require.NoError(t, err)
		_, err = h.engine.Grant(ctx, credits.CreditRequest{AccountID: acct, Amount: dec("1")})
		require.NoError(t, err)

		records, err := h.engine.ListAudit(ctx, nil, acct, audit.ListOpts{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, types.OpGrant, records[0].Operation)
	})
}

func TestPluginHooks(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()
	acct := h.open(t, "10", "basic", nil)

	_, err := h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "send-email"})
	require.NoError(t, err)
	_, err = h.engine.Grant(ctx, credits.CreditRequest{AccountID: acct, Amount: dec("1")})
	require.NoError(t, err)
	_, err = h.engine.Refund(ctx, credits.CreditRequest{AccountID: acct, Amount: dec("1")})
	require.NoError(t, err)
	_, err = h.engine.UpgradeTier(ctx, credits.TierChangeRequest{AccountID: acct, Tier: "pro"})
	require.NoError(t, err)
	_, err = h.engine.Charge(ctx, credits.ChargeRequest{AccountID: acct, Action: "teleport"})
	require.Error(t, err)

	assert.Equal(t, 1, rec.count("init"))
	assert.Equal(t, 1, rec.count("charged"))
	assert.Equal(t, 1, rec.count("granted"))
	assert.Equal(t, 1, rec.count("refunded"))
	assert.Equal(t, 1, rec.count("tier:basic->pro"))
	assert.Equal(t, 1, rec.count("failed:charge"))

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, 1, rec.count("shutdown"))
}

func TestNewRejectsInvalidPricing(t *testing.T) {
	s := memory.New()

	t.Run("malformed formula", func(t *testing.T) {
		p := testPricing()
		p.Actions["broken"] = cost.ActionSpec{Default: cost.FormulaSpec("{token} * ")}

		_, err := credits.New(s, p)
		var cfg *credits.ConfigurationError
		require.ErrorAs(t, err, &cfg)
		var syntax *credits.SyntaxError
		assert.ErrorAs(t, err, &syntax)
	})

	t.Run("undefined min tier", func(t *testing.T) {
		p := testPricing()
		p.Actions["vip"] = cost.ActionSpec{Default: cost.FixedSpec(1), MinTier: "platinum"}

		_, err := credits.New(s, p)
		var cfg *credits.ConfigurationError
		require.ErrorAs(t, err, &cfg)
		assert.Equal(t, "vip", cfg.Action)
		assert.ErrorIs(t, err, credits.ErrUndefinedTier)
	})

	t.Run("undefined tier override", func(t *testing.T) {
		p := testPricing()
		p.Actions["vip"] = cost.ActionSpec{
			Default: cost.FixedSpec(1),
			Tiers:   map[string]cost.Spec{"platinum": cost.FixedSpec(0)},
		}

		_, err := credits.New(s, p)
		assert.ErrorIs(t, err, credits.ErrUndefinedTier)
	})

	t.Run("negative credit cap", func(t *testing.T) {
		p := testPricing()
		p.Tiers["broke"] = credits.TierSpec{Rank: 0, CreditCap: -1}

		_, err := credits.New(s, p)
		var cfg *credits.ConfigurationError
		assert.ErrorAs(t, err, &cfg)
	})
}

func TestValidateFormula(t *testing.T) {
	assert.NoError(t, credits.ValidateFormula(tieredRows))

	err := credits.ValidateFormula("({a} + 1")
	var cfg *credits.ConfigurationError
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "({a} + 1", cfg.Text)
}

// recordingPlugin counts every hook it receives.
type recordingPlugin struct {
	mu     sync.Mutex
	events map[string]int
}

func (p *recordingPlugin) Name() string { return "recorder" }

func (p *recordingPlugin) add(event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string]int)
	}
	p.events[event]++
}

func (p *recordingPlugin) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[event]
}

func (p *recordingPlugin) OnInit(context.Context, any) error {
	p.add("init")
	return nil
}

func (p *recordingPlugin) OnShutdown(context.Context) error {
	p.add("shutdown")
	return nil
}

func (p *recordingPlugin) OnCharged(context.Context, *entry.Entry, *cost.CalculationDetails) error {
	p.add("charged")
	return nil
}

func (p *recordingPlugin) OnRefunded(context.Context, *entry.Entry) error {
	p.add("refunded")
	return nil
}

func (p *recordingPlugin) OnGranted(context.Context, *entry.Entry) error {
	p.add("granted")
	return nil
}

func (p *recordingPlugin) OnTierChanged(_ context.Context, _ *entry.Entry, from, to string) error {
	p.add("tier:" + from + "->" + to)
	return nil
}

func (p *recordingPlugin) OnOperationFailed(_ context.Context, op types.Operation, _ id.AccountID, _ string, _ error) error {
	p.add("failed:" + string(op))
	return nil
}

func (p *recordingPlugin) OnIdempotentReplay(context.Context, types.Operation, string) error {
	p.add("replay")
	return nil
}
