// Package storetest is a conformance suite for store.Store adapters.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/types"
)

// Factory returns a fresh, migrated store. The suite closes it.
type Factory func(t *testing.T) store.Store

// IdempotencyFactory returns a fresh idempotency store.
type IdempotencyFactory func(t *testing.T) idempotency.Store

// Run exercises every part of the storage contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore) })
	t.Run("MutateBalance", func(t *testing.T) { testMutateBalance(t, newStore) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore) })
	t.Run("SetTierAndBalance", func(t *testing.T) { testSetTier(t, newStore) })
	t.Run("LedgerEntries", func(t *testing.T) { testLedgerEntries(t, newStore) })
	t.Run("AuditRecords", func(t *testing.T) { testAuditRecords(t, newStore) })
	t.Run("Idempotency", func(t *testing.T) {
		RunIdempotency(t, func(t *testing.T) idempotency.Store { return open(t, newStore) })
	})
	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, open(t, newStore).Ping(context.Background()))
	})
}

// RunIdempotency exercises the idempotency part of the contract only.
func RunIdempotency(t *testing.T, newStore IdempotencyFactory) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testIdempotencyCreateGet(t, newStore(t)) })
	t.Run("ExpiredReplaced", func(t *testing.T) { testIdempotencyExpired(t, newStore(t)) })
	t.Run("ExclusiveCreate", func(t *testing.T) { testIdempotencyExclusive(t, newStore(t)) })
}

func open(t *testing.T, newStore Factory) store.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// base is a fixed, second-aligned instant so timestamps survive every
// backend's precision.
var base = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

func newAccount(balance string) *account.Account {
	return &account.Account{
		Entity:  types.NewEntity(base),
		ID:      id.NewAccountID(),
		Balance: dec(balance),
	}
}

func testAccounts(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	expires := base.Add(30 * 24 * time.Hour)
	a := newAccount("100.50")
	a.Tier = "pro"
	a.TierExpiresAt = &expires
	require.NoError(t, s.CreateAccount(ctx, nil, a))

	got, err := s.GetAccount(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID.String(), got.ID.String())
	assert.True(t, dec("100.50").Equal(got.Balance), "balance %s", got.Balance)
	assert.Equal(t, "pro", got.Tier)
	require.NotNil(t, got.TierExpiresAt)
	assert.True(t, expires.Equal(*got.TierExpiresAt))
	assert.True(t, base.Equal(got.CreatedAt))

	err = s.CreateAccount(ctx, nil, a)
	assert.ErrorIs(t, err, account.ErrAlreadyExists)

	_, err = s.GetAccount(ctx, nil, id.NewAccountID())
	assert.ErrorIs(t, err, account.ErrNotFound)

	plain := newAccount("0")
	require.NoError(t, s.CreateAccount(ctx, nil, plain))
	got, err = s.GetAccount(ctx, nil, plain.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Tier)
	assert.Nil(t, got.TierExpiresAt)
	assert.True(t, got.Balance.IsZero())
}

func testMutateBalance(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	a := newAccount("10")
	require.NoError(t, s.CreateAccount(ctx, nil, a))

	got, err := s.MutateBalance(ctx, nil, a.ID, dec("5.25"))
	require.NoError(t, err)
	assert.True(t, dec("15.25").Equal(got.Balance), "balance %s", got.Balance)

	got, err = s.MutateBalance(ctx, nil, a.ID, dec("-15.25"))
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero(), "balance %s", got.Balance)

	_, err = s.MutateBalance(ctx, nil, a.ID, dec("-0.01"))
	assert.ErrorIs(t, err, account.ErrInsufficientFunds)

	got, err = s.GetAccount(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero(), "failed debit changed balance to %s", got.Balance)

	_, err = s.MutateBalance(ctx, nil, id.NewAccountID(), dec("1"))
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func testConcurrentDebits(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	a := newAccount("20")
	require.NoError(t, s.CreateAccount(ctx, nil, a))

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MutateBalance(ctx, nil, a.ID, dec("-1"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, account.ErrInsufficientFunds):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), ok.Load())
	assert.Equal(t, int32(10), short.Load())

	got, err := s.GetAccount(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero(), "balance %s", got.Balance)
}

func testSetTier(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	a := newAccount("42")
	require.NoError(t, s.CreateAccount(ctx, nil, a))

	expires := base.Add(time.Hour)
	got, err := s.SetTierAndBalance(ctx, nil, a.ID, "enterprise", dec("5000"), &expires)
	require.NoError(t, err)
	assert.Equal(t, "enterprise", got.Tier)
	assert.True(t, dec("5000").Equal(got.Balance))
	require.NotNil(t, got.TierExpiresAt)
	assert.True(t, expires.Equal(*got.TierExpiresAt))

	got, err = s.SetTierAndBalance(ctx, nil, a.ID, "basic", dec("100"), nil)
	require.NoError(t, err)
	assert.Equal(t, "basic", got.Tier)
	assert.Nil(t, got.TierExpiresAt)

	reloaded, err := s.GetAccount(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "basic", reloaded.Tier)
	assert.True(t, dec("100").Equal(reloaded.Balance))

	_, err = s.SetTierAndBalance(ctx, nil, id.NewAccountID(), "basic", dec("1"), nil)
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func testLedgerEntries(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	a := newAccount("0")
	require.NoError(t, s.CreateAccount(ctx, nil, a))
	other := newAccount("0")
	require.NoError(t, s.CreateAccount(ctx, nil, other))

	ops := []struct {
		op     types.Operation
		action string
		delta  string
	}{
		{types.OpGrant, "", "100"},
		{types.OpCharge, "generate-post", "-13.5"},
		{types.OpCharge, "send-email", "-1"},
		{types.OpRefund, "", "1"},
	}

	balance := decimal.Zero
	var ids []string
	for i, o := range ops {
		delta := dec(o.delta)
		e := &entry.Entry{
			ID:            id.NewTransactionID(),
			AccountID:     a.ID,
			Operation:     o.op,
			Action:        o.action,
			Delta:         delta,
			BalanceBefore: balance,
			BalanceAfter:  balance.Add(delta),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if o.action == "generate-post" {
			e.Metadata = map[string]any{
				entry.MetaCalculation: map[string]any{"formula": "{token} * 0.001 + 10", "raw_cost": 13.5},
			}
		}
		balance = e.BalanceAfter
		ids = append(ids, e.ID.String())
		require.NoError(t, s.CreateLedgerEntry(ctx, nil, e))
	}
	require.NoError(t, s.CreateLedgerEntry(ctx, nil, &entry.Entry{
		ID: id.NewTransactionID(), AccountID: other.ID, Operation: types.OpGrant,
		Delta: dec("5"), BalanceAfter: dec("5"), CreatedAt: base,
	}))

	all, err := s.ListLedgerEntries(ctx, nil, a.ID, entry.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, e := range all {
		assert.Equal(t, ids[len(ids)-1-i], e.ID.String(), "newest first")
		assert.True(t, e.Balanced(), "entry %d unbalanced", i)
	}
	assert.True(t, dec("86.5").Equal(all[0].BalanceAfter), "final balance %s", all[0].BalanceAfter)

	calc, ok := all[2].Metadata[entry.MetaCalculation].(map[string]any)
	require.True(t, ok, "calculation metadata %T", all[2].Metadata[entry.MetaCalculation])
	assert.Equal(t, "{token} * 0.001 + 10", calc["formula"])
	assert.Equal(t, 13.5, calc["raw_cost"])
	assert.Empty(t, all[1].Metadata)

	charges, err := s.ListLedgerEntries(ctx, nil, a.ID, entry.ListOpts{Operation: types.OpCharge})
	require.NoError(t, err)
	assert.Len(t, charges, 2)

	byAction, err := s.ListLedgerEntries(ctx, nil, a.ID, entry.ListOpts{Action: "send-email"})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, ids[2], byAction[0].ID.String())

	window, err := s.ListLedgerEntries(ctx, nil, a.ID, entry.ListOpts{Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	paged, err := s.ListLedgerEntries(ctx, nil, a.ID, entry.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, ids[2], paged[0].ID.String())
	assert.Equal(t, ids[1], paged[1].ID.String())

	none, err := s.ListLedgerEntries(ctx, nil, id.NewAccountID(), entry.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAuditRecords(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	acct := id.NewAccountID()
	for i, outcome := range []audit.Outcome{audit.OutcomeSuccess, audit.OutcomeFailed, audit.OutcomeSuccess} {
		r := &audit.Record{
			ID:        id.NewAuditID(),
			AccountID: acct,
			Operation: types.OpCharge,
			Action:    "generate-post",
			Outcome:   outcome,
			Metadata:  map[string]any{"seq": fmt.Sprint(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if outcome == audit.OutcomeFailed {
			r.Error = "credits: insufficient balance"
			r.Metadata[audit.MetaFormula] = "{a} / {b}"
		}
		require.NoError(t, s.CreateAuditRecord(ctx, nil, r))
	}

	all, err := s.ListAuditRecords(ctx, nil, acct, audit.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].Metadata["seq"])
	assert.Equal(t, "0", all[2].Metadata["seq"])

	failed, err := s.ListAuditRecords(ctx, nil, acct, audit.ListOpts{Outcome: audit.OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "credits: insufficient balance", failed[0].Error)
	assert.Equal(t, "{a} / {b}", failed[0].Metadata[audit.MetaFormula])
	assert.Equal(t, types.OpCharge, failed[0].Operation)
	assert.Equal(t, "generate-post", failed[0].Action)
	assert.True(t, base.Add(time.Second).Equal(failed[0].CreatedAt))

	limited, err := s.ListAuditRecords(ctx, nil, acct, audit.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func idemRecord(key, result string, createdAt time.Time, ttl time.Duration) *idempotency.Record {
	return &idempotency.Record{
		Key:       key,
		Result:    json.RawMessage(result),
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
}

func testIdempotencyCreateGet(t *testing.T, s idempotency.Store) {
	ctx := context.Background()
	key := "key-" + id.NewTransactionID().String()

	_, err := s.GetIdempotencyRecord(ctx, nil, key)
	assert.ErrorIs(t, err, idempotency.ErrNotFound)

	require.NoError(t, s.CreateIdempotencyRecord(ctx, nil, idemRecord(key, `{"n":1}`, base, time.Hour)))

	got, err := s.GetIdempotencyRecord(ctx, nil, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(got.Result))
	assert.True(t, base.Add(time.Hour).Equal(got.ExpiresAt))

	err = s.CreateIdempotencyRecord(ctx, nil, idemRecord(key, `{"n":2}`, base.Add(time.Minute), time.Hour))
	assert.ErrorIs(t, err, idempotency.ErrDuplicateKey)

	got, err = s.GetIdempotencyRecord(ctx, nil, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(got.Result))
}

func testIdempotencyExpired(t *testing.T, s idempotency.Store) {
	ctx := context.Background()
	key := "key-" + id.NewTransactionID().String()

	// Records are written relative to the real clock so backends with
	// server-side expiry agree with the record's own timestamps.
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateIdempotencyRecord(ctx, nil, idemRecord(key, `{"n":1}`, now.Add(-2*time.Hour), time.Hour)))
	require.NoError(t, s.CreateIdempotencyRecord(ctx, nil, idemRecord(key, `{"n":2}`, now, time.Hour)))

	got, err := s.GetIdempotencyRecord(ctx, nil, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(got.Result))
	assert.False(t, got.Expired(now))
}

func testIdempotencyExclusive(t *testing.T, s idempotency.Store) {
	ctx := context.Background()
	key := "key-" + id.NewTransactionID().String()
	now := time.Now().UTC().Truncate(time.Second)

	var wins, dups atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateIdempotencyRecord(ctx, nil, idemRecord(key, fmt.Sprintf(`{"n":%d}`, i), now, time.Hour))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, idempotency.ErrDuplicateKey):
				dups.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), dups.Load())
}
