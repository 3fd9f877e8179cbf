package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/retry"
	"github.com/xraph/credits/tier"
	"github.com/xraph/credits/types"
)

// call carries what every step of an operation needs to know about it.
type call struct {
	op        types.Operation
	accountID id.AccountID
	action    string
	key       string
	meta      map[string]any
	tx        types.Tx
}

// appliedError marks a failure that happened after the balance changed.
// Retrying it would apply the change twice.
type appliedError struct{ err error }

func (e *appliedError) Error() string { return e.err.Error() }
func (e *appliedError) Unwrap() error { return e.err }

// retryable classifies errors for the retry handler.
func retryable(err error) bool {
	var applied *appliedError
	if errors.As(err, &applied) {
		return false
	}
	return IsRetryable(err)
}

// ──────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────

// Charge debits the cost of req.Action from the account.
//
// The account must exist and meet the action's minimum tier. The cost is
// priced for the account's active tier and must not exceed the balance.
// With an idempotency key, a repeated charge returns the first result and
// debits nothing.
func (e *Engine) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	c := call{
		op:        types.OpCharge,
		accountID: req.AccountID,
		action:    req.Action,
		key:       req.IdempotencyKey,
		meta:      req.Metadata,
		tx:        req.Tx,
	}

	return e.execute(ctx, c, func(ctx context.Context) (*Result, error) {
		acct, err := e.store.GetAccount(ctx, req.Tx, req.AccountID)
		if err != nil {
			return nil, err
		}

		now := e.now()
		minTier, err := e.resolver.MinTier(req.Action)
		if err != nil {
			return nil, err
		}
		if err := e.tiers.Check(minTier, acct.Tier, acct.TierExpiresAt, now); err != nil {
			return nil, err
		}

		activeTier := tier.Active(acct.Tier, acct.TierExpiresAt, now)
		calc, err := e.resolver.Resolve(req.Action, activeTier, req.Variables)
		if err != nil {
			return nil, err
		}

		if acct.Balance.LessThan(calc.FinalCost) {
			return nil, &InsufficientBalanceError{Required: calc.FinalCost, Available: acct.Balance}
		}

		updated, err := e.store.MutateBalance(ctx, req.Tx, req.AccountID, calc.FinalCost.Neg())
		if err != nil {
			if errors.Is(err, account.ErrInsufficientFunds) {
				// A concurrent debit got there first.
				return nil, &InsufficientBalanceError{Required: calc.FinalCost, Available: acct.Balance}
			}
			return nil, err
		}

		meta := maps.Clone(req.Metadata)
		if calc.IsDynamic {
			if meta == nil {
				meta = make(map[string]any, 1)
			}
			meta[entry.MetaCalculation] = calculationMetadata(calc)
		}

		ent, err := e.writeEntry(ctx, c, updated, calc.FinalCost.Neg(), updated.Balance.Add(calc.FinalCost), meta)
		if err != nil {
			return nil, err
		}

		e.plugins.EmitCharged(ctx, ent, calc)

		res := resultFrom(ent, calc.FinalCost)
		res.Tier = activeTier
		res.Calculation = calc
		return res, nil
	})
}

// Refund credits req.Amount back to the account.
func (e *Engine) Refund(ctx context.Context, req CreditRequest) (*Result, error) {
	return e.credit(ctx, types.OpRefund, req)
}

// Grant adds req.Amount of new credits to the account.
func (e *Engine) Grant(ctx context.Context, req CreditRequest) (*Result, error) {
	return e.credit(ctx, types.OpGrant, req)
}

func (e *Engine) credit(ctx context.Context, op types.Operation, req CreditRequest) (*Result, error) {
	c := call{
		op:        op,
		accountID: req.AccountID,
		action:    req.Reason,
		key:       req.IdempotencyKey,
		meta:      req.Metadata,
		tx:        req.Tx,
	}

	return e.execute(ctx, c, func(ctx context.Context) (*Result, error) {
		amount := types.RoundAmount(req.Amount)
		if !amount.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
		}

		acct, err := e.store.GetAccount(ctx, req.Tx, req.AccountID)
		if err != nil {
			return nil, err
		}

		updated, err := e.store.MutateBalance(ctx, req.Tx, req.AccountID, amount)
		if err != nil {
			return nil, err
		}

		ent, err := e.writeEntry(ctx, c, updated, amount, updated.Balance.Sub(amount), maps.Clone(req.Metadata))
		if err != nil {
			return nil, err
		}

		if op == types.OpRefund {
			e.plugins.EmitRefunded(ctx, ent)
		} else {
			e.plugins.EmitGranted(ctx, ent)
		}

		res := resultFrom(ent, amount)
		res.Tier = tier.Active(acct.Tier, acct.TierExpiresAt, e.now())
		return res, nil
	})
}

// UpgradeTier moves the account to a higher tier and resets its balance to
// the tier's credit cap. An account without an active tier can upgrade to
// any tier.
func (e *Engine) UpgradeTier(ctx context.Context, req TierChangeRequest) (*Result, error) {
	return e.changeTier(ctx, types.OpUpgrade, req)
}

// DowngradeTier moves the account to a lower tier and resets its balance
// to the tier's credit cap.
func (e *Engine) DowngradeTier(ctx context.Context, req TierChangeRequest) (*Result, error) {
	return e.changeTier(ctx, types.OpDowngrade, req)
}

func (e *Engine) changeTier(ctx context.Context, op types.Operation, req TierChangeRequest) (*Result, error) {
	c := call{
		op:        op,
		accountID: req.AccountID,
		action:    req.Tier,
		key:       req.IdempotencyKey,
		meta:      req.Metadata,
		tx:        req.Tx,
	}

	return e.execute(ctx, c, func(ctx context.Context) (*Result, error) {
		target, err := e.tiers.Get(req.Tier)
		if err != nil {
			return nil, err
		}

		acct, err := e.store.GetAccount(ctx, req.Tx, req.AccountID)
		if err != nil {
			return nil, err
		}

		now := e.now()
		if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: tier expiry %s is not in the future", ErrInvalidInput, req.ExpiresAt.UTC())
		}

		from := tier.Active(acct.Tier, acct.TierExpiresAt, now)
		if err := e.checkDirection(op, from, target); err != nil {
			return nil, err
		}

		updated, err := e.store.SetTierAndBalance(ctx, req.Tx, req.AccountID, target.Name, target.CreditCap, req.ExpiresAt)
		if err != nil {
			return nil, err
		}

		delta := updated.Balance.Sub(acct.Balance)
		ent, err := e.writeEntry(ctx, c, updated, delta, acct.Balance, maps.Clone(req.Metadata))
		if err != nil {
			return nil, err
		}

		e.plugins.EmitTierChanged(ctx, ent, from, target.Name)

		res := resultFrom(ent, target.CreditCap)
		res.Tier = target.Name
		res.PreviousTier = from
		return res, nil
	})
}

// checkDirection requires an upgrade to rank strictly higher and a
// downgrade strictly lower. A missing or unknown current tier ranks below
// every defined tier.
func (e *Engine) checkDirection(op types.Operation, from string, target tier.Tier) error {
	current, err := e.tiers.Get(from)
	hasCurrent := from != "" && err == nil

	switch op {
	case types.OpUpgrade:
		if hasCurrent && target.Rank <= current.Rank {
			return &InvalidTierChangeError{From: from, To: target.Name, Reason: "target tier does not rank above the current tier"}
		}
	case types.OpDowngrade:
		if !hasCurrent {
			return &InvalidTierChangeError{From: from, To: target.Name, Reason: "account has no active tier to downgrade from"}
		}
		if target.Rank >= current.Rank {
			return &InvalidTierChangeError{From: from, To: target.Name, Reason: "target tier does not rank below the current tier"}
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Pipeline
// ──────────────────────────────────────────────────

// execute runs body under the idempotency and retry policies. Calls in a
// caller transaction are not retried. A failure is audited and reported to
// plugins once, after retries are exhausted, and returned unchanged.
func (e *Engine) execute(ctx context.Context, c call, body func(ctx context.Context) (*Result, error)) (*Result, error) {
	if c.key != "" {
		unlock := e.keys.lock(c.key)
		defer unlock()
	}

	run := func(ctx context.Context) (*Result, error) {
		return e.attempt(ctx, c, body)
	}

	var (
		res *Result
		err error
	)
	if e.retrier != nil && c.tx == nil {
		res, err = retry.Do(ctx, e.retrier, string(c.op), run)
	} else {
		res, err = run(ctx)
	}

	if err != nil {
		var applied *appliedError
		if errors.As(err, &applied) {
			err = applied.err
		}
		e.fail(ctx, c, err)
		return nil, err
	}
	return res, nil
}

// attempt is one pass through the pipeline: idempotency check, body, then
// idempotency save.
func (e *Engine) attempt(ctx context.Context, c call, body func(ctx context.Context) (*Result, error)) (*Result, error) {
	if c.key != "" {
		cached, ok, err := e.idem.Check(ctx, c.tx, c.key)
		if err != nil {
			return nil, err
		}
		if ok {
			return e.replay(ctx, c, cached)
		}
	}

	res, err := body(ctx)
	if err != nil {
		return nil, err
	}
	if c.key == "" {
		return res, nil
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, &appliedError{fmt.Errorf("credits: encode result: %w", err)}
	}

	stored, replayed, err := e.idem.Save(ctx, c.tx, c.key, data)
	if err != nil {
		// The change is applied and recorded; only the replay record is
		// missing.
		e.logger.Warn("credits: failed to save idempotency record",
			"operation", string(c.op),
			"account_id", c.accountID.String(),
			"key", c.key,
			"error", err,
		)
		return decodeResult(data)
	}
	if replayed {
		if err := e.undo(ctx, c, res); err != nil {
			return nil, &appliedError{err}
		}
		return e.replay(ctx, c, stored)
	}
	return decodeResult(stored)
}

// undo cancels the balance change of a call that lost its idempotency key
// to a concurrent call, typically one in another process. Inside a caller
// transaction it fails so the caller rolls the change back; otherwise it
// writes a reversing ledger entry.
func (e *Engine) undo(ctx context.Context, c call, lost *Result) error {
	if c.tx != nil {
		return fmt.Errorf("%w: %q was saved by a concurrent call", ErrIdempotencyConflict, c.key)
	}

	e.logger.Warn("credits: reversing duplicate keyed operation",
		"operation", string(c.op),
		"account_id", c.accountID.String(),
		"key", c.key,
		"transaction_id", lost.TransactionID.String(),
	)
	if lost.Delta.IsZero() {
		return nil
	}

	reverse := lost.Delta.Neg()
	updated, err := e.store.MutateBalance(ctx, nil, lost.AccountID, reverse)
	if err != nil {
		return fmt.Errorf("credits: reverse %s: %w", lost.TransactionID, err)
	}

	ent := &entry.Entry{
		ID:            id.NewTransactionID(),
		AccountID:     updated.ID,
		Operation:     c.op,
		Action:        c.action,
		Delta:         reverse,
		BalanceBefore: updated.Balance.Sub(reverse),
		BalanceAfter:  updated.Balance,
		Metadata: map[string]any{
			entry.MetaReversalOf:     lost.TransactionID.String(),
			entry.MetaIdempotencyKey: c.key,
		},
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateLedgerEntry(ctx, nil, ent); err != nil {
		return fmt.Errorf("credits: record reversal of %s: %w", lost.TransactionID, err)
	}
	return nil
}

func (e *Engine) replay(ctx context.Context, c call, data json.RawMessage) (*Result, error) {
	res, err := decodeResult(data)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("credits: idempotent replay",
		"operation", string(c.op),
		"account_id", c.accountID.String(),
		"key", c.key,
		"transaction_id", res.TransactionID.String(),
	)
	e.plugins.EmitIdempotentReplay(ctx, c.op, c.key)
	return res, nil
}

func (e *Engine) fail(ctx context.Context, c call, err error) {
	if e.trail != nil {
		e.trail.Failure(ctx, c.tx, c.accountID, c.op, c.action, c.meta, err)
	}
	e.plugins.EmitOperationFailed(ctx, c.op, c.accountID, c.action, err)
}

// writeEntry appends the ledger entry for an applied balance change and
// audits the success.
func (e *Engine) writeEntry(ctx context.Context, c call, updated *account.Account, delta, before decimal.Decimal, meta map[string]any) (*entry.Entry, error) {
	ent := &entry.Entry{
		ID:            id.NewTransactionID(),
		AccountID:     updated.ID,
		Operation:     c.op,
		Action:        c.action,
		Delta:         delta,
		BalanceBefore: before,
		BalanceAfter:  updated.Balance,
		Metadata:      meta,
		CreatedAt:     e.now().UTC(),
	}
	if len(ent.Metadata) == 0 {
		ent.Metadata = nil
	}

	if err := e.store.CreateLedgerEntry(ctx, c.tx, ent); err != nil {
		return nil, &appliedError{err}
	}

	if e.trail != nil {
		meta := maps.Clone(c.meta)
		if meta == nil {
			meta = make(map[string]any, 1)
		}
		meta[audit.MetaTransactionID] = ent.ID.String()
		e.trail.Success(ctx, c.tx, c.accountID, c.op, c.action, meta)
	}
	return ent, nil
}

func resultFrom(ent *entry.Entry, amount decimal.Decimal) *Result {
	return &Result{
		TransactionID: ent.ID,
		AccountID:     ent.AccountID,
		Operation:     ent.Operation,
		Action:        ent.Action,
		Amount:        amount,
		Delta:         ent.Delta,
		BalanceBefore: ent.BalanceBefore,
		BalanceAfter:  ent.BalanceAfter,
		CreatedAt:     ent.CreatedAt,
	}
}

func decodeResult(data []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("credits: decode stored result: %w", err)
	}
	return &res, nil
}

// calculationMetadata renders calc in the JSON shape every store returns
// it in.
func calculationMetadata(calc *cost.CalculationDetails) map[string]any {
	data, err := json.Marshal(calc)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
