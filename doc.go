// Package credits provides a credit ledger engine with dynamic, formula
// based pricing for Go applications.
//
// Credits is designed as a library, not a service. Import it directly into
// your Go application and give it a store. It provides:
//
//   - Per-action pricing: fixed amounts or arithmetic formulas over
//     request variables, with per-tier overrides
//   - Membership tiers with ranks, credit caps and expiry
//   - Atomic, overdraft-proof balance mutation
//   - An append-only ledger and a separate audit trail of every outcome
//   - Idempotent operations keyed by caller-supplied keys
//   - Retry of transient storage faults
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/credits"
//	    "github.com/xraph/credits/store/postgres"
//	)
//
//	store, err := postgres.Connect(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine, err := credits.New(store, credits.Pricing{
//	    Actions: map[string]credits.ActionSpec{
//	        "send-email":    {Default: credits.Fixed(1)},
//	        "generate-post": {Default: credits.Formula("{token} * 0.001 + 10")},
//	    },
//	    Tiers: map[string]credits.TierSpec{
//	        "pro": {Rank: 1, CreditCap: 1000},
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Charging
//
// A charge prices the action for the account's tier, checks the balance
// and debits it in one conditional update:
//
//	res, err := engine.Charge(ctx, credits.ChargeRequest{
//	    AccountID:      accountID,
//	    Action:         "generate-post",
//	    Variables:      map[string]float64{"token": 3500},
//	    IdempotencyKey: requestID,
//	})
//	// res.Amount == 13.5
//
// Failures are typed. Match them with errors.Is and errors.As:
//
//	var low *credits.InsufficientBalanceError
//	if errors.As(err, &low) {
//	    // low.Required, low.Available
//	}
//
// # Formulas
//
// Formulas use {name} placeholders, + - * /, comparisons and a ternary:
//
//	{rows} <= 1000 ? {rows} * 0.1 : 100 + ({rows} - 1000) * 0.05
//
// Costs are clamped at zero and rounded half away from zero to two
// decimal places.
//
// # Transactions
//
// The engine never opens a transaction. Pass the store's transaction
// handle as the Tx of a request and every store call of that operation
// runs inside it.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	acct_01h2xcejqtf2nbrexx3vqjhp41  // Account ID
//	txn_01h2xcejqtf2nbrexx3vqjhp41   // Ledger entry ID
//	aud_01h455vb4pex5vsknk084sn02q   // Audit record ID
package credits
