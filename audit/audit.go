// Package audit records the outcome of every engine operation, successful
// or not, independently of the ledger.
//
// A Trail never fails the operation it describes: recorder errors are
// logged at warn level and dropped.
package audit

import (
	"context"
	"time"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// Outcome of an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Metadata keys added to failure records.
const (
	MetaFormula           = "formula"
	MetaMissingVariable   = "missingVariable"
	MetaProvidedVariables = "providedVariables"
	MetaVariables         = "variables"
	MetaCause             = "cause"
	MetaTransactionID     = "transactionId"
)

// Record is an append-only audit entry.
type Record struct {
	ID        id.AuditID      `json:"id"`
	AccountID id.AccountID    `json:"account_id"`
	Operation types.Operation `json:"operation"`
	Action    string          `json:"action,omitempty"`
	Outcome   Outcome         `json:"outcome"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListOpts filters audit history. Zero values mean "no filter".
type ListOpts struct {
	Limit   int
	Offset  int
	Outcome Outcome
}

// Store persists audit records.
type Store interface {
	CreateAuditRecord(ctx context.Context, tx types.Tx, r *Record) error

	// ListAuditRecords returns an account's records, newest first.
	ListAuditRecords(ctx context.Context, tx types.Tx, accountID id.AccountID, opts ListOpts) ([]*Record, error)
}

// Recorder receives audit records. Store-backed recording is the default;
// other sinks can be plugged in with RecorderFunc.
type Recorder interface {
	Record(ctx context.Context, tx types.Tx, r *Record) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, tx types.Tx, r *Record) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, tx types.Tx, r *Record) error {
	return f(ctx, tx, r)
}

// StoreRecorder writes records to s.
func StoreRecorder(s Store) Recorder {
	return RecorderFunc(func(ctx context.Context, tx types.Tx, r *Record) error {
		return s.CreateAuditRecord(ctx, tx, r)
	})
}

// MultiRecorder fans a record out to every recorder and returns the first
// error after trying them all.
func MultiRecorder(recorders ...Recorder) Recorder {
	return RecorderFunc(func(ctx context.Context, tx types.Tx, r *Record) error {
		var first error
		for _, rec := range recorders {
			if err := rec.Record(ctx, tx, r); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
