package credits

import "github.com/xraph/credits/id"

// ID is the primary identifier type for all credits entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

// AccountID identifies a credit account.
type AccountID = id.AccountID

// TransactionID identifies a ledger entry.
type TransactionID = id.TransactionID

// NewAccountID generates a new account ID.
var NewAccountID = id.NewAccountID

// ParseAccountID parses an "acct_" TypeID.
var ParseAccountID = id.ParseAccountID
