package credits

import (
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/tier"
	"github.com/xraph/credits/types"
)

// Re-export common types for convenience so users don't have to import every subpackage.

type (
	// Account is re-exported from the account package.
	Account = account.Account
	// Entry is re-exported from the entry package.
	Entry = entry.Entry
	// AuditRecord is re-exported from the audit package.
	AuditRecord = audit.Record
	// Operation is re-exported from the types package.
	Operation = types.Operation
	// Tx is re-exported from the types package.
	Tx = types.Tx
	// ActionSpec is re-exported from the cost package.
	ActionSpec = cost.ActionSpec
	// CostSpec is re-exported from the cost package.
	CostSpec = cost.Spec
	// TierSpec is re-exported from the tier package.
	TierSpec = tier.Spec
	// CalculationDetails is re-exported from the cost package.
	CalculationDetails = cost.CalculationDetails
)

// Re-export operation names
const (
	OpCharge    = types.OpCharge
	OpRefund    = types.OpRefund
	OpGrant     = types.OpGrant
	OpUpgrade   = types.OpUpgrade
	OpDowngrade = types.OpDowngrade
)

// Re-export cost constructors
var (
	Fixed   = cost.FixedSpec
	Formula = cost.FormulaSpec
	Amount  = types.Amount
)
