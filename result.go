package credits

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// ChargeRequest debits the cost of an action.
type ChargeRequest struct {
	AccountID id.AccountID
	Action    string
	// Variables feed the action's formula. A nil map means none were
	// supplied, which lets a formula fall back to a fixed default.
	Variables      map[string]float64
	IdempotencyKey string
	Metadata       map[string]any
	Tx             types.Tx
}

// CreditRequest adds credits to an account, as a refund or a grant.
// Reason is recorded as the ledger entry's action.
type CreditRequest struct {
	AccountID      id.AccountID
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
	Metadata       map[string]any
	Tx             types.Tx
}

// TierChangeRequest moves an account to another tier. A nil ExpiresAt
// means the new tier does not expire.
type TierChangeRequest struct {
	AccountID      id.AccountID
	Tier           string
	ExpiresAt      *time.Time
	IdempotencyKey string
	Metadata       map[string]any
	Tx             types.Tx
}

// OpenAccountRequest creates an account. With a Tier and no Balance the
// account opens with the tier's credit cap.
type OpenAccountRequest struct {
	ID        id.AccountID // generated when nil
	Tier      string
	ExpiresAt *time.Time
	Balance   *decimal.Decimal
	Tx        types.Tx
}

// Result is the outcome of a balance-affecting operation. Keyed operations
// store it whole and replay it on retry.
type Result struct {
	TransactionID id.TransactionID         `json:"transaction_id"`
	AccountID     id.AccountID             `json:"account_id"`
	Operation     types.Operation          `json:"operation"`
	Action        string                   `json:"action,omitempty"`
	Amount        decimal.Decimal          `json:"amount"`
	Delta         decimal.Decimal          `json:"delta"`
	BalanceBefore decimal.Decimal          `json:"balance_before"`
	BalanceAfter  decimal.Decimal          `json:"balance_after"`
	Tier          string                   `json:"tier,omitempty"`
	PreviousTier  string                   `json:"previous_tier,omitempty"`
	Calculation   *cost.CalculationDetails `json:"calculation,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
}

// Balance is a point-in-time view of an account.
type Balance struct {
	AccountID     id.AccountID    `json:"account_id"`
	Balance       decimal.Decimal `json:"balance"`
	Tier          string          `json:"tier,omitempty"`
	TierExpiresAt *time.Time      `json:"tier_expires_at,omitempty"`
	// ActiveTier is Tier while it has not expired, else empty.
	ActiveTier string `json:"active_tier,omitempty"`
}
