package credits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/expr"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/tier"
)

// Sentinel errors for common failure scenarios. Most are owned by the
// subpackage that raises them and re-exported here.
var (
	// Account errors
	ErrAccountNotFound = account.ErrNotFound
	ErrAccountExists   = account.ErrAlreadyExists

	// Pricing errors
	ErrUndefinedAction = cost.ErrUndefinedAction
	ErrUndefinedTier   = tier.ErrUndefined

	// Input errors
	ErrInvalidAmount = errors.New("credits: amount must be positive")
	ErrInvalidInput  = errors.New("credits: invalid input")

	// Idempotency errors
	ErrIdempotencyConflict = idempotency.ErrDuplicateKey

	// Store errors
	ErrStoreNotReady = store.ErrNotReady
	ErrStoreClosed   = store.ErrClosed
)

// Error types raised by subpackages.
type (
	// MissingVariableError reports formula variables the caller omitted.
	MissingVariableError = expr.MissingVariableError
	// EvaluationError reports a formula that produced no finite number.
	EvaluationError = expr.EvaluationError
	// SyntaxError reports malformed formula text.
	SyntaxError = expr.SyntaxError
	// MembershipRequiredError reports an account below an action's tier.
	MembershipRequiredError = tier.MembershipRequiredError
	// StoreError wraps a storage backend failure.
	StoreError = store.Error
)

// ConfigurationError reports an invalid pricing table or formula. It is
// only raised while building an Engine.
type ConfigurationError struct {
	Action string
	Text   string
	Err    error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Action != "":
		return fmt.Sprintf("credits: invalid configuration for action %q: %v", e.Action, e.Err)
	case e.Text != "":
		return fmt.Sprintf("credits: invalid formula %q: %v", e.Text, e.Err)
	}
	return fmt.Sprintf("credits: invalid configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// InsufficientBalanceError is returned when a charge costs more than the
// account holds. Nothing is debited.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("credits: insufficient balance: required %s, available %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// Is lets errors.Is match the store-level sentinel.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == account.ErrInsufficientFunds
}

// InvalidTierChangeError is returned when an upgrade does not move to a
// higher tier or a downgrade does not move to a lower one.
type InvalidTierChangeError struct {
	From   string
	To     string
	Reason string
}

func (e *InvalidTierChangeError) Error() string {
	return fmt.Sprintf("credits: invalid tier change from %q to %q: %s", e.From, e.To, e.Reason)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrUndefinedAction) ||
		errors.Is(err, ErrUndefinedTier)
}

// IsRetryable returns true if the error is a transient store fault and the
// operation can be retried.
func IsRetryable(err error) bool {
	return store.IsTransient(err)
}

// IsBusinessError returns true if the error is a rule violation rather
// than a fault: the request was understood and refused.
func IsBusinessError(err error) bool {
	var (
		membership *MembershipRequiredError
		balance    *InsufficientBalanceError
		tierChange *InvalidTierChangeError
		missing    *MissingVariableError
		evalErr    *EvaluationError
	)
	return errors.As(err, &membership) ||
		errors.As(err, &balance) ||
		errors.As(err, &tierChange) ||
		errors.As(err, &missing) ||
		errors.As(err, &evalErr) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		IsNotFound(err)
}
