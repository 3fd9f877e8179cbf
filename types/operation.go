package types

// Operation names a balance-affecting engine operation.
type Operation string

const (
	OpCharge    Operation = "charge"
	OpRefund    Operation = "refund"
	OpGrant     Operation = "grant"
	OpUpgrade   Operation = "upgrade"
	OpDowngrade Operation = "downgrade"
)

// Operations returns every operation in a stable order.
func Operations() []Operation {
	return []Operation{OpCharge, OpRefund, OpGrant, OpUpgrade, OpDowngrade}
}

func (o Operation) String() string { return string(o) }
