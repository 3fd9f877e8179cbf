package tier

import (
	"fmt"
	"time"
)

// MembershipRequiredError is returned when an account's tier does not meet
// an action's minimum tier. Current is empty when the account has no tier.
type MembershipRequiredError struct {
	Required string
	Current  string
	Expired  bool
}

func (e *MembershipRequiredError) Error() string {
	switch {
	case e.Current == "":
		return fmt.Sprintf("credits: membership required: tier %q needed, account has none", e.Required)
	case e.Expired:
		return fmt.Sprintf("credits: membership required: tier %q needed, account tier %q has expired", e.Required, e.Current)
	}
	return fmt.Sprintf("credits: membership required: tier %q needed, account has %q", e.Required, e.Current)
}

// Check validates that current, expiring at expiresAt, satisfies required
// at now. An empty required tier admits everyone. A current tier missing
// from the table counts as no tier.
func (t *Table) Check(required, current string, expiresAt *time.Time, now time.Time) error {
	if required == "" {
		return nil
	}

	req, err := t.Get(required)
	if err != nil {
		return err
	}

	if current == "" {
		return &MembershipRequiredError{Required: required}
	}
	if Expired(expiresAt, now) {
		return &MembershipRequiredError{Required: required, Current: current, Expired: true}
	}

	cur, ok := t.tiers[current]
	if !ok || cur.Rank < req.Rank {
		return &MembershipRequiredError{Required: required, Current: current}
	}
	return nil
}
