package payment

// Outcome is a provider-neutral reading of a provider status.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomePending   Outcome = "pending"
	OutcomeRefunded  Outcome = "refunded"
	OutcomeUnknown   Outcome = "unknown"
)

// Decisive reports whether the outcome settles the transaction one way or the other.
func (o Outcome) Decisive() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeCancelled, OutcomeRefunded:
		return true
	}
	return false
}

// Target returns the state an outcome moves a transaction to, with the reason
// recorded in history. ok is false for outcomes that carry no transition.
func (o Outcome) Target() (to State, reason string, ok bool) {
	switch o {
	case OutcomeSucceeded:
		return StateCompleted, "", true
	case OutcomeFailed:
		return StateFailed, ReasonDeclined, true
	case OutcomeCancelled:
		return StateFailed, ReasonCancelled, true
	case OutcomeRefunded:
		return StateRefunded, "refunded_by_provider", true
	case OutcomePending:
		return StatePendingConfirmation, "", true
	}
	return "", "", false
}
