package models

// PaymentStatus represents where a payment sits in its lifecycle
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// IsTerminal reports whether no further lifecycle transition is possible.
// Completed is not terminal in this sense: a refund record can still be
// attached to it, although the original itself never changes status again.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// IsSettled reports whether the payment reached an outcome (success or not).
func (s PaymentStatus) IsSettled() bool {
	return s == PaymentStatusCompleted || s.IsTerminal()
}

// CanTransitionTo returns true if the status can move to target.
//
// Valid transitions are:
//   - Pending -> Processing, Completed, Cancelled
//   - Processing -> Completed, Failed, Cancelled
//
// Refunded is only ever assigned to a freshly created refund record, so no
// existing payment transitions into it.
func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return target == PaymentStatusProcessing || target == PaymentStatusCompleted || target == PaymentStatusCancelled
	case PaymentStatusProcessing:
		return target == PaymentStatusCompleted || target == PaymentStatusFailed || target == PaymentStatusCancelled
	default:
		return false
	}
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusCompleted,
		PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentMethod identifies the rail a payment travels on
type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCheck        PaymentMethod = "check"
	MethodCash         PaymentMethod = "cash"
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodDebitCard    PaymentMethod = "debit_card"
	MethodCardOnline   PaymentMethod = "card_online"
	MethodOnline       PaymentMethod = "online"
)

// AllMethods lists every supported method in display order.
var AllMethods = []PaymentMethod{
	MethodBankTransfer, MethodCheck, MethodCash,
	MethodCreditCard, MethodDebitCard, MethodCardOnline, MethodOnline,
}

// UsesGateway reports whether settlement goes through the card processor.
func (m PaymentMethod) UsesGateway() bool {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodCardOnline, MethodOnline:
		return true
	default:
		return false
	}
}

func (m PaymentMethod) Valid() bool {
	for _, known := range AllMethods {
		if m == known {
			return true
		}
	}
	return false
}
