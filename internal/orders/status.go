package orders

import (
	"strings"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/events"
)

type Status string

const (
	StatusPendingPayment   Status = "PENDING_PAYMENT"
	StatusPaymentConfirmed Status = "PAYMENT_CONFIRMED"
	StatusPaymentFailed    Status = "PAYMENT_FAILED"
	StatusProcessing       Status = "PROCESSING"
	StatusShipped          Status = "SHIPPED"
	StatusDelivered        Status = "DELIVERED"
	StatusCancelled        Status = "CANCELLED"
	StatusRefunded         Status = "REFUNDED"
)

var AllStatuses = []Status{
	StatusPendingPayment, StatusPaymentConfirmed, StatusPaymentFailed, StatusProcessing,
	StatusShipped, StatusDelivered, StatusCancelled, StatusRefunded,
}

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// StockAction is the ledger call a transition owes the inventory side.
type StockAction string

const (
	StockNone    StockAction = ""
	StockConfirm StockAction = "CONFIRM"
	StockRelease StockAction = "RELEASE"
)

// Effects are the side effects of one legal transition.
type Effects struct {
	Stock StockAction
	Event string
}

// transitions is the whole state machine. A pair missing from the table is
// an invalid transition; a status without outgoing entries is terminal.
//
// Cancelling from PROCESSING releases nothing: confirm already turned the
// reservation into a deduction, and restocking is an explicit admin
// inventory update.
var transitions = map[Status]map[Status]Effects{
	StatusPendingPayment: {
		StatusPaymentConfirmed: {Stock: StockConfirm, Event: events.TypeOrderPaid},
		StatusPaymentFailed:    {Stock: StockRelease},
		StatusCancelled:        {Stock: StockRelease, Event: events.TypeOrderCancelled},
	},
	StatusPaymentConfirmed: {
		StatusProcessing: {},
		StatusCancelled:  {Stock: StockRelease, Event: events.TypeOrderCancelled},
		StatusRefunded:   {},
	},
	StatusProcessing: {
		StatusShipped:   {Event: events.TypeOrderShipped},
		StatusCancelled: {Event: events.TypeOrderCancelled},
		StatusRefunded:  {},
	},
	StatusShipped: {
		StatusDelivered: {},
	},
}

func CanTransition(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// EffectsOf returns the side effects of from -> to, and false when the pair
// is not a legal transition.
func EffectsOf(from, to Status) (Effects, bool) {
	eff, ok := transitions[from][to]
	return eff, ok
}

// OwedEntering reports whether some transition into to owes stock action a.
func OwedEntering(to Status, a StockAction) bool {
	if a == StockNone {
		return false
	}
	for _, next := range transitions {
		if eff, ok := next[to]; ok && eff.Stock == a {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
)

// Actor is the authenticated caller of an order operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool { return strings.EqualFold(string(a.Role), string(RoleAdmin)) }

// CanSee reports whether the actor may read o: admins see everything, customers their own orders.
func (a Actor) CanSee(o Order) bool { return a.IsAdmin() || o.UserID == a.ID }

// cancellableFrom lists, per role, the statuses a cancellation may start from.
var cancellableFrom = map[Role]map[Status]bool{
	RoleAdmin: {
		StatusPendingPayment:   true,
		StatusPaymentConfirmed: true,
		StatusProcessing:       true,
	},
	RoleCustomer: {
		StatusPendingPayment: true,
	},
}

// CheckCancel applies the role guard layered on top of the transition table.
func CheckCancel(o Order, a Actor) error {
	role := RoleCustomer
	if a.IsAdmin() {
		role = RoleAdmin
	} else if o.UserID != a.ID {
		return apperr.Forbidden("access denied")
	}
	if !cancellableFrom[role][o.Status] {
		return apperr.With(apperr.ErrCancelNotAllowed, "%s cannot cancel an order in status %s", strings.ToLower(string(role)), o.Status)
	}
	return nil
}
