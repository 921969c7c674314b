package order

import (
	"slices"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/models"
)

// transitions lists the legal next states. pending_payment -> pending is
// missing on purpose: only payment reconciliation takes that step (MarkPaid).
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPendingPayment: {models.OrderCancelled},
	models.OrderPending:        {models.OrderConfirmed, models.OrderCancelled},
	models.OrderConfirmed:      {models.OrderPreparing, models.OrderCancelled},
	models.OrderPreparing:      {models.OrderReady, models.OrderCancelled},
	models.OrderReady:          {models.OrderCompleted, models.OrderCancelled},
	models.OrderCompleted:      {},
	models.OrderCancelled:      {},
}

func IsKnownStatus(s models.OrderStatus) bool {
	_, ok := transitions[s]
	return ok
}

func IsTerminal(s models.OrderStatus) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

func CanTransition(from, to models.OrderStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Transition moves o to the requested status. On rejection o is left untouched.
func Transition(o *models.Order, to models.OrderStatus) error {
	if !IsKnownStatus(to) {
		return apperror.Validation("unknown order status %q", to)
	}
	if !CanTransition(o.Status, to) {
		return apperror.Transition("cannot move order from %s to %s", o.Status, to)
	}
	o.Status = to
	return nil
}

// MarkPaid is the reconciliation step pending_payment -> pending.
func MarkPaid(o *models.Order) error {
	if o.Status != models.OrderPendingPayment {
		return apperror.Transition("cannot mark order paid from %s", o.Status)
	}
	o.Status = models.OrderPending
	o.PaymentStatus = models.PaymentCompleted
	return nil
}
