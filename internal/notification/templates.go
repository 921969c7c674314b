// Package notification turns order and payment events into messages for
// customers and the kitchen, and hands them to the configured publishers.
package notification

import "strings"

// Templates understood by the notification consumers.
const (
	OrderCreated         = "ORDER_CREATED"
	OrderStatusUpdated   = "ORDER_STATUS_UPDATED"
	PaymentCompleted     = "PAYMENT_COMPLETED"
	PaymentFailed        = "PAYMENT_FAILED"
	RefundProcessed      = "REFUND_PROCESSED"
	AdminNewOrder        = "ADMIN_NEW_ORDER"
	AdminPaymentReceived = "ADMIN_PAYMENT_RECEIVED"
	AdminRefundProcessed = "ADMIN_REFUND_PROCESSED"
)

const (
	AudienceCustomer = "customer"
	AudienceAdmin    = "admin"
)

// AudienceOf reports who a template is addressed to.
func AudienceOf(template string) string {
	if strings.HasPrefix(template, "ADMIN_") {
		return AudienceAdmin
	}
	return AudienceCustomer
}
