// Package gateway talks to the payment providers. Every provider satisfies
// Client; webhook parsing and status polling are separate capabilities.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"ms-ordering/internal/models"
)

var (
	// ErrManualRefundRequired is returned by gateways that cannot refund through their API.
	ErrManualRefundRequired = errors.New("gateway does not support API refunds; refund manually")
	// ErrInvalidWebhookSignature means the webhook body did not authenticate.
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
)

type CreateOrderRequest struct {
	Amount   decimal.Decimal
	Currency string
	Receipt  string
	Notes    map[string]string
}

// GatewayOrder is the provider-side payment order handed to the client app.
type GatewayOrder struct {
	ID           string
	Amount       decimal.Decimal
	Currency     string
	Status       string
	ClientSecret string
	UPIIntent    string
	QRCode       string
}

// PaymentDetails is one payment attempt as the gateway reports it.
type PaymentDetails struct {
	ID               string
	OrderID          string
	Status           models.TransactionStatus
	Amount           decimal.Decimal
	Currency         string
	Method           string
	CardLast4        string
	CardNetwork      string
	VPA              string
	Bank             string
	Wallet           string
	ErrorCode        string
	ErrorDescription string
	Raw              json.RawMessage
}

type Refund struct {
	ID        string
	PaymentID string
	Amount    decimal.Decimal
	Status    string
}

// Client is the surface every provider implements.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*GatewayOrder, error)
	VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool
	FetchPayment(ctx context.Context, gatewayPaymentID string) (*PaymentDetails, error)
	// CreateRefund refunds amount, or the full payment when amount is nil.
	CreateRefund(ctx context.Context, gatewayPaymentID string, amount *decimal.Decimal, notes map[string]string) (*Refund, error)
}

// WebhookEvent is an authenticated webhook. Payment is nil for event types
// that carry no payment state.
type WebhookEvent struct {
	ID      string
	Type    string
	Payment *PaymentDetails
	Raw     json.RawMessage
}

type WebhookParser interface {
	// ParseWebhook authenticates body and decodes it. Authentication failures
	// wrap ErrInvalidWebhookSignature.
	ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error)
}

// StatusPoller is implemented by gateways whose payments are discovered by
// polling the order rather than reported back by the client app.
type StatusPoller interface {
	PollOrder(ctx context.Context, gatewayOrderID string) (*PaymentDetails, error)
}

// Provider is the gateway chosen at startup.
type Provider struct {
	Name     string
	KeyID    string
	Currency string
	Client   Client
	Webhooks WebhookParser
	// SignedCapture is true when a valid client signature alone proves the
	// payment was captured, so verify may proceed if FetchPayment fails.
	SignedCapture bool
}

// Poller returns the provider's StatusPoller, if it has one.
func (p *Provider) Poller() (StatusPoller, bool) {
	poller, ok := p.Client.(StatusPoller)
	return poller, ok
}

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts rupees to paise.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
