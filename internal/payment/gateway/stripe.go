package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-ordering/internal/models"
)

// StripeClient uses a PaymentIntent as the gateway order. The client app
// confirms it with the returned client secret.
type StripeClient struct {
	api           *client.API
	createTimeout time.Duration
	fetchTimeout  time.Duration
}

type StripeOptions struct {
	SecretKey     string
	CreateTimeout time.Duration
	FetchTimeout  time.Duration
	// Backends overrides the API endpoints. Nil uses Stripe's.
	Backends *stripe.Backends
}

func NewStripeClient(opts StripeOptions) *StripeClient {
	c := &StripeClient{
		api:           client.New(opts.SecretKey, opts.Backends),
		createTimeout: opts.CreateTimeout,
		fetchTimeout:  opts.FetchTimeout,
	}
	if c.createTimeout == 0 {
		c.createTimeout = 30 * time.Second
	}
	if c.fetchTimeout == 0 {
		c.fetchTimeout = 15 * time.Second
	}
	return c
}

func (c *StripeClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*GatewayOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToMinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("receipt", req.Receipt)
	for k, v := range req.Notes {
		params.AddMetadata(k, v)
	}
	if req.Receipt != "" {
		params.SetIdempotencyKey(req.Receipt)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, stripeError(ctx, "create payment intent", err)
	}
	return &GatewayOrder{
		ID:           pi.ID,
		Amount:       FromMinorUnits(pi.Amount),
		Currency:     strings.ToUpper(string(pi.Currency)),
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
	}, nil
}

// VerifySignature checks what the client app sends back after confirming:
// the intent id as both order and payment id and the intent's client secret
// as the signature. The capture itself is confirmed by FetchPayment.
func (c *StripeClient) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return gatewayOrderID != "" &&
		gatewayPaymentID == gatewayOrderID &&
		strings.HasPrefix(signature, gatewayOrderID+"_secret_")
}

func (c *StripeClient) FetchPayment(ctx context.Context, gatewayPaymentID string) (*PaymentDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Get(gatewayPaymentID, params)
	if err != nil {
		return nil, stripeError(ctx, "fetch payment intent", err)
	}
	raw, _ := json.Marshal(pi)
	return intentDetails(pi, raw), nil
}

func (c *StripeClient) CreateRefund(ctx context.Context, gatewayPaymentID string, amount *decimal.Decimal, notes map[string]string) (*Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()

	params := &stripe.RefundParams{PaymentIntent: stripe.String(gatewayPaymentID)}
	params.Context = ctx
	if amount != nil {
		params.Amount = stripe.Int64(ToMinorUnits(*amount))
	}
	for k, v := range notes {
		params.AddMetadata(k, v)
	}

	r, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, stripeError(ctx, "create refund", err)
	}
	return &Refund{
		ID:        r.ID,
		PaymentID: gatewayPaymentID,
		Amount:    FromMinorUnits(r.Amount),
		Status:    string(r.Status),
	}, nil
}

func stripeStatus(pi *stripe.PaymentIntent) models.TransactionStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.TxnCaptured
	case stripe.PaymentIntentStatusRequiresCapture:
		return models.TxnAuthorized
	case stripe.PaymentIntentStatusCanceled:
		return models.TxnFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return models.TxnFailed
		}
		return models.TxnCreated
	default:
		return models.TxnCreated
	}
}

func intentDetails(pi *stripe.PaymentIntent, raw json.RawMessage) *PaymentDetails {
	d := &PaymentDetails{
		ID:       pi.ID,
		OrderID:  pi.ID,
		Status:   stripeStatus(pi),
		Amount:   FromMinorUnits(pi.Amount),
		Currency: strings.ToUpper(string(pi.Currency)),
		Raw:      raw,
	}
	if len(pi.PaymentMethodTypes) > 0 {
		d.Method = pi.PaymentMethodTypes[0]
	}
	if e := pi.LastPaymentError; e != nil {
		d.ErrorCode = string(e.Code)
		d.ErrorDescription = e.Msg
	}
	return d
}

func stripeError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return transportError(op, context.DeadlineExceeded)
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return statusError(op, se.HTTPStatusCode, se.Msg)
	}
	return transportError(op, err)
}

// StripeWebhooks authenticates the Stripe-Signature header.
type StripeWebhooks struct {
	Secret string
}

func (w StripeWebhooks) ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error) {
	evt, err := webhook.ConstructEventWithOptions(body, header.Get("Stripe-Signature"), w.Secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}

	out := &WebhookEvent{ID: evt.ID, Type: string(evt.Type), Raw: body}
	if !strings.HasPrefix(out.Type, "payment_intent.") || evt.Data == nil {
		return out, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode webhook payment intent: %w", err)
	}
	if pi.ID == "" {
		return out, nil
	}
	out.Payment = intentDetails(&pi, evt.Data.Raw)
	return out, nil
}
