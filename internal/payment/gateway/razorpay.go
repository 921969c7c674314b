package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"ms-ordering/internal/models"
)

const razorpayBaseURL = "https://api.razorpay.com/v1"

// RazorpayClient implements the collect flow over the Razorpay REST API.
type RazorpayClient struct {
	restClient
}

func NewRazorpayClient(opts RESTOptions) *RazorpayClient {
	return &RazorpayClient{restClient: newRESTClient(opts, razorpayBaseURL)}
}

type razorpayOrder struct {
	ID       string            `json:"id,omitempty"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Status   string            `json:"status,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

func (c *RazorpayClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*GatewayOrder, error) {
	payload := razorpayOrder{
		Amount:   ToMinorUnits(req.Amount),
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	}
	var out razorpayOrder
	if err := c.do(ctx, c.createTimeout, "create order", http.MethodPost, "/orders", payload, &out); err != nil {
		return nil, err
	}
	return &GatewayOrder{
		ID:       out.ID,
		Amount:   FromMinorUnits(out.Amount),
		Currency: out.Currency,
		Status:   out.Status,
	}, nil
}

func (c *RazorpayClient) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return ValidSignature(c.keySecret, PaymentSignaturePayload(gatewayOrderID, gatewayPaymentID), signature)
}

type razorpayPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Method           string `json:"method"`
	VPA              string `json:"vpa"`
	Bank             string `json:"bank"`
	Wallet           string `json:"wallet"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
	Card             *struct {
		Last4   string `json:"last4"`
		Network string `json:"network"`
	} `json:"card"`
}

func razorpayStatus(s string) models.TransactionStatus {
	switch s {
	case "authorized":
		return models.TxnAuthorized
	case "captured", "refunded":
		return models.TxnCaptured
	case "failed":
		return models.TxnFailed
	default:
		return models.TxnCreated
	}
}

func (p razorpayPayment) details(raw json.RawMessage) *PaymentDetails {
	d := &PaymentDetails{
		ID:               p.ID,
		OrderID:          p.OrderID,
		Status:           razorpayStatus(p.Status),
		Amount:           FromMinorUnits(p.Amount),
		Currency:         p.Currency,
		Method:           p.Method,
		VPA:              p.VPA,
		Bank:             p.Bank,
		Wallet:           p.Wallet,
		ErrorCode:        p.ErrorCode,
		ErrorDescription: p.ErrorDescription,
		Raw:              raw,
	}
	if p.Card != nil {
		d.CardLast4 = p.Card.Last4
		d.CardNetwork = p.Card.Network
	}
	return d
}

func (c *RazorpayClient) FetchPayment(ctx context.Context, gatewayPaymentID string) (*PaymentDetails, error) {
	var raw json.RawMessage
	path := "/payments/" + url.PathEscape(gatewayPaymentID) + "?expand[]=card"
	if err := c.do(ctx, c.fetchTimeout, "fetch payment", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	var p razorpayPayment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("fetch payment: decode: %w", err)
	}
	return p.details(raw), nil
}

type razorpayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

func (c *RazorpayClient) CreateRefund(ctx context.Context, gatewayPaymentID string, amount *decimal.Decimal, notes map[string]string) (*Refund, error) {
	payload := map[string]interface{}{}
	if amount != nil {
		payload["amount"] = ToMinorUnits(*amount)
	}
	if len(notes) > 0 {
		payload["notes"] = notes
	}
	var out razorpayRefund
	path := "/payments/" + url.PathEscape(gatewayPaymentID) + "/refund"
	if err := c.do(ctx, c.createTimeout, "create refund", http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return &Refund{
		ID:        out.ID,
		PaymentID: out.PaymentID,
		Amount:    FromMinorUnits(out.Amount),
		Status:    out.Status,
	}, nil
}

// RazorpayWebhooks authenticates X-Razorpay-Signature, an HMAC of the raw
// body under the webhook secret.
type RazorpayWebhooks struct {
	Secret string
}

type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity json.RawMessage `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

func (w RazorpayWebhooks) ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error) {
	if !ValidSignature(w.Secret, body, header.Get("X-Razorpay-Signature")) {
		return nil, ErrInvalidWebhookSignature
	}

	var evt razorpayEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	out := &WebhookEvent{ID: header.Get("X-Razorpay-Event-Id"), Type: evt.Event, Raw: body}
	if evt.Payload.Payment == nil || len(evt.Payload.Payment.Entity) == 0 {
		return out, nil
	}
	var p razorpayPayment
	if err := json.Unmarshal(evt.Payload.Payment.Entity, &p); err != nil {
		return nil, fmt.Errorf("decode webhook payment: %w", err)
	}
	if p.OrderID == "" {
		return out, nil
	}
	out.Payment = p.details(evt.Payload.Payment.Entity)
	if out.ID == "" {
		out.ID = fmt.Sprintf("%s:%s:%s", evt.Event, p.ID, p.Status)
	}
	return out, nil
}
