package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/models"
)

// UPIIntent builds the upi://pay link encoded into the QR code.
func UPIIntent(vpa, payee string, amount decimal.Decimal, currency, reference string) string {
	q := url.Values{}
	q.Set("pa", vpa)
	q.Set("pn", payee)
	q.Set("tr", reference)
	q.Set("am", amount.StringFixed(2))
	q.Set("cu", currency)
	return "upi://pay?" + q.Encode()
}

// RenderQR returns the intent as a base64 PNG.
func RenderQR(intent string) (string, error) {
	png, err := qrcode.Encode(intent, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// QRClient is a UPI QR gateway. The customer scans a code and the service
// learns the outcome by polling or webhook. Refunds are not available
// through its API.
type QRClient struct {
	restClient
	vpa   string
	payee string
}

type QROptions struct {
	RESTOptions
	MerchantVPA  string
	MerchantName string
}

func NewQRClient(opts QROptions) *QRClient {
	return &QRClient{
		restClient: newRESTClient(opts.RESTOptions, ""),
		vpa:        opts.MerchantVPA,
		payee:      opts.MerchantName,
	}
}

type qrOrder struct {
	ID       string            `json:"id,omitempty"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Status   string            `json:"status,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

func (c *QRClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*GatewayOrder, error) {
	payload := qrOrder{
		Amount:   ToMinorUnits(req.Amount),
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	}
	var out qrOrder
	if err := c.do(ctx, c.createTimeout, "create qr order", http.MethodPost, "/qr/orders", payload, &out); err != nil {
		return nil, err
	}
	return qrGatewayOrder(out.ID, FromMinorUnits(out.Amount), out.Currency, out.Status, c.vpa, c.payee)
}

func qrGatewayOrder(id string, amount decimal.Decimal, currency, status, vpa, payee string) (*GatewayOrder, error) {
	intent := UPIIntent(vpa, payee, amount, currency, id)
	code, err := RenderQR(intent)
	if err != nil {
		return nil, err
	}
	return &GatewayOrder{
		ID:        id,
		Amount:    amount,
		Currency:  currency,
		Status:    status,
		UPIIntent: intent,
		QRCode:    code,
	}, nil
}

func (c *QRClient) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return ValidSignature(c.keySecret, PaymentSignaturePayload(gatewayOrderID, gatewayPaymentID), signature)
}

type qrPayment struct {
	ID           string `json:"id"`
	PaymentID    string `json:"payment_id"`
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	VPA          string `json:"payer_vpa"`
	Bank         string `json:"bank"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func qrStatus(s string) models.TransactionStatus {
	switch strings.ToUpper(s) {
	case "SUCCESS":
		return models.TxnCaptured
	case "FAILED", "EXPIRED":
		return models.TxnFailed
	default:
		return models.TxnCreated
	}
}

func (p qrPayment) details(raw json.RawMessage) *PaymentDetails {
	id := p.ID
	if id == "" {
		id = p.PaymentID
	}
	return &PaymentDetails{
		ID:               id,
		OrderID:          p.OrderID,
		Status:           qrStatus(p.Status),
		Amount:           FromMinorUnits(p.Amount),
		Currency:         p.Currency,
		Method:           "upi",
		VPA:              p.VPA,
		Bank:             p.Bank,
		ErrorCode:        p.ErrorCode,
		ErrorDescription: p.ErrorMessage,
		Raw:              raw,
	}
}

func (c *QRClient) fetch(ctx context.Context, op, path string) (*PaymentDetails, error) {
	var raw json.RawMessage
	if err := c.do(ctx, c.fetchTimeout, op, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	var p qrPayment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return p.details(raw), nil
}

func (c *QRClient) FetchPayment(ctx context.Context, gatewayPaymentID string) (*PaymentDetails, error) {
	return c.fetch(ctx, "fetch payment", "/qr/payments/"+url.PathEscape(gatewayPaymentID))
}

// PollOrder reports the latest attempt against a QR order. An order nobody
// has paid yet comes back as created.
func (c *QRClient) PollOrder(ctx context.Context, gatewayOrderID string) (*PaymentDetails, error) {
	d, err := c.fetch(ctx, "poll order", "/qr/orders/"+url.PathEscape(gatewayOrderID)+"/payment")
	if errors.Is(err, apperror.ErrNotFound) {
		return &PaymentDetails{OrderID: gatewayOrderID, Status: models.TxnCreated}, nil
	}
	return d, err
}

func (c *QRClient) CreateRefund(ctx context.Context, gatewayPaymentID string, amount *decimal.Decimal, notes map[string]string) (*Refund, error) {
	return nil, ErrManualRefundRequired
}

// QRWebhooks authenticates X-QR-Signature, an HMAC of the raw body.
type QRWebhooks struct {
	Secret string
}

type qrEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (w QRWebhooks) ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error) {
	if !ValidSignature(w.Secret, body, header.Get("X-QR-Signature")) {
		return nil, ErrInvalidWebhookSignature
	}

	var evt qrEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	out := &WebhookEvent{ID: evt.ID, Type: evt.Type, Raw: body}
	if !strings.HasPrefix(evt.Type, "payment.") || len(evt.Data) == 0 {
		return out, nil
	}

	var p qrPayment
	if err := json.Unmarshal(evt.Data, &p); err != nil {
		return nil, fmt.Errorf("decode webhook payment: %w", err)
	}
	if p.OrderID == "" {
		return out, nil
	}
	out.Payment = p.details(evt.Data)
	return out, nil
}
