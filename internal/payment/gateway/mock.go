package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/cache"
	"ms-ordering/internal/models"
)

// mockState is the sandbox gateway's memory. It lives in a TTLStore so that
// several service instances see the same sandbox orders.
type mockState struct {
	store     cache.TTLStore
	keySecret string
	ttl       time.Duration
}

type mockOrder struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Receipt   string          `json:"receipt"`
	PaymentID string          `json:"paymentId,omitempty"`
}

type mockPayment struct {
	ID       string                   `json:"id"`
	OrderID  string                   `json:"orderId"`
	Status   models.TransactionStatus `json:"status"`
	Amount   decimal.Decimal          `json:"amount"`
	Currency string                   `json:"currency"`
	Method   string                   `json:"method"`
	VPA      string                   `json:"vpa,omitempty"`
	Refunded decimal.Decimal          `json:"refunded"`
}

func mockID(prefix, seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return prefix + "_" + hex.EncodeToString(sum[:])[:14]
}

func orderKey(id string) string   { return "mockgw:order:" + id }
func paymentKey(id string) string { return "mockgw:payment:" + id }

func (m mockState) createOrder(ctx context.Context, prefix string, req CreateOrderRequest) (*mockOrder, error) {
	o := &mockOrder{
		ID:       mockID(prefix, req.Receipt),
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
	}
	if err := cache.SetJSON(ctx, m.store, orderKey(o.ID), o, m.ttl); err != nil {
		return nil, apperror.Wrap(apperror.KindGatewayUnavailable, err, "sandbox gateway unavailable")
	}
	return o, nil
}

func (m mockState) order(ctx context.Context, id string) (*mockOrder, error) {
	var o mockOrder
	ok, err := cache.GetJSON(ctx, m.store, orderKey(id), &o)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindGatewayUnavailable, err, "sandbox gateway unavailable")
	}
	if !ok {
		return nil, apperror.NotFound("gateway order %s not found", id)
	}
	return &o, nil
}

func (m mockState) payment(ctx context.Context, id string) (*mockPayment, error) {
	var p mockPayment
	ok, err := cache.GetJSON(ctx, m.store, paymentKey(id), &p)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindGatewayUnavailable, err, "sandbox gateway unavailable")
	}
	if !ok {
		return nil, apperror.NotFound("gateway payment %s not found", id)
	}
	return &p, nil
}

func (m mockState) fetch(ctx context.Context, id string) (*PaymentDetails, error) {
	p, err := m.payment(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.details(), nil
}

func (p *mockPayment) details() *PaymentDetails {
	raw, _ := json.Marshal(p)
	d := &PaymentDetails{
		ID:       p.ID,
		OrderID:  p.OrderID,
		Status:   p.Status,
		Amount:   p.Amount,
		Currency: p.Currency,
		Method:   p.Method,
		VPA:      p.VPA,
		Raw:      raw,
	}
	if p.Status == models.TxnFailed {
		d.ErrorCode = "BAD_REQUEST_ERROR"
		d.ErrorDescription = "Payment declined by sandbox"
	}
	return d
}

// Simulation is the outcome of a sandbox payment: what the client app would
// post to the verify endpoint.
type Simulation struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// simulate records a payment attempt against a sandbox order.
func (m mockState) simulate(ctx context.Context, gatewayOrderID, method string, status models.TransactionStatus) (*Simulation, error) {
	o, err := m.order(ctx, gatewayOrderID)
	if err != nil {
		return nil, err
	}
	p := &mockPayment{
		ID:       mockID("pay", o.ID),
		OrderID:  o.ID,
		Status:   status,
		Amount:   o.Amount,
		Currency: o.Currency,
		Method:   method,
		Refunded: decimal.Zero,
	}
	if method == "upi" {
		p.VPA = "customer@upi"
	}
	if err := cache.SetJSON(ctx, m.store, paymentKey(p.ID), p, m.ttl); err != nil {
		return nil, apperror.Wrap(apperror.KindGatewayUnavailable, err, "sandbox gateway unavailable")
	}
	o.PaymentID = p.ID
	if err := cache.SetJSON(ctx, m.store, orderKey(o.ID), o, m.ttl); err != nil {
		return nil, apperror.Wrap(apperror.KindGatewayUnavailable, err, "sandbox gateway unavailable")
	}
	return &Simulation{
		GatewayOrderID:   o.ID,
		GatewayPaymentID: p.ID,
		Signature:        Sign(m.keySecret, PaymentSignaturePayload(o.ID, p.ID)),
	}, nil
}

// MockCollectClient is the sandbox variant of the collect gateway.
type MockCollectClient struct {
	mockState
}

func NewMockCollectClient(store cache.TTLStore, keySecret string, ttl time.Duration) *MockCollectClient {
	return &MockCollectClient{mockState{store: store, keySecret: keySecret, ttl: ttl}}
}

func (c *MockCollectClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*GatewayOrder, error) {
	o, err := c.createOrder(ctx, "order", req)
	if err != nil {
		return nil, err
	}
	return &GatewayOrder{ID: o.ID, Amount: o.Amount, Currency: o.Currency, Status: "created"}, nil
}

func (c *MockCollectClient) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return ValidSignature(c.keySecret, PaymentSignaturePayload(gatewayOrderID, gatewayPaymentID), signature)
}

func (c *MockCollectClient) FetchPayment(ctx context.Context, gatewayPaymentID string) (*PaymentDetails, error) {
	return c.fetch(ctx, gatewayPaymentID)
}

func (c *MockCollectClient) CreateRefund(ctx context.Context, gatewayPaymentID string, amount *decimal.Decimal, notes map[string]string) (*Refund, error) {
	p, err := c.payment(ctx, gatewayPaymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.TxnCaptured {
		return nil, apperror.Validation("payment %s is not captured", p.ID)
	}
	refund := p.Amount.Sub(p.Refunded)
	if amount != nil {
		refund = *amount
	}
	if !refund.IsPositive() || p.Refunded.Add(refund).GreaterThan(p.Amount) {
		return nil, apperror.Validation("refund amount %s exceeds refundable balance", refund.StringFixed(2))
	}
	p.Refunded = p.Refunded.Add(refund)
	if err := cache.SetJSON(ctx, c.store, paymentKey(p.ID), p, c.ttl); err != nil {
		return nil, apperror.Wrap(apperror.KindGatewayUnavailable, err, "sandbox gateway unavailable")
	}
	return &Refund{
		ID:        mockID("rfnd", fmt.Sprintf("%s:%s", p.ID, p.Refunded.StringFixed(2))),
		PaymentID: p.ID,
		Amount:    refund,
		Status:    "processed",
	}, nil
}

// SimulatePayment completes a checkout against a sandbox order with the
// given outcome.
func (c *MockCollectClient) SimulatePayment(ctx context.Context, gatewayOrderID string, status models.TransactionStatus) (*Simulation, error) {
	return c.simulate(ctx, gatewayOrderID, "card", status)
}

// MockQRClient is the sandbox variant of the QR gateway.
type MockQRClient struct {
	mockState
	vpa   string
	payee string
}

func NewMockQRClient(store cache.TTLStore, keySecret, vpa, payee string, ttl time.Duration) *MockQRClient {
	if vpa == "" {
		vpa = "merchant@sandbox"
	}
	return &MockQRClient{mockState: mockState{store: store, keySecret: keySecret, ttl: ttl}, vpa: vpa, payee: payee}
}

func (c *MockQRClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*GatewayOrder, error) {
	o, err := c.createOrder(ctx, "qr", req)
	if err != nil {
		return nil, err
	}
	return qrGatewayOrder(o.ID, o.Amount, o.Currency, "created", c.vpa, c.payee)
}

func (c *MockQRClient) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return ValidSignature(c.keySecret, PaymentSignaturePayload(gatewayOrderID, gatewayPaymentID), signature)
}

func (c *MockQRClient) FetchPayment(ctx context.Context, gatewayPaymentID string) (*PaymentDetails, error) {
	return c.fetch(ctx, gatewayPaymentID)
}

func (c *MockQRClient) PollOrder(ctx context.Context, gatewayOrderID string) (*PaymentDetails, error) {
	o, err := c.order(ctx, gatewayOrderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentID == "" {
		return &PaymentDetails{OrderID: o.ID, Status: models.TxnCreated}, nil
	}
	return c.fetch(ctx, o.PaymentID)
}

func (c *MockQRClient) CreateRefund(ctx context.Context, gatewayPaymentID string, amount *decimal.Decimal, notes map[string]string) (*Refund, error) {
	return nil, ErrManualRefundRequired
}

// SimulatePayment records a scan of the sandbox QR code with the given outcome.
func (c *MockQRClient) SimulatePayment(ctx context.Context, gatewayOrderID string, status models.TransactionStatus) (*Simulation, error) {
	return c.simulate(ctx, gatewayOrderID, "upi", status)
}
