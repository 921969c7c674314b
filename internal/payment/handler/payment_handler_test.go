package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ordering/internal/auth"
	"ms-ordering/internal/cache"
	"ms-ordering/internal/config"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	orderdb "ms-ordering/internal/order/db"
	"ms-ordering/internal/payment/gateway"
	"ms-ordering/internal/payment/services"
	"ms-ordering/internal/payment/storage"
	"ms-ordering/internal/testutil"
)

type recordingNotifier struct {
	mu        sync.Mutex
	templates []string
}

func (n *recordingNotifier) CreateNotification(ctx context.Context, template string, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.templates = append(n.templates, template)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

var (
	asha  = &auth.Identity{UserID: testutil.UserID, Roles: []string{"customer"}}
	ravi  = &auth.Identity{UserID: testutil.OtherUserID, Roles: []string{"customer"}}
	admin = &auth.Identity{UserID: testutil.AdminID, Roles: []string{"admin"}}
)

func setupRouter(t *testing.T) (http.Handler, *gateway.MockCollectClient) {
	t.Helper()
	bunDB := testutil.NewSQLiteDB(t)
	testutil.SeedMenu(t, bunDB)
	testutil.InsertOrder(t, bunDB, &models.Order{
		ID:         "ord_1",
		UserID:     testutil.UserID,
		AddressID:  testutil.AddressID,
		Status:     models.OrderPendingPayment,
		TotalPrice: decimal.RequireFromString("265"),
	})

	log := logger.NewNop()
	store := cache.NewMemoryStore()
	provider, err := gateway.NewProvider(config.GatewayConfig{
		Provider: "razorpay", Mock: true, WebhookSecret: "whsec", MockStateTTL: time.Minute,
	}, store, nil)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	ledger := storage.NewLedger(bunDB, log)
	reconciler := services.NewReconciler(bunDB, ledger, provider, notifier, log)
	payments := services.NewPaymentService(orderdb.New(bunDB, log), ledger, provider, reconciler, store, time.Hour, log)
	refunds := services.NewRefundCoordinator(bunDB, ledger, provider, notifier, log)
	h := NewPaymentHandler(payments, refunds, log, "admin")

	r := chi.NewRouter()
	h.WebhookRoutes(r)
	r.Route("/api", func(r chi.Router) {
		r.Group(h.Routes)
		r.Route("/admin", h.AdminRoutes)
	})
	return r, provider.Client.(*gateway.MockCollectClient)
}

func do(t *testing.T, h http.Handler, method, path, body string, id *auth.Identity) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if id != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), id))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func initiate(t *testing.T, h http.Handler) services.InitiateResult {
	t.Helper()
	rec, env := do(t, h, http.MethodPost, "/api/payments/initiate", `{"orderId":"ord_1"}`, asha)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res services.InitiateResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

func TestPaymentFlow(t *testing.T) {
	h, mockGateway := setupRouter(t)
	res := initiate(t, h)
	assert.Equal(t, "265.00", res.Amount.StringFixed(2))
	assert.NotEmpty(t, res.GatewayOrderID)

	sim, err := mockGateway.SimulatePayment(context.Background(), res.GatewayOrderID, models.TxnCaptured)
	require.NoError(t, err)

	body, _ := json.Marshal(services.VerifyRequest{
		GatewayOrderID:   sim.GatewayOrderID,
		GatewayPaymentID: sim.GatewayPaymentID,
		GatewaySignature: sim.Signature,
	})
	rec, env := do(t, h, http.MethodPost, "/api/payments/verify", string(body), asha)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var verified services.VerifyResult
	require.NoError(t, json.Unmarshal(env.Data, &verified))
	assert.Equal(t, models.PaymentCompleted, verified.PaymentStatus)
	assert.Equal(t, models.OrderPending, verified.OrderStatus)

	rec, env = do(t, h, http.MethodGet, "/api/payments/status/ord_1", "", asha)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, string(env.Data), sim.Signature)
	assert.NotContains(t, string(env.Data), "metadata")
	var status services.StatusResult
	require.NoError(t, json.Unmarshal(env.Data, &status))
	require.Len(t, status.Transactions, 1)
	assert.Equal(t, sim.GatewayPaymentID, status.Transactions[0].GatewayPaymentID)

	rec, _ = do(t, h, http.MethodGet, "/api/payments/status/ord_1", "", ravi)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = do(t, h, http.MethodPost, "/api/admin/payments/refund", `{"orderId":"ord_1","amount":"50","reason":"spilled"}`, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refund services.RefundResult
	require.NoError(t, json.Unmarshal(env.Data, &refund))
	assert.Equal(t, "50.00", refund.Amount.StringFixed(2))
	assert.Equal(t, models.PaymentRefunded, refund.PaymentStatus)
}

func TestVerify_BadSignature(t *testing.T) {
	h, _ := setupRouter(t)
	res := initiate(t, h)

	body := `{"gatewayOrderId":"` + res.GatewayOrderID + `","gatewayPaymentId":"pay_x","gatewaySignature":"forged"}`
	rec, env := do(t, h, http.MethodPost, "/api/payments/verify", body, asha)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SIGNATURE_VERIFICATION_FAILED", env.Error)

	rec, env = do(t, h, http.MethodPost, "/api/payments/verify", `{"gatewayOrderId":"order_x","gatewayPaymentId":"p","gatewaySignature":"s"}`, asha)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error)
}

func TestWebhook_AlwaysAcknowledged(t *testing.T) {
	h, _ := setupRouter(t)

	rec, env := do(t, h, http.MethodPost, "/webhooks/razorpay", `{"event":"payment.captured"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, _ = do(t, h, http.MethodPost, "/webhooks/razorpay", `not json`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/webhooks/paypal", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_Captures(t *testing.T) {
	h, mockGateway := setupRouter(t)
	res := initiate(t, h)
	sim, err := mockGateway.SimulatePayment(context.Background(), res.GatewayOrderID, models.TxnCaptured)
	require.NoError(t, err)

	payload := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"` + sim.GatewayPaymentID +
		`","order_id":"` + sim.GatewayOrderID + `","status":"captured","amount":26500,"currency":"INR","method":"upi","vpa":"asha@upi"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", strings.NewReader(payload))
	req.Header.Set("X-Razorpay-Signature", gateway.Sign("whsec", []byte(payload)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, env := do(t, h, http.MethodGet, "/api/payments/status/ord_1", "", asha)
	var status services.StatusResult
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, models.PaymentCompleted, status.PaymentStatus)
	assert.Equal(t, "asha@upi", status.Transactions[0].VPA)
}
