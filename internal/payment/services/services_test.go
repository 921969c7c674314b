package services_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/cache"
	"ms-ordering/internal/config"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/notification"
	"ms-ordering/internal/order"
	orderdb "ms-ordering/internal/order/db"
	"ms-ordering/internal/payment/gateway"
	"ms-ordering/internal/payment/services"
	"ms-ordering/internal/payment/storage"
	"ms-ordering/internal/testutil"
)

const webhookSecret = "whsec_test"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	data []map[string]any
}

func (n *recordingNotifier) CreateNotification(ctx context.Context, template string, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, template)
	n.data = append(n.data, data)
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type simulator interface {
	SimulatePayment(ctx context.Context, gatewayOrderID string, status models.TransactionStatus) (*gateway.Simulation, error)
}

type fixture struct {
	db       *bun.DB
	ledger   *storage.Ledger
	payments *services.PaymentService
	refunds  *services.RefundCoordinator
	notifier *recordingNotifier
	sim      simulator
	customer order.Caller
}

func newFixture(t *testing.T, provider string) *fixture {
	t.Helper()
	return newFixtureWith(t, provider, nil)
}

// timeoutFetchClient is the sandbox collect gateway with a payment lookup
// that always times out.
type timeoutFetchClient struct {
	*gateway.MockCollectClient
}

func (timeoutFetchClient) FetchPayment(ctx context.Context, gatewayPaymentID string) (*gateway.PaymentDetails, error) {
	return nil, apperror.Wrap(apperror.KindGatewayTimeout, context.DeadlineExceeded, "payment gateway timed out during fetch payment")
}

func newFixtureWith(t *testing.T, provider string, adjust func(*gateway.Provider)) *fixture {
	t.Helper()
	bunDB := testutil.NewSQLiteDB(t)
	testutil.SeedMenu(t, bunDB)
	testutil.InsertOrder(t, bunDB, &models.Order{
		ID:         "ord_1",
		UserID:     testutil.UserID,
		AddressID:  testutil.AddressID,
		Status:     models.OrderPendingPayment,
		Subtotal:   decimal.RequireFromString("300"),
		GSTAmount:  decimal.RequireFromString("15"),
		TotalPrice: decimal.RequireFromString("265"),
	})

	log := logger.NewNop()
	store := cache.NewMemoryStore()
	p, err := gateway.NewProvider(config.GatewayConfig{
		Provider:      provider,
		Mock:          true,
		WebhookSecret: webhookSecret,
		MockStateTTL:  time.Minute,
	}, store, nil)
	require.NoError(t, err)
	if adjust != nil {
		adjust(p)
	}

	notifier := &recordingNotifier{}
	ledger := storage.NewLedger(bunDB, log)
	reconciler := services.NewReconciler(bunDB, ledger, p, notifier, log)
	return &fixture{
		db:       bunDB,
		ledger:   ledger,
		payments: services.NewPaymentService(orderdb.New(bunDB, log), ledger, p, reconciler, store, time.Hour, log),
		refunds:  services.NewRefundCoordinator(bunDB, ledger, p, notifier, log),
		notifier: notifier,
		sim:      p.Client.(simulator),
		customer: order.Caller{UserID: testutil.UserID},
	}
}

func (f *fixture) order(t *testing.T) *models.Order {
	t.Helper()
	o, err := orderdb.LoadOrder(context.Background(), f.db, "ord_1")
	require.NoError(t, err)
	return o
}

func (f *fixture) setStatus(t *testing.T, status models.OrderStatus) {
	t.Helper()
	_, err := f.db.NewUpdate().Model((*models.Order)(nil)).Set("status = ?", status).Where("id = ?", "ord_1").Exec(context.Background())
	require.NoError(t, err)
}

func (f *fixture) pay(t *testing.T, status models.TransactionStatus) (*services.InitiateResult, *gateway.Simulation) {
	t.Helper()
	ctx := context.Background()
	init, err := f.payments.Initiate(ctx, f.customer, "ord_1")
	require.NoError(t, err)
	sim, err := f.sim.SimulatePayment(ctx, init.GatewayOrderID, status)
	require.NoError(t, err)
	return init, sim
}

func razorpayWebhook(sim *gateway.Simulation, status string) ([]byte, http.Header) {
	body := []byte(fmt.Sprintf(`{"event":"payment.%s","payload":{"payment":{"entity":{"id":%q,"order_id":%q,
		"status":%q,"amount":26500,"currency":"INR","method":"card","card":{"last4":"4242","network":"Visa"},
		"error_description":"Card declined"}}}}`, status, sim.GatewayPaymentID, sim.GatewayOrderID, status))
	h := http.Header{}
	h.Set("X-Razorpay-Signature", gateway.Sign(webhookSecret, body))
	return body, h
}

func TestInitiate(t *testing.T) {
	f := newFixture(t, "razorpay")

	init, err := f.payments.Initiate(context.Background(), f.customer, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", init.OrderID)
	assert.Equal(t, "265.00", init.Amount.StringFixed(2))
	assert.Equal(t, "INR", init.Currency)
	assert.Equal(t, "sandbox_razorpay", init.GatewayKeyID)

	row, err := f.ledger.GetByGatewayOrderID(context.Background(), init.GatewayOrderID)
	require.NoError(t, err)
	assert.Equal(t, init.TransactionID, row.ID)
	assert.Equal(t, models.TxnCreated, row.Status)
	assert.Equal(t, models.PaymentPending, f.order(t).PaymentStatus)
}

func TestInitiate_Rejections(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()

	_, err := f.payments.Initiate(ctx, order.Caller{UserID: testutil.OtherUserID}, "ord_1")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))

	f.setStatus(t, models.OrderCancelled)
	_, err = f.payments.Initiate(ctx, f.customer, "ord_1")
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestVerify_CapturesOnce(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()
	init, sim := f.pay(t, models.TxnCaptured)

	res, err := f.payments.Verify(ctx, f.customer, services.VerifyRequest{
		GatewayOrderID:   sim.GatewayOrderID,
		GatewayPaymentID: sim.GatewayPaymentID,
		GatewaySignature: sim.Signature,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord_1", res.OrderID)
	assert.Equal(t, init.TransactionID, res.TransactionID)
	assert.Equal(t, models.PaymentCompleted, res.PaymentStatus)
	assert.Equal(t, models.OrderPending, res.OrderStatus)

	// a repeated verify changes nothing
	_, err = f.payments.Verify(ctx, f.customer, services.VerifyRequest{
		GatewayOrderID:   sim.GatewayOrderID,
		GatewayPaymentID: sim.GatewayPaymentID,
		GatewaySignature: sim.Signature,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		notification.PaymentCompleted,
		notification.AdminNewOrder,
		notification.AdminPaymentReceived,
	}, f.notifier.templates())

	row, err := f.ledger.GetByID(ctx, init.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxnCaptured, row.Status)
	assert.Equal(t, sim.GatewayPaymentID, *row.GatewayPaymentID)
	assert.Len(t, row.Metadata, 2)
}

func TestWebhookBeforeVerify(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()
	init, sim := f.pay(t, models.TxnCaptured)

	body, header := razorpayWebhook(sim, "captured")
	require.NoError(t, f.payments.HandleWebhook(ctx, "razorpay", body, header))
	require.NoError(t, f.payments.HandleWebhook(ctx, "razorpay", body, header))

	assert.Equal(t, models.PaymentCompleted, f.order(t).PaymentStatus)
	row, err := f.ledger.GetByID(ctx, init.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "4242", row.CardLast4)
	assert.Equal(t, "", row.ErrorDescription)

	res, err := f.payments.Verify(ctx, f.customer, services.VerifyRequest{
		GatewayOrderID:   sim.GatewayOrderID,
		GatewayPaymentID: sim.GatewayPaymentID,
		GatewaySignature: sim.Signature,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, res.PaymentStatus)

	assert.Len(t, f.notifier.templates(), 3)
}

func TestWebhook_BadSignatureChangesNothing(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()
	_, sim := f.pay(t, models.TxnCaptured)

	body, header := razorpayWebhook(sim, "captured")
	header.Set("X-Razorpay-Signature", gateway.Sign("wrong", body))
	require.NoError(t, f.payments.HandleWebhook(ctx, "razorpay", body, header))

	assert.Equal(t, models.PaymentPending, f.order(t).PaymentStatus)
	assert.Empty(t, f.notifier.templates())

	err := f.payments.HandleWebhook(ctx, "paypal", body, header)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestVerify_SignatureMismatch(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()
	init, sim := f.pay(t, models.TxnCaptured)

	_, err := f.payments.Verify(ctx, f.customer, services.VerifyRequest{
		GatewayOrderID:   sim.GatewayOrderID,
		GatewayPaymentID: sim.GatewayPaymentID,
		GatewaySignature: "forged",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrSignature)

	row, err := f.ledger.GetByID(ctx, init.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxnFailed, row.Status)
	assert.Equal(t, services.SignatureMismatch, row.ErrorCode)
	assert.Equal(t, models.PaymentFailed, f.order(t).PaymentStatus)
}

func TestVerify_UnknownGatewayOrder(t *testing.T) {
	f := newFixture(t, "razorpay")

	_, err := f.payments.Verify(context.Background(), f.customer, services.VerifyRequest{
		GatewayOrderID: "order_nope", GatewayPaymentID: "pay_nope", GatewaySignature: "sig",
	})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestFailureThenCapture(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()
	_, sim := f.pay(t, models.TxnFailed)

	body, header := razorpayWebhook(sim, "failed")
	require.NoError(t, f.payments.HandleWebhook(ctx, "razorpay", body, header))
	assert.Equal(t, models.PaymentFailed, f.order(t).PaymentStatus)
	require.Equal(t, []string{notification.PaymentFailed}, f.notifier.templates())
	assert.Equal(t, "Card declined", f.notifier.data[0]["reason"])

	// the customer retries and the second attempt goes through
	sim, err := f.sim.SimulatePayment(ctx, sim.GatewayOrderID, models.TxnCaptured)
	require.NoError(t, err)
	body, header = razorpayWebhook(sim, "captured")
	header.Set("X-Razorpay-Event-Id", "evt_retry")
	require.NoError(t, f.payments.HandleWebhook(ctx, "razorpay", body, header))

	o := f.order(t)
	assert.Equal(t, models.PaymentCompleted, o.PaymentStatus)
	assert.Equal(t, models.OrderPending, o.Status)
}

func TestEachFailedAttemptNotifies(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()

	first, sim := f.pay(t, models.TxnFailed)
	body, header := razorpayWebhook(sim, "failed")
	require.NoError(t, f.payments.HandleWebhook(ctx, "razorpay", body, header))

	second, sim := f.pay(t, models.TxnFailed)
	require.NotEqual(t, first.GatewayOrderID, second.GatewayOrderID)
	body, header = razorpayWebhook(sim, "failed")
	require.NoError(t, f.payments.HandleWebhook(ctx, "razorpay", body, header))

	row, err := f.ledger.GetByID(ctx, second.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxnFailed, row.Status)
	assert.Equal(t, models.PaymentFailed, f.order(t).PaymentStatus)
	assert.Equal(t, []string{notification.PaymentFailed, notification.PaymentFailed}, f.notifier.templates())
	assert.Equal(t, second.TransactionID, f.notifier.data[1]["transactionId"])

	// a redelivery of the same failure is not a new transition
	require.NoError(t, f.payments.HandleWebhook(ctx, "razorpay", body, header))
	assert.Len(t, f.notifier.templates(), 2)
}

func TestVerify_LookupTimeoutIsRetryable(t *testing.T) {
	f := newFixtureWith(t, "razorpay", func(p *gateway.Provider) {
		p.Client = timeoutFetchClient{p.Client.(*gateway.MockCollectClient)}
		p.SignedCapture = false
	})
	ctx := context.Background()
	init, sim := f.pay(t, models.TxnCaptured)

	_, err := f.payments.Verify(ctx, f.customer, services.VerifyRequest{
		GatewayOrderID:   sim.GatewayOrderID,
		GatewayPaymentID: sim.GatewayPaymentID,
		GatewaySignature: sim.Signature,
	})
	require.Error(t, err)
	assert.Equal(t, apperror.KindGatewayTimeout, apperror.KindOf(err))

	row, err := f.ledger.GetByID(ctx, init.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxnCreated, row.Status)
	assert.Equal(t, models.PaymentPending, f.order(t).PaymentStatus)
	assert.Empty(t, f.notifier.templates())
}

func TestCaptureAfterCancel(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()
	_, sim := f.pay(t, models.TxnCaptured)
	f.setStatus(t, models.OrderCancelled)

	_, err := f.payments.Verify(ctx, f.customer, services.VerifyRequest{
		GatewayOrderID:   sim.GatewayOrderID,
		GatewayPaymentID: sim.GatewayPaymentID,
		GatewaySignature: sim.Signature,
	})
	require.NoError(t, err)

	o := f.order(t)
	assert.Equal(t, models.OrderCancelled, o.Status)
	assert.Equal(t, models.PaymentCompleted, o.PaymentStatus)
	assert.NotContains(t, f.notifier.templates(), notification.AdminNewOrder)
	assert.Contains(t, f.notifier.templates(), notification.AdminPaymentReceived)
}

func capture(t *testing.T, f *fixture) {
	t.Helper()
	_, sim := f.pay(t, models.TxnCaptured)
	_, err := f.payments.Verify(context.Background(), f.customer, services.VerifyRequest{
		GatewayOrderID:   sim.GatewayOrderID,
		GatewayPaymentID: sim.GatewayPaymentID,
		GatewaySignature: sim.Signature,
	})
	require.NoError(t, err)
}

func TestRefund_Partial(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()
	capture(t, f)

	amount := decimal.RequireFromString("100")
	res, err := f.refunds.ProcessRefund(ctx, services.RefundRequest{OrderID: "ord_1", Amount: &amount, Reason: "late delivery"})
	require.NoError(t, err)
	assert.Equal(t, "100.00", res.Amount.StringFixed(2))
	assert.NotEmpty(t, res.RefundID)
	assert.Equal(t, models.PaymentRefunded, f.order(t).PaymentStatus)

	rows, err := f.ledger.ListByOrder(ctx, "ord_1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.TxnCaptured, rows[0].Status)
	assert.Equal(t, models.TxnRefunded, rows[1].Status)
	assert.Equal(t, res.RefundID, rows[1].RefundID)
	assert.Equal(t, *rows[0].GatewayPaymentID, *rows[1].GatewayPaymentID)

	templates := f.notifier.templates()
	assert.Equal(t, []string{notification.RefundProcessed, notification.AdminRefundProcessed}, templates[len(templates)-2:])

	_, err = f.refunds.ProcessRefund(ctx, services.RefundRequest{OrderID: "ord_1"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestRefund_Rejections(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()

	_, err := f.refunds.ProcessRefund(ctx, services.RefundRequest{OrderID: "ord_1"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err), "unpaid order")

	capture(t, f)

	tooMuch := decimal.RequireFromString("265.01")
	_, err = f.refunds.ProcessRefund(ctx, services.RefundRequest{OrderID: "ord_1", Amount: &tooMuch})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	zero := decimal.Zero
	_, err = f.refunds.ProcessRefund(ctx, services.RefundRequest{OrderID: "ord_1", Amount: &zero})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	f.setStatus(t, models.OrderPreparing)
	_, err = f.refunds.ProcessRefund(ctx, services.RefundRequest{OrderID: "ord_1"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.Contains(t, apperror.PublicMessage(err), "being prepared")

	_, err = f.refunds.ProcessRefund(ctx, services.RefundRequest{OrderID: "ord_missing"})
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestQR_StatusPollsAndRefundIsManual(t *testing.T) {
	f := newFixture(t, "qr")
	ctx := context.Background()
	init, err := f.payments.Initiate(ctx, f.customer, "ord_1")
	require.NoError(t, err)
	assert.NotEmpty(t, init.QRCode)

	st, err := f.payments.Status(ctx, f.customer, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, st.PaymentStatus)

	_, err = f.sim.SimulatePayment(ctx, init.GatewayOrderID, models.TxnCaptured)
	require.NoError(t, err)

	st, err = f.payments.Status(ctx, f.customer, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, st.PaymentStatus)
	assert.Equal(t, models.OrderPending, st.OrderStatus)
	require.Len(t, st.Transactions, 1)
	assert.Equal(t, models.TxnCaptured, st.Transactions[0].Status)
	assert.Equal(t, "upi", st.Transactions[0].Method)

	_, err = f.refunds.ProcessRefund(ctx, services.RefundRequest{OrderID: "ord_1"})
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.ErrorIs(t, err, gateway.ErrManualRefundRequired)
	assert.Equal(t, models.PaymentCompleted, f.order(t).PaymentStatus)
}

func TestConcurrentVerifyAndWebhook(t *testing.T) {
	f := newFixture(t, "razorpay")
	ctx := context.Background()
	_, sim := f.pay(t, models.TxnCaptured)
	body, header := razorpayWebhook(sim, "captured")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.payments.Verify(ctx, f.customer, services.VerifyRequest{
				GatewayOrderID:   sim.GatewayOrderID,
				GatewayPaymentID: sim.GatewayPaymentID,
				GatewaySignature: sim.Signature,
			})
		}()
		go func() {
			defer wg.Done()
			f.payments.HandleWebhook(ctx, "razorpay", body, header)
		}()
	}
	wg.Wait()

	count := 0
	for _, tpl := range f.notifier.templates() {
		if tpl == notification.PaymentCompleted {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, models.PaymentCompleted, f.order(t).PaymentStatus)
}
