package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/models"
	"ms-ordering/internal/payment/gateway"
)

func newStripe(t *testing.T, h http.HandlerFunc) *gateway.StripeClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return gateway.NewStripeClient(gateway.StripeOptions{
		SecretKey: "sk_test_123",
		Backends:  &stripe.Backends{API: backend, Connect: backend, Uploads: backend},
	})
}

func TestStripe_CreateOrder(t *testing.T) {
	client := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "26500", r.PostForm.Get("amount"))
		assert.Equal(t, "inr", r.PostForm.Get("currency"))
		assert.Equal(t, "txn_1", r.PostForm.Get("metadata[receipt]"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_1","object":"payment_intent","amount":26500,"currency":"inr",
			"status":"requires_payment_method","client_secret":"pi_1_secret_abc"}`))
	})

	o, err := client.CreateOrder(context.Background(), gateway.CreateOrderRequest{
		Amount: decimal.RequireFromString("265"), Currency: "INR", Receipt: "txn_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", o.ID)
	assert.Equal(t, "pi_1_secret_abc", o.ClientSecret)
	assert.Equal(t, "INR", o.Currency)
	assert.True(t, client.VerifySignature(o.ID, o.ID, o.ClientSecret))
	assert.False(t, client.VerifySignature(o.ID, "pi_2", o.ClientSecret))
}

func TestStripe_FetchPayment(t *testing.T) {
	client := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_1","object":"payment_intent","amount":26500,"currency":"inr",
			"status":"succeeded","payment_method_types":["card"]}`))
	})

	p, err := client.FetchPayment(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.TxnCaptured, p.Status)
	assert.Equal(t, "card", p.Method)
	assert.Equal(t, "265.00", p.Amount.StringFixed(2))
}

func TestStripe_NotFound(t *testing.T) {
	client := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such payment_intent"}}`))
	})

	_, err := client.FetchPayment(context.Background(), "pi_x")
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestStripeWebhooks_Parse(t *testing.T) {
	body := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.payment_failed","api_version":"2020-08-27",
		"data":{"object":{"id":"pi_1","object":"payment_intent","amount":26500,"currency":"inr",
		"status":"requires_payment_method","last_payment_error":{"code":"card_declined","message":"Your card was declined."}}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: "whsec_test"})

	h := http.Header{}
	h.Set("Stripe-Signature", signed.Header)
	evt, err := gateway.StripeWebhooks{Secret: "whsec_test"}.ParseWebhook(body, h)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	require.NotNil(t, evt.Payment)
	assert.Equal(t, "pi_1", evt.Payment.OrderID)
	assert.Equal(t, models.TxnFailed, evt.Payment.Status)
	assert.Equal(t, "card_declined", evt.Payment.ErrorCode)

	_, err = gateway.StripeWebhooks{Secret: "other"}.ParseWebhook(body, h)
	assert.ErrorIs(t, err, gateway.ErrInvalidWebhookSignature)
}
