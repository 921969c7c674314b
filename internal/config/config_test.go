package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8084", cfg.Server.Port)
	assert.Equal(t, "razorpay", cfg.Gateway.Provider)
	assert.Equal(t, "INR", cfg.Gateway.Currency)
	assert.Equal(t, 30*time.Second, cfg.Gateway.CreateTimeout)
	assert.Equal(t, 15*time.Second, cfg.Gateway.FetchTimeout)
	assert.Equal(t, "40.00", cfg.Pricing.DeliveryCharge.StringFixed(2))
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PAYMENT_GATEWAY", "QR")
	t.Setenv("PAYMENT_MOCK", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("GATEWAY_FETCH_TIMEOUT", "3s")
	t.Setenv("DEFAULT_DELIVERY_CHARGE", "25.5")
	t.Setenv("DB_MAX_OPEN_CONNS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "qr", cfg.Gateway.Provider)
	assert.True(t, cfg.Gateway.Mock)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Gateway.FetchTimeout)
	assert.Equal(t, "25.50", cfg.Pricing.DeliveryCharge.StringFixed(2))
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func validConfig() *Config {
	cfg := Load()
	cfg.Gateway = GatewayConfig{Provider: "razorpay", KeyID: "rzp_test", KeySecret: "secret", WebhookSecret: "whsec"}
	cfg.Auth = AuthConfig{JWTSecret: "jwt"}
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]struct {
		mutate func(c *Config)
		want   string
	}{
		"missing razorpay keys": {
			mutate: func(c *Config) { c.Gateway.KeySecret = "" },
			want:   "GATEWAY_KEY_SECRET",
		},
		"qr without vpa": {
			mutate: func(c *Config) { c.Gateway.Provider = "qr"; c.Gateway.BaseURL = "https://qr.example" },
			want:   "QR_MERCHANT_VPA",
		},
		"qr without base url": {
			mutate: func(c *Config) { c.Gateway.Provider = "qr"; c.Gateway.MerchantVPA = "shop@bank" },
			want:   "GATEWAY_BASE_URL",
		},
		"stripe without key": {
			mutate: func(c *Config) { c.Gateway.Provider = "stripe" },
			want:   "STRIPE_SECRET_KEY",
		},
		"stripe sandbox": {
			mutate: func(c *Config) { c.Gateway.Provider = "stripe"; c.Gateway.StripeKey = "sk_test"; c.Gateway.Mock = true },
			want:   "no sandbox variant",
		},
		"unknown gateway": {
			mutate: func(c *Config) { c.Gateway.Provider = "paypal" },
			want:   "unknown PAYMENT_GATEWAY",
		},
		"no webhook secret": {
			mutate: func(c *Config) { c.Gateway.WebhookSecret = "" },
			want:   "GATEWAY_WEBHOOK_SECRET",
		},
		"no auth": {
			mutate: func(c *Config) { c.Auth.JWTSecret = "" },
			want:   "OIDC_ISSUER or JWT_SECRET",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("sandbox needs no keys", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gateway.Provider = "qr"
		cfg.Gateway.Mock = true
		cfg.Gateway.KeyID, cfg.Gateway.KeySecret = "", ""
		assert.NoError(t, cfg.Validate())
	})
}
