package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"ms-ordering/internal/cache"
	"ms-ordering/internal/config"
)

const sandboxSecret = "sandbox_key_secret"

// NewProvider builds the gateway selected by cfg. store backs the sandbox
// variants and may be nil otherwise.
func NewProvider(cfg config.GatewayConfig, store cache.TTLStore, httpClient *http.Client) (*Provider, error) {
	p := &Provider{
		Name:          cfg.Provider,
		KeyID:         cfg.KeyID,
		Currency:      cfg.Currency,
		SignedCapture: true,
	}
	if p.Currency == "" {
		p.Currency = "INR"
	}

	rest := RESTOptions{
		BaseURL:       cfg.BaseURL,
		KeyID:         cfg.KeyID,
		KeySecret:     cfg.KeySecret,
		CreateTimeout: cfg.CreateTimeout,
		FetchTimeout:  cfg.FetchTimeout,
		HTTPClient:    httpClient,
	}

	if cfg.Mock {
		if store == nil {
			return nil, errors.New("sandbox gateway needs a TTL store")
		}
		secret := cfg.KeySecret
		if secret == "" {
			secret = sandboxSecret
		}
		if p.KeyID == "" {
			p.KeyID = "sandbox_" + cfg.Provider
		}
		switch cfg.Provider {
		case "razorpay":
			p.Client = NewMockCollectClient(store, secret, cfg.MockStateTTL)
			p.Webhooks = RazorpayWebhooks{Secret: cfg.WebhookSecret}
		case "qr":
			p.Client = NewMockQRClient(store, secret, cfg.MerchantVPA, cfg.MerchantName, cfg.MockStateTTL)
			p.Webhooks = QRWebhooks{Secret: cfg.WebhookSecret}
		default:
			return nil, fmt.Errorf("no sandbox variant for gateway %q", cfg.Provider)
		}
		return p, nil
	}

	switch cfg.Provider {
	case "razorpay":
		p.Client = NewRazorpayClient(rest)
		p.Webhooks = RazorpayWebhooks{Secret: cfg.WebhookSecret}
	case "qr":
		p.Client = NewQRClient(QROptions{RESTOptions: rest, MerchantVPA: cfg.MerchantVPA, MerchantName: cfg.MerchantName})
		p.Webhooks = QRWebhooks{Secret: cfg.WebhookSecret}
	case "stripe":
		p.Client = NewStripeClient(StripeOptions{
			SecretKey:     cfg.StripeKey,
			CreateTimeout: cfg.CreateTimeout,
			FetchTimeout:  cfg.FetchTimeout,
		})
		p.Webhooks = StripeWebhooks{Secret: cfg.WebhookSecret}
		p.SignedCapture = false
	default:
		return nil, fmt.Errorf("unknown payment gateway %q", cfg.Provider)
	}
	return p, nil
}
