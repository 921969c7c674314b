package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/cache"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/order"
	orderdb "ms-ordering/internal/order/db"
	"ms-ordering/internal/payment/gateway"
	"ms-ordering/internal/payment/storage"
	"ms-ordering/internal/utils"
)

type InitiateResult struct {
	OrderID        string          `json:"orderId"`
	TransactionID  string          `json:"transactionId"`
	GatewayOrderID string          `json:"gatewayOrderId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	GatewayKeyID   string          `json:"gatewayKeyId"`
	Gateway        string          `json:"gateway"`
	QRCode         string          `json:"qrCode,omitempty"`
	UPIIntent      string          `json:"upiIntent,omitempty"`
	ClientSecret   string          `json:"clientSecret,omitempty"`
}

type VerifyRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	GatewaySignature string `json:"gatewaySignature"`
}

type VerifyResult struct {
	OrderID           string                   `json:"orderId"`
	TransactionID     string                   `json:"transactionId"`
	TransactionStatus models.TransactionStatus `json:"transactionStatus"`
	PaymentStatus     models.PaymentStatus     `json:"paymentStatus"`
	OrderStatus       models.OrderStatus       `json:"orderStatus"`
}

type StatusResult struct {
	OrderID       string                   `json:"orderId"`
	OrderStatus   models.OrderStatus       `json:"orderStatus"`
	PaymentStatus models.PaymentStatus     `json:"paymentStatus"`
	TotalPrice    decimal.Decimal          `json:"totalPrice"`
	Transactions  []models.TransactionView `json:"transactions"`
}

type PaymentService struct {
	Orders     *orderdb.DB
	Ledger     *storage.Ledger
	Provider   *gateway.Provider
	Reconciler *Reconciler
	Events     cache.TTLStore
	DedupeTTL  time.Duration
	Logger     *logger.Logger
}

func NewPaymentService(orders *orderdb.DB, ledger *storage.Ledger, provider *gateway.Provider, reconciler *Reconciler, events cache.TTLStore, dedupeTTL time.Duration, log *logger.Logger) *PaymentService {
	return &PaymentService{
		Orders:     orders,
		Ledger:     ledger,
		Provider:   provider,
		Reconciler: reconciler,
		Events:     events,
		DedupeTTL:  dedupeTTL,
		Logger:     log,
	}
}

func (s *PaymentService) ownedOrder(ctx context.Context, caller order.Caller, id string) (*models.Order, error) {
	o, err := s.Orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin && o.UserID != caller.UserID {
		return nil, apperror.NotFound("order %s not found", id)
	}
	return o, nil
}

// Initiate opens a gateway order for the order's total and records it in
// the ledger as created.
func (s *PaymentService) Initiate(ctx context.Context, caller order.Caller, orderID string) (*InitiateResult, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperror.Validation("orderId is required")
	}
	o, err := s.ownedOrder(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OrderPendingPayment {
		return nil, apperror.Validation("order %s is %s, not awaiting payment", o.ID, o.Status)
	}
	if o.PaymentStatus == models.PaymentCompleted || o.PaymentStatus == models.PaymentRefunded {
		return nil, apperror.Validation("order %s is already paid", o.ID)
	}
	if !o.TotalPrice.IsPositive() {
		return nil, apperror.Validation("order %s has nothing to pay", o.ID)
	}

	txnID := utils.NewID("txn")
	gw, err := s.Provider.Client.CreateOrder(ctx, gateway.CreateOrderRequest{
		Amount:   o.TotalPrice,
		Currency: s.Provider.Currency,
		Receipt:  utils.GenerateReceipt(o.ID),
		Notes:    map[string]string{"orderId": o.ID, "transactionId": txnID},
	})
	if err != nil {
		s.Logger.Error("PAYMENT", fmt.Sprintf("create gateway order for %s: %v", o.ID, err))
		return nil, err
	}

	orderRef := o.ID
	row := &models.Transaction{
		ID:             txnID,
		OrderID:        &orderRef,
		Gateway:        s.Provider.Name,
		GatewayOrderID: gw.ID,
		Amount:         o.TotalPrice,
		Currency:       s.Provider.Currency,
		Status:         models.TxnCreated,
	}
	if err := s.Ledger.Create(ctx, row); err != nil {
		return nil, err
	}
	s.Logger.LogPayment("INITIATE", gw.ID, fmt.Sprintf("order %s amount %s %s", o.ID, o.TotalPrice.StringFixed(2), row.Currency))

	return &InitiateResult{
		OrderID:        o.ID,
		TransactionID:  row.ID,
		GatewayOrderID: gw.ID,
		Amount:         o.TotalPrice,
		Currency:       row.Currency,
		GatewayKeyID:   s.Provider.KeyID,
		Gateway:        s.Provider.Name,
		QRCode:         gw.QRCode,
		UPIIntent:      gw.UPIIntent,
		ClientSecret:   gw.ClientSecret,
	}, nil
}

// Verify handles the client app's report of a completed checkout.
func (s *PaymentService) Verify(ctx context.Context, caller order.Caller, req VerifyRequest) (*VerifyResult, error) {
	if req.GatewayOrderID == "" || req.GatewayPaymentID == "" || req.GatewaySignature == "" {
		return nil, apperror.Validation("gatewayOrderId, gatewayPaymentId and gatewaySignature are required")
	}

	row, err := s.Ledger.GetByGatewayOrderID(ctx, req.GatewayOrderID)
	if errors.Is(err, storage.ErrTransactionNotFound) {
		return nil, apperror.Wrap(apperror.KindValidation, err, "Transaction not found for gateway order %s", req.GatewayOrderID)
	}
	if err != nil {
		return nil, err
	}
	if row.OrderID != nil {
		if _, err := s.ownedOrder(ctx, caller, *row.OrderID); err != nil {
			return nil, err
		}
	}

	out, err := s.Reconciler.Apply(ctx, Event{
		Channel:          ChannelVerify,
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.GatewaySignature,
	})
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		TransactionID:     out.Transaction.ID,
		TransactionStatus: out.Transaction.Status,
	}
	if out.Transaction.OrderID != nil {
		o, err := orderdb.LoadOrder(ctx, s.Orders.Bun, *out.Transaction.OrderID)
		if err != nil {
			return nil, err
		}
		result.OrderID = o.ID
		result.PaymentStatus = o.PaymentStatus
		result.OrderStatus = o.Status
	}
	return result, nil
}

// Status returns the order's payment state and ledger history. For gateways
// that are polled, an open attempt is checked with the gateway first.
func (s *PaymentService) Status(ctx context.Context, caller order.Caller, orderID string) (*StatusResult, error) {
	o, err := s.ownedOrder(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	rows, err := s.Ledger.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	if s.poll(ctx, o, rows) {
		if o, err = s.Orders.GetOrderByID(ctx, orderID); err != nil {
			return nil, err
		}
		if rows, err = s.Ledger.ListByOrder(ctx, o.ID); err != nil {
			return nil, err
		}
	}

	views := make([]models.TransactionView, 0, len(rows))
	for i := range rows {
		views = append(views, rows[i].View())
	}
	return &StatusResult{
		OrderID:       o.ID,
		OrderStatus:   o.Status,
		PaymentStatus: o.PaymentStatus,
		TotalPrice:    o.TotalPrice,
		Transactions:  views,
	}, nil
}

// poll asks the gateway about open attempts and reports whether anything moved.
func (s *PaymentService) poll(ctx context.Context, o *models.Order, rows []models.Transaction) bool {
	poller, ok := s.Provider.Poller()
	if !ok || o.PaymentStatus == models.PaymentCompleted || o.PaymentStatus == models.PaymentRefunded {
		return false
	}

	changed := false
	for _, row := range rows {
		if row.Gateway != s.Provider.Name || (row.Status != models.TxnCreated && row.Status != models.TxnAuthorized) {
			continue
		}
		details, err := poller.PollOrder(ctx, row.GatewayOrderID)
		if err != nil {
			s.Logger.Warn("PAYMENT", fmt.Sprintf("poll %s: %v", row.GatewayOrderID, err))
			continue
		}
		if !advances(row.Status, details.Status) {
			continue
		}
		ev := EventFromDetails(ChannelPoll, details)
		ev.GatewayOrderID = row.GatewayOrderID
		out, err := s.Reconciler.Apply(ctx, ev)
		if err != nil {
			s.Logger.Error("PAYMENT", fmt.Sprintf("apply poll result for %s: %v", row.GatewayOrderID, err))
			continue
		}
		changed = changed || out.Changed
	}
	return changed
}

// HandleWebhook authenticates and applies a gateway callback. Only an
// unknown gateway name is reported back; every other failure is logged so
// the gateway is always acknowledged.
func (s *PaymentService) HandleWebhook(ctx context.Context, gatewayName string, body []byte, header http.Header) error {
	if !strings.EqualFold(gatewayName, s.Provider.Name) {
		return apperror.NotFound("unknown gateway %s", gatewayName)
	}

	evt, err := s.Provider.Webhooks.ParseWebhook(body, header)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidWebhookSignature) {
			s.Logger.LogSecurity("WEBHOOK", fmt.Sprintf("%s webhook rejected: %v", gatewayName, err))
		} else {
			s.Logger.Error("WEBHOOK", fmt.Sprintf("%s webhook unreadable: %v", gatewayName, err))
		}
		return nil
	}
	if evt.Payment == nil {
		s.Logger.Debug("WEBHOOK", fmt.Sprintf("%s event %s ignored", gatewayName, evt.Type))
		return nil
	}

	key := ""
	if evt.ID != "" && s.Events != nil {
		key = fmt.Sprintf("webhook:%s:%s", s.Provider.Name, evt.ID)
		fresh, err := s.Events.SetNX(ctx, key, evt.Type, s.DedupeTTL)
		if err != nil {
			s.Logger.Warn("WEBHOOK", fmt.Sprintf("dedupe lookup for %s: %v", evt.ID, err))
			key = ""
		} else if !fresh {
			s.Logger.Info("WEBHOOK", fmt.Sprintf("duplicate event %s skipped", evt.ID))
			return nil
		}
	}

	ev := EventFromDetails(ChannelWebhook, evt.Payment)
	ev.Raw = evt.Raw
	if _, err := s.Reconciler.Apply(ctx, ev); err != nil {
		s.Logger.Error("WEBHOOK", fmt.Sprintf("apply %s event %s: %v", gatewayName, evt.ID, err))
		if key != "" {
			if err := s.Events.Delete(ctx, key); err != nil {
				s.Logger.Warn("WEBHOOK", fmt.Sprintf("release %s: %v", key, err))
			}
		}
	}
	return nil
}
