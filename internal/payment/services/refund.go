package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/notification"
	orderdb "ms-ordering/internal/order/db"
	"ms-ordering/internal/payment/gateway"
	"ms-ordering/internal/payment/storage"
	"ms-ordering/internal/utils"
)

type RefundRequest struct {
	OrderID string           `json:"orderId"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

type RefundResult struct {
	OrderID       string               `json:"orderId"`
	TransactionID string               `json:"transactionId"`
	RefundID      string               `json:"refundId"`
	Amount        decimal.Decimal      `json:"amount"`
	PaymentStatus models.PaymentStatus `json:"paymentStatus"`
}

type RefundCoordinator struct {
	DB       *bun.DB
	Ledger   *storage.Ledger
	Provider *gateway.Provider
	Notifier Notifier
	Logger   *logger.Logger
	Now      func() time.Time
}

func NewRefundCoordinator(bunDB *bun.DB, ledger *storage.Ledger, provider *gateway.Provider, notifier Notifier, log *logger.Logger) *RefundCoordinator {
	return &RefundCoordinator{
		DB:       bunDB,
		Ledger:   ledger,
		Provider: provider,
		Notifier: notifier,
		Logger:   log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *RefundCoordinator) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, apperror.Validation("orderId is required")
	}
	o, err := orderdb.LoadOrder(ctx, c.DB, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Status == models.OrderPreparing {
		return nil, apperror.Validation("order %s is being prepared and cannot be refunded", o.ID)
	}
	if o.PaymentStatus != models.PaymentCompleted {
		return nil, apperror.Validation("order %s payment is %s, only completed payments can be refunded", o.ID, o.PaymentStatus)
	}

	paid, err := c.Ledger.FindRefundable(ctx, o.ID)
	if errors.Is(err, storage.ErrTransactionNotFound) {
		return nil, apperror.Wrap(apperror.KindNotFound, err, "no captured payment for order %s", o.ID)
	}
	if err != nil {
		return nil, err
	}
	if paid.GatewayPaymentID == nil || *paid.GatewayPaymentID == "" {
		return nil, apperror.Validation("payment for order %s has no gateway payment id", o.ID)
	}

	amount := paid.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !amount.IsPositive() || amount.GreaterThan(paid.Amount) {
		return nil, apperror.Validation("refund amount must be greater than 0 and at most %s", paid.Amount.StringFixed(2))
	}
	amount = amount.Round(2)
	reason := strings.TrimSpace(req.Reason)

	refund, err := c.Provider.Client.CreateRefund(ctx, *paid.GatewayPaymentID, &amount, map[string]string{
		"orderId": o.ID,
		"reason":  reason,
	})
	if errors.Is(err, gateway.ErrManualRefundRequired) {
		return nil, apperror.Wrap(apperror.KindValidation, err, "manual refund required: the %s gateway cannot refund through its API", c.Provider.Name)
	}
	if err != nil {
		c.Logger.Error("PAYMENT", fmt.Sprintf("refund %s for order %s: %v", *paid.GatewayPaymentID, o.ID, err))
		return nil, err
	}

	now := c.Now()
	orderRef := o.ID
	paymentID := *paid.GatewayPaymentID
	row := &models.Transaction{
		ID:               utils.NewID("txn"),
		OrderID:          &orderRef,
		Gateway:          paid.Gateway,
		GatewayOrderID:   paid.GatewayOrderID,
		GatewayPaymentID: &paymentID,
		Amount:           amount,
		Currency:         paid.Currency,
		Status:           models.TxnRefunded,
		Method:           paid.Method,
		RefundID:         refund.ID,
		Metadata: []models.MetadataEntry{{
			Source:     "refund",
			ReceivedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = c.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := c.Ledger.WithTx(tx).Create(ctx, row); err != nil {
			return err
		}
		changed, err := orderdb.SetPaymentStatus(ctx, tx, o.ID, models.PaymentRefunded, now)
		if err != nil {
			return err
		}
		if !changed {
			c.Logger.Warn("PAYMENT", fmt.Sprintf("order %s was already refunded", o.ID))
		}
		return nil
	})
	if err != nil {
		// The gateway has already moved the money; the ledger must be fixed by hand.
		c.Logger.Error("PAYMENT", fmt.Sprintf("refund %s issued but not recorded for order %s: %v", refund.ID, o.ID, err))
		return nil, err
	}
	c.Logger.LogPayment("REFUND", paid.GatewayOrderID, fmt.Sprintf("%s %s refunded for order %s", amount.StringFixed(2), row.Currency, o.ID))

	data := map[string]any{
		"userId":   o.UserID,
		"orderId":  o.ID,
		"refundId": refund.ID,
		"amount":   amount.StringFixed(2),
		"currency": row.Currency,
		"reason":   reason,
	}
	c.Notifier.CreateNotification(ctx, notification.RefundProcessed, data)
	c.Notifier.CreateNotification(ctx, notification.AdminRefundProcessed, data)

	return &RefundResult{
		OrderID:       o.ID,
		TransactionID: row.ID,
		RefundID:      refund.ID,
		Amount:        amount,
		PaymentStatus: models.PaymentRefunded,
	}, nil
}
