// Package services holds the payment use cases: initiating a gateway
// payment, reconciling what the gateway reports, and refunds.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/notification"
	"ms-ordering/internal/order"
	orderdb "ms-ordering/internal/order/db"
	"ms-ordering/internal/payment/gateway"
	"ms-ordering/internal/payment/storage"
)

// Notifier emits a templated notification without waiting for delivery.
type Notifier interface {
	CreateNotification(ctx context.Context, template string, data map[string]any)
}

// Channel is how news about a payment arrived.
type Channel string

const (
	ChannelVerify  Channel = "verify"
	ChannelWebhook Channel = "webhook"
	ChannelPoll    Channel = "poll"
)

// SignatureMismatch is the error code stored on a ledger row whose client
// signature did not verify.
const SignatureMismatch = "SIGNATURE_MISMATCH"

const maxApplyAttempts = 3

// Event is one report about a gateway payment. On the verify channel Status
// may be left empty; Apply then asks the gateway.
type Event struct {
	Channel          Channel
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Status           models.TransactionStatus
	Method           string
	CardLast4        string
	CardNetwork      string
	VPA              string
	Bank             string
	Wallet           string
	ErrorCode        string
	ErrorDescription string
	Raw              json.RawMessage
}

// EventFromDetails copies what the gateway reported into an Event.
func EventFromDetails(ch Channel, d *gateway.PaymentDetails) Event {
	return Event{
		Channel:          ch,
		GatewayOrderID:   d.OrderID,
		GatewayPaymentID: d.ID,
		Status:           d.Status,
		Method:           d.Method,
		CardLast4:        d.CardLast4,
		CardNetwork:      d.CardNetwork,
		VPA:              d.VPA,
		Bank:             d.Bank,
		Wallet:           d.Wallet,
		ErrorCode:        d.ErrorCode,
		ErrorDescription: d.ErrorDescription,
		Raw:              d.Raw,
	}
}

// Outcome is the ledger row after Apply and whether Apply moved it.
type Outcome struct {
	Transaction *models.Transaction
	Changed     bool
}

// Reconciler is the only writer of payment state on the order and the
// ledger. Verify, webhooks and polling all go through Apply, so whichever
// arrives first does the work and the rest are no-ops.
type Reconciler struct {
	DB       *bun.DB
	Ledger   *storage.Ledger
	Provider *gateway.Provider
	Notifier Notifier
	Logger   *logger.Logger
	Now      func() time.Time
}

func NewReconciler(bunDB *bun.DB, ledger *storage.Ledger, provider *gateway.Provider, notifier Notifier, log *logger.Logger) *Reconciler {
	return &Reconciler{
		DB:       bunDB,
		Ledger:   ledger,
		Provider: provider,
		Notifier: notifier,
		Logger:   log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Apply(ctx context.Context, ev Event) (*Outcome, error) {
	row, err := r.Ledger.GetByGatewayOrderID(ctx, ev.GatewayOrderID)
	if errors.Is(err, storage.ErrTransactionNotFound) {
		return nil, apperror.Wrap(apperror.KindNotFound, err, "no payment for gateway order %s", ev.GatewayOrderID)
	}
	if err != nil {
		return nil, err
	}

	if ev.Channel == ChannelVerify {
		if !r.Provider.Client.VerifySignature(ev.GatewayOrderID, ev.GatewayPaymentID, ev.Signature) {
			r.Logger.LogSecurity("SIGNATURE", fmt.Sprintf("verify failed for gateway order %s", ev.GatewayOrderID))
			if err := r.failSignature(ctx, ev); err != nil {
				r.Logger.Error("PAYMENT", fmt.Sprintf("record signature failure for %s: %v", ev.GatewayOrderID, err))
			}
			return nil, apperror.New(apperror.KindSignatureVerificationFailed, "Payment signature verification failed")
		}
		if ev.Status == "" {
			if ev, err = r.resolveVerified(ctx, ev); err != nil {
				return nil, err
			}
		}
	}

	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		if attempt > 1 {
			if row, err = r.Ledger.GetByGatewayOrderID(ctx, ev.GatewayOrderID); err != nil {
				return nil, err
			}
		}

		if !advances(row.Status, ev.Status) {
			r.recordOnly(ctx, row, ev)
			return &Outcome{Transaction: row}, nil
		}

		effects, err := r.transition(ctx, row, ev)
		if errors.Is(err, storage.ErrConcurrentUpdate) {
			r.Logger.Debug("PAYMENT", fmt.Sprintf("%s moved underneath %s, retrying", row.ID, ev.Channel))
			continue
		}
		if err != nil {
			return nil, err
		}

		r.Logger.LogPayment(string(ev.Channel), ev.GatewayOrderID, fmt.Sprintf("%s -> %s", effects.from, row.Status))
		r.notify(ctx, row, effects)
		return &Outcome{Transaction: row, Changed: true}, nil
	}
	return nil, apperror.Wrap(apperror.KindConflict, storage.ErrConcurrentUpdate,
		"payment %s is being updated concurrently, retry", ev.GatewayOrderID)
}

// resolveVerified fills in the status of a payment whose signature checked
// out. Gateways where the signature proves capture fall back to captured
// when the lookup fails; the rest hand the lookup error back so the caller
// can retry.
func (r *Reconciler) resolveVerified(ctx context.Context, ev Event) (Event, error) {
	details, err := r.Provider.Client.FetchPayment(ctx, ev.GatewayPaymentID)
	if err == nil && details.Status != "" {
		resolved := EventFromDetails(ChannelVerify, details)
		resolved.GatewayOrderID = ev.GatewayOrderID
		resolved.GatewayPaymentID = ev.GatewayPaymentID
		resolved.Signature = ev.Signature
		return resolved, nil
	}
	if err != nil {
		r.Logger.Warn("PAYMENT", fmt.Sprintf("fetch payment %s after verify: %v", ev.GatewayPaymentID, err))
		if !r.Provider.SignedCapture {
			return ev, err
		}
	}
	if r.Provider.SignedCapture {
		ev.Status = models.TxnCaptured
	} else {
		ev.Status = models.TxnCreated
	}
	return ev, nil
}

// advances reports whether moving a row from current to target is progress.
// Failed never overrides a capture, a failed row can still be captured by a
// later attempt, and refunded rows are final.
func advances(current, target models.TransactionStatus) bool {
	switch {
	case target == "" || current == models.TxnRefunded || target == models.TxnRefunded:
		return false
	case target == models.TxnFailed:
		return current == models.TxnCreated || current == models.TxnAuthorized
	case current == models.TxnFailed:
		return target == models.TxnAuthorized || target == models.TxnCaptured
	default:
		return target.Rank() > current.Rank()
	}
}

type effects struct {
	from         models.TransactionStatus
	order        *models.Order
	firstCapture bool
	newOrder     bool
}

func (r *Reconciler) transition(ctx context.Context, row *models.Transaction, ev Event) (*effects, error) {
	now := r.Now()
	next := *row
	next.Status = ev.Status
	if ev.GatewayPaymentID != "" {
		pid := ev.GatewayPaymentID
		next.GatewayPaymentID = &pid
	}
	if ev.Signature != "" {
		next.GatewaySignature = ev.Signature
	}
	mergeInstrument(&next, ev)
	next.Metadata = appendEntry(row.Metadata, ev, now)

	out := &effects{from: row.Status}
	err := r.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := r.Ledger.WithTx(tx).Update(ctx, &next); err != nil {
			return err
		}
		if next.OrderID == nil {
			return nil
		}
		orderID := *next.OrderID

		o, err := orderdb.LoadOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		switch next.Status {
		case models.TxnCaptured:
			changed, err := orderdb.MarkPaymentCompleted(ctx, tx, orderID, now)
			if err != nil {
				return err
			}
			out.firstCapture = changed
			if changed {
				// MarkPaid only succeeds from pending_payment, which is when the
				// kitchen has not heard of the order yet.
				out.newOrder = order.MarkPaid(o) == nil
				o.PaymentStatus = models.PaymentCompleted
			}
		case models.TxnAuthorized:
			if _, err := orderdb.SetPaymentStatus(ctx, tx, orderID, models.PaymentProcessing, now,
				models.PaymentCompleted, models.PaymentRefunded); err != nil {
				return err
			}
		case models.TxnFailed:
			if _, err := orderdb.SetPaymentStatus(ctx, tx, orderID, models.PaymentFailed, now,
				models.PaymentCompleted, models.PaymentRefunded); err != nil {
				return err
			}
		}
		out.order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	*row = next
	return out, nil
}

func (r *Reconciler) notify(ctx context.Context, row *models.Transaction, fx *effects) {
	if fx.order == nil {
		return
	}
	o := fx.order
	data := map[string]any{
		"userId":        o.UserID,
		"orderId":       o.ID,
		"transactionId": row.ID,
		"amount":        row.Amount.StringFixed(2),
		"currency":      row.Currency,
		"orderStatus":   string(o.Status),
	}

	switch row.Status {
	case models.TxnCaptured:
		if !fx.firstCapture {
			return
		}
		r.Notifier.CreateNotification(ctx, notification.PaymentCompleted, data)
		if fx.newOrder {
			r.Notifier.CreateNotification(ctx, notification.AdminNewOrder, map[string]any{
				"orderId":         o.ID,
				"userId":          o.UserID,
				"totalPrice":      o.TotalPrice.StringFixed(2),
				"addressSnapshot": o.AddressSnapshot,
			})
		}
		r.Notifier.CreateNotification(ctx, notification.AdminPaymentReceived, data)
	case models.TxnFailed:
		if fx.from != models.TxnCreated && fx.from != models.TxnAuthorized {
			return
		}
		// a stray attempt failing after another one paid is not news to the customer
		if o.PaymentStatus == models.PaymentCompleted || o.PaymentStatus == models.PaymentRefunded {
			return
		}
		data["reason"] = row.ErrorDescription
		data["errorCode"] = row.ErrorCode
		r.Notifier.CreateNotification(ctx, notification.PaymentFailed, data)
	}
}

// failSignature marks the row and the order failed after a bad verify
// signature. A captured row is left alone.
func (r *Reconciler) failSignature(ctx context.Context, ev Event) error {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		row, err := r.Ledger.GetByGatewayOrderID(ctx, ev.GatewayOrderID)
		if err != nil {
			return err
		}
		if !advances(row.Status, models.TxnFailed) {
			return nil
		}

		now := r.Now()
		next := *row
		next.Status = models.TxnFailed
		next.ErrorCode = SignatureMismatch
		next.ErrorDescription = "Payment signature verification failed"
		next.Metadata = appendEntry(row.Metadata, ev, now)

		err = r.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if err := r.Ledger.WithTx(tx).Update(ctx, &next); err != nil {
				return err
			}
			if next.OrderID == nil {
				return nil
			}
			_, err := orderdb.SetPaymentStatus(ctx, tx, *next.OrderID, models.PaymentFailed, now,
				models.PaymentCompleted, models.PaymentRefunded)
			return err
		})
		if errors.Is(err, storage.ErrConcurrentUpdate) {
			continue
		}
		return err
	}
	return storage.ErrConcurrentUpdate
}

func (r *Reconciler) recordOnly(ctx context.Context, row *models.Transaction, ev Event) {
	if len(ev.Raw) == 0 {
		return
	}
	if err := r.Ledger.AppendMetadata(ctx, row.ID, entry(ev, r.Now())); err != nil {
		r.Logger.Warn("PAYMENT", fmt.Sprintf("keep %s payload for %s: %v", ev.Channel, row.ID, err))
	}
	r.Logger.Debug("PAYMENT", fmt.Sprintf("%s for %s already at %s", ev.Channel, row.GatewayOrderID, row.Status))
}

func mergeInstrument(t *models.Transaction, ev Event) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&t.Method, ev.Method)
	set(&t.CardLast4, ev.CardLast4)
	set(&t.CardNetwork, ev.CardNetwork)
	set(&t.VPA, ev.VPA)
	set(&t.Bank, ev.Bank)
	set(&t.Wallet, ev.Wallet)
	if ev.Status == models.TxnFailed {
		set(&t.ErrorCode, ev.ErrorCode)
		set(&t.ErrorDescription, ev.ErrorDescription)
	} else {
		t.ErrorCode = ""
		t.ErrorDescription = ""
	}
}

func entry(ev Event, now time.Time) models.MetadataEntry {
	return models.MetadataEntry{Source: string(ev.Channel), ReceivedAt: now, Payload: ev.Raw}
}

func appendEntry(entries []models.MetadataEntry, ev Event, now time.Time) []models.MetadataEntry {
	out := make([]models.MetadataEntry, 0, len(entries)+1)
	out = append(out, entries...)
	return append(out, entry(ev, now))
}
