package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type TransactionStatus string

const (
	TxnCreated    TransactionStatus = "created"
	TxnAuthorized TransactionStatus = "authorized"
	TxnCaptured   TransactionStatus = "captured"
	TxnFailed     TransactionStatus = "failed"
	TxnRefunded   TransactionStatus = "refunded"
)

// Rank orders the forward progress of a payment. Failed and refunded sit outside it.
func (s TransactionStatus) Rank() int {
	switch s {
	case TxnCreated:
		return 1
	case TxnAuthorized:
		return 2
	case TxnCaptured:
		return 3
	default:
		return 0
	}
}

// MetadataEntry is one raw payload seen for a ledger row.
type MetadataEntry struct {
	Source     string          `json:"source"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Transaction is one ledger row. The current row is updated in place during
// reconciliation; refunds always insert a new row.
type Transaction struct {
	bun.BaseModel `bun:"table:payment_transactions,alias:t"`

	ID               string            `bun:"id,pk" json:"id"`
	OrderID          *string           `bun:"order_id" json:"orderId,omitempty"`
	Gateway          string            `bun:"gateway,notnull" json:"gateway"`
	GatewayOrderID   string            `bun:"gateway_order_id,notnull" json:"gatewayOrderId"`
	GatewayPaymentID *string           `bun:"gateway_payment_id" json:"gatewayPaymentId,omitempty"`
	GatewaySignature string            `bun:"gateway_signature" json:"-"`
	Amount           decimal.Decimal   `bun:"amount,type:decimal(12,2),notnull" json:"amount"`
	Currency         string            `bun:"currency,notnull" json:"currency"`
	Status           TransactionStatus `bun:"status,notnull" json:"status"`
	Method           string            `bun:"method" json:"method,omitempty"`
	CardLast4        string            `bun:"card_last4" json:"cardLast4,omitempty"`
	CardNetwork      string            `bun:"card_network" json:"cardNetwork,omitempty"`
	VPA              string            `bun:"vpa" json:"vpa,omitempty"`
	Bank             string            `bun:"bank" json:"bank,omitempty"`
	Wallet           string            `bun:"wallet" json:"wallet,omitempty"`
	ErrorCode        string            `bun:"error_code" json:"errorCode,omitempty"`
	ErrorDescription string            `bun:"error_description" json:"errorDescription,omitempty"`
	RefundID         string            `bun:"refund_id" json:"refundId,omitempty"`
	Metadata         []MetadataEntry   `bun:"metadata,type:jsonb" json:"-"`
	Version          int64             `bun:"version,notnull,default:1" json:"-"`
	CreatedAt        time.Time         `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt        time.Time         `bun:"updated_at,notnull" json:"updatedAt"`
}

// TransactionView is the client-safe projection of a ledger row.
type TransactionView struct {
	ID               string            `json:"id"`
	Gateway          string            `json:"gateway"`
	GatewayOrderID   string            `json:"gatewayOrderId"`
	GatewayPaymentID string            `json:"gatewayPaymentId,omitempty"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Status           TransactionStatus `json:"status"`
	Method           string            `json:"method,omitempty"`
	CardLast4        string            `json:"cardLast4,omitempty"`
	CardNetwork      string            `json:"cardNetwork,omitempty"`
	VPA              string            `json:"vpa,omitempty"`
	Bank             string            `json:"bank,omitempty"`
	Wallet           string            `json:"wallet,omitempty"`
	ErrorCode        string            `json:"errorCode,omitempty"`
	ErrorDescription string            `json:"errorDescription,omitempty"`
	RefundID         string            `json:"refundId,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func (t *Transaction) View() TransactionView {
	v := TransactionView{
		ID:               t.ID,
		Gateway:          t.Gateway,
		GatewayOrderID:   t.GatewayOrderID,
		Amount:           t.Amount,
		Currency:         t.Currency,
		Status:           t.Status,
		Method:           t.Method,
		CardLast4:        t.CardLast4,
		CardNetwork:      t.CardNetwork,
		VPA:              t.VPA,
		Bank:             t.Bank,
		Wallet:           t.Wallet,
		ErrorCode:        t.ErrorCode,
		ErrorDescription: t.ErrorDescription,
		RefundID:         t.RefundID,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if t.GatewayPaymentID != nil {
		v.GatewayPaymentID = *t.GatewayPaymentID
	}
	return v
}
