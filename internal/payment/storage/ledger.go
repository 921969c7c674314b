// Package storage is the payment transaction ledger.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
)

var (
	ErrTransactionNotFound = errors.New("payment transaction not found")
	// ErrConcurrentUpdate means the row changed since it was read.
	ErrConcurrentUpdate = errors.New("payment transaction was modified concurrently")
)

type Ledger struct {
	db  bun.IDB
	log *logger.Logger
}

func NewLedger(db bun.IDB, log *logger.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

// WithTx returns a ledger whose queries run inside tx.
func (l *Ledger) WithTx(tx bun.Tx) *Ledger {
	return &Ledger{db: tx, log: l.log}
}

func (l *Ledger) Create(ctx context.Context, t *models.Transaction) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	t.Version = 1
	if _, err := l.db.NewInsert().Model(t).Exec(ctx); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	l.log.LogDatabase("INSERT", "payment_transactions", fmt.Sprintf("%s %s %s", t.ID, t.GatewayOrderID, t.Status))
	return nil
}

func (l *Ledger) scanOne(ctx context.Context, q *bun.SelectQuery, what string) (*models.Transaction, error) {
	t := new(models.Transaction)
	err := q.Model(t).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, what)
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", what, err)
	}
	return t, nil
}

func (l *Ledger) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	return l.scanOne(ctx, l.db.NewSelect().Where("id = ?", id), id)
}

// GetByGatewayOrderID returns the payment row for a gateway order. Refund
// rows share the gateway order id and are skipped.
func (l *Ledger) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Transaction, error) {
	q := l.db.NewSelect().
		Where("gateway_order_id = ?", gatewayOrderID).
		Where("refund_id = ''").
		Order("created_at ASC")
	return l.scanOne(ctx, q, gatewayOrderID)
}

// FindRefundable returns the latest captured or authorized row of an order.
func (l *Ledger) FindRefundable(ctx context.Context, orderID string) (*models.Transaction, error) {
	q := l.db.NewSelect().
		Where("order_id = ?", orderID).
		Where("status IN (?)", bun.In([]models.TransactionStatus{models.TxnCaptured, models.TxnAuthorized})).
		Where("refund_id = ''").
		Order("created_at DESC")
	return l.scanOne(ctx, q, "refundable for order "+orderID)
}

func (l *Ledger) ListByOrder(ctx context.Context, orderID string) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := l.db.NewSelect().
		Model(&rows).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transactions for order %s: %w", orderID, err)
	}
	return rows, nil
}

// Update writes t if nobody else did since it was read. On success t.Version
// is advanced to the stored value.
func (l *Ledger) Update(ctx context.Context, t *models.Transaction) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := l.db.NewUpdate().
		Model((*models.Transaction)(nil)).
		Set("gateway_payment_id = ?", t.GatewayPaymentID).
		Set("gateway_signature = ?", t.GatewaySignature).
		Set("status = ?", t.Status).
		Set("method = ?", t.Method).
		Set("card_last4 = ?", t.CardLast4).
		Set("card_network = ?", t.CardNetwork).
		Set("vpa = ?", t.VPA).
		Set("bank = ?", t.Bank).
		Set("wallet = ?", t.Wallet).
		Set("error_code = ?", t.ErrorCode).
		Set("error_description = ?", t.ErrorDescription).
		Set("metadata = ?", metadataValue(t.Metadata)).
		Set("updated_at = ?", t.UpdatedAt).
		Set("version = version + 1").
		Where("id = ?", t.ID).
		Where("version = ?", t.Version).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConcurrentUpdate, t.ID, t.Version)
	}
	t.Version++
	l.log.LogDatabase("UPDATE", "payment_transactions", fmt.Sprintf("%s -> %s (v%d)", t.ID, t.Status, t.Version))
	return nil
}

// AppendMetadata records a raw payload against a row without touching its
// state. It retries when the row moves underneath it.
func (l *Ledger) AppendMetadata(ctx context.Context, id string, entry models.MetadataEntry) error {
	for attempt := 0; attempt < 3; attempt++ {
		t, err := l.GetByID(ctx, id)
		if err != nil {
			return err
		}
		t.Metadata = append(t.Metadata, entry)
		res, err := l.db.NewUpdate().
			Model((*models.Transaction)(nil)).
			Set("metadata = ?", metadataValue(t.Metadata)).
			Set("version = version + 1").
			Where("id = ?", id).
			Where("version = ?", t.Version).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("append metadata to %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrConcurrentUpdate, id)
}

func metadataValue(entries []models.MetadataEntry) string {
	if entries == nil {
		entries = []models.MetadataEntry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(b)
}
