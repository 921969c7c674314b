package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/catalog"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/pricing"
	"ms-ordering/internal/utils"
)

type DB struct {
	Bun    *bun.DB
	Logger *logger.Logger
}

func New(bunDB *bun.DB, log *logger.Logger) *DB {
	return &DB{Bun: bunDB, Logger: log}
}

type CreateOrderInput struct {
	UserID              string
	AddressID           string
	OfferCode           string
	Lines               []pricing.CartLine
	SpecialInstructions string
	DeliveryCharge      decimal.Decimal
	Now                 time.Time
}

// ---------------- CREATE ----------------

// CreateOrder prices the cart, validates the offer and writes the order, its
// items and their add-ons in one transaction. Catalog and usage reads happen
// inside the same transaction, so the offer is judged against the state that
// gets committed.
func (d *DB) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	var created *models.Order

	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Step 1: address must belong to the user
		store := catalog.NewStore(tx)
		addr, err := store.Address(ctx, in.AddressID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("address %s not found", in.AddressID)
		}
		if err != nil {
			return fmt.Errorf("load address: %w", err)
		}
		if addr.UserID != in.UserID {
			return apperror.NotFound("address %s not found", in.AddressID)
		}

		// Step 2: price the cart
		quote, err := pricing.NewEngine(store).Quote(ctx, in.Lines)
		if err != nil {
			return err
		}

		// Step 3: offer
		delivery := in.DeliveryCharge
		discount := decimal.Zero
		var applied *models.Offer
		if code := NormalizeCode(in.OfferCode); code != "" {
			result, o, err := d.evaluateOffer(ctx, tx, in.UserID, code, quote, delivery, in.Now)
			if err != nil {
				return err
			}
			if !result.Valid {
				return apperror.OfferInvalid("%s", result.Message)
			}
			applied = o
			discount = result.DiscountAmount
			if result.FreeDelivery {
				delivery = decimal.Zero
			}
		}

		// Step 4: build the rows
		o := &models.Order{
			ID:                  utils.NewID("ord"),
			UserID:              in.UserID,
			AddressID:           addr.ID,
			AddressSnapshot:     addr.Snapshot(),
			Status:              models.OrderPendingPayment,
			PaymentStatus:       models.PaymentPending,
			Subtotal:            quote.Subtotal,
			GSTAmount:           quote.GSTAmount,
			DiscountAmount:      discount,
			DeliveryCharge:      delivery,
			TotalPrice:          pricing.Total(quote.Subtotal, quote.GSTAmount, delivery, discount),
			SpecialInstructions: strings.TrimSpace(in.SpecialInstructions),
			CreatedAt:           in.Now,
			UpdatedAt:           in.Now,
		}
		if applied != nil {
			o.OfferID = &applied.ID
			o.OfferCode = &applied.Code
		}

		var items []*models.OrderItem
		var addOns []*models.OrderItemAddOn
		for _, line := range quote.Lines {
			item := &models.OrderItem{
				ID:           utils.NewID("oi"),
				OrderID:      o.ID,
				MenuItemID:   line.Size.MenuItemID,
				ItemSizeID:   line.Size.ID,
				CategoryName: line.Size.MenuItem.Category.Name,
				ItemName:     line.Size.MenuItem.Name,
				SizeLabel:    line.Size.Label,
				BasePrice:    line.Size.Price,
				GSTRate:      line.Size.MenuItem.Category.GSTRate,
				Quantity:     line.Quantity,
				LineTotal:    line.LineTotal,
			}
			for _, a := range line.AddOns {
				snap := &models.OrderItemAddOn{
					ID:          utils.NewID("oia"),
					OrderItemID: item.ID,
					AddOnID:     a.AddOn.ID,
					Name:        a.AddOn.Name,
					Price:       a.AddOn.Price,
					Quantity:    a.Quantity,
				}
				item.AddOns = append(item.AddOns, snap)
				addOns = append(addOns, snap)
			}
			items = append(items, item)
		}

		// Step 5: persist
		if _, err := tx.NewInsert().Model(o).Exec(ctx); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if _, err := tx.NewInsert().Model(&items).Exec(ctx); err != nil {
			return fmt.Errorf("insert order items: %w", err)
		}
		if len(addOns) > 0 {
			if _, err := tx.NewInsert().Model(&addOns).Exec(ctx); err != nil {
				return fmt.Errorf("insert order item add-ons: %w", err)
			}
		}

		o.Items = items
		created = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.Logger.LogDatabase("INSERT", "orders", fmt.Sprintf("order %s with %d items committed", created.ID, len(created.Items)))
	return created, nil
}

// ---------------- READ ----------------

// GetOrderByID loads an order with its items and add-ons.
func (d *DB) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	o := new(models.Order)
	err := d.Bun.NewSelect().
		Model(o).
		Relation("Items").
		Relation("Items.AddOns").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

// LoadOrder reads the bare order row through idb (pool or transaction).
func LoadOrder(ctx context.Context, idb bun.IDB, id string) (*models.Order, error) {
	o := new(models.Order)
	err := idb.NewSelect().Model(o).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

func (d *DB) ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders for %s: %w", userID, err)
	}
	return orders, nil
}

// ---------------- UPDATE ----------------

// UpdateStatus writes a status change only if the row still holds from.
func (d *DB) UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, reason string, now time.Time) error {
	q := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", from)
	if reason != "" {
		q = q.Set("cancel_reason = ?", reason)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("update order %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.KindConflict, "order %s is no longer %s", id, from)
	}
	d.Logger.LogDatabase("UPDATE", "orders", fmt.Sprintf("order %s %s -> %s", id, from, to))
	return nil
}

// MarkPaymentCompleted flips payment_status to completed and, when the order
// is still awaiting payment, status to pending. It reports whether this call
// made the change; a second caller for the same order gets false.
func MarkPaymentCompleted(ctx context.Context, idb bun.IDB, id string, now time.Time) (bool, error) {
	res, err := idb.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payment_status = ?", models.PaymentCompleted).
		Set("status = CASE WHEN status = ? THEN ? ELSE status END", models.OrderPendingPayment, models.OrderPending).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("payment_status <> ?", models.PaymentCompleted).
		Where("payment_status <> ?", models.PaymentRefunded).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("mark order %s paid: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetPaymentStatus moves payment_status to status unless it currently holds
// one of the protected values. Returns whether a row changed.
func SetPaymentStatus(ctx context.Context, idb bun.IDB, id string, status models.PaymentStatus, now time.Time, protected ...models.PaymentStatus) (bool, error) {
	q := idb.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payment_status = ?", status).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("payment_status <> ?", status)
	if len(protected) > 0 {
		q = q.Where("payment_status NOT IN (?)", bun.In(protected))
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("set order %s payment status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
