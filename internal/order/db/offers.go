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

	"ms-ordering/internal/catalog"
	"ms-ordering/internal/models"
	"ms-ordering/internal/offer"
	"ms-ordering/internal/pricing"
)

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// OfferByCode returns nil, nil when no offer carries the code.
func OfferByCode(ctx context.Context, idb bun.IDB, code string) (*models.Offer, error) {
	o := new(models.Offer)
	err := idb.NewSelect().Model(o).Where("code = ?", NormalizeCode(code)).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load offer %s: %w", code, err)
	}
	return o, nil
}

// OfferHistory counts the user's non-cancelled orders, overall and with the offer.
func OfferHistory(ctx context.Context, idb bun.IDB, userID, offerID string) (offer.History, error) {
	var h offer.History

	total, err := idb.NewSelect().
		Model((*models.Order)(nil)).
		Where("user_id = ?", userID).
		Where("status <> ?", models.OrderCancelled).
		Count(ctx)
	if err != nil {
		return h, fmt.Errorf("count orders for %s: %w", userID, err)
	}
	h.NonCancelledOrders = total

	if offerID != "" {
		uses, err := idb.NewSelect().
			Model((*models.Order)(nil)).
			Where("user_id = ?", userID).
			Where("offer_id = ?", offerID).
			Where("status <> ?", models.OrderCancelled).
			Count(ctx)
		if err != nil {
			return h, fmt.Errorf("count offer uses for %s: %w", userID, err)
		}
		h.OfferUses = uses
	}
	return h, nil
}

func (d *DB) evaluateOffer(ctx context.Context, idb bun.IDB, userID, code string, quote *pricing.Quote, delivery decimal.Decimal, now time.Time) (offer.Result, *models.Offer, error) {
	o, err := OfferByCode(ctx, idb, code)
	if err != nil {
		return offer.Result{}, nil, err
	}

	var history offer.History
	if o != nil {
		history, err = OfferHistory(ctx, idb, userID, o.ID)
		if err != nil {
			return offer.Result{}, nil, err
		}
	}

	result := offer.Validate(o, offer.Input{
		Code:           code,
		UserID:         userID,
		Subtotal:       quote.Subtotal,
		CategoryIDs:    quote.CategoryIDs,
		ItemIDs:        quote.ItemIDs,
		DeliveryCharge: delivery,
		Now:            now,
		History:        history,
	})
	return result, o, nil
}

// PreviewOffer prices the cart and checks the offer without writing anything.
func (d *DB) PreviewOffer(ctx context.Context, userID, code string, lines []pricing.CartLine, delivery decimal.Decimal, now time.Time) (*pricing.Quote, offer.Result, error) {
	quote, err := pricing.NewEngine(catalog.NewStore(d.Bun)).Quote(ctx, lines)
	if err != nil {
		return nil, offer.Result{}, err
	}
	result, _, err := d.evaluateOffer(ctx, d.Bun, userID, NormalizeCode(code), quote, delivery, now)
	if err != nil {
		return nil, offer.Result{}, err
	}
	return quote, result, nil
}
