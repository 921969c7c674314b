// Package pricing turns cart lines into a subtotal and per-category GST.
package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Catalog resolves cart references. ItemSize must load MenuItem and its Category.
// Missing rows are reported as sql.ErrNoRows.
type Catalog interface {
	ItemSize(ctx context.Context, id string) (*models.ItemSize, error)
	AddOn(ctx context.Context, id string) (*models.AddOn, error)
}

type AddOnLine struct {
	AddOnID  string `json:"addOnId"`
	Quantity int    `json:"quantity"`
}

type CartLine struct {
	ItemSizeID string      `json:"itemSizeId"`
	Quantity   int         `json:"quantity"`
	AddOns     []AddOnLine `json:"addOns,omitempty"`
}

type ResolvedAddOn struct {
	AddOn    *models.AddOn
	Quantity int
}

type ResolvedLine struct {
	Size     *models.ItemSize
	Quantity int
	AddOns   []ResolvedAddOn
}

type PricedLine struct {
	ResolvedLine
	LineTotal decimal.Decimal
}

type CategoryTax struct {
	CategoryID string          `json:"categoryId"`
	Name       string          `json:"name"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Rate       decimal.Decimal `json:"rate"`
	GST        decimal.Decimal `json:"gst"`
}

type Quote struct {
	Lines       []PricedLine
	Subtotal    decimal.Decimal
	GSTAmount   decimal.Decimal
	Categories  []CategoryTax
	CategoryIDs []string
	ItemIDs     []string
}

type Engine struct {
	catalog Catalog
}

func NewEngine(catalog Catalog) *Engine {
	return &Engine{catalog: catalog}
}

// Quote resolves every line against the catalog and prices the cart.
// Nothing is written; unknown sizes or add-ons fail with a NotFound error.
func (e *Engine) Quote(ctx context.Context, lines []CartLine) (*Quote, error) {
	if len(lines) == 0 {
		return nil, apperror.Validation("cart is empty")
	}

	resolved := make([]ResolvedLine, 0, len(lines))
	for i, line := range lines {
		if line.Quantity < 1 {
			return nil, apperror.Validation("line %d: quantity must be at least 1", i+1)
		}

		size, err := e.catalog.ItemSize(ctx, line.ItemSizeID)
		if err != nil {
			return nil, lookupError(err, "item size %s not found", line.ItemSizeID)
		}
		if size.MenuItem == nil || size.MenuItem.Category == nil {
			return nil, fmt.Errorf("item size %s loaded without its item and category", size.ID)
		}
		if !size.MenuItem.IsAvailable {
			return nil, apperror.Validation("%s is currently unavailable", size.MenuItem.Name)
		}

		rl := ResolvedLine{Size: size, Quantity: line.Quantity}
		for _, a := range line.AddOns {
			if a.Quantity < 1 {
				return nil, apperror.Validation("line %d: add-on quantity must be at least 1", i+1)
			}
			addOn, err := e.catalog.AddOn(ctx, a.AddOnID)
			if err != nil {
				return nil, lookupError(err, "add-on %s not found", a.AddOnID)
			}
			if addOn.MenuItemID != size.MenuItemID {
				return nil, apperror.Validation("add-on %s does not belong to %s", addOn.Name, size.MenuItem.Name)
			}
			if !addOn.IsAvailable {
				return nil, apperror.Validation("add-on %s is currently unavailable", addOn.Name)
			}
			rl.AddOns = append(rl.AddOns, ResolvedAddOn{AddOn: addOn, Quantity: a.Quantity})
		}
		resolved = append(resolved, rl)
	}

	return Compute(resolved), nil
}

func lookupError(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.NotFound(format, args...)
	}
	return fmt.Errorf("catalog lookup: %w", err)
}

// Compute prices already resolved lines.
//
// line total = base*qty + sum(addOnPrice*addOnQty)*qty
// GST is charged per category on the category subtotal and rounded half-up to
// two places there, never per line.
func Compute(lines []ResolvedLine) *Quote {
	q := &Quote{Subtotal: decimal.Zero, GSTAmount: decimal.Zero}

	byCategory := map[string]*CategoryTax{}
	var categoryOrder []string
	seenItems := map[string]bool{}

	for _, line := range lines {
		qty := decimal.NewFromInt(int64(line.Quantity))
		addOnsPerUnit := decimal.Zero
		for _, a := range line.AddOns {
			addOnsPerUnit = addOnsPerUnit.Add(a.AddOn.Price.Mul(decimal.NewFromInt(int64(a.Quantity))))
		}
		total := line.Size.Price.Mul(qty).Add(addOnsPerUnit.Mul(qty))
		q.Lines = append(q.Lines, PricedLine{ResolvedLine: line, LineTotal: total})

		item := line.Size.MenuItem
		cat := item.Category
		ct, ok := byCategory[cat.ID]
		if !ok {
			ct = &CategoryTax{CategoryID: cat.ID, Name: cat.Name, Subtotal: decimal.Zero, Rate: cat.GSTRate}
			byCategory[cat.ID] = ct
			categoryOrder = append(categoryOrder, cat.ID)
		}
		ct.Subtotal = ct.Subtotal.Add(total)

		if !seenItems[item.ID] {
			seenItems[item.ID] = true
			q.ItemIDs = append(q.ItemIDs, item.ID)
		}
	}

	for _, id := range categoryOrder {
		ct := byCategory[id]
		ct.GST = ct.Subtotal.Mul(ct.Rate).Div(hundred).Round(2)
		q.Subtotal = q.Subtotal.Add(ct.Subtotal)
		q.GSTAmount = q.GSTAmount.Add(ct.GST)
		q.Categories = append(q.Categories, *ct)
		q.CategoryIDs = append(q.CategoryIDs, id)
	}
	q.Subtotal = q.Subtotal.Round(2)
	return q
}

// Total applies the order total rule and clamps at zero.
func Total(subtotal, gst, delivery, discount decimal.Decimal) decimal.Decimal {
	total := subtotal.Add(gst).Add(delivery).Sub(discount).Round(2)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}
