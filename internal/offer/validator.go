// Package offer decides whether a promo code applies to a cart and what it is worth.
package offer

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"ms-ordering/internal/models"
)

var hundred = decimal.NewFromInt(100)

// History is the user's order history relevant to an offer. Both counts
// exclude cancelled orders.
type History struct {
	NonCancelledOrders int
	OfferUses          int
}

type Input struct {
	Code           string
	UserID         string
	Subtotal       decimal.Decimal
	CategoryIDs    []string
	ItemIDs        []string
	DeliveryCharge decimal.Decimal
	Now            time.Time
	History        History
}

type Result struct {
	Valid          bool            `json:"valid"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	FreeDelivery   bool            `json:"freeDelivery"`
	Message        string          `json:"message"`
}

func reject(format string, args ...any) Result {
	return Result{DiscountAmount: decimal.Zero, Message: fmt.Sprintf(format, args...)}
}

// Validate checks every eligibility rule in order and stops at the first
// failure. It reads no clock or state beyond its arguments.
func Validate(o *models.Offer, in Input) Result {
	// Step 1: existence and activation
	if o == nil {
		return reject("Offer code %s not found", in.Code)
	}
	if !o.IsActive {
		return reject("Offer %s is not active", o.Code)
	}

	// Step 2: validity window
	if o.ValidFrom != nil && in.Now.Before(*o.ValidFrom) {
		return reject("Offer %s is not yet valid", o.Code)
	}
	if o.ValidTo != nil && in.Now.After(*o.ValidTo) {
		return reject("Offer %s has expired", o.Code)
	}

	// Step 3: minimum order value
	if o.MinOrderValue.Valid && in.Subtotal.LessThan(o.MinOrderValue.Decimal) {
		return reject("Order subtotal does not meet the minimum of %s for offer %s", o.MinOrderValue.Decimal.StringFixed(2), o.Code)
	}

	// Step 4: scope
	if o.CategoryID != nil && !slices.Contains(in.CategoryIDs, *o.CategoryID) {
		return reject("Offer %s does not apply to any category in your cart", o.Code)
	}
	if o.MenuItemID != nil && !slices.Contains(in.ItemIDs, *o.MenuItemID) {
		return reject("Offer %s does not apply to any item in your cart", o.Code)
	}

	// Step 5: per-user usage
	if o.FirstOrderOnly && in.History.NonCancelledOrders > 0 {
		return reject("Offer %s is valid on your first order only", o.Code)
	}
	if o.MaxUsesPerUser != nil && in.History.OfferUses >= *o.MaxUsesPerUser {
		return reject("You have already used offer %s the maximum number of times", o.Code)
	}

	// Step 6: discount amount
	result := Result{Valid: true, DiscountAmount: decimal.Zero}
	switch o.DiscountType {
	case models.DiscountPercentage:
		if !o.DiscountValue.Valid {
			return reject("Offer %s is misconfigured", o.Code)
		}
		amount := in.Subtotal.Mul(o.DiscountValue.Decimal).Div(hundred).Round(2)
		if o.MaxDiscountAmount.Valid && amount.GreaterThan(o.MaxDiscountAmount.Decimal) {
			amount = o.MaxDiscountAmount.Decimal
		}
		result.DiscountAmount = amount
		result.Message = fmt.Sprintf("%s%% off applied", o.DiscountValue.Decimal.String())

	case models.DiscountFlat:
		if !o.DiscountValue.Valid {
			return reject("Offer %s is misconfigured", o.Code)
		}
		amount := o.DiscountValue.Decimal
		if amount.GreaterThan(in.Subtotal) {
			amount = in.Subtotal
		}
		result.DiscountAmount = amount
		result.Message = fmt.Sprintf("Flat %s off applied", amount.StringFixed(2))

	case models.DiscountFreeDelivery:
		result.FreeDelivery = true
		result.Message = "Free delivery applied"

	default:
		return reject("Offer %s has unsupported discount type %s", o.Code, o.DiscountType)
	}

	return result
}
