package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type DiscountType string

const (
	DiscountPercentage   DiscountType = "percentage"
	DiscountFlat         DiscountType = "flat"
	DiscountFreeDelivery DiscountType = "free_delivery"
)

// Offer is a promo code. Optional constraints are NULL when unset.
type Offer struct {
	bun.BaseModel `bun:"table:offers,alias:of"`

	ID                string              `bun:"id,pk" json:"id"`
	Code              string              `bun:"code,unique,notnull" json:"code"`
	Description       string              `bun:"description" json:"description,omitempty"`
	DiscountType      DiscountType        `bun:"discount_type,notnull" json:"discountType"`
	DiscountValue     decimal.NullDecimal `bun:"discount_value,type:decimal(12,2)" json:"discountValue"`
	MaxDiscountAmount decimal.NullDecimal `bun:"max_discount_amount,type:decimal(12,2)" json:"maxDiscountAmount"`
	MinOrderValue     decimal.NullDecimal `bun:"min_order_value,type:decimal(12,2)" json:"minOrderValue"`
	CategoryID        *string             `bun:"category_id" json:"categoryId,omitempty"`
	MenuItemID        *string             `bun:"menu_item_id" json:"menuItemId,omitempty"`
	FirstOrderOnly    bool                `bun:"first_order_only,notnull" json:"firstOrderOnly"`
	MaxUsesPerUser    *int                `bun:"max_uses_per_user" json:"maxUsesPerUser,omitempty"`
	ValidFrom         *time.Time          `bun:"valid_from" json:"validFrom,omitempty"`
	ValidTo           *time.Time          `bun:"valid_to" json:"validTo,omitempty"`
	IsActive          bool                `bun:"is_active,notnull" json:"isActive"`
	CreatedAt         time.Time           `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
}
