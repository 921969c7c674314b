package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPending        OrderStatus = "pending"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderPreparing      OrderStatus = "preparing"
	OrderReady          OrderStatus = "ready"
	OrderCompleted      OrderStatus = "completed"
	OrderCancelled      OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Order totals are fixed at creation:
// total_price = max(0, subtotal + gst_amount + delivery_charge - discount_amount).
type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID                  string          `bun:"id,pk" json:"id"`
	UserID              string          `bun:"user_id,notnull" json:"userId"`
	AddressID           string          `bun:"address_id,notnull" json:"addressId"`
	AddressSnapshot     string          `bun:"address_snapshot,notnull" json:"addressSnapshot"`
	OfferID             *string         `bun:"offer_id" json:"offerId,omitempty"`
	OfferCode           *string         `bun:"offer_code" json:"offerCode,omitempty"`
	Status              OrderStatus     `bun:"status,notnull" json:"status"`
	PaymentStatus       PaymentStatus   `bun:"payment_status,notnull" json:"paymentStatus"`
	Subtotal            decimal.Decimal `bun:"subtotal,type:decimal(12,2),notnull" json:"subtotal"`
	GSTAmount           decimal.Decimal `bun:"gst_amount,type:decimal(12,2),notnull" json:"gstAmount"`
	DiscountAmount      decimal.Decimal `bun:"discount_amount,type:decimal(12,2),notnull" json:"discountAmount"`
	DeliveryCharge      decimal.Decimal `bun:"delivery_charge,type:decimal(12,2),notnull" json:"deliveryCharge"`
	TotalPrice          decimal.Decimal `bun:"total_price,type:decimal(12,2),notnull" json:"totalPrice"`
	SpecialInstructions string          `bun:"special_instructions" json:"specialInstructions,omitempty"`
	CancelReason        string          `bun:"cancel_reason" json:"cancelReason,omitempty"`
	CreatedAt           time.Time       `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt           time.Time       `bun:"updated_at,notnull" json:"updatedAt"`

	Items []*OrderItem `bun:"rel:has-many,join:id=order_id" json:"items,omitempty"`
}

// OrderItem stores a snapshot of the catalog at order time.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_items,alias:oi"`

	ID           string          `bun:"id,pk" json:"id"`
	OrderID      string          `bun:"order_id,notnull" json:"orderId"`
	MenuItemID   string          `bun:"menu_item_id,notnull" json:"menuItemId"`
	ItemSizeID   string          `bun:"item_size_id,notnull" json:"itemSizeId"`
	CategoryName string          `bun:"category_name,notnull" json:"categoryName"`
	ItemName     string          `bun:"item_name,notnull" json:"itemName"`
	SizeLabel    string          `bun:"size_label,notnull" json:"sizeLabel"`
	BasePrice    decimal.Decimal `bun:"base_price,type:decimal(12,2),notnull" json:"basePrice"`
	GSTRate      decimal.Decimal `bun:"gst_rate,type:decimal(5,2),notnull" json:"gstRate"`
	Quantity     int             `bun:"quantity,notnull" json:"quantity"`
	LineTotal    decimal.Decimal `bun:"line_total,type:decimal(12,2),notnull" json:"lineTotal"`

	AddOns []*OrderItemAddOn `bun:"rel:has-many,join:id=order_item_id" json:"addOns,omitempty"`
}

type OrderItemAddOn struct {
	bun.BaseModel `bun:"table:order_item_add_ons,alias:oia"`

	ID          string          `bun:"id,pk" json:"id"`
	OrderItemID string          `bun:"order_item_id,notnull" json:"orderItemId"`
	AddOnID     string          `bun:"add_on_id,notnull" json:"addOnId"`
	Name        string          `bun:"name,notnull" json:"name"`
	Price       decimal.Decimal `bun:"price,type:decimal(12,2),notnull" json:"price"`
	Quantity    int             `bun:"quantity,notnull" json:"quantity"`
}
