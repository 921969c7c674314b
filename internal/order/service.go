package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/notification"
	"ms-ordering/internal/offer"
	"ms-ordering/internal/order/db"
	"ms-ordering/internal/pricing"
)

type DBLayer interface {
	CreateOrder(ctx context.Context, in db.CreateOrderInput) (*models.Order, error)
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]models.Order, error)
	UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, reason string, now time.Time) error
	PreviewOffer(ctx context.Context, userID, code string, lines []pricing.CartLine, delivery decimal.Decimal, now time.Time) (*pricing.Quote, offer.Result, error)
}

// Notifier emits a templated notification without waiting for delivery.
type Notifier interface {
	CreateNotification(ctx context.Context, template string, data map[string]any)
}

// Caller is who is acting on an order.
type Caller struct {
	UserID  string
	IsAdmin bool
}

type PlaceOrderRequest struct {
	AddressID           string             `json:"addressId"`
	OfferCode           string             `json:"offerCode,omitempty"`
	Items               []pricing.CartLine `json:"items"`
	SpecialInstructions string             `json:"specialInstructions,omitempty"`
}

type OfferPreviewRequest struct {
	Code  string             `json:"code"`
	Items []pricing.CartLine `json:"items"`
}

type OfferPreview struct {
	Valid          bool                  `json:"valid"`
	Message        string                `json:"message"`
	Subtotal       decimal.Decimal       `json:"subtotal"`
	GSTAmount      decimal.Decimal       `json:"gstAmount"`
	DiscountAmount decimal.Decimal       `json:"discountAmount"`
	DeliveryCharge decimal.Decimal       `json:"deliveryCharge"`
	TotalPrice     decimal.Decimal       `json:"totalPrice"`
	Categories     []pricing.CategoryTax `json:"categories"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxInstructions = 500
)

type OrderService struct {
	DB             DBLayer
	Notifier       Notifier
	Logger         *logger.Logger
	DeliveryCharge decimal.Decimal
	Now            func() time.Time
}

func NewOrderService(repo DBLayer, notifier Notifier, log *logger.Logger, deliveryCharge decimal.Decimal) *OrderService {
	return &OrderService{
		DB:             repo,
		Notifier:       notifier,
		Logger:         log,
		DeliveryCharge: deliveryCharge,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// ---------------- ORDERS ----------------

// PlaceOrder creates the order in one transaction and then announces it.
func (s *OrderService) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest) (*models.Order, error) {
	// Step 1: request shape
	if strings.TrimSpace(req.AddressID) == "" {
		return nil, apperror.Validation("addressId is required")
	}
	if len(req.Items) == 0 {
		return nil, apperror.Validation("order must contain at least one item")
	}
	if len(req.SpecialInstructions) > maxInstructions {
		return nil, apperror.Validation("specialInstructions must be at most %d characters", maxInstructions)
	}

	// Step 2: price, validate and persist atomically
	created, err := s.DB.CreateOrder(ctx, db.CreateOrderInput{
		UserID:              userID,
		AddressID:           req.AddressID,
		OfferCode:           req.OfferCode,
		Lines:               req.Items,
		SpecialInstructions: req.SpecialInstructions,
		DeliveryCharge:      s.DeliveryCharge,
		Now:                 s.Now(),
	})
	if err != nil {
		return nil, err
	}
	s.Logger.LogOrder("CREATE", created.ID, fmt.Sprintf("total %s for user %s", created.TotalPrice.StringFixed(2), userID))

	// Step 3: notify, never failing the request
	s.Notifier.CreateNotification(ctx, notification.OrderCreated, map[string]any{
		"userId":     created.UserID,
		"orderId":    created.ID,
		"totalPrice": created.TotalPrice.StringFixed(2),
	})

	return created, nil
}

// GetOrder returns the order if the caller owns it or is an admin. Other
// callers get NotFound so order ids cannot be probed.
func (s *OrderService) GetOrder(ctx context.Context, caller Caller, id string) (*models.Order, error) {
	o, err := s.DB.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin && o.UserID != caller.UserID {
		return nil, apperror.NotFound("order %s not found", id)
	}
	return o, nil
}

func (s *OrderService) ListOrders(ctx context.Context, userID string, limit, offset int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.DB.ListOrdersByUser(ctx, userID, limit, offset)
}

// CancelOrder cancels an order on behalf of its owner or an admin.
func (s *OrderService) CancelOrder(ctx context.Context, caller Caller, id, reason string) (*models.Order, error) {
	o, err := s.GetOrder(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, o, models.OrderCancelled, strings.TrimSpace(reason))
}

// UpdateStatus is the kitchen's move along the lifecycle.
func (s *OrderService) UpdateStatus(ctx context.Context, id string, to models.OrderStatus, reason string) (*models.Order, error) {
	o, err := s.DB.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, o, to, strings.TrimSpace(reason))
}

func (s *OrderService) transition(ctx context.Context, o *models.Order, to models.OrderStatus, reason string) (*models.Order, error) {
	from := o.Status
	next := *o
	if err := Transition(&next, to); err != nil {
		return nil, err
	}
	if to != models.OrderCancelled {
		reason = ""
	}

	now := s.Now()
	if err := s.DB.UpdateStatus(ctx, o.ID, from, to, reason, now); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	if reason != "" {
		next.CancelReason = reason
	}
	s.Logger.LogOrder("STATUS", o.ID, fmt.Sprintf("%s -> %s", from, to))

	s.Notifier.CreateNotification(ctx, notification.OrderStatusUpdated, map[string]any{
		"userId":  next.UserID,
		"orderId": next.ID,
		"from":    string(from),
		"status":  string(to),
		"reason":  reason,
	})
	return &next, nil
}

// PreviewOffer prices a cart and checks an offer without creating an order.
func (s *OrderService) PreviewOffer(ctx context.Context, userID string, req OfferPreviewRequest) (*OfferPreview, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, apperror.Validation("code is required")
	}
	delivery := s.DeliveryCharge
	quote, result, err := s.DB.PreviewOffer(ctx, userID, req.Code, req.Items, delivery, s.Now())
	if err != nil {
		return nil, err
	}

	if result.FreeDelivery {
		delivery = decimal.Zero
	}
	return &OfferPreview{
		Valid:          result.Valid,
		Message:        result.Message,
		Subtotal:       quote.Subtotal,
		GSTAmount:      quote.GSTAmount,
		DiscountAmount: result.DiscountAmount,
		DeliveryCharge: delivery,
		TotalPrice:     pricing.Total(quote.Subtotal, quote.GSTAmount, delivery, result.DiscountAmount),
		Categories:     quote.Categories,
	}, nil
}
