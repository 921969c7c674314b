package order_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/notification"
	"ms-ordering/internal/offer"
	"ms-ordering/internal/order"
	"ms-ordering/internal/order/db"
	"ms-ordering/internal/pricing"
)

// Mock implementations
type MockDBLayer struct {
	mock.Mock
}

func (m *MockDBLayer) CreateOrder(ctx context.Context, in db.CreateOrderInput) (*models.Order, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockDBLayer) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockDBLayer) ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]models.Order, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Order), args.Error(1)
}

func (m *MockDBLayer) UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, reason string, now time.Time) error {
	args := m.Called(ctx, id, from, to, reason, now)
	return args.Error(0)
}

func (m *MockDBLayer) PreviewOffer(ctx context.Context, userID, code string, lines []pricing.CartLine, delivery decimal.Decimal, now time.Time) (*pricing.Quote, offer.Result, error) {
	args := m.Called(ctx, userID, code, lines, delivery, now)
	if args.Get(0) == nil {
		return nil, offer.Result{}, args.Error(2)
	}
	return args.Get(0).(*pricing.Quote), args.Get(1).(offer.Result), args.Error(2)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) CreateNotification(ctx context.Context, template string, data map[string]any) {
	m.Called(ctx, template, data)
}

var fixedNow = time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)

func newService() (*order.OrderService, *MockDBLayer, *MockNotifier) {
	mockDB := new(MockDBLayer)
	mockNotifier := new(MockNotifier)
	svc := order.NewOrderService(mockDB, mockNotifier, logger.NewNop(), decimal.NewFromInt(40))
	svc.Now = func() time.Time { return fixedNow }
	return svc, mockDB, mockNotifier
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPlaceOrder(t *testing.T) {
	svc, mockDB, mockNotifier := newService()
	lines := []pricing.CartLine{{ItemSizeID: "sz_1", Quantity: 2}}
	created := &models.Order{ID: "ord_1", UserID: "user_asha", Status: models.OrderPendingPayment, TotalPrice: dec("265")}

	mockDB.On("CreateOrder", mock.Anything, mock.MatchedBy(func(in db.CreateOrderInput) bool {
		return in.UserID == "user_asha" && in.OfferCode == "FLAT100" &&
			in.DeliveryCharge.Equal(dec("40")) && in.Now.Equal(fixedNow) && len(in.Lines) == 1
	})).Return(created, nil)
	mockNotifier.On("CreateNotification", mock.Anything, notification.OrderCreated, mock.MatchedBy(func(data map[string]any) bool {
		return data["orderId"] == "ord_1" && data["userId"] == "user_asha"
	})).Return()

	result, err := svc.PlaceOrder(context.Background(), "user_asha", order.PlaceOrderRequest{
		AddressID: "addr_home",
		OfferCode: "FLAT100",
		Items:     lines,
	})

	require.NoError(t, err)
	assert.Equal(t, "ord_1", result.ID)
	mockDB.AssertExpectations(t)
	mockNotifier.AssertExpectations(t)
}

func TestPlaceOrder_IgnoresClientDeliveryCharge(t *testing.T) {
	svc, mockDB, mockNotifier := newService()
	created := &models.Order{ID: "ord_2", UserID: "user_asha", Status: models.OrderPendingPayment, TotalPrice: dec("197.50")}

	mockDB.On("CreateOrder", mock.Anything, mock.MatchedBy(func(in db.CreateOrderInput) bool {
		return in.DeliveryCharge.Equal(dec("40"))
	})).Return(created, nil)
	mockNotifier.On("CreateNotification", mock.Anything, notification.OrderCreated, mock.Anything).Return()

	var req order.PlaceOrderRequest
	body := `{"addressId":"addr_home","items":[{"itemSizeId":"sz_1","quantity":1}],"deliveryCharge":"0"}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	_, err := svc.PlaceOrder(context.Background(), "user_asha", req)

	require.NoError(t, err)
	mockDB.AssertExpectations(t)
}

func TestPlaceOrder_FailureDoesNotNotify(t *testing.T) {
	svc, mockDB, mockNotifier := newService()
	mockDB.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, apperror.OfferInvalid("Offer FLAT100 has expired"))

	result, err := svc.PlaceOrder(context.Background(), "user_asha", order.PlaceOrderRequest{
		AddressID: "addr_home",
		OfferCode: "FLAT100",
		Items:     []pricing.CartLine{{ItemSizeID: "sz_1", Quantity: 1}},
	})

	assert.Nil(t, result)
	assert.Equal(t, apperror.KindOfferInvalid, apperror.KindOf(err))
	mockNotifier.AssertNotCalled(t, "CreateNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestPlaceOrder_RequestValidation(t *testing.T) {
	svc, mockDB, _ := newService()

	tests := []struct {
		name string
		req  order.PlaceOrderRequest
	}{
		{"missing address", order.PlaceOrderRequest{Items: []pricing.CartLine{{ItemSizeID: "sz_1", Quantity: 1}}}},
		{"empty cart", order.PlaceOrderRequest{AddressID: "addr_home"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PlaceOrder(context.Background(), "user_asha", tt.req)
			assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
		})
	}
	mockDB.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
}

func TestGetOrder_Ownership(t *testing.T) {
	svc, mockDB, _ := newService()
	o := &models.Order{ID: "ord_1", UserID: "user_asha", Status: models.OrderPending}
	mockDB.On("GetOrderByID", mock.Anything, "ord_1").Return(o, nil)
	mockDB.On("GetOrderByID", mock.Anything, "missing").Return(nil, apperror.NotFound("order missing not found"))

	// Test case 1: owner
	result, err := svc.GetOrder(context.Background(), order.Caller{UserID: "user_asha"}, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", result.ID)

	// Test case 2: admin
	_, err = svc.GetOrder(context.Background(), order.Caller{UserID: "user_admin", IsAdmin: true}, "ord_1")
	require.NoError(t, err)

	// Test case 3: someone else
	_, err = svc.GetOrder(context.Background(), order.Caller{UserID: "user_ravi"}, "ord_1")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))

	// Test case 4: unknown order
	_, err = svc.GetOrder(context.Background(), order.Caller{UserID: "user_asha"}, "missing")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestListOrders_ClampsPaging(t *testing.T) {
	svc, mockDB, _ := newService()
	mockDB.On("ListOrdersByUser", mock.Anything, "user_asha", 20, 0).Return([]models.Order{{ID: "ord_1"}}, nil)
	mockDB.On("ListOrdersByUser", mock.Anything, "user_asha", 100, 5).Return([]models.Order{}, nil)

	orders, err := svc.ListOrders(context.Background(), "user_asha", 0, -3)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	_, err = svc.ListOrders(context.Background(), "user_asha", 1000, 5)
	require.NoError(t, err)
	mockDB.AssertExpectations(t)
}

func TestCancelOrder(t *testing.T) {
	svc, mockDB, mockNotifier := newService()
	o := &models.Order{ID: "ord_1", UserID: "user_asha", Status: models.OrderPendingPayment}
	mockDB.On("GetOrderByID", mock.Anything, "ord_1").Return(o, nil)
	mockDB.On("UpdateStatus", mock.Anything, "ord_1", models.OrderPendingPayment, models.OrderCancelled, "changed my mind", fixedNow).Return(nil)
	mockNotifier.On("CreateNotification", mock.Anything, notification.OrderStatusUpdated, mock.Anything).Return()

	result, err := svc.CancelOrder(context.Background(), order.Caller{UserID: "user_asha"}, "ord_1", " changed my mind ")

	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, result.Status)
	assert.Equal(t, "changed my mind", result.CancelReason)
	// the loaded order is not mutated
	assert.Equal(t, models.OrderPendingPayment, o.Status)
	mockDB.AssertExpectations(t)
	mockNotifier.AssertExpectations(t)
}

func TestCancelOrder_TerminalRejected(t *testing.T) {
	svc, mockDB, mockNotifier := newService()
	o := &models.Order{ID: "ord_1", UserID: "user_asha", Status: models.OrderCompleted}
	mockDB.On("GetOrderByID", mock.Anything, "ord_1").Return(o, nil)

	_, err := svc.CancelOrder(context.Background(), order.Caller{UserID: "user_asha"}, "ord_1", "")

	assert.Equal(t, apperror.KindTransition, apperror.KindOf(err))
	mockDB.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	mockNotifier.AssertNotCalled(t, "CreateNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateStatus(t *testing.T) {
	svc, mockDB, mockNotifier := newService()
	o := &models.Order{ID: "ord_1", UserID: "user_asha", Status: models.OrderConfirmed}
	mockDB.On("GetOrderByID", mock.Anything, "ord_1").Return(o, nil)
	mockDB.On("UpdateStatus", mock.Anything, "ord_1", models.OrderConfirmed, models.OrderPreparing, "", fixedNow).Return(nil)
	mockNotifier.On("CreateNotification", mock.Anything, notification.OrderStatusUpdated, mock.MatchedBy(func(data map[string]any) bool {
		return data["status"] == "preparing" && data["from"] == "confirmed" && data["userId"] == "user_asha"
	})).Return()

	result, err := svc.UpdateStatus(context.Background(), "ord_1", models.OrderPreparing, "ignored")

	require.NoError(t, err)
	assert.Equal(t, models.OrderPreparing, result.Status)
	assert.Empty(t, result.CancelReason)
	mockNotifier.AssertExpectations(t)
}

func TestUpdateStatus_PaymentStepIsNotManual(t *testing.T) {
	svc, mockDB, _ := newService()
	o := &models.Order{ID: "ord_1", UserID: "user_asha", Status: models.OrderPendingPayment}
	mockDB.On("GetOrderByID", mock.Anything, "ord_1").Return(o, nil)

	_, err := svc.UpdateStatus(context.Background(), "ord_1", models.OrderPending, "")

	assert.Equal(t, apperror.KindTransition, apperror.KindOf(err))
}

func TestUpdateStatus_ConcurrentChange(t *testing.T) {
	svc, mockDB, mockNotifier := newService()
	o := &models.Order{ID: "ord_1", UserID: "user_asha", Status: models.OrderReady}
	mockDB.On("GetOrderByID", mock.Anything, "ord_1").Return(o, nil)
	mockDB.On("UpdateStatus", mock.Anything, "ord_1", models.OrderReady, models.OrderCompleted, "", fixedNow).
		Return(apperror.New(apperror.KindConflict, "order ord_1 is no longer ready"))

	_, err := svc.UpdateStatus(context.Background(), "ord_1", models.OrderCompleted, "")

	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))
	mockNotifier.AssertNotCalled(t, "CreateNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestPreviewOffer_FreeDelivery(t *testing.T) {
	svc, mockDB, _ := newService()
	lines := []pricing.CartLine{{ItemSizeID: "sz_1", Quantity: 1}}
	quote := &pricing.Quote{Subtotal: dec("150"), GSTAmount: dec("7.50")}
	mockDB.On("PreviewOffer", mock.Anything, "user_asha", "WELCOME", lines, mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(dec("40")) }), fixedNow).
		Return(quote, offer.Result{Valid: true, FreeDelivery: true, DiscountAmount: decimal.Zero, Message: "Free delivery applied"}, nil)

	preview, err := svc.PreviewOffer(context.Background(), "user_asha", order.OfferPreviewRequest{Code: "WELCOME", Items: lines})

	require.NoError(t, err)
	assert.True(t, preview.Valid)
	assert.True(t, preview.DeliveryCharge.IsZero())
	assert.Equal(t, "157.50", preview.TotalPrice.StringFixed(2))
}
