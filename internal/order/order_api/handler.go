package order_api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/auth"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/order"
	"ms-ordering/internal/utils"
)

type Handler struct {
	OrderService *order.OrderService
	Logger       *logger.Logger
	AdminRole    string
}

func NewHandler(orderService *order.OrderService, log *logger.Logger, adminRole string) *Handler {
	return &Handler{
		OrderService: orderService,
		Logger:       log,
		AdminRole:    adminRole,
	}
}

func (h *Handler) caller(r *http.Request) order.Caller {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		return order.Caller{}
	}
	return order.Caller{UserID: id.UserID, IsAdmin: id.HasRole(h.AdminRole)}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if apperror.KindOf(err) == apperror.KindInternal {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Debug("API", fmt.Sprintf("%s: %v", op, err))
	}
	utils.WriteError(w, err)
}

// PlaceOrder handles POST /api/orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req order.PlaceOrderRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, "PlaceOrder", err)
		return
	}

	created, err := h.OrderService.PlaceOrder(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		h.fail(w, "PlaceOrder", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Order created", created))
}

// GetOrder handles GET /api/orders/{orderId}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	o, err := h.OrderService.GetOrder(r.Context(), h.caller(r), orderID)
	if err != nil {
		h.fail(w, "GetOrder", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order retrieved", o))
}

// ListOrders handles GET /api/orders?limit=&offset=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	orders, err := h.OrderService.ListOrders(r.Context(), auth.UserID(r.Context()), limit, offset)
	if err != nil {
		h.fail(w, "ListOrders", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Orders retrieved", orders))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder handles POST /api/orders/{orderId}/cancel. The body is optional.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := utils.DecodeJSON(w, r, &req); err != nil {
			h.fail(w, "CancelOrder", err)
			return
		}
	}

	o, err := h.OrderService.CancelOrder(r.Context(), h.caller(r), orderID, req.Reason)
	if err != nil {
		h.fail(w, "CancelOrder", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order cancelled", o))
}

type statusRequest struct {
	Status models.OrderStatus `json:"status"`
	Reason string             `json:"reason,omitempty"`
}

// UpdateStatus handles PATCH /api/admin/orders/{orderId}/status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	var req statusRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, "UpdateStatus", err)
		return
	}
	if req.Status == "" {
		h.fail(w, "UpdateStatus", apperror.Validation("status is required"))
		return
	}

	o, err := h.OrderService.UpdateStatus(r.Context(), orderID, req.Status, req.Reason)
	if err != nil {
		h.fail(w, "UpdateStatus", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order status updated", o))
}

// ValidateOffer handles POST /api/offers/validate.
func (h *Handler) ValidateOffer(w http.ResponseWriter, r *http.Request) {
	var req order.OfferPreviewRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, "ValidateOffer", err)
		return
	}

	preview, err := h.OrderService.PreviewOffer(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		h.fail(w, "ValidateOffer", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(preview.Message, preview))
}

// Routes mounts the customer routes. Authentication is applied by the caller.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Get("/", h.ListOrders)
		r.Get("/{orderId}", h.GetOrder)
		r.Post("/{orderId}/cancel", h.CancelOrder)
	})
	r.Post("/offers/validate", h.ValidateOffer)
}

// AdminRoutes mounts the kitchen routes.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Patch("/orders/{orderId}/status", h.UpdateStatus)
}
