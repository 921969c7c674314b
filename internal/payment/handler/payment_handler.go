package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-ordering/internal/apperror"
	"ms-ordering/internal/auth"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/order"
	"ms-ordering/internal/payment/services"
	"ms-ordering/internal/utils"
)

const maxWebhookBytes = 1 << 20

type PaymentHandler struct {
	payments  *services.PaymentService
	refunds   *services.RefundCoordinator
	logger    *logger.Logger
	adminRole string
}

func NewPaymentHandler(payments *services.PaymentService, refunds *services.RefundCoordinator, log *logger.Logger, adminRole string) *PaymentHandler {
	return &PaymentHandler{
		payments:  payments,
		refunds:   refunds,
		logger:    log,
		adminRole: adminRole,
	}
}

func (h *PaymentHandler) caller(r *http.Request) order.Caller {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		return order.Caller{}
	}
	return order.Caller{UserID: id.UserID, IsAdmin: id.HasRole(h.adminRole)}
}

func (h *PaymentHandler) fail(w http.ResponseWriter, op string, err error) {
	switch apperror.KindOf(err) {
	case apperror.KindInternal, apperror.KindGatewayUnavailable, apperror.KindGatewayTimeout:
		h.logger.Error("PAYMENT", fmt.Sprintf("%s: %v", op, err))
	default:
		h.logger.Debug("PAYMENT", fmt.Sprintf("%s: %v", op, err))
	}
	utils.WriteError(w, err)
}

type initiateRequest struct {
	OrderID string `json:"orderId"`
}

// Initiate handles POST /api/payments/initiate.
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, "Initiate", err)
		return
	}

	res, err := h.payments.Initiate(r.Context(), h.caller(r), req.OrderID)
	if err != nil {
		h.fail(w, "Initiate", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment initiated", res))
}

// Verify handles POST /api/payments/verify.
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req services.VerifyRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, "Verify", err)
		return
	}

	res, err := h.payments.Verify(r.Context(), h.caller(r), req)
	if err != nil {
		h.fail(w, "Verify", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment verified", res))
}

// Status handles GET /api/payments/status/{orderId}.
func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	res, err := h.payments.Status(r.Context(), h.caller(r), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Status", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment status retrieved", res))
}

// Refund handles POST /api/admin/payments/refund.
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req services.RefundRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, "Refund", err)
		return
	}

	res, err := h.refunds.ProcessRefund(r.Context(), req)
	if err != nil {
		h.fail(w, "Refund", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Refund processed", res))
}

// Webhook handles POST /webhooks/{gateway}. The gateway gets a 200 for
// anything it sent us, valid or not, so it stops retrying.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.logger.Error("WEBHOOK", fmt.Sprintf("read %s webhook body: %v", name, err))
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Webhook received", nil))
		return
	}

	if err := h.payments.HandleWebhook(r.Context(), name, body, r.Header); err != nil {
		h.fail(w, "Webhook", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Webhook received", nil))
}

// Routes mounts the customer payment routes.
func (h *PaymentHandler) Routes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Post("/initiate", h.Initiate)
		r.Post("/verify", h.Verify)
		r.Get("/status/{orderId}", h.Status)
	})
}

// AdminRoutes mounts the refund route.
func (h *PaymentHandler) AdminRoutes(r chi.Router) {
	r.Post("/payments/refund", h.Refund)
}

// WebhookRoutes mounts the unauthenticated gateway callbacks.
func (h *PaymentHandler) WebhookRoutes(r chi.Router) {
	r.Post("/webhooks/{gateway}", h.Webhook)
}
