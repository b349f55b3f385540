package api

import (
	"net"
	"net/http"
	"strconv"

	"github.com/example/ec-settlement/internal/api/middleware"
	"github.com/example/ec-settlement/internal/command"
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/gateway"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type orderResponse struct {
	*order.Order
	StatusHistory []order.HistoryEntry `json:"status_history"`
}

func newOrderResponse(o *order.Order) orderResponse {
	return orderResponse{Order: o, StatusHistory: o.StatusHistory()}
}

type payOrderRequest struct {
	Buyer           gateway.Buyer  `json:"buyer"`
	ShippingAddress *order.Address `json:"shipping_address,omitempty"`
	Method          string         `json:"method"`
	Card            *gateway.Card  `json:"card,omitempty"`
	Installments    int            `json:"installments"`
	DeviceSessionID string         `json:"device_session_id"`
}

type paymentResponse struct {
	TransactionID  string          `json:"transaction_id"`
	GatewayOrderID string          `json:"gateway_order_id"`
	Outcome        gateway.Outcome `json:"outcome"`
	State          string          `json:"state"`
	ResponseCode   string          `json:"response_code,omitempty"`
	Message        string          `json:"message,omitempty"`
}

func (h *Handlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var cmd command.PlaceOrder
	if !decodeJSON(w, r, &cmd) {
		return
	}
	o, err := h.commands.PlaceOrder(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newOrderResponse(o))
}

// ListOrders filters by fulfillment, payment and limit query parameters.
func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := order.Query{
		Fulfillment: order.FulfillmentStatus(r.URL.Query().Get("fulfillment")),
		Payment:     order.PaymentStatus(r.URL.Query().Get("payment")),
	}
	if q.Fulfillment != "" && !q.Fulfillment.Valid() {
		respondError(w, http.StatusBadRequest, "unknown fulfillment status")
		return
	}
	if q.Payment != "" && !q.Payment.Valid() {
		respondError(w, http.StatusBadRequest, "unknown payment status")
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}

	orders, err := h.orders.Find(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newOrderResponse(o))
}

func (h *Handlers) PayOrder(w http.ResponseWriter, r *http.Request) {
	var req payOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cmd := command.PayOrder{
		OrderID: chi.URLParam(r, "id"),
		TransactionRequest: gateway.TransactionRequest{
			Buyer:           req.Buyer,
			Method:          req.Method,
			Card:            req.Card,
			Installments:    req.Installments,
			DeviceSessionID: req.DeviceSessionID,
			IPAddress:       clientIP(r),
			UserAgent:       r.UserAgent(),
		},
	}
	if req.ShippingAddress != nil {
		cmd.ShippingAddress = *req.ShippingAddress
	}

	res, err := h.commands.PayOrder(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("Payment initiated",
		zap.String("order_id", cmd.OrderID),
		zap.String("outcome", string(res.Outcome)))
	respondJSON(w, http.StatusAccepted, paymentResponse{
		TransactionID:  res.TransactionID,
		GatewayOrderID: res.GatewayOrderID,
		Outcome:        res.Outcome,
		State:          res.State,
		ResponseCode:   res.ResponseCode,
		Message:        res.Message,
	})
}

func (h *Handlers) ShipOrder(w http.ResponseWriter, r *http.Request) {
	var cmd command.ShipOrder
	if !decodeJSON(w, r, &cmd) {
		return
	}
	cmd.OrderID = chi.URLParam(r, "id")
	cmd.Actor = middleware.Actor(r.Context())
	h.respondOrder(w, r)(h.commands.ShipOrder(r.Context(), cmd))
}

func (h *Handlers) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	cmd := command.DeliverOrder{
		OrderID: chi.URLParam(r, "id"),
		Actor:   middleware.Actor(r.Context()),
	}
	h.respondOrder(w, r)(h.commands.DeliverOrder(r.Context(), cmd))
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var cmd command.CancelOrder
	if !decodeJSON(w, r, &cmd) {
		return
	}
	cmd.OrderID = chi.URLParam(r, "id")
	cmd.Actor = middleware.Actor(r.Context())
	h.respondOrder(w, r)(h.commands.CancelOrder(r.Context(), cmd))
}

func (h *Handlers) RefundOrder(w http.ResponseWriter, r *http.Request) {
	var cmd command.RefundOrder
	if !decodeJSON(w, r, &cmd) {
		return
	}
	cmd.OrderID = chi.URLParam(r, "id")
	cmd.Actor = middleware.Actor(r.Context())
	h.respondOrder(w, r)(h.commands.RefundOrder(r.Context(), cmd))
}

func (h *Handlers) UpdateFulfillment(w http.ResponseWriter, r *http.Request) {
	var cmd command.UpdateFulfillment
	if !decodeJSON(w, r, &cmd) {
		return
	}
	cmd.OrderID = chi.URLParam(r, "id")
	cmd.Actor = middleware.Actor(r.Context())
	h.respondOrder(w, r)(h.commands.UpdateFulfillment(r.Context(), cmd))
}

// RunSweep triggers one sweeper pass and reports what it changed. Partial
// failures still answer 200 with the failure count in the report.
func (h *Handlers) RunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("Manual sweep finished with errors", zap.Error(err))
		if report.Failed == 0 {
			h.fail(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) respondOrder(w http.ResponseWriter, r *http.Request) func(*order.Order, error) {
	return func(o *order.Order, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, newOrderResponse(o))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
