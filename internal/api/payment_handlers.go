package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/example/ec-settlement/internal/dispatch"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/gateway"
	"go.uber.org/zap"
)

// confirmationAck is the body the gateway expects on every confirmation.
const confirmationAck = "OK"

// PaymentConfirmation receives the gateway's server-to-server callback. It
// always answers 200 so the gateway stops retrying; rejected callbacks are
// only visible in the logs.
func (h *Handlers) PaymentConfirmation(w http.ResponseWriter, r *http.Request) {
	defer func() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, confirmationAck)
	}()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.logger.Error("Unreadable payment confirmation", zap.Error(err))
		return
	}

	c, err := gateway.ParseConfirmation(r.PostForm)
	if err != nil {
		h.logger.Error("Malformed payment confirmation", zap.Error(err))
		return
	}

	// The processor logs its own failures.
	_ = h.confirmations.ProcessConfirmation(r.Context(), c)
}

// PaymentResponse sends the shopper's browser back to the storefront with the
// gateway's query parameters. It never fails.
func (h *Handlers) PaymentResponse(w http.ResponseWriter, r *http.Request) {
	target := gateway.ResponseRedirect(h.responsePageURL, r.URL.Query())
	http.Redirect(w, r, target, http.StatusFound)
}

// InboundWebhook accepts a signed delivery from a chained integration.
func (h *Handlers) InboundWebhook(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get(dispatch.HeaderSignature)
	rawTS := r.Header.Get(dispatch.HeaderTimestamp)
	id := r.Header.Get(dispatch.HeaderID)
	if sig == "" || rawTS == "" || id == "" {
		respondError(w, http.StatusBadRequest, "missing webhook signature headers")
		return
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid webhook timestamp")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := h.subscribers.VerifyDelivery(r.Context(), id, sig, ts, body); err != nil {
		// Unknown ids and bad signatures look the same to the caller.
		respondError(w, http.StatusUnauthorized, "webhook verification failed")
		return
	}

	var env events.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event envelope")
		return
	}
	ev, err := env.Decode()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("Inbound webhook accepted",
		zap.String("subscriber_id", id),
		zap.String("event", string(ev.EventName())))
	respondJSON(w, http.StatusOK, map[string]any{"received": true, "event": ev.EventName()})
}
