package api

import (
	"net/http"

	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/go-chi/chi/v5"
)

type createSubscriberResponse struct {
	*webhook.Subscriber
	// Secret is returned once, at creation.
	Secret string `json:"secret"`
}

func (h *Handlers) CreateSubscriber(w http.ResponseWriter, r *http.Request) {
	var in webhook.CreateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	sub, secret, err := h.subscribers.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, createSubscriberResponse{Subscriber: sub, Secret: secret})
}

func (h *Handlers) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subscribers.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if subs == nil {
		subs = []*webhook.Subscriber{}
	}
	respondJSON(w, http.StatusOK, subs)
}

func (h *Handlers) GetSubscriber(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subscribers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *Handlers) UpdateSubscriber(w http.ResponseWriter, r *http.Request) {
	var in webhook.UpdateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	sub, err := h.subscribers.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *Handlers) DeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	if err := h.subscribers.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestSubscriber sends a test delivery. A failed delivery is still a 200; the
// outcome is in the body.
func (h *Handlers) TestSubscriber(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.pinger.Ping(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, delivery)
}
