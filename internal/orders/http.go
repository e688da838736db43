package orders

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/redstone/orderflow/internal/basket"
)

type Handler struct {
	Svc *Service
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/orders", h.create)
	r.Post("/v1/orders/from-basket", h.createFromBasket)
	r.Get("/v1/orders/{id}", h.get)
	r.Get("/v1/orders/{id}/events", h.timeline)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	o, created, err := h.Svc.Create(r.Context(), r.Header.Get("Idempotency-Key"), req)
	h.respond(w, r, o, created, err)
}

func (h *Handler) createFromBasket(w http.ResponseWriter, r *http.Request) {
	o, created, err := h.Svc.CreateFromBasket(r.Context(), r.Header.Get("Idempotency-Key"), basket.CustomerID(r))
	h.respond(w, r, o, created, err)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, o *Order, created bool, err error) {
	switch {
	case errors.Is(err, ErrMissingKey), errors.Is(err, ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		h.Svc.Log.Error(r.Context(), "create order failed", map[string]any{"err": err})
		http.Error(w, "db error", http.StatusInternalServerError)
	case created:
		w.Header().Set("Location", "/v1/orders/"+o.ID)
		writeJSON(w, http.StatusCreated, o)
	default:
		writeJSON(w, http.StatusOK, o)
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Svc.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Svc.Store.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
