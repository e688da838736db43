package basket

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/redstone/orderflow/internal/redstone"
)

// CustomerID reads the X-Customer-Id header, defaulting to Anonymous.
func CustomerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Customer-Id")); id != "" {
		return id
	}
	return Anonymous
}

func Routes(r chi.Router, s Store, log *redstone.Logger) {
	r.Route("/v1/basket", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			b, err := s.Get(req.Context(), CustomerID(req))
			if err != nil {
				log.Error(req.Context(), "basket get failed", map[string]any{"err": err})
				http.Error(w, "basket unavailable", http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusOK, b)
		})

		r.Post("/items", func(w http.ResponseWriter, req *http.Request) {
			var it Item
			if err := json.NewDecoder(req.Body).Decode(&it); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
			b, err := s.Add(req.Context(), CustomerID(req), it)
			if errors.Is(err, ErrInvalidItem) {
				http.Error(w, "invalid item values", http.StatusBadRequest)
				return
			}
			if err != nil {
				log.Error(req.Context(), "basket add failed", map[string]any{"err": err})
				http.Error(w, "basket unavailable", http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusOK, b)
		})

		r.Delete("/items/{productId}", func(w http.ResponseWriter, req *http.Request) {
			b, err := s.Remove(req.Context(), CustomerID(req), chi.URLParam(req, "productId"))
			if err != nil {
				log.Error(req.Context(), "basket remove failed", map[string]any{"err": err})
				http.Error(w, "basket unavailable", http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusOK, b)
		})

		r.Delete("/", func(w http.ResponseWriter, req *http.Request) {
			if err := s.Clear(req.Context(), CustomerID(req)); err != nil {
				log.Error(req.Context(), "basket clear failed", map[string]any{"err": err})
				http.Error(w, "basket unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
