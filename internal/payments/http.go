package payments

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes mounts GET /v1/payments/{orderId}.
func Routes(r chi.Router, s Store) {
	r.Get("/v1/payments/{orderId}", func(w http.ResponseWriter, req *http.Request) {
		p, err := s.Get(req.Context(), chi.URLParam(req, "orderId"))
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "payment not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p)
	})
}
