package stock

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func Routes(r chi.Router, s Store) {
	r.Get("/v1/stock/{sku}", func(w http.ResponseWriter, req *http.Request) {
		lvl, err := s.Level(req.Context(), chi.URLParam(req, "sku"))
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sku":       lvl.SKU,
			"on_hand":   lvl.OnHand,
			"reserved":  lvl.Reserved,
			"available": lvl.Available(),
		})
	})
}
