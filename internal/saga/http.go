package saga

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Reader is the query side of a Store.
type Reader interface {
	Get(ctx context.Context, orderID string) (*Instance, error)
	Tombstone(ctx context.Context, orderID string) (State, time.Time, error)
}

// Routes mounts GET /v1/sagas/{orderId}. A finalized order answers 404 with
// its final state in the body.
func Routes(r chi.Router, rd Reader) {
	r.Get("/v1/sagas/{orderId}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "orderId")
		inst, err := rd.Get(req.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, inst)
			return
		}
		if !errors.Is(err, ErrNotFound) {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}

		body := map[string]any{"error": "saga not found", "order_id": id}
		if st, at, err := rd.Tombstone(req.Context(), id); err == nil {
			body["final_state"] = st
			body["finalized_at"] = at
		}
		writeJSON(w, http.StatusNotFound, body)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
