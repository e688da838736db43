// Package bankmock is a stand-in card processor for local runs and tests.
// It declines a share of requests at random and honours ?mode=fail and
// ?mode=timeout to force the failure paths.
package bankmock

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/redstone/orderflow/internal/redstone"
)

type Config struct {
	// ChargeFailRate and RefundFailRate are probabilities in [0,1].
	ChargeFailRate float64
	RefundFailRate float64
	// Latency is the upper bound of the random delay before answering.
	Latency time.Duration
	// Stall is how long ?mode=timeout waits before answering.
	Stall time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChargeFailRate: 0.30,
		RefundFailRate: 0.10,
		Latency:        800 * time.Millisecond,
		Stall:          5 * time.Second,
	}
}

type Bank struct {
	cfg  Config
	log  *redstone.Logger
	roll func() float64
}

func New(cfg Config, log *redstone.Logger) *Bank {
	return &Bank{cfg: cfg, log: log, roll: rand.Float64}
}

func (b *Bank) Routes(r chi.Router) {
	r.Post("/charge", b.charge)
	r.Post("/refund", b.refund)
}

type chargeRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type refundRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

func (b *Bank) charge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !b.answer(w, r, b.cfg.ChargeFailRate) {
		return
	}
	code := strings.ReplaceAll(uuid.NewString(), "-", "")
	b.log.Info(r.Context(), "charge approved", map[string]any{"amount": req.Amount, "currency": req.Currency, "auth_code": code})
	writeJSON(w, http.StatusOK, map[string]any{"auth_code": code, "amount": req.Amount, "currency": req.Currency})
}

func (b *Bank) refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !b.answer(w, r, b.cfg.RefundFailRate) {
		return
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	b.log.Info(r.Context(), "refund approved", map[string]any{"payment_id": req.PaymentID, "amount": req.Amount, "refund_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"refund_id": id, "payment_id": req.PaymentID, "amount": req.Amount, "currency": req.Currency})
}

// answer applies the mode and the random decline. It reports whether the
// caller should write a success.
func (b *Bank) answer(w http.ResponseWriter, r *http.Request, failRate float64) bool {
	ctx := r.Context()
	switch strings.ToLower(r.URL.Query().Get("mode")) {
	case "fail":
		unavailable(w)
		return false
	case "timeout":
		return sleep(ctx, b.cfg.Stall)
	}
	if b.cfg.Latency > 0 && !sleep(ctx, time.Duration(b.roll()*float64(b.cfg.Latency))) {
		return false
	}
	if b.roll() < failRate {
		b.log.Warn(ctx, "declining request", map[string]any{"path": r.URL.Path})
		unavailable(w)
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func unavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "bank service unavailable"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
