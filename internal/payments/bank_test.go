package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/redstone/orderflow/internal/bankmock"
	"github.com/redstone/orderflow/internal/redstone"
)

func mockBank(t *testing.T, cfg bankmock.Config) string {
	t.Helper()
	r := chi.NewRouter()
	bankmock.New(cfg, redstone.NewLoggerTo(io.Discard, "bank-mock")).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestHTTPBank(t *testing.T) {
	ctx := context.Background()

	t.Run("charge and refund", func(t *testing.T) {
		bank := NewHTTPBank(mockBank(t, bankmock.Config{}), time.Second)
		auth, err := bank.Charge(ctx, 100, "TRY")
		if err != nil || auth == "" {
			t.Fatalf("charge: %q, %v", auth, err)
		}
		ref, err := bank.Refund(ctx, "p1", 100, "TRY")
		if err != nil || ref == "" {
			t.Fatalf("refund: %q, %v", ref, err)
		}
	})

	t.Run("status error", func(t *testing.T) {
		bank := NewHTTPBank(mockBank(t, bankmock.Config{}), time.Second)
		bank.Mode = "fail"
		_, err := bank.Charge(ctx, 100, "TRY")
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
			t.Fatalf("err = %v", err)
		}
		if reason, ok := declineReason("", err); !ok || reason != "bank_status=503" {
			t.Fatalf("reason = %q", reason)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		bank := NewHTTPBank(mockBank(t, bankmock.Config{Stall: 2 * time.Second}), 50*time.Millisecond)
		bank.Mode = "timeout"
		if _, err := bank.Refund(ctx, "p1", 100, "TRY"); !errors.Is(err, ErrBankTimeout) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("unreachable is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := NewHTTPBank(url, time.Second).Charge(ctx, 1, "TRY")
		if err == nil {
			t.Fatal("expected an error")
		}
		if _, ok := declineReason("", err); ok {
			t.Fatalf("network error %v mapped to a decline", err)
		}
	})
}

func TestPaymentRoute(t *testing.T) {
	store := newMemStore()
	store.state.payments["o1"] = Payment{OrderID: "o1", Status: Succeeded, Amount: 100, Currency: "TRY"}
	r := chi.NewRouter()
	Routes(r, store)

	for path, want := range map[string]int{"/v1/payments/o1": http.StatusOK, "/v1/payments/o2": http.StatusNotFound} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}
