package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redstone/orderflow/internal/redstone"
)

// Bank is the card processor behind the payment service.
type Bank interface {
	Charge(ctx context.Context, amount int64, currency string) (authCode string, err error)
	Refund(ctx context.Context, paymentID string, amount int64, currency string) (refundID string, err error)
}

// StatusError is a non-2xx answer from the bank.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("bank answered %d", e.Code) }

// ErrBankTimeout means the bank did not answer within the client timeout.
var ErrBankTimeout = errors.New("bank timeout")

// HTTPBank talks to the bank over JSON/HTTP. Mode is passed through as the
// ?mode= query parameter the mock bank understands ("fail", "timeout").
type HTTPBank struct {
	BaseURL string
	Mode    string
	Client  *http.Client
}

func NewHTTPBank(baseURL string, timeout time.Duration) *HTTPBank {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPBank{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}
}

type chargeRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type chargeResponse struct {
	AuthCode string `json:"auth_code"`
}

type refundRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type refundResponse struct {
	RefundID string `json:"refund_id"`
}

func (b *HTTPBank) Charge(ctx context.Context, amount int64, currency string) (string, error) {
	var out chargeResponse
	if err := b.post(ctx, "/charge", chargeRequest{Amount: amount, Currency: currency}, &out); err != nil {
		return "", err
	}
	return out.AuthCode, nil
}

func (b *HTTPBank) Refund(ctx context.Context, paymentID string, amount int64, currency string) (string, error) {
	var out refundResponse
	if err := b.post(ctx, "/refund", refundRequest{PaymentID: paymentID, Amount: amount, Currency: currency}, &out); err != nil {
		return "", err
	}
	return out.RefundID, nil
}

func (b *HTTPBank) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	u := strings.TrimRight(b.BaseURL, "/") + path
	if b.Mode != "" {
		u += "?mode=" + url.QueryEscape(b.Mode)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	headers := map[string]string{}
	redstone.InjectTrace(ctx, headers)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ErrBankTimeout
		}
		return fmt.Errorf("bank %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bank %s: decode: %w", path, err)
	}
	return nil
}

// declineReason maps a bank error to the reason carried by the failure
// event. ok is false for errors worth retrying (network, shutdown).
func declineReason(prefix string, err error) (reason string, ok bool) {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("%sbank_status=%d", prefix, se.Code), true
	case errors.Is(err, ErrBankTimeout):
		return prefix + "timeout", true
	}
	return "", false
}
