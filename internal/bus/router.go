package bus

import (
	"context"
	"errors"

	"github.com/redstone/orderflow/internal/redstone"
)

// Handler processes one envelope. A returned error means "retry me"; handlers
// return nil for business failures and duplicates.
type Handler func(ctx context.Context, env redstone.Envelope) error

// Router dispatches envelopes by event type. Types without a handler are
// acknowledged and dropped, as several services share each topic.
type Router struct {
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: map[string]Handler{}}
}

func (r *Router) Handle(eventType string, h Handler) {
	r.handlers[eventType] = h
}

func (r *Router) Handles(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

func (r *Router) Dispatch(ctx context.Context, env redstone.Envelope) error {
	h, ok := r.handlers[env.EventType]
	if !ok {
		return nil
	}
	return h(ctx, env)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the runner dead letters the
// message on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type headersKey struct{}

// WithHeaders stores the transport headers of the message being handled.
func WithHeaders(ctx context.Context, h map[string]string) context.Context {
	return context.WithValue(ctx, headersKey{}, h)
}

// Header returns one transport header of the message being handled.
func Header(ctx context.Context, key string) string {
	h, _ := ctx.Value(headersKey{}).(map[string]string)
	return h[key]
}
