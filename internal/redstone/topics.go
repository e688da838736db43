package redstone

// Topics names the Kafka topics of one deployment. Each event type is
// published to the topic of the service that owns it.
type Topics struct {
	Orders     string
	Payments   string
	Stock      string
	Email      string
	Saga       string
	DeadLetter string
}

func NewTopics(prefix string) Topics {
	return Topics{
		Orders:     prefix + ".orders",
		Payments:   prefix + ".payments",
		Stock:      prefix + ".stock",
		Email:      prefix + ".email",
		Saga:       prefix + ".saga",
		DeadLetter: prefix + ".dlq",
	}
}

// For returns the topic an event type is published to.
func (t Topics) For(eventType string) string {
	switch eventType {
	case TypeOrderCreated:
		return t.Orders
	case TypePaymentSucceeded, TypePaymentFailed, TypePaymentRefunded:
		return t.Payments
	case TypeStockReserved, TypeStockReserveFailed:
		return t.Stock
	case TypeReceiptEmailSent, TypeReceiptEmailFailed:
		return t.Email
	default:
		return t.Saga
	}
}
