package x402

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt fires before the client signs or sends a payment.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess fires after the paid retry returns a non-402 response.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure fires when paying or the paid retry fails.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent describes one step of a client payment. All events of the same
// payment share an ID.
type PaymentEvent struct {
	ID        string
	Type      PaymentEventType
	Timestamp time.Time

	// URL is the protected resource.
	URL string

	Scheme    string
	Network   string
	Asset     string
	Amount    string
	Recipient string

	// Payer and Transaction are set once known.
	Payer       string
	Transaction string

	// Error is set on failure events.
	Error error

	// Duration is measured from the attempt event.
	Duration time.Duration
}

// PaymentCallback handles payment events. Callbacks run synchronously on the
// request goroutine.
type PaymentCallback func(PaymentEvent)

// NewPaymentEvent starts an attempt event for offer with a fresh ID.
func NewPaymentEvent(url string, offer PaymentOffer) PaymentEvent {
	return PaymentEvent{
		ID:        uuid.NewString(),
		Type:      PaymentEventAttempt,
		Timestamp: time.Now(),
		URL:       url,
		Scheme:    offer.Scheme,
		Network:   offer.Network,
		Asset:     offer.TokenAddress,
		Amount:    offer.AmountAtomic,
		Recipient: offer.Recipient,
	}
}

// Next derives a follow-up event of the given type, keeping the ID and offer fields.
func (e PaymentEvent) Next(typ PaymentEventType) PaymentEvent {
	started := e.Timestamp
	e.Type = typ
	e.Timestamp = time.Now()
	e.Duration = e.Timestamp.Sub(started)
	return e
}
