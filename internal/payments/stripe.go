package payments

import (
	"context"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// Hold describes the funds reserved for an accepted booking.
type Hold struct {
	BookingID   string
	RequestID   string
	PassengerID string
	Fare        float64
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/cancel flows.
type StripeClient struct {
	currency string
}

// NewStripeClient sets the package-level stripe key.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeClient{currency: currency}
}

// Hold creates a PaymentIntent with capture_method=manual to hold the fare.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, h Hold) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(MinorUnits(h.Fare)),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("booking_id", h.BookingID)
	params.AddMetadata("request_id", h.RequestID)
	params.AddMetadata("passenger_id", h.PassengerID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: stripe hold: %v", models.ErrExternal, err)
	}
	return pi.ID, nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// MinorUnits converts a fare to cents.
func MinorUnits(fare float64) int64 {
	return int64(math.Round(fare * 100))
}
