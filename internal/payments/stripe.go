package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient holds, captures and releases ride fares with manual-capture
// PaymentIntents.
type StripeClient struct {
	intents *paymentintent.Client
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{intents: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}}
}

// Hold authorizes amount without capturing it. The ride id is the
// idempotency key, so holding the same ride twice returns the same intent.
func (s *StripeClient) Hold(ctx context.Context, rideID string, amount int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("ride-hold-" + rideID)
	params.AddMetadata("ride_id", rideID)
	pi, err := s.intents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.intents.Capture(paymentIntentID, params)
	return err
}

func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.intents.Cancel(paymentIntentID, params)
	return err
}
