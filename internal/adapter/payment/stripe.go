// Package payment verifies checkout completion with Stripe.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v83"
	checkoutsession "github.com/stripe/stripe-go/v83/checkout/session"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

type checkoutGetter func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

// StripeVerifier treats the verification token as a Checkout Session id.
type StripeVerifier struct {
	get checkoutGetter
}

// NewStripeVerifier configures the global Stripe key.
func NewStripeVerifier(secretKey string) *StripeVerifier {
	stripe.Key = secretKey
	return &StripeVerifier{get: checkoutsession.Get}
}

// Verify implements domain.PaymentVerifier.
func (v *StripeVerifier) Verify(ctx context.Context, token string) (domain.PaymentVerification, error) {
	if token == "" {
		return domain.PaymentVerification{}, &domain.ValidationError{Field: "verificationToken", Reason: "required"}
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := v.get(token, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) {
			switch serr.HTTPStatusCode {
			case http.StatusNotFound:
				return domain.PaymentVerification{}, fmt.Errorf("op=payment.verify: %w", domain.ErrNotFound)
			case http.StatusUnauthorized, http.StatusForbidden:
				return domain.PaymentVerification{}, fmt.Errorf("op=payment.verify: %s: %w", serr.Msg, domain.ErrInternal)
			}
		}
		return domain.PaymentVerification{}, fmt.Errorf("op=payment.verify: %w", err)
	}
	return domain.PaymentVerification{
		Token:     token,
		SessionID: cs.ClientReferenceID,
		Paid: cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired,
	}, nil
}
